package auth

import (
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	// DefaultMaxAttempts is the consecutive-failure threshold before blocking.
	DefaultMaxAttempts = 5
	// DefaultAuthWindow resets the failure counter after this much idle time.
	DefaultAuthWindow = 10 * time.Minute
	// MaxBackoff caps the exponential block window.
	MaxBackoff = 1800 * time.Second

	sweepInterval = time.Hour
	recordMaxIdle = 24 * time.Hour
)

// rateRecord tracks auth failures for one (peer, clientId) key.
type rateRecord struct {
	consecutiveFailures int
	lastAttempt         time.Time
	blockedUntil        time.Time
}

// CheckResult is the outcome of an admission check.
type CheckResult struct {
	Limited     bool
	WaitSeconds int64
}

// AuthLimiterConfig configures an AuthLimiter. Zero values take defaults.
type AuthLimiterConfig struct {
	MaxAttempts int
	AuthWindow  time.Duration
	Clock       clockwork.Clock
	Logger      zerolog.Logger
}

// AuthLimiter throttles authentication failures per rate-limit key with
// exponential backoff. After MaxAttempts consecutive failures the key is
// blocked for 2^(failures-1) seconds, doubling per further failure and capped
// at MaxBackoff. An hourly sweep reclaims records idle for 24h that are not
// currently blocked; the sweep never holds the lock across I/O.
type AuthLimiter struct {
	mu      sync.Mutex
	records map[string]*rateRecord

	maxAttempts int
	authWindow  time.Duration
	clock       clockwork.Clock
	logger      zerolog.Logger

	sweepTicker clockwork.Ticker
	stopSweep   chan struct{}
	stopOnce    sync.Once
}

// NewAuthLimiter creates a limiter and starts its periodic GC sweep.
func NewAuthLimiter(cfg AuthLimiterConfig) *AuthLimiter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.AuthWindow <= 0 {
		cfg.AuthWindow = DefaultAuthWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	l := &AuthLimiter{
		records:     make(map[string]*rateRecord),
		maxAttempts: cfg.MaxAttempts,
		authWindow:  cfg.AuthWindow,
		clock:       cfg.Clock,
		logger:      cfg.Logger.With().Str("component", "auth_limiter").Logger(),
		stopSweep:   make(chan struct{}),
	}

	l.sweepTicker = l.clock.NewTicker(sweepInterval)
	go l.sweepLoop()

	return l
}

// RateKey builds the canonical rate-limit key from a peer address and client
// id. When the peer value carries a comma-separated list (X-Forwarded-For),
// callers pass the first address.
func RateKey(peer, clientID string) string {
	return peer + ":" + clientID
}

// Check reports whether the key is currently blocked and, if so, the whole
// seconds the caller must wait (rounded up).
func (l *AuthLimiter) Check(key string) CheckResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[key]
	if !ok {
		return CheckResult{}
	}

	now := l.clock.Now()
	l.maybeResetLocked(rec, now)

	if rec.blockedUntil.After(now) {
		wait := int64(math.Ceil(rec.blockedUntil.Sub(now).Seconds()))
		return CheckResult{Limited: true, WaitSeconds: wait}
	}
	return CheckResult{}
}

// RecordFailure counts a failed attempt. Once failures reach the threshold
// the block window opens and doubles on every further failure.
func (l *AuthLimiter) RecordFailure(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	rec, ok := l.records[key]
	if !ok {
		rec = &rateRecord{}
		l.records[key] = rec
	}
	l.maybeResetLocked(rec, now)

	rec.consecutiveFailures++
	rec.lastAttempt = now

	if rec.consecutiveFailures >= l.maxAttempts {
		backoff := time.Duration(1) << (rec.consecutiveFailures - 1) * time.Second
		if backoff > MaxBackoff || backoff <= 0 {
			backoff = MaxBackoff
		}
		rec.blockedUntil = now.Add(backoff)

		l.logger.Warn().
			Str("key", key).
			Int("failures", rec.consecutiveFailures).
			Dur("backoff", backoff).
			Msg("Auth key blocked")
	}
}

// RecordSuccess clears the key's failure state.
func (l *AuthLimiter) RecordSuccess(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[key]
	if !ok {
		return
	}
	rec.consecutiveFailures = 0
	rec.blockedUntil = time.Time{}
	rec.lastAttempt = l.clock.Now()
}

// Remaining reports how many attempts are left before the key blocks.
func (l *AuthLimiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[key]
	if !ok {
		return l.maxAttempts
	}
	l.maybeResetLocked(rec, l.clock.Now())

	remaining := l.maxAttempts - rec.consecutiveFailures
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Stop halts the GC sweep goroutine.
func (l *AuthLimiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopSweep)
	})
}

// maybeResetLocked zeroes the failure counter when the key has been idle past
// the auth window. Callers hold l.mu.
func (l *AuthLimiter) maybeResetLocked(rec *rateRecord, now time.Time) {
	if !rec.lastAttempt.IsZero() && now.Sub(rec.lastAttempt) > l.authWindow {
		rec.consecutiveFailures = 0
	}
}

func (l *AuthLimiter) sweepLoop() {
	for {
		select {
		case <-l.sweepTicker.Chan():
			l.sweep()
		case <-l.stopSweep:
			l.sweepTicker.Stop()
			return
		}
	}
}

// sweep drops records idle for 24h whose block window has passed.
func (l *AuthLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	removed := 0
	for key, rec := range l.records {
		if now.Sub(rec.lastAttempt) >= recordMaxIdle && !rec.blockedUntil.After(now) {
			delete(l.records, key)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(l.records)).
			Msg("Swept stale auth rate records")
	}
}

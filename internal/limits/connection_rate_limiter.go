// Package limits provides admission control in front of the WebSocket
// upgrade: token-bucket rate limiting of connection attempts, per source IP
// and globally. This is distinct from the authentication backoff limiter,
// which throttles failed signature attempts per identity.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/seriado/ollagate/internal/monitoring"
)

// ConnectionRateLimiter rate limits connection attempts.
//
// Two levels:
//   - per-IP: a single address cannot flood the listener
//   - global: distributed floods cannot exhaust the process
type ConnectionRateLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.Mutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter

	logger zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionRateLimiterConfig holds limiter knobs. Zero values take defaults.
type ConnectionRateLimiterConfig struct {
	IPBurst     int           // max burst connections per IP (default 10)
	IPRate      float64       // sustained connections/sec per IP (default 1.0)
	IPTTL       time.Duration // drop idle IP entries after this (default 5m)
	GlobalBurst int           // max burst connections system-wide (default 300)
	GlobalRate  float64       // sustained connections/sec system-wide (default 50)
	Logger      zerolog.Logger
}

// NewConnectionRateLimiter creates the limiter and starts its cleanup loop.
func NewConnectionRateLimiter(config ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if config.IPBurst == 0 {
		config.IPBurst = 10
	}
	if config.IPRate == 0 {
		config.IPRate = 1.0
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 300
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 50.0
	}

	l := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       config.IPBurst,
		ipRate:        config.IPRate,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		logger:        config.Logger.With().Str("component", "conn_rate_limiter").Logger(),
		stopCleanup:   make(chan struct{}),
	}

	l.cleanupTicker = time.NewTicker(time.Minute)
	go l.cleanupLoop()

	return l
}

// Allow reports whether a connection attempt from ip may proceed. The global
// bucket is checked first so a distributed flood fails fast without a map
// lookup.
func (l *ConnectionRateLimiter) Allow(ip string) bool {
	if !l.globalLimiter.Allow() {
		monitoring.ConnectionsRejected.WithLabelValues("global_rate_limit").Inc()
		return false
	}
	if !l.getIPLimiter(ip).Allow() {
		monitoring.ConnectionsRejected.WithLabelValues("ip_rate_limit").Inc()
		return false
	}
	return true
}

func (l *ConnectionRateLimiter) getIPLimiter(ip string) *rate.Limiter {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	if entry, ok := l.ipLimiters[ip]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst)
	l.ipLimiters[ip] = &ipLimiterEntry{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (l *ConnectionRateLimiter) cleanupLoop() {
	for {
		select {
		case <-l.cleanupTicker.C:
			l.cleanup()
		case <-l.stopCleanup:
			l.cleanupTicker.Stop()
			return
		}
	}
}

func (l *ConnectionRateLimiter) cleanup() {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	now := time.Now()
	removed := 0
	for ip, entry := range l.ipLimiters {
		if now.Sub(entry.lastAccess) > l.ipTTL {
			delete(l.ipLimiters, ip)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(l.ipLimiters)).
			Msg("Cleaned up stale IP rate limiters")
	}
}

// Stop halts the cleanup goroutine.
func (l *ConnectionRateLimiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCleanup)
	})
}

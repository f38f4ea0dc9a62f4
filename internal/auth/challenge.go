package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultChallengeTTL is how long an issued challenge stays valid.
const DefaultChallengeTTL = 10 * time.Minute

// challengeEntry is the per-connection nonce state.
type challengeEntry struct {
	challenge string
	expiresAt time.Time
	timer     clockwork.Timer
}

// ChallengeStore issues single-use nonces keyed by connection id. At most one
// live challenge exists per connection; issuing again replaces the previous
// entry and cancels its expiry timer. A successful verify consumes the entry
// so the same challenge can never authenticate twice.
type ChallengeStore struct {
	mu      sync.Mutex
	entries map[string]*challengeEntry
	ttl     time.Duration
	clock   clockwork.Clock
}

// NewChallengeStore creates a store with the given TTL. A zero ttl uses
// DefaultChallengeTTL; a nil clock uses the real one.
func NewChallengeStore(ttl time.Duration, clock clockwork.Clock) *ChallengeStore {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ChallengeStore{
		entries: make(map[string]*challengeEntry),
		ttl:     ttl,
		clock:   clock,
	}
}

// Issue generates a fresh 256-bit hex challenge for the connection and
// schedules its expiry. Any prior challenge for the same connection is
// replaced and its timer stopped.
func (s *ChallengeStore) Issue(connectionID string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate challenge: %w", err)
	}
	challenge := hex.EncodeToString(buf)

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.entries[connectionID]; ok {
		prev.timer.Stop()
	}

	entry := &challengeEntry{
		challenge: challenge,
		expiresAt: s.clock.Now().Add(s.ttl),
	}
	entry.timer = s.clock.AfterFunc(s.ttl, func() {
		s.expire(connectionID, challenge)
	})
	s.entries[connectionID] = entry

	return challenge, nil
}

// Verify reports whether challenge matches the live, unexpired entry for the
// connection. On success the entry is consumed; a replayed challenge fails.
func (s *ChallengeStore) Verify(connectionID, challenge string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[connectionID]
	if !ok {
		return false
	}
	if s.clock.Now().After(entry.expiresAt) {
		entry.timer.Stop()
		delete(s.entries, connectionID)
		return false
	}
	if entry.challenge != challenge {
		return false
	}

	entry.timer.Stop()
	delete(s.entries, connectionID)
	return true
}

// Clear removes the connection's challenge, if any, and stops its timer.
func (s *ChallengeStore) Clear(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[connectionID]; ok {
		entry.timer.Stop()
		delete(s.entries, connectionID)
	}
}

// Consume removes the connection's challenge after a failed verification so
// the peer must reconnect for a fresh one (anti-replay).
func (s *ChallengeStore) Consume(connectionID string) {
	s.Clear(connectionID)
}

// Len reports the number of live challenges. Used by monitoring and tests.
func (s *ChallengeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// expire is the timer callback. It only removes the entry when the stored
// challenge is still the one the timer was armed for.
func (s *ChallengeStore) expire(connectionID, challenge string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[connectionID]; ok && entry.challenge == challenge {
		delete(s.entries, connectionID)
	}
}

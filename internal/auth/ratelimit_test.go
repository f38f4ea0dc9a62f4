package auth

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, clock clockwork.Clock) *AuthLimiter {
	t.Helper()
	l := NewAuthLimiter(AuthLimiterConfig{
		MaxAttempts: 5,
		AuthWindow:  10 * time.Minute,
		Clock:       clock,
	})
	t.Cleanup(l.Stop)
	return l
}

func TestAuthLimiterRemainingCountsDown(t *testing.T) {
	l := newTestLimiter(t, clockwork.NewFakeClock())
	key := RateKey("10.0.0.1", "client-a")

	require.Equal(t, 5, l.Remaining(key))
	for i := 1; i <= 4; i++ {
		l.RecordFailure(key)
		assert.Equal(t, 5-i, l.Remaining(key))
		assert.False(t, l.Check(key).Limited, "attempt %d must not block yet", i)
	}
}

func TestAuthLimiterBlocksAtThreshold(t *testing.T) {
	l := newTestLimiter(t, clockwork.NewFakeClock())
	key := RateKey("10.0.0.1", "client-a")

	for i := 0; i < 5; i++ {
		l.RecordFailure(key)
	}

	res := l.Check(key)
	require.True(t, res.Limited)
	// Five consecutive failures give a 2^(5-1) = 16 second block.
	assert.Equal(t, int64(16), res.WaitSeconds)
}

func TestAuthLimiterBackoffDoubles(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLimiter(t, clock)
	key := RateKey("10.0.0.1", "client-a")

	for i := 0; i < 5; i++ {
		l.RecordFailure(key)
	}
	first := l.Check(key).WaitSeconds

	// Wait out the block, fail again: backoff doubles.
	clock.Advance(time.Duration(first) * time.Second)
	require.False(t, l.Check(key).Limited)
	l.RecordFailure(key)

	second := l.Check(key).WaitSeconds
	assert.Equal(t, first*2, second)
}

func TestAuthLimiterBackoffCap(t *testing.T) {
	l := newTestLimiter(t, clockwork.NewFakeClock())
	key := RateKey("10.0.0.1", "client-a")

	// Fifteen consecutive failures ask for 2^14 seconds; the cap wins.
	for i := 0; i < 15; i++ {
		l.RecordFailure(key)
	}

	res := l.Check(key)
	require.True(t, res.Limited)
	assert.Equal(t, int64(MaxBackoff/time.Second), res.WaitSeconds)
}

func TestAuthLimiterWindowReset(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLimiter(t, clock)
	key := RateKey("10.0.0.1", "client-a")

	for i := 0; i < 4; i++ {
		l.RecordFailure(key)
	}
	require.Equal(t, 1, l.Remaining(key))

	// Idle past the window: the failure budget replenishes.
	clock.Advance(10*time.Minute + time.Second)
	assert.Equal(t, 5, l.Remaining(key))
}

func TestAuthLimiterSuccessClears(t *testing.T) {
	l := newTestLimiter(t, clockwork.NewFakeClock())
	key := RateKey("10.0.0.1", "client-a")

	for i := 0; i < 4; i++ {
		l.RecordFailure(key)
	}
	l.RecordSuccess(key)

	assert.Equal(t, 5, l.Remaining(key))
	assert.False(t, l.Check(key).Limited)
}

func TestAuthLimiterKeysAreIndependent(t *testing.T) {
	l := newTestLimiter(t, clockwork.NewFakeClock())
	blocked := RateKey("10.0.0.1", "client-a")
	other := RateKey("10.0.0.2", "client-a")

	for i := 0; i < 5; i++ {
		l.RecordFailure(blocked)
	}

	assert.True(t, l.Check(blocked).Limited)
	assert.False(t, l.Check(other).Limited, "a different peer must not share the block")
	assert.Equal(t, 5, l.Remaining(other))
}

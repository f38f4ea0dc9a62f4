package client

import (
	"time"

	"github.com/rs/zerolog"
)

// Defaults for the client runtime.
const (
	DefaultPingInterval         = 30 * time.Second
	DefaultRequestTimeout       = 60 * time.Second
	DefaultChallengeTimeout     = 10 * time.Second
	DefaultReconnectBaseDelay   = time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultMaxReconnectAttempts = 10

	// reconnectJitter is the fractional spread applied to each reconnect
	// delay, so a fleet of clients does not stampede the gateway.
	reconnectJitter = 0.2
)

type options struct {
	logger               zerolog.Logger
	pingInterval         time.Duration
	requestTimeout       time.Duration
	challengeTimeout     time.Duration
	reconnect            bool
	reconnectBaseDelay   time.Duration
	reconnectMaxDelay    time.Duration
	maxReconnectAttempts int
	algorithm            string
}

func defaultOptions() options {
	return options{
		logger:               zerolog.Nop(),
		pingInterval:         DefaultPingInterval,
		requestTimeout:       DefaultRequestTimeout,
		challengeTimeout:     DefaultChallengeTimeout,
		reconnect:            true,
		reconnectBaseDelay:   DefaultReconnectBaseDelay,
		reconnectMaxDelay:    DefaultReconnectMaxDelay,
		maxReconnectAttempts: DefaultMaxReconnectAttempts,
	}
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets the client's logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithPingInterval sets the keepalive ping interval.
func WithPingInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pingInterval = d
		}
	}
}

// WithRequestTimeout sets how long request/response calls (models, stop)
// wait for their answer.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.requestTimeout = d
		}
	}
}

// WithChallengeTimeout sets how long the client waits for the server's
// challenge and for the authentication verdict.
func WithChallengeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.challengeTimeout = d
		}
	}
}

// WithReconnect enables or disables automatic reconnection after a dropped
// connection. Enabled by default.
func WithReconnect(enabled bool) Option {
	return func(o *options) { o.reconnect = enabled }
}

// WithReconnectDelays sets the base and maximum backoff delays between
// reconnect attempts. The delay doubles per attempt from base up to max,
// with jitter.
func WithReconnectDelays(base, max time.Duration) Option {
	return func(o *options) {
		if base > 0 {
			o.reconnectBaseDelay = base
		}
		if max > 0 {
			o.reconnectMaxDelay = max
		}
	}
}

// WithMaxReconnectAttempts bounds the reconnect loop.
func WithMaxReconnectAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxReconnectAttempts = n
		}
	}
}

// WithSignatureAlgorithm overrides the digest used to sign challenges.
// Must match the algorithm the client registered with. Defaults to SHA256.
func WithSignatureAlgorithm(name string) Option {
	return func(o *options) { o.algorithm = name }
}

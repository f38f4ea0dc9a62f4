package client

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// reconnectLoop retries the connection with exponentially growing, jittered
// delays. It stops on success, after the attempt budget, when the client is
// closed, or when a permanent authentication failure rules out retrying.
// A rate-limited verdict overrides the computed delay with the gateway's
// retryAfter.
func (c *Client) reconnectLoop() {
	var override time.Duration
	for attempt := 1; attempt <= c.opts.maxReconnectAttempts; attempt++ {
		delay := c.nextReconnectDelay(attempt, override)
		override = 0

		c.logger.Info().
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Reconnecting")
		c.events.emit(Event{
			Type:        EventReconnecting,
			Attempt:     attempt,
			MaxAttempts: c.opts.maxReconnectAttempts,
			Delay:       delay,
		})

		select {
		case <-time.After(delay):
		case <-c.closed:
			return
		}

		err := c.connectOnce(context.Background())
		if err == nil {
			return
		}

		var ae *AuthError
		if errors.As(err, &ae) {
			if ae.Permanent {
				c.logger.Error().Err(err).Msg("Reconnect aborted, authentication is permanently rejected")
				c.events.emit(Event{Type: EventReconnectFailed, Err: err})
				return
			}
			if ae.RetryAfter > 0 {
				override = ae.RetryAfter
			}
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect attempt failed")
	}

	err := errors.New("reconnect attempts exhausted")
	c.logger.Error().Int("attempts", c.opts.maxReconnectAttempts).Msg("Giving up on reconnection")
	c.events.emit(Event{Type: EventReconnectFailed, Err: err})
}

// nextReconnectDelay picks the wait before the given attempt. A retryAfter
// verdict from the previous attempt replaces the computed backoff outright.
func (c *Client) nextReconnectDelay(attempt int, override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return c.reconnectDelay(attempt)
}

// reconnectDelay computes the backoff for the given attempt: base doubling
// per attempt, capped at max, with +/- jitter applied.
func (c *Client) reconnectDelay(attempt int) time.Duration {
	delay := c.opts.reconnectBaseDelay << (attempt - 1)
	if delay > c.opts.reconnectMaxDelay || delay <= 0 {
		delay = c.opts.reconnectMaxDelay
	}

	spread := 1 + reconnectJitter*(2*rand.Float64()-1)
	jittered := time.Duration(float64(delay) * spread)
	if jittered <= 0 {
		jittered = delay
	}
	return jittered
}

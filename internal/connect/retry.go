package connect

import (
	"context"
	"time"

	"Shardveil/internal/logger"
	"Shardveil/internal/wire"
)

// RetryConfig bounds the retry loop.
type RetryConfig struct {
	MaxAttempts  int           // MaxAttempts caps total attempts, including the first
	BackoffDelay time.Duration // BackoffDelay is the pause between attempts
}

// DefaultRetryConfig is the retry policy used when none is given.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:  3,
	BackoffDelay: 200 * time.Millisecond,
}

// RetryingClient wraps a channel with bounded, classifier-driven
// retries. When an attempt fails with a reattest-worthy error the
// session is invalidated so the next attempt negotiates a fresh one.
type RetryingClient struct {
	channel *Channel
	config  RetryConfig
}

// NewRetryingClient wraps channel with the given policy. Zero config
// fields fall back to DefaultRetryConfig.
func NewRetryingClient(channel *Channel, config RetryConfig) *RetryingClient {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultRetryConfig.MaxAttempts
	}
	if config.BackoffDelay <= 0 {
		config.BackoffDelay = DefaultRetryConfig.BackoffDelay
	}

	return &RetryingClient{channel: channel, config: config}
}

// Addr returns the remote address.
func (r *RetryingClient) Addr() string {
	return r.channel.Addr()
}

// Channel returns the underlying channel, for single attempts inside Do.
func (r *RetryingClient) Channel() *Channel {
	return r.channel
}

// Close releases the underlying channel.
func (r *RetryingClient) Close() error {
	return r.channel.Close()
}

// Call runs one method call with retries.
func (r *RetryingClient) Call(ctx context.Context, method wire.Method, body []byte) ([]byte, error) {
	var out []byte

	err := r.Do(ctx, func(ctx context.Context) error {
		resp, err := r.channel.Call(ctx, method, body)
		if err != nil {
			return err
		}

		out = resp
		return nil
	})

	return out, err
}

// Do runs attempt with retries. The attempt should include decoding of
// the response so that decode failures are retried too.
func (r *RetryingClient) Do(ctx context.Context, attempt func(ctx context.Context) error) error {
	var lastErr error

	for i := 0; i < r.config.MaxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = attempt(ctx)
		if lastErr == nil {
			return nil
		}

		if !ShouldRetry(lastErr) {
			return lastErr
		}

		if ShouldReattest(lastErr) {
			r.channel.Invalidate()
		}

		if i+1 < r.config.MaxAttempts {
			logger.Debug("retrying call",
				"endpoint", r.channel.Addr(), "attempt", i+1, "error", lastErr)

			if !sleep(ctx, r.config.BackoffDelay) {
				return lastErr
			}
		}
	}

	return lastErr
}

// sleep waits for d or until ctx is done. Returns false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ErrReconnectFailed is returned by [Client.Run] when every reconnection
// attempt failed.
var ErrReconnectFailed = errors.New("transport: reconnection failed")

// ReconnectConfig configures reconnection after a dropped connection.
type ReconnectConfig struct {
	// MaxRetries is the maximum number of reconnection attempts per drop.
	// Defaults to 10 if zero. Negative disables reconnection.
	MaxRetries int

	// Backoff is the initial backoff duration between retries. Doubles each
	// attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 30s if zero.
	MaxBackoff time.Duration
}

func (r ReconnectConfig) withDefaults() ReconnectConfig {
	if r.MaxRetries == 0 {
		r.MaxRetries = defaultMaxRetries
	}
	if r.Backoff <= 0 {
		r.Backoff = defaultBackoff
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = defaultMaxBackoff
	}
	return r
}

// retry calls attempt until it succeeds, ctx or done ends, or MaxRetries
// attempts failed. It sleeps between attempts with exponential backoff.
func (r ReconnectConfig) retry(ctx context.Context, done <-chan struct{}, target string, attempt func(context.Context) error) error {
	currentBackoff := r.Backoff

	for n := 1; n <= r.MaxRetries; n++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return ErrClosed
		default:
		}

		slog.Info("attempting reconnection",
			"url", target,
			"attempt", n,
			"max_retries", r.MaxRetries,
			"backoff", currentBackoff,
		)

		err := attempt(ctx)
		if err == nil {
			slog.Info("reconnection successful", "url", target, "attempt", n)
			return nil
		}

		slog.Warn("reconnection attempt failed",
			"url", target,
			"attempt", n,
			"error", err,
		)

		// Wait before retrying.
		timer := time.NewTimer(currentBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-done:
			timer.Stop()
			return ErrClosed
		case <-timer.C:
		}

		// Exponential backoff.
		currentBackoff *= 2
		if currentBackoff > r.MaxBackoff {
			currentBackoff = r.MaxBackoff
		}
	}

	slog.Error("reconnection failed after max retries",
		"url", target,
		"max_retries", r.MaxRetries,
	)
	return ErrReconnectFailed
}

package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
)

// ReconnectConfig bounds device reopen attempts.
type ReconnectConfig struct {
	MaxRetries    int           // reopen attempts after the first failure (default: 5)
	RetryDelay    time.Duration // first backoff step (default: 500ms)
	MaxRetryDelay time.Duration // backoff cap (default: 10s)
}

// DefaultReconnectConfig returns the reopen budget used when none is set.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    5,
		RetryDelay:    500 * time.Millisecond,
		MaxRetryDelay: 10 * time.Second,
	}
}

// ReconnectState accumulates failed reopen attempts over the manager lifetime.
type ReconnectState struct {
	Reconnects atomic.Uint32
}

// ConnectFunc attempts to (re)establish the device.
type ConnectFunc func(ctx context.Context) error

// RunWithReconnect calls connectFn until it succeeds or MaxRetries retries
// have failed. The wait doubles from RetryDelay up to MaxRetryDelay:
//
//	500ms, 1s, 2s, 4s, 8s, then give up (defaults)
//
// A cancelled ctx ends the loop with ctx.Err().
func RunWithReconnect(ctx context.Context, connectFn ConnectFunc, cfg ReconnectConfig, state *ReconnectState) error {
	attempts := uint(max(cfg.MaxRetries, 0)) + 1

	err := retry.Do(
		func() error {
			err := connectFn(ctx)
			if err != nil && ctx.Err() == nil {
				state.Reconnects.Add(1)
				slog.Error("capture: device open failed", "error", err)
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(cfg.RetryDelay),
		retry.MaxDelay(cfg.MaxRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(error) bool { return ctx.Err() == nil }),
		retry.OnRetry(func(n uint, err error) {
			if n+1 < attempts {
				slog.Warn("capture: retrying device open",
					"attempt", n+1,
					"max_retries", cfg.MaxRetries,
					"delay", calculateBackoff(int(n)+1, cfg),
				)
			}
		}),
	)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("capture: max retries exceeded (%d attempts): %w", attempts, err)
}

// calculateBackoff returns RetryDelay * 2^(attempt-1), capped at MaxRetryDelay.
func calculateBackoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}

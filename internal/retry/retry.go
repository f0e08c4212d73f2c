// Package retry runs operations with exponential backoff on a
// replaceable clock.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	syncerr "github.com/alexjbarnes/treesync/internal/errors"
	"github.com/jonboulle/clockwork"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int           // total attempts, including the first
	InitialWait time.Duration // wait before the second attempt
	MaxWait     time.Duration // cap on any single wait
	Multiplier  float64       // backoff growth per attempt
	Jitter      float64       // fraction of the wait randomized, 0-1
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: time.Second,
		MaxWait:     30 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// Delay returns the wait after the given failed attempt (1-based).
func Delay(cfg Config, attempt int) time.Duration {
	if cfg.InitialWait <= 0 {
		return 0
	}

	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}

	wait := float64(cfg.InitialWait) * math.Pow(mult, float64(attempt-1))
	if cfg.MaxWait > 0 && wait > float64(cfg.MaxWait) {
		wait = float64(cfg.MaxWait)
	}

	if cfg.Jitter > 0 {
		wait += wait * cfg.Jitter * (rand.Float64()*2 - 1)
	}

	return time.Duration(wait)
}

// Do calls fn until it succeeds, returns an error that is not
// retryable, or MaxAttempts is reached. It returns the number of
// attempts made and the last error.
func Do(ctx context.Context, clock clockwork.Clock, cfg Config, fn func(ctx context.Context) error) (int, error) {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return attempt, nil
		}

		lastErr = err

		if !syncerr.IsRetryable(err) || attempt == maxAttempts {
			return attempt, err
		}

		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}

		wait := Delay(cfg, attempt)
		if wait <= 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-clock.After(wait):
		}
	}

	return maxAttempts, lastErr
}

// DoWithResult is Do for functions that return a value.
func DoWithResult[T any](ctx context.Context, clock clockwork.Clock, cfg Config, fn func(ctx context.Context) (T, error)) (T, int, error) {
	var result T

	attempts, err := Do(ctx, clock, cfg, func(ctx context.Context) error {
		r, err := fn(ctx)
		if err != nil {
			return err
		}

		result = r

		return nil
	})

	return result, attempts, err
}

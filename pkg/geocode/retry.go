package geocode

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// Executor wraps a single logical geocoding call with bounded
// exponential-backoff retry. Only failures the classifier marks retryable
// are attempted again; everything else surfaces immediately.
type Executor struct {
	// Retries is the number of additional attempts after the first try.
	// Zero means a single attempt. Default: 0.
	Retries int

	// BaseDelay is the backoff before the first retry. Default: 1s.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff. Default: 60s.
	MaxDelay time.Duration

	// Factor scales the backoff per attempt. Default: 2.0.
	Factor float64

	// Jitter widens each delay by up to Jitter*rand() of itself.
	// Zero keeps the backoff deterministic.
	Jitter float64

	// Log receives a warning per retry attempt. Default: slog.Default.
	Log *slog.Logger

	// OnRetry, if set, is called before each retry sleep with the attempt
	// number just failed, the computed delay, and the classified error.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Do runs fn until it succeeds, fails with a non-retryable classification,
// or exhausts Retries+1 attempts. The returned error is always classified.
func (e *Executor) Do(ctx context.Context, fn func(ctx context.Context) (*Response, error)) (*Response, error) {
	cfg := e.withDefaults()
	attempts := cfg.Retries + 1

	var lastErr *APIError
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := fn(ctx)
		if err == nil {
			return resp, nil
		}
		lastErr = Classify(err)

		if ctx.Err() != nil {
			return nil, lastErr
		}
		if !Retryable(lastErr) {
			return nil, lastErr
		}
		if attempt == attempts {
			break
		}

		delay := cfg.backoff(attempt)
		cfg.Log.WarnContext(ctx, "Retrying geocoding request",
			"attempt", attempt, "delay", delay, "kind", lastErr.Kind.String())
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, delay, lastErr)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, lastErr
		case <-timer.C:
		}
	}

	return nil, lastErr
}

// backoff computes the delay after the given 1-based attempt:
// min(base * factor^(attempt-1) * (1 + jitter*rand()), max).
func (e *Executor) backoff(attempt int) time.Duration {
	delay := float64(e.BaseDelay) * math.Pow(e.Factor, float64(attempt-1))
	if e.Jitter > 0 {
		delay *= 1 + e.Jitter*rand.Float64()
	}
	if delay > float64(e.MaxDelay) {
		delay = float64(e.MaxDelay)
	}
	return time.Duration(delay)
}

func (e *Executor) withDefaults() Executor {
	cfg := *e
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Minute
	}
	if cfg.Factor <= 0 {
		cfg.Factor = 2.0
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return cfg
}

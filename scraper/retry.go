package scraper

import (
	"context"
	"time"

	"github.com/aluiziolira/go-lrf-downloader/config"
)

// retryPolicy repeats failed requests with capped exponential backoff.
// With maxRetries == 0 every request is attempted exactly once.
type retryPolicy struct {
	maxRetries int
	base       time.Duration
	max        time.Duration
}

func newRetryPolicy(cfg *config.Config) retryPolicy {
	return retryPolicy{
		maxRetries: cfg.MaxRetries,
		base:       cfg.RetryBackoff,
		max:        cfg.RetryBackoffMax,
	}
}

func (rp retryPolicy) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := rp.base
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if rp.max > 0 && delay > rp.max {
		delay = rp.max
	}
	return delay
}

// wait sleeps before the given retry attempt, returning early on cancellation.
func (rp retryPolicy) wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(rp.backoff(attempt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

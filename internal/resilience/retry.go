package resilience

import (
	"context"
	"errors"
	"time"
)

// RetryConfig tunes [Retry]. Zero values take the documented defaults.
type RetryConfig struct {
	// Attempts is the total number of tries, including the first.
	// Default: 3.
	Attempts int

	// BaseDelay is the wait before the second attempt; each further attempt
	// doubles it. Default: 200ms.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Default: 2s.
	MaxDelay time.Duration
}

func (c *RetryConfig) applyDefaults() {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
}

// Retry runs fn up to cfg.Attempts times with exponential backoff between
// tries. It stops early when ctx is done or fn returns nil. The returned
// error is the last attempt's error, joined with the context error when the
// loop was cut short.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	cfg.applyDefaults()

	var lastErr error
	delay := cfg.BaseDelay
	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(lastErr, ctx.Err())
			case <-time.After(delay):
			}
			delay = min(delay*2, cfg.MaxDelay)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return errors.Join(lastErr, ctx.Err())
		}
	}
	return lastErr
}

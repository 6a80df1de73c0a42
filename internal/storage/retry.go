package storage

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hamicek/noex-rules-sub008/internal/rule"
)

// RetryConfig sets up the backoff wrapped around adapter calls: capped
// exponential delays between a fixed number of attempts.
type RetryConfig struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Base is the delay before the second attempt; it doubles per retry.
	Base time.Duration
	// Max caps the delay.
	Max time.Duration
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults fills the 3-attempt policy used for persistence.
func (c *RetryConfig) CheckAndSetDefaults() {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.Base <= 0 {
		c.Base = 50 * time.Millisecond
	}
	if c.Max <= 0 {
		c.Max = time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

// Do runs op until it succeeds, attempts are exhausted, or ctx expires.
// The final failure is wrapped as a storage error carrying key for the
// audit trail.
func (c RetryConfig) Do(ctx context.Context, opName, key string, op func() error) error {
	c.CheckAndSetDefaults()

	delay := c.Base
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := op(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt >= c.Attempts {
			break
		}
		select {
		case <-c.Clock.After(delay):
		case <-ctx.Done():
			return rule.NewStorageError(opName, key, ctx.Err())
		}
		delay *= 2
		if delay > c.Max {
			delay = c.Max
		}
	}
	return rule.NewStorageError(opName, key, lastErr)
}

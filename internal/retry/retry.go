// Package retry holds the exponential backoff used by the HTTP API drivers.
package retry

import (
	"context"
	"time"
)

// Policy bounds a retry loop: one initial attempt plus MaxRetries retries,
// waiting BaseDelay * 2^attempt between them.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// Default is three retries starting at one second.
var Default = Policy{MaxRetries: 3, BaseDelay: time.Second}

// Backoff returns the delay before the given retry attempt.
// Delays are BaseDelay, 2*BaseDelay, 4*BaseDelay and so on.
func (p Policy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

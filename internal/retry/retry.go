// Package retry runs chain calls under a bounded exponential backoff
// schedule. Escrow writes and monitor polls share the same shape:
// transient transport errors are retried, everything else returns to
// the caller immediately.
package retry

import (
	"context"
	"time"
)

// Policy is a bounded exponential backoff schedule.
type Policy struct {
	// Interval is the wait before the second attempt.
	Interval time.Duration

	// Factor scales the wait after every failed attempt.
	Factor float64

	// MaxInterval caps the wait between attempts.
	MaxInterval time.Duration

	// Attempts bounds the total number of tries.
	Attempts int
}

// DefaultPolicy is the schedule used for escrow writes and chain scans.
func DefaultPolicy() Policy {
	return Policy{
		Interval:    time.Second,
		Factor:      2,
		MaxInterval: 5 * time.Second,
		Attempts:    3,
	}
}

// Backoff returns the wait after the given zero-based failed attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	wait := p.Interval
	for i := 0; i < attempt; i++ {
		wait = time.Duration(float64(wait) * p.Factor)
		if p.MaxInterval > 0 && wait >= p.MaxInterval {
			return p.MaxInterval
		}
	}
	if p.MaxInterval > 0 && wait > p.MaxInterval {
		return p.MaxInterval
	}
	return wait
}

// Do runs fn until it succeeds, the policy's attempts are exhausted, or
// the context ends. A nil transient classifier retries every error;
// otherwise only errors the classifier accepts are retried. The error
// from the last attempt is returned on exhaustion.
func Do(ctx context.Context, p Policy, transient func(error) bool, fn func() error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(p.Backoff(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if transient != nil && !transient(err) {
			return err
		}
	}
	return err
}

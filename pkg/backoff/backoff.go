// Package backoff provides capped exponential delays for retrying
// idempotent requests against the prediction service.
package backoff

import (
	"context"
	"math"
	"time"
)

// Policy describes a retry schedule. Zero values use defaults.
type Policy struct {
	Initial  time.Duration // default: 200ms
	Max      time.Duration // default: 5s
	Attempts int           // total tries including the first, default: 1
}

func (p Policy) withDefaults() Policy {
	if p.Initial <= 0 {
		p.Initial = 200 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 5 * time.Second
	}
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	return p
}

// Delay returns the wait before retry number n. Retry 1 waits Initial,
// retry 2 twice that, and so on up to Max.
func (p Policy) Delay(n int) time.Duration {
	p = p.withDefaults()
	if n < 1 {
		return p.Initial
	}
	d := float64(p.Initial) * math.Pow(2, float64(n-1))
	if d > float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}

// Retry calls fn until it succeeds, returns an error retryable rejects, or
// the attempts are used up. The last error is returned. Waiting stops early
// when ctx is done.
func Retry(ctx context.Context, p Policy, retryable func(error) bool, fn func() error) error {
	p = p.withDefaults()

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil || attempt >= p.Attempts || !retryable(err) {
			return err
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

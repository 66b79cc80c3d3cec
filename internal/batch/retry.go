package batch

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy describes how failed enrichments are retried
type RetryPolicy struct {
	MaxRetries int
	Initial    time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// DefaultRetryPolicy retries three times after 1s, 2s and 4s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		Initial:    time.Second,
		Multiplier: 2,
		MaxDelay:   30 * time.Second,
	}
}

// newBackOff builds a deterministic exponential schedule capped at
// MaxRetries retries.
func (p RetryPolicy) newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.Initial
	exp.Multiplier = p.Multiplier
	exp.RandomizationFactor = 0
	exp.MaxInterval = p.MaxDelay
	exp.MaxElapsedTime = 0
	exp.Reset()

	if p.MaxRetries < 0 {
		return &backoff.StopBackOff{}
	}
	return backoff.WithMaxRetries(exp, uint64(p.MaxRetries))
}

// clockTimer adapts a clock.Clock to backoff.Timer
type clockTimer struct {
	clock clock.Clock
	timer *clock.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.Timer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.C
}

package fetcher

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/trenchcoat/enricher/internal/core"
	"github.com/trenchcoat/enricher/internal/provider"
)

// limiter is one provider's token bucket plus its 429 cooldown deadline.
// All time arithmetic goes through clock so tests can drive it.
type limiter struct {
	name   string
	bucket *rate.Limiter
	clock  clock.Clock

	mu            sync.Mutex
	lastRefill    time.Time
	cooldownUntil time.Time
}

func newLimiter(name string, rl provider.RateLimit, clk clock.Clock) *limiter {
	return &limiter{
		name:       name,
		bucket:     rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), rl.Burst),
		clock:      clk,
		lastRefill: clk.Now(),
	}
}

// inCooldown reports whether the provider is still backing off a 429
func (l *limiter) inCooldown() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cooldownUntil, l.clock.Now().Before(l.cooldownUntil)
}

func (l *limiter) startCooldown(d time.Duration) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cooldownUntil = l.clock.Now().Add(d)
	return l.cooldownUntil
}

// wait takes one token, suspending until one is available. The token is
// reserved before sleeping so concurrent callers never double-spend; a
// cancelled wait hands its reservation back.
func (l *limiter) wait(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	now := l.clock.Now()
	res := l.bucket.ReserveN(now, 1)
	l.mu.Lock()
	l.lastRefill = now
	l.mu.Unlock()

	delay := res.DelayFrom(now)
	if delay <= 0 {
		return 0, nil
	}

	timer := l.clock.Timer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return delay, nil
	case <-ctx.Done():
		res.CancelAt(l.clock.Now())
		return delay, ctx.Err()
	}
}

func (l *limiter) state() core.RateLimiterState {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	st := core.RateLimiterState{
		Provider:   l.name,
		Available:  l.bucket.TokensAt(now),
		LastRefill: l.lastRefill,
		Rate:       float64(l.bucket.Limit()),
		Burst:      l.bucket.Burst(),
	}
	if now.Before(l.cooldownUntil) {
		st.CooldownUntil = l.cooldownUntil
	}
	return st
}

// Package pacing produces the randomized delays, retry backoff and browser identity
// parameters used to keep extraction traffic from looking automated.
package pacing

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Default backoff parameters for retry rounds.
const (
	DefaultBackoffBase = 5 * time.Second
	DefaultBackoffMax  = 300 * time.Second

	// jitterFraction is the upper bound of the random jitter added to a backoff delay.
	jitterFraction = 0.2
)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep waits for d, returning early with ctx.Err() if the context ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Policy computes and applies randomized waits. The zero value is not usable; call New.
type Policy struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration

	mu    sync.Mutex
	rng   *rand.Rand
	sleep SleepFunc
}

// Option customizes a Policy.
type Option func(*Policy)

// WithRand makes the policy draw from r instead of a randomly seeded source.
func WithRand(r *rand.Rand) Option {
	return func(p *Policy) { p.rng = r }
}

// WithSleep replaces the blocking sleep, mostly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(p *Policy) { p.sleep = fn }
}

// WithBackoff sets the exponential backoff base and ceiling.
func WithBackoff(base, maxDelay time.Duration) Option {
	return func(p *Policy) {
		p.BackoffBase = base
		p.BackoffMax = maxDelay
	}
}

// New returns a Policy with default backoff settings.
func New(opts ...Option) *Policy {
	p := &Policy{
		BackoffBase: DefaultBackoffBase,
		BackoffMax:  DefaultBackoffMax,
		rng:         rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		sleep:       Sleep,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// float64 returns a value in [0, 1). rand.Rand is not safe for concurrent use.
func (p *Policy) float64() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.Float64()
}

func (p *Policy) intN(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.IntN(n)
}

// Delay returns a uniformly random duration in [minDelay, maxDelay].
// Swapped bounds are tolerated.
func (p *Policy) Delay(minDelay, maxDelay time.Duration) time.Duration {
	if maxDelay < minDelay {
		minDelay, maxDelay = maxDelay, minDelay
	}
	span := maxDelay - minDelay
	if span == 0 {
		return minDelay
	}
	// Scaling by span+1 keeps the upper bound reachable.
	return minDelay + time.Duration(p.float64()*float64(span+1))
}

// Pause sleeps for Delay(minDelay, maxDelay).
func (p *Policy) Pause(ctx context.Context, minDelay, maxDelay time.Duration) error {
	d := p.Delay(minDelay, maxDelay)
	slog.Debug("pausing between workspaces", "component", "pacing", "delay", d.Round(100*time.Millisecond))
	return p.sleep(ctx, d)
}

// BaseBackoff is the un-jittered delay for a retry attempt: min(base * 2^attempt, maxDelay).
func BaseBackoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(base) * math.Pow(2, float64(attempt))
	if d > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(d)
}

// BackoffDelay returns BaseBackoff plus uniform jitter of up to 20% of it.
func (p *Policy) BackoffDelay(attempt int) time.Duration {
	d := BaseBackoff(attempt, p.BackoffBase, p.BackoffMax)
	jitter := time.Duration(p.float64() * jitterFraction * float64(d))
	return d + jitter
}

// Backoff sleeps for BackoffDelay(attempt).
func (p *Policy) Backoff(ctx context.Context, attempt int) error {
	d := p.BackoffDelay(attempt)
	slog.Info("retry backoff", "component", "pacing", "attempt", attempt, "delay", d.Round(100*time.Millisecond))
	return p.sleep(ctx, d)
}

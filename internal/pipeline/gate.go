package pipeline

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Gate bounds how many account groups hold a browser session at once.
type Gate struct {
	sem *semaphore.Weighted

	mu    sync.Mutex
	inUse int
	peak  int
}

// NewGate creates a Gate with n slots. n below 1 is treated as 1.
func NewGate(n int) *Gate {
	if n < 1 {
		n = 1
	}
	return &Gate{sem: semaphore.NewWeighted(int64(n))}
}

// Do waits for a slot, runs fn and releases the slot whether fn returns, fails or panics.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.enter()
	defer func() {
		g.leave()
		g.sem.Release(1)
	}()
	return fn(ctx)
}

func (g *Gate) enter() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inUse++
	if g.inUse > g.peak {
		g.peak = g.inUse
	}
	activeSessions.Add(context.Background(), 1)
}

func (g *Gate) leave() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inUse--
	activeSessions.Add(context.Background(), -1)
}

// InUse returns the number of slots currently held.
func (g *Gate) InUse() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse
}

// Peak returns the highest number of slots ever held at once.
func (g *Gate) Peak() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrRunActive is returned when a run is requested while another is still going.
var ErrRunActive = errors.New("a run is already in progress")

// Runner executes one extraction cycle.
type Runner interface {
	RunWithID(ctx context.Context, runID uuid.UUID) (*Summary, error)
}

// Trigger serializes runs started from the CLI, the scheduler and the reporting API so
// that at most one is active per process.
type Trigger struct {
	runner Runner
	logger *slog.Logger

	mu      sync.Mutex
	current uuid.UUID
	active  bool
	wg      sync.WaitGroup
}

// NewTrigger wraps runner.
func NewTrigger(runner Runner, logger *slog.Logger) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{runner: runner, logger: logger.With("component", "trigger")}
}

func (t *Trigger) claim() (uuid.UUID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active {
		return uuid.Nil, false
	}
	t.active = true
	t.current = uuid.New()
	return t.current, true
}

func (t *Trigger) release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = false
	t.current = uuid.Nil
}

// Active returns the id of the running cycle, if any.
func (t *Trigger) Active() (uuid.UUID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current, t.active
}

// RunNow runs a cycle synchronously.
func (t *Trigger) RunNow(ctx context.Context) (*Summary, error) {
	runID, ok := t.claim()
	if !ok {
		return nil, ErrRunActive
	}
	defer t.release()
	return t.runner.RunWithID(ctx, runID)
}

// Start launches a cycle in the background and returns its run id. The cycle runs under
// ctx, which should outlive the caller's request.
func (t *Trigger) Start(ctx context.Context) (uuid.UUID, error) {
	runID, ok := t.claim()
	if !ok {
		return uuid.Nil, ErrRunActive
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.release()
		if _, err := t.runner.RunWithID(ctx, runID); err != nil {
			t.logger.Error("background run failed", "run_id", runID, "error", err)
		}
	}()
	return runID, nil
}

// Wait blocks until background runs started with Start have returned.
func (t *Trigger) Wait() {
	t.wg.Wait()
}

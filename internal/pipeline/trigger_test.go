package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingRunner struct {
	mu      sync.Mutex
	started chan uuid.UUID
	release chan struct{}
	runs    []uuid.UUID
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan uuid.UUID, 4), release: make(chan struct{})}
}

func (b *blockingRunner) RunWithID(ctx context.Context, runID uuid.UUID) (*Summary, error) {
	b.mu.Lock()
	b.runs = append(b.runs, runID)
	b.mu.Unlock()
	b.started <- runID
	<-b.release
	return &Summary{RunID: runID}, nil
}

func TestTrigger_RejectsOverlappingRuns(t *testing.T) {
	runner := newBlockingRunner()
	trig := NewTrigger(runner, nil)

	runID, err := trig.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, runID, <-runner.started)

	active, ok := trig.Active()
	assert.True(t, ok)
	assert.Equal(t, runID, active)

	_, err = trig.Start(context.Background())
	assert.ErrorIs(t, err, ErrRunActive)
	_, err = trig.RunNow(context.Background())
	assert.ErrorIs(t, err, ErrRunActive)

	close(runner.release)
	trig.Wait()

	_, ok = trig.Active()
	assert.False(t, ok)
}

func TestTrigger_RunNowReleasesAfterwards(t *testing.T) {
	runner := newBlockingRunner()
	close(runner.release)
	trig := NewTrigger(runner, nil)

	first, err := trig.RunNow(context.Background())
	require.NoError(t, err)
	second, err := trig.RunNow(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Len(t, runner.runs, 2)
}

// Package ledger records the append-only lifecycle events of extraction runs.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the tag of a ledger event.
type Status string

// Run-level statuses.
const (
	StatusPipelineStarted   Status = "pipeline_started"
	StatusPipelineCompleted Status = "pipeline_completed"
	StatusPipelineFailed    Status = "pipeline_failed"
	StatusTransformStarted  Status = "transform_started"
	StatusTransformDone     Status = "transform_done"
	StatusTransformFailed   Status = "transform_failed"
)

// Client-level statuses.
const (
	StatusScraping       Status = "scraping"
	StatusLoginStarted   Status = "login_started"
	StatusLoginDone      Status = "login_done"
	StatusLoginSkipped   Status = "login_skipped"
	StatusScrapingDone   Status = "scraping_done"
	StatusScrapingFailed Status = "scraping_failed"
	StatusRetry          Status = "retry"
)

// Event is one immutable ledger record.
type Event struct {
	ID           int64      `json:"id"`
	RunID        uuid.UUID  `json:"run_id"`
	ClientID     *int64     `json:"client_id"`
	ClientName   *string    `json:"client"`
	Status       Status     `json:"status"`
	RowsCount    *int64     `json:"rows_count"`
	ErrorMessage *string    `json:"error_message"`
	CreatedAt    *time.Time `json:"created_at"`
}

// Store persists events. Each Append must be its own committed unit.
type Store interface {
	AppendEvent(ctx context.Context, e Event) error
}

// Recorder writes events to a Store and mirrors them to the process log.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// NewRecorder creates a Recorder. A nil logger uses slog.Default().
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger.With("component", "ledger")}
}

// Emit appends e. A failed write is logged and swallowed so extraction keeps going; the
// returned error is only informative.
func (r *Recorder) Emit(ctx context.Context, e Event) error {
	r.log(e)
	if err := r.store.AppendEvent(ctx, e); err != nil {
		r.logger.Error("failed to persist ledger event",
			"run_id", e.RunID, "status", e.Status, "error", err)
		return fmt.Errorf("failed to append %s event: %w", e.Status, err)
	}
	return nil
}

func (r *Recorder) log(e Event) {
	parts := []string{"[" + string(e.Status) + "]"}
	if e.ClientName != nil {
		parts = append(parts, *e.ClientName)
	}
	if e.RowsCount != nil {
		parts = append(parts, fmt.Sprintf("%d rows", *e.RowsCount))
	}
	if e.ErrorMessage != nil {
		parts = append(parts, "ERROR: "+*e.ErrorMessage)
	}
	level := slog.LevelInfo
	if e.Status == StatusScrapingFailed || e.Status == StatusTransformFailed || e.Status == StatusPipelineFailed {
		level = slog.LevelWarn
	}
	r.logger.Log(context.Background(), level, strings.Join(parts, " "), "run_id", e.RunID)
}

// RunEvent builds a run-level event.
func RunEvent(runID uuid.UUID, status Status) Event {
	return Event{RunID: runID, Status: status}
}

// ClientEvent builds a client-level event.
func ClientEvent(runID uuid.UUID, status Status, clientID int64, clientName string) Event {
	return Event{RunID: runID, Status: status, ClientID: &clientID, ClientName: &clientName}
}

// WithRows returns a copy of e carrying a row count.
func (e Event) WithRows(n int64) Event {
	e.RowsCount = &n
	return e
}

// WithError returns a copy of e carrying an error message.
func (e Event) WithError(msg string) Event {
	e.ErrorMessage = &msg
	return e
}

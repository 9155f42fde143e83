package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jonathan/contact-extractor/internal/ledger"
	"github.com/jonathan/contact-extractor/internal/roster"
	"github.com/jonathan/contact-extractor/internal/session"
)

// ClientResult is the outcome of one client extraction. Exactly one of Rows or Err is
// meaningful: Err is nil on success.
type ClientResult struct {
	Client   roster.Client
	Rows     int64
	Err      error
	Duration time.Duration
	// State is the session reached by this step, to be handed to the next client of the
	// same account. It is nil when nothing usable was reached.
	State session.State
	// Login is empty when the capability failed before establishing a session.
	Login session.LoginOutcome
}

// OK reports whether the client was extracted and loaded.
func (r ClientResult) OK() bool { return r.Err == nil }

// clientStep describes one pass through the per-client state machine.
type clientStep struct {
	runID    uuid.UUID
	client   roster.Client
	creds    session.Credentials
	prior    session.State
	attempt  int // 0 for the first pass, N for retry round N
	announce bool
}

// extractClient drives one client from scraping to scraping_done or scraping_failed.
// Every failure is captured in the returned ClientResult.
func (o *Orchestrator) extractClient(ctx context.Context, step clientStep) ClientResult {
	c := step.client
	ctx, span := tracer.Start(ctx, "pipeline.client", trace.WithAttributes(
		attribute.Int64("client.id", c.ID),
		attribute.String("client.name", c.Name),
		attribute.Int("attempt", step.attempt),
	))
	defer span.End()

	started := time.Now()
	res := ClientResult{Client: c}

	if step.announce {
		o.emit(ctx, ledger.ClientEvent(step.runID, ledger.StatusScraping, c.ID, c.Name))
		o.emit(ctx, ledger.ClientEvent(step.runID, ledger.StatusLoginStarted, c.ID, c.Name))
	}

	req := session.Request{
		Credentials: step.creds,
		WorkspaceID: c.WorkspaceID,
		PriorState:  step.prior,
		Identity:    o.pacer.RandomIdentity(),
		DownloadDir: filepath.Join(o.opts.DownloadDir, c.Slug()),
	}

	fetched, err := o.capability.Fetch(ctx, req)
	if err != nil {
		var ferr *session.FetchError
		if errors.As(err, &ferr) {
			res.Login = ferr.Login
			res.State = ferr.State
		}
		if res.Login != "" && step.announce {
			o.recordLogin(ctx, step, res.Login)
		}
		return o.finishClient(ctx, span, step, res, started, err)
	}

	res.Login = fetched.Login
	res.State = fetched.State
	if step.announce {
		o.recordLogin(ctx, step, fetched.Login)
	}

	if o.archiver != nil {
		if aerr := o.archiver.Archive(ctx, step.runID, c, fetched.Artifact); aerr != nil {
			o.logger.Warn("failed to archive export", "client", c.Name, "error", aerr)
		}
	}

	rows, err := o.loader.LoadArtifact(ctx, fetched.Artifact, c.Name)
	if err != nil {
		return o.finishClient(ctx, span, step, res, started, fmt.Errorf("load failed: %w", err))
	}
	res.Rows = rows
	return o.finishClient(ctx, span, step, res, started, nil)
}

func (o *Orchestrator) recordLogin(ctx context.Context, step clientStep, outcome session.LoginOutcome) {
	status := ledger.StatusLoginSkipped
	if outcome == session.LoginDone {
		status = ledger.StatusLoginDone
	}
	logins.Add(ctx, 1, metricAttr("login", string(outcome)))
	o.emit(ctx, ledger.ClientEvent(step.runID, status, step.client.ID, step.client.Name))
}

// finishClient records the terminal event of a client step.
func (o *Orchestrator) finishClient(ctx context.Context, span trace.Span, step clientStep, res ClientResult, started time.Time, err error) ClientResult {
	c := step.client
	res.Duration = time.Since(started)
	res.Err = err

	clientDuration.Record(ctx, res.Duration.Seconds(), outcomeAttr(err == nil))
	clientOutcomes.Add(ctx, 1, outcomeAttr(err == nil))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		msg := err.Error()
		if step.attempt > 0 {
			msg = fmt.Sprintf("retry %d: %s", step.attempt, msg)
		}
		o.logger.Warn("client extraction failed",
			"client", c.Name, "attempt", step.attempt, "duration", res.Duration.Round(time.Second), "error", err)
		o.emit(ctx, ledger.ClientEvent(step.runID, ledger.StatusScrapingFailed, c.ID, c.Name).WithError(msg))
		return res
	}

	rowsLoaded.Add(ctx, res.Rows)
	o.logger.Info("client extracted",
		"client", c.Name, "rows", res.Rows, "attempt", step.attempt, "duration", res.Duration.Round(time.Second))
	o.emit(ctx, ledger.ClientEvent(step.runID, ledger.StatusScrapingDone, c.ID, c.Name).WithRows(res.Rows))
	return res
}

// failClient records a client that could not even reach the capability.
func (o *Orchestrator) failClient(ctx context.Context, step clientStep, err error) ClientResult {
	if step.announce {
		o.emit(ctx, ledger.ClientEvent(step.runID, ledger.StatusScraping, step.client.ID, step.client.Name))
	}
	_, span := tracer.Start(ctx, "pipeline.client")
	defer span.End()
	return o.finishClient(ctx, span, step, ClientResult{Client: step.client}, time.Now(), err)
}

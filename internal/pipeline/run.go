// Package pipeline orchestrates a contact extraction run: it groups clients by login
// account, extracts them under a concurrency bound, retries failures and finally
// republishes the staging data.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/contact-extractor/internal/ledger"
	"github.com/jonathan/contact-extractor/internal/pacing"
	"github.com/jonathan/contact-extractor/internal/roster"
	"github.com/jonathan/contact-extractor/internal/session"
)

// Defaults used when Options leave a field unset.
const (
	DefaultMaxWorkers     = 4
	DefaultMaxRetries     = 3
	DefaultClientDelayMin = 30 * time.Second
	DefaultClientDelayMax = 60 * time.Second
	DefaultDownloadDir    = "downloads"
)

// RosterStore reads the clients eligible for extraction.
type RosterStore interface {
	ActiveClients(ctx context.Context) ([]roster.Client, error)
}

// Loader loads a downloaded export into staging and returns the row count.
type Loader interface {
	LoadArtifact(ctx context.Context, artifact session.Artifact, clientName string) (int64, error)
}

// Transformer republishes staging into the core tables.
type Transformer interface {
	TransformStagingToCore(ctx context.Context) (int64, error)
}

// Decrypter turns a stored password into plaintext.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Pacer supplies the randomized waits and browser identities.
type Pacer interface {
	Pause(ctx context.Context, minDelay, maxDelay time.Duration) error
	Backoff(ctx context.Context, attempt int) error
	RandomIdentity() pacing.Identity
}

// Archiver keeps a copy of each downloaded export.
type Archiver interface {
	Archive(ctx context.Context, runID uuid.UUID, client roster.Client, artifact session.Artifact) error
}

// Options tune a run.
type Options struct {
	MaxWorkers     int
	MaxRetries     int
	ClientDelayMin time.Duration
	ClientDelayMax time.Duration
	DownloadDir    string
}

func (o Options) withDefaults() Options {
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = DefaultMaxWorkers
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.ClientDelayMin == 0 && o.ClientDelayMax == 0 {
		o.ClientDelayMin = DefaultClientDelayMin
		o.ClientDelayMax = DefaultClientDelayMax
	}
	if o.DownloadDir == "" {
		o.DownloadDir = DefaultDownloadDir
	}
	return o
}

// Deps are the collaborators a run needs. Archiver and Logger are optional.
type Deps struct {
	Roster      RosterStore
	Capability  session.Capability
	Loader      Loader
	Transformer Transformer
	Ledger      ledger.Store
	Decrypter   Decrypter
	Pacer       Pacer
	Archiver    Archiver
	Logger      *slog.Logger
}

// Summary describes a finished run.
type Summary struct {
	RunID         uuid.UUID
	Clients       int
	Groups        int
	Succeeded     int
	Failed        []roster.Client
	TotalRows     int64
	TransformRows int64
	TransformErr  error
	Duration      time.Duration
}

// Orchestrator runs extraction cycles. It is safe to call Run again once the previous
// call has returned; overlapping runs are prevented by Trigger.
type Orchestrator struct {
	roster      RosterStore
	capability  session.Capability
	loader      Loader
	transformer Transformer
	recorder    *ledger.Recorder
	decrypter   Decrypter
	pacer       Pacer
	archiver    Archiver
	logger      *slog.Logger
	opts        Options
	gate        *Gate
}

// New creates an Orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	return &Orchestrator{
		roster:      deps.Roster,
		capability:  deps.Capability,
		loader:      deps.Loader,
		transformer: deps.Transformer,
		recorder:    ledger.NewRecorder(deps.Ledger, logger),
		decrypter:   deps.Decrypter,
		pacer:       deps.Pacer,
		archiver:    deps.Archiver,
		logger:      logger.With("component", "pipeline"),
		opts:        opts,
		gate:        NewGate(opts.MaxWorkers),
	}
}

// Gate exposes the concurrency limiter for observability.
func (o *Orchestrator) Gate() *Gate { return o.gate }

// Run executes one extraction cycle under a new run id.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	return o.RunWithID(ctx, uuid.New())
}

// RunWithID executes one extraction cycle. The only error returned is a failure to read
// the roster; client and transform failures are reported in the Summary and the ledger.
func (o *Orchestrator) RunWithID(ctx context.Context, runID uuid.UUID) (*Summary, error) {
	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(attribute.String("run.id", runID.String())))
	defer span.End()

	started := time.Now()
	summary := &Summary{RunID: runID}
	logger := o.logger.With("run_id", runID)

	o.emit(ctx, ledger.RunEvent(runID, ledger.StatusPipelineStarted))
	logger.Info("pipeline started")

	clients, err := o.roster.ActiveClients(ctx)
	if err != nil {
		o.emit(ctx, ledger.RunEvent(runID, ledger.StatusPipelineFailed).WithError(err.Error()))
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read roster: %w", err)
	}

	if len(clients) == 0 {
		logger.Info("no clients with credentials and workspace")
		o.emit(ctx, ledger.RunEvent(runID, ledger.StatusPipelineCompleted).WithRows(0))
		summary.Duration = time.Since(started)
		return summary, nil
	}

	groups := roster.GroupByAccount(clients)
	summary.Clients = len(clients)
	summary.Groups = len(groups)
	logger.Info("extracting", "accounts", len(groups), "clients", len(clients))

	results := o.extractGroups(ctx, runID, groups)

	var failed []roster.Client
	for _, groupResults := range results {
		for _, r := range groupResults {
			if r.OK() {
				summary.Succeeded++
				summary.TotalRows += r.Rows
			} else {
				failed = append(failed, r.Client)
			}
		}
	}

	if len(failed) > 0 {
		retried := o.retryFailed(ctx, runID, failed)
		summary.Succeeded += retried.recovered
		summary.TotalRows += retried.rows
		failed = retried.remaining
	}
	summary.Failed = failed

	summary.TransformRows, summary.TransformErr = o.transform(ctx, runID)

	o.emit(ctx, ledger.RunEvent(runID, ledger.StatusPipelineCompleted))
	summary.Duration = time.Since(started)
	logger.Info("pipeline completed",
		"succeeded", summary.Succeeded,
		"failed", len(summary.Failed),
		"rows", summary.TotalRows,
		"duration", summary.Duration.Round(time.Second))
	return summary, nil
}

// extractGroups runs every account group in its own goroutine behind the gate. Each
// goroutine owns results[i].
func (o *Orchestrator) extractGroups(ctx context.Context, runID uuid.UUID, groups []roster.AccountGroup) [][]ClientResult {
	results := make([][]ClientResult, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	for i, group := range groups {
		g.Go(func() error {
			err := o.gate.Do(gctx, func(ctx context.Context) error {
				results[i] = o.extractGroup(ctx, runID, group)
				return nil
			})
			if err != nil {
				results[i] = o.failGroup(gctx, runID, group, fmt.Errorf("no session slot: %w", err))
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		o.logger.Warn("account groups interrupted", "run_id", runID, "error", err)
	}
	return results
}

// extractGroup processes the clients of one account in order, handing each step's
// session state to the next.
func (o *Orchestrator) extractGroup(ctx context.Context, runID uuid.UUID, group roster.AccountGroup) []ClientResult {
	ctx, span := tracer.Start(ctx, "pipeline.account", trace.WithAttributes(
		attribute.String("account.email", group.Email),
		attribute.Int("account.clients", len(group.Clients)),
	))
	defer span.End()

	o.logger.Info("processing account", "run_id", runID, "email", group.Email, "workspaces", len(group.Clients))
	results := make([]ClientResult, 0, len(group.Clients))

	password, err := o.decrypter.Decrypt(group.Clients[0].EncryptedPassword)
	if err != nil {
		return o.failGroup(ctx, runID, group, fmt.Errorf("failed to decrypt credentials: %w", err))
	}
	creds := session.Credentials{Email: group.Email, Password: password}

	var state session.State
	for i, c := range group.Clients {
		if ctx.Err() != nil {
			results = append(results, o.failClient(ctx, clientStep{runID: runID, client: c, announce: true}, ctx.Err()))
			continue
		}
		res := o.extractClient(ctx, clientStep{
			runID:    runID,
			client:   c,
			creds:    creds,
			prior:    state,
			announce: true,
		})
		if res.State != nil {
			state = res.State
		}
		results = append(results, res)

		if i < len(group.Clients)-1 {
			if err := o.pacer.Pause(ctx, o.opts.ClientDelayMin, o.opts.ClientDelayMax); err != nil {
				o.logger.Warn("inter-client delay interrupted", "run_id", runID, "error", err)
			}
		}
	}
	return results
}

// failGroup records every client of group as failed with err.
func (o *Orchestrator) failGroup(ctx context.Context, runID uuid.UUID, group roster.AccountGroup, err error) []ClientResult {
	results := make([]ClientResult, 0, len(group.Clients))
	for _, c := range group.Clients {
		results = append(results, o.failClient(ctx, clientStep{runID: runID, client: c, announce: true}, err))
	}
	return results
}

func (o *Orchestrator) transform(ctx context.Context, runID uuid.UUID) (int64, error) {
	ctx, span := tracer.Start(ctx, "pipeline.transform")
	defer span.End()

	o.emit(ctx, ledger.RunEvent(runID, ledger.StatusTransformStarted))
	if err := ctx.Err(); err != nil {
		err = fmt.Errorf("run cancelled before transform: %w", err)
		span.RecordError(err)
		o.logger.Warn("transform skipped", "run_id", runID, "error", err)
		o.emit(ctx, ledger.RunEvent(runID, ledger.StatusTransformFailed).WithError(err.Error()))
		return 0, err
	}
	rows, err := o.transformer.TransformStagingToCore(ctx)
	if err != nil {
		span.RecordError(err)
		o.logger.Error("transform failed", "run_id", runID, "error", err)
		o.emit(ctx, ledger.RunEvent(runID, ledger.StatusTransformFailed).WithError(err.Error()))
		return 0, err
	}
	o.emit(ctx, ledger.RunEvent(runID, ledger.StatusTransformDone).WithRows(rows))
	return rows, nil
}

// emit writes a ledger event. Writes outlive cancellation of the run so that a stopped
// run still records its terminal events. Store failures are already logged by the recorder.
func (o *Orchestrator) emit(ctx context.Context, e ledger.Event) {
	_ = o.recorder.Emit(context.WithoutCancel(ctx), e)
}

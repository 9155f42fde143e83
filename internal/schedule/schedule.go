// Package schedule runs extraction cycles on a cron expression.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jonathan/contact-extractor/internal/pipeline"
)

// Defaults for the daily run.
const (
	DefaultSpec     = "0 0 * * *"
	DefaultTimezone = "America/Lima"
)

// Runner runs one cycle synchronously.
type Runner interface {
	RunNow(ctx context.Context) (*pipeline.Summary, error)
}

// Scheduler fires Runner on a cron spec. A tick that arrives while the previous run is
// still going is skipped.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	logger *slog.Logger
	ctx    context.Context
	spec   string
	loc    *time.Location
}

// New parses spec in the named timezone. Runs execute under ctx.
func New(ctx context.Context, spec, timezone string, runner Runner, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if spec == "" {
		spec = DefaultSpec
	}
	if timezone == "" {
		timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", timezone, err)
	}
	logger = logger.With("component", "schedule")

	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	s := &Scheduler{cron: c, runner: runner, logger: logger, ctx: ctx, spec: spec, loc: loc}
	if _, err := c.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) tick() {
	s.logger.Info("scheduled run starting")
	summary, err := s.runner.RunNow(s.ctx)
	switch {
	case errors.Is(err, pipeline.ErrRunActive):
		s.logger.Warn("scheduled run skipped, another run is active")
	case err != nil:
		s.logger.Error("scheduled run failed", "error", err)
	default:
		s.logger.Info("scheduled run finished",
			"run_id", summary.RunID,
			"succeeded", summary.Succeeded,
			"failed", len(summary.Failed))
	}
}

// Start begins firing in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "spec", s.spec, "timezone", s.loc.String(), "next", s.Next())
}

// Stop stops firing and returns a context done once a running job has finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Next returns the next fire time.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	if !entries[0].Next.IsZero() {
		return entries[0].Next
	}
	return entries[0].Schedule.Next(time.Now().In(s.loc))
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

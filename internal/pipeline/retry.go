package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jonathan/contact-extractor/internal/ledger"
	"github.com/jonathan/contact-extractor/internal/roster"
	"github.com/jonathan/contact-extractor/internal/session"
)

// retryOutcome is what the retry rounds achieved.
type retryOutcome struct {
	recovered int
	rows      int64
	remaining []roster.Client
}

// retryFailed re-extracts failed clients one at a time for up to MaxRetries rounds. Every
// attempt logs in from scratch. Each round builds a new failure list from the previous
// one; the wait between rounds grows exponentially.
func (o *Orchestrator) retryFailed(ctx context.Context, runID uuid.UUID, failed []roster.Client) retryOutcome {
	out := retryOutcome{remaining: failed}
	if o.opts.MaxRetries == 0 {
		return out
	}
	o.logger.Info("retrying failed clients", "run_id", runID, "clients", len(failed), "max_retries", o.opts.MaxRetries)

	for attempt := 1; attempt <= o.opts.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			break
		}
		round := o.retryRound(ctx, runID, attempt, out.remaining)
		out.recovered += round.recovered
		out.rows += round.rows
		out.remaining = round.remaining

		if len(out.remaining) == 0 || attempt == o.opts.MaxRetries {
			break
		}
		if err := o.pacer.Backoff(ctx, attempt); err != nil {
			o.logger.Warn("retry backoff interrupted", "run_id", runID, "error", err)
			break
		}
	}

	if len(out.remaining) > 0 {
		o.logger.Warn("clients still failing after retries", "run_id", runID, "clients", len(out.remaining))
	}
	return out
}

func (o *Orchestrator) retryRound(ctx context.Context, runID uuid.UUID, attempt int, clients []roster.Client) retryOutcome {
	ctx, span := tracer.Start(ctx, "pipeline.retry", trace.WithAttributes(
		attribute.Int("attempt", attempt),
		attribute.Int("clients", len(clients)),
	))
	defer span.End()

	var round retryOutcome
	for _, c := range clients {
		o.emit(ctx, ledger.ClientEvent(runID, ledger.StatusRetry, c.ID, c.Name).WithError(fmt.Sprintf("attempt %d", attempt)))
		step := clientStep{runID: runID, client: c, attempt: attempt}

		password, err := o.decrypter.Decrypt(c.EncryptedPassword)
		if err != nil {
			o.failClient(ctx, step, fmt.Errorf("failed to decrypt credentials: %w", err))
			round.remaining = append(round.remaining, c)
			continue
		}
		step.creds = session.Credentials{Email: c.Email, Password: password}

		res := o.extractClient(ctx, step)
		if res.OK() {
			round.recovered++
			round.rows += res.Rows
			continue
		}
		round.remaining = append(round.remaining, c)
	}
	return round
}

package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jonathan/contact-extractor/internal/ledger"
)

// -----------------------------------------------------------------------------
// Extraction Ledger Methods
// -----------------------------------------------------------------------------

// AppendEvent inserts one ledger row. The insert is an autocommitted statement, so it
// survives whatever happens to the rest of the run.
func (db *DB) AppendEvent(ctx context.Context, e ledger.Event) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO core.contact_report_extraction_logs
		     (run_id, client_id, client, status, rows_count, error_message)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.RunID, e.ClientID, e.ClientName, string(e.Status), e.RowsCount, e.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert ledger event: %w", err)
	}
	return nil
}

// ListRunSummaries aggregates ledger events per run, newest first.
func (db *DB) ListRunSummaries(ctx context.Context, filters RunFilters) ([]RunSummary, error) {
	query := `SELECT run_id,
	                 MIN(created_at) AS started_at,
	                 MAX(created_at) AS finished_at,
	                 COUNT(*) FILTER (WHERE status = 'scraping_done') AS clients_ok,
	                 COUNT(*) FILTER (WHERE status = 'scraping_failed') AS clients_failed,
	                 COALESCE(BOOL_OR(status = 'transform_done'), false) AS transform_ok,
	                 MAX(CASE WHEN status = 'transform_done' THEN rows_count END) AS total_rows
	          FROM core.contact_report_extraction_logs
	          WHERE 1=1`
	args := []any{}
	argNum := 1

	if filters.DateFrom != nil {
		query += fmt.Sprintf(" AND created_at >= $%d::date", argNum)
		args = append(args, filters.DateFrom.Format("2006-01-02"))
		argNum++
	}
	if filters.DateTo != nil {
		query += fmt.Sprintf(" AND created_at < $%d::date + interval '1 day'", argNum)
		args = append(args, filters.DateTo.Format("2006-01-02"))
		argNum++
	}

	query += " GROUP BY run_id ORDER BY MIN(created_at) DESC"
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filters.Limit)
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var summaries []RunSummary
	for rows.Next() {
		var s RunSummary
		if err := rows.Scan(&s.RunID, &s.StartedAt, &s.FinishedAt, &s.ClientsOK,
			&s.ClientsFailed, &s.TransformOK, &s.TotalRows); err != nil {
			return nil, fmt.Errorf("failed to scan run summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// ListRunEvents returns every event of a run in insertion order.
func (db *DB) ListRunEvents(ctx context.Context, runID uuid.UUID) ([]ledger.Event, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, client_id, client, status, rows_count, error_message, created_at
		 FROM core.contact_report_extraction_logs
		 WHERE run_id = $1
		 ORDER BY created_at ASC, id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list run events: %w", err)
	}
	defer rows.Close()

	var events []ledger.Event
	for rows.Next() {
		var e ledger.Event
		var status string
		if err := rows.Scan(&e.ID, &e.RunID, &e.ClientID, &e.ClientName, &status,
			&e.RowsCount, &e.ErrorMessage, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run event: %w", err)
		}
		e.Status = ledger.Status(status)
		events = append(events, e)
	}
	return events, rows.Err()
}

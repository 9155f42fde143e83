package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jonathan/contact-extractor/internal/contacts"
)

// -----------------------------------------------------------------------------
// Staging and Core Contact Methods
// -----------------------------------------------------------------------------

var stagingColumns = []string{
	"reply_id", "email", "first_name", "last_name", "company", "adding_date", "sequence", "client",
}

// ReplaceClientContacts swaps a client's staging rows in one transaction: the previous
// day's rows are deleted and the new export is bulk copied in.
func (db *DB) ReplaceClientContacts(ctx context.Context, client string, rows []contacts.Row) (int64, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin staging load: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM staging.contacts_report WHERE client = $1`, client); err != nil {
		return 0, fmt.Errorf("failed to clear staging rows: %w", err)
	}

	n, err := tx.CopyFrom(ctx,
		pgx.Identifier{"staging", "contacts_report"},
		stagingColumns,
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			r := rows[i]
			return []any{
				r.ReplyID, nullIfEmpty(r.Email), nullIfEmpty(r.FirstName), nullIfEmpty(r.LastName),
				nullIfEmpty(r.Company), r.AddingDate, nullIfEmpty(r.Sequence), r.Client,
			}, nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to copy staging rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit staging load: %w", err)
	}
	return n, nil
}

// TransformStagingToCore rebuilds core.contacts_report from staging and refreshes the
// reporting view. Contacts are deduplicated per (email, client), keeping the latest
// adding_date.
func (db *DB) TransformStagingToCore(ctx context.Context) (int64, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transform: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM core.contacts_report`); err != nil {
		return 0, fmt.Errorf("failed to clear core contacts: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO core.contacts_report
		     (reply_id, email, domain, first_name, last_name, company, adding_date, sequence, client)
		 SELECT DISTINCT ON (COALESCE(lower(email), id::text), client)
		        reply_id,
		        email,
		        split_part(email, '@', 2) AS domain,
		        first_name,
		        last_name,
		        company,
		        adding_date,
		        sequence,
		        client
		 FROM staging.contacts_report
		 ORDER BY COALESCE(lower(email), id::text), client, adding_date DESC NULLS LAST, id DESC`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert core contacts: %w", err)
	}

	if _, err := tx.Exec(ctx, `REFRESH MATERIALIZED VIEW core.contacts_report_with_periods_mv`); err != nil {
		return 0, fmt.Errorf("failed to refresh contacts view: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transform: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

package db

import (
	"context"
	"fmt"

	"github.com/jonathan/contact-extractor/internal/roster"
)

// -----------------------------------------------------------------------------
// Roster Methods
// -----------------------------------------------------------------------------

// ActiveClients returns the clients that have credentials and a workspace and are not
// archived, in id order.
func (db *DB) ActiveClients(ctx context.Context) ([]roster.Client, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, cliente, reply_mail, reply_password, team_id, COALESCE(status, '')
		 FROM core.clientes
		 WHERE reply_mail IS NOT NULL
		   AND reply_password IS NOT NULL
		   AND team_id IS NOT NULL
		   AND status IS DISTINCT FROM 'Archived'
		 ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query active clients: %w", err)
	}
	defer rows.Close()

	var clients []roster.Client
	for rows.Next() {
		var c roster.Client
		if err := rows.Scan(&c.ID, &c.Name, &c.Email, &c.EncryptedPassword, &c.WorkspaceID, &c.Status); err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		clients = append(clients, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read clients: %w", err)
	}
	return roster.Filter(clients), nil
}

// ListClientPasswords returns every roster row with a non-empty password.
func (db *DB) ListClientPasswords(ctx context.Context) ([]ClientPassword, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, cliente, reply_password FROM core.clientes
		 WHERE reply_password IS NOT NULL AND reply_password != ''
		 ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query client passwords: %w", err)
	}
	defer rows.Close()

	var out []ClientPassword
	for rows.Next() {
		var p ClientPassword
		if err := rows.Scan(&p.ID, &p.Name, &p.Password); err != nil {
			return nil, fmt.Errorf("failed to scan client password: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateClientPassword overwrites the stored password of one client.
func (db *DB) UpdateClientPassword(ctx context.Context, clientID int64, encrypted string) error {
	result, err := db.pool.Exec(ctx,
		`UPDATE core.clientes SET reply_password = $1 WHERE id = $2`,
		encrypted, clientID,
	)
	if err != nil {
		return fmt.Errorf("failed to update client password: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("client not found: %d", clientID)
	}
	return nil
}

// UpsertClient inserts a roster row or refreshes the one matching (reply_mail, team_id).
// It returns true when a new row was created.
func (db *DB) UpsertClient(ctx context.Context, c SeedClient) (bool, error) {
	var inserted bool
	err := db.pool.QueryRow(ctx,
		`INSERT INTO core.clientes (cliente, reply_mail, reply_password, team_id, status)
		 VALUES ($1, $2, $3, $4, 'Active')
		 ON CONFLICT (reply_mail, team_id) DO UPDATE
		 SET cliente = EXCLUDED.cliente, reply_password = EXCLUDED.reply_password
		 RETURNING (xmax = 0)`,
		c.Name, c.Email, c.EncryptedPassword, c.WorkspaceID,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("failed to upsert client %s: %w", c.Name, err)
	}
	return inserted, nil
}

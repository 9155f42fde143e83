package db

import (
	"time"

	"github.com/google/uuid"
)

// Table names shared by queries and migrations.
const (
	TableClients       = "core.clientes"
	TableLedger        = "core.contact_report_extraction_logs"
	TableStaging       = "staging.contacts_report"
	TableCore          = "core.contacts_report"
	ViewContactPeriods = "core.contacts_report_with_periods_mv"
)

// RunSummary aggregates the ledger events of one run.
type RunSummary struct {
	RunID         uuid.UUID  `json:"run_id"`
	StartedAt     *time.Time `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
	ClientsOK     int64      `json:"clients_ok"`
	ClientsFailed int64      `json:"clients_failed"`
	TransformOK   bool       `json:"transform_ok"`
	TotalRows     *int64     `json:"total_rows"`
}

// RunFilters holds optional filters for listing runs. Dates are inclusive calendar days.
type RunFilters struct {
	DateFrom *time.Time
	DateTo   *time.Time
	Limit    int
}

// ClientPassword is the subset of a roster row the credential tooling touches.
type ClientPassword struct {
	ID       int64
	Name     string
	Password string
}

// SeedClient is a roster row written by the seed command.
type SeedClient struct {
	Name              string
	Email             string
	EncryptedPassword string
	WorkspaceID       int64
}

package contacts

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jonathan/contact-extractor/internal/session"
)

// StagingStore replaces a client's rows in staging and returns how many were written.
type StagingStore interface {
	ReplaceClientContacts(ctx context.Context, client string, rows []Row) (int64, error)
}

// Loader ingests downloaded exports into staging.
type Loader struct {
	store StagingStore
}

// NewLoader creates a Loader writing to store.
func NewLoader(store StagingStore) *Loader {
	return &Loader{store: store}
}

// LoadArtifact parses the export at artifact.Path and swaps the client's staging rows.
func (l *Loader) LoadArtifact(ctx context.Context, artifact session.Artifact, clientName string) (int64, error) {
	f, err := os.Open(artifact.Path)
	if err != nil {
		return 0, fmt.Errorf("failed to open export %s: %w", artifact.Path, err)
	}
	defer func() { _ = f.Close() }()

	rows, err := Parse(f, clientName)
	if err != nil {
		return 0, err
	}

	n, err := l.store.ReplaceClientContacts(ctx, clientName, rows)
	if err != nil {
		return 0, fmt.Errorf("failed to load %s into staging: %w", clientName, err)
	}
	slog.Info("loaded contacts into staging", "component", "load", "client", clientName, "rows", n)
	return n, nil
}

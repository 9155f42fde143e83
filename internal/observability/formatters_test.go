package observability

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/jonathan/contact-extractor/internal/ledger"
	"github.com/jonathan/contact-extractor/internal/pipeline"
	"github.com/jonathan/contact-extractor/internal/roster"
)

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.PrintSummary(&pipeline.Summary{
		RunID:         uuid.MustParse("6f1c1b0e-8d7a-4a51-9b59-3f1f3f0f0001"),
		Clients:       3,
		Groups:        2,
		Succeeded:     2,
		Failed:        []roster.Client{{ID: 2, Name: "globex"}},
		TotalRows:     57,
		TransformRows: 55,
		Duration:      90 * time.Second,
	})

	out := buf.String()
	assert.Contains(t, out, "EXTRACTION RUN")
	assert.Contains(t, out, "6f1c1b0e-8d7a-4a51-9b59-3f1f3f0f0001")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "3 in 2 accounts")
	assert.Contains(t, out, "2 (57 rows)")
	assert.Contains(t, out, "Transform:  55 rows")
	assert.Contains(t, out, "• globex (id 2)")
}

func TestPrintSummary_TransformFailedAndManyFailures(t *testing.T) {
	var buf bytes.Buffer
	failed := make([]roster.Client, 13)
	for i := range failed {
		failed[i] = roster.Client{ID: int64(i), Name: fmt.Sprintf("c%d", i)}
	}

	NewPrinter(&buf).PrintSummary(&pipeline.Summary{
		Clients:      13,
		Failed:       failed,
		TransformErr: errors.New("refresh failed"),
	})

	out := buf.String()
	assert.Contains(t, out, "failed (refresh failed)")
	assert.Contains(t, out, "... and 3 more")
	assert.NotContains(t, out, "c12")
}

func TestPrintSummary_Nil(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).PrintSummary(nil)
	assert.Empty(t, buf.String())
}

func TestPrintEvents(t *testing.T) {
	var buf bytes.Buffer
	runID := uuid.New()
	at := time.Date(2026, 3, 1, 0, 5, 9, 0, time.UTC)
	done := ledger.ClientEvent(runID, ledger.StatusScrapingDone, 7, "acme").WithRows(12)
	done.CreatedAt = &at

	NewPrinter(&buf).PrintEvents([]ledger.Event{
		ledger.RunEvent(runID, ledger.StatusPipelineStarted),
		done,
		ledger.ClientEvent(runID, ledger.StatusScrapingFailed, 8, "globex").WithError("retry 1: export failed"),
	})

	out := buf.String()
	assert.Contains(t, out, "RUN LEDGER (3 events)")
	assert.Contains(t, out, "00:05:09  scraping_done  acme  rows=12")
	assert.Contains(t, out, "scraping_failed  globex  retry 1: export failed")
}

func TestPrintBox_TruncatesLongLines(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).printBox("T", strings.Repeat("x", 200))
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		assert.LessOrEqual(t, len([]rune(line)), boxWidth)
	}
	assert.Contains(t, buf.String(), "...")
}

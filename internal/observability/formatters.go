// Package observability provides formatted output for the CLI.
package observability

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jonathan/contact-extractor/internal/ledger"
	"github.com/jonathan/contact-extractor/internal/pipeline"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 10
)

// Printer handles formatted output for the CLI
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(content, "\n") {
		if r := []rune(line); len(r) > boxWidth-4 {
			line = string(r[:boxWidth-7]) + "..."
		}
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// PrintSummary outputs the outcome of a run.
func (p *Printer) PrintSummary(s *pipeline.Summary) {
	if s == nil {
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Run:        %s\n", s.RunID)
	fmt.Fprintf(&sb, "Duration:   %s\n", s.Duration.Round(time.Second))
	fmt.Fprintf(&sb, "Clients:    %d in %d accounts\n", s.Clients, s.Groups)
	fmt.Fprintf(&sb, "Succeeded:  %d (%d rows)\n", s.Succeeded, s.TotalRows)
	fmt.Fprintf(&sb, "Failed:     %d\n", len(s.Failed))
	if s.TransformErr != nil {
		fmt.Fprintf(&sb, "Transform:  failed (%v)\n", s.TransformErr)
	} else if s.Clients > 0 {
		fmt.Fprintf(&sb, "Transform:  %d rows\n", s.TransformRows)
	}

	if len(s.Failed) > 0 {
		sb.WriteString("\nStill failing:\n")
		count := min(len(s.Failed), maxItemsToShow)
		for _, c := range s.Failed[:count] {
			fmt.Fprintf(&sb, "  • %s (id %d)\n", c.Name, c.ID)
		}
		if len(s.Failed) > maxItemsToShow {
			fmt.Fprintf(&sb, "  ... and %d more\n", len(s.Failed)-maxItemsToShow)
		}
	}

	p.printBox("EXTRACTION RUN", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintEvents outputs a run's ledger, one line per event.
func (p *Printer) PrintEvents(events []ledger.Event) {
	if len(events) == 0 {
		return
	}

	var sb strings.Builder
	for _, e := range events {
		if e.CreatedAt != nil {
			sb.WriteString(e.CreatedAt.Format(time.TimeOnly))
			sb.WriteString("  ")
		}
		sb.WriteString(string(e.Status))
		if e.ClientName != nil {
			fmt.Fprintf(&sb, "  %s", *e.ClientName)
		}
		if e.RowsCount != nil {
			fmt.Fprintf(&sb, "  rows=%d", *e.RowsCount)
		}
		if e.ErrorMessage != nil {
			fmt.Fprintf(&sb, "  %s", *e.ErrorMessage)
		}
		sb.WriteString("\n")
	}

	p.printBox(fmt.Sprintf("RUN LEDGER (%d events)", len(events)), strings.TrimSuffix(sb.String(), "\n"))
}

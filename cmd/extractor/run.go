package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jonathan/contact-extractor/internal/observability"
)

var runCommand = &cobra.Command{
	Use:   "run",
	Short: "Run one extraction cycle now",
	Long: `Extracts every active client, retries failures, loads the exports into staging and
republishes the core contact report. Progress is written to the extraction ledger.`,
	Args: cobra.NoArgs,
	RunE: runExtraction,
}

var runFailOnClientErrors bool

func init() {
	runCommand.Flags().BoolVar(&runFailOnClientErrors, "strict", false, "Exit with an error when any client still fails after retries")
	rootCmd.AddCommand(runCommand)
}

func runExtraction(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	summary, err := a.trigger.RunNow(ctx)
	if err != nil {
		return fmt.Errorf("extraction failed: %w", err)
	}

	printer := observability.NewPrinter(cmd.OutOrStdout())
	printer.PrintSummary(summary)
	if verbose {
		events, err := a.db.ListRunEvents(ctx, summary.RunID)
		if err != nil {
			a.logger.Warn("failed to read run ledger", "error", err)
		} else {
			printer.PrintEvents(events)
		}
	}

	if runFailOnClientErrors && len(summary.Failed) > 0 {
		return fmt.Errorf("%d clients failed", len(summary.Failed))
	}
	return nil
}

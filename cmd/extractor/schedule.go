package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jonathan/contact-extractor/internal/schedule"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run extraction on a cron schedule and serve the reporting API",
	Long: `Fires an extraction cycle on the configured cron expression (default: daily at
midnight, America/Lima) and serves the reporting API in the same process. A tick is
skipped while a run is still going.`,
	Args: cobra.NoArgs,
	RunE: runSchedule,
}

var scheduleNoServer bool

func init() {
	scheduleCmd.Flags().BoolVar(&scheduleNoServer, "no-server", false, "Do not start the reporting API")
	rootCmd.AddCommand(scheduleCmd)
}

func runSchedule(cmd *cobra.Command, _ []string) error {
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

	sched, err := schedule.New(ctx, cfg.Schedule.Spec, cfg.Schedule.Timezone, a.trigger, a.logger)
	if err != nil {
		return err
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	if scheduleNoServer {
		<-ctx.Done()
		return nil
	}
	srv, err := a.server()
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

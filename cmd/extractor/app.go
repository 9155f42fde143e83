package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonathan/contact-extractor/internal/archive"
	"github.com/jonathan/contact-extractor/internal/browser"
	"github.com/jonathan/contact-extractor/internal/config"
	"github.com/jonathan/contact-extractor/internal/contacts"
	"github.com/jonathan/contact-extractor/internal/credentials"
	"github.com/jonathan/contact-extractor/internal/db"
	"github.com/jonathan/contact-extractor/internal/pacing"
	"github.com/jonathan/contact-extractor/internal/pipeline"
	"github.com/jonathan/contact-extractor/internal/server"
	"github.com/jonathan/contact-extractor/internal/telemetry"
)

// app holds the collaborators shared by the run, serve and schedule commands.
type app struct {
	cfg     *config.Config
	db      *db.DB
	trigger *pipeline.Trigger
	logger  *slog.Logger

	shutdownTelemetry telemetry.ShutdownFunc
}

// newApp connects to the database and assembles the orchestrator.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := slog.Default()

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	cipher, err := credentials.NewCipher(cfg.CredentialsKey)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	deps := pipeline.Deps{
		Roster: database,
		Capability: browser.New(browser.Options{
			BaseURL:  cfg.Browser.BaseURL,
			Headless: cfg.Browser.Headless,
			ProxyURL: cfg.Browser.ProxyURL,
			Timezone: cfg.Browser.Timezone,
			Logger:   logger,
		}),
		Loader:      contacts.NewLoader(database),
		Transformer: database,
		Ledger:      database,
		Decrypter:   cipher,
		Pacer:       pacing.New(pacing.WithBackoff(cfg.Extraction.BackoffBase, cfg.Extraction.BackoffMax)),
		Logger:      logger,
	}

	if cfg.Archive.Enabled() {
		store, err := archive.New(cfg.Archive)
		if err != nil {
			database.Close()
			_ = shutdown(ctx)
			return nil, fmt.Errorf("failed to create archive client: %w", err)
		}
		if err := store.EnsureBucket(ctx); err != nil {
			database.Close()
			_ = shutdown(ctx)
			return nil, err
		}
		deps.Archiver = store
		logger.Info("archiving exports", "bucket", cfg.Archive.Bucket)
	}

	orchestrator := pipeline.New(deps, pipeline.Options{
		MaxWorkers:     cfg.Extraction.MaxWorkers,
		MaxRetries:     cfg.Extraction.MaxRetries,
		ClientDelayMin: cfg.Extraction.ClientDelayMin,
		ClientDelayMax: cfg.Extraction.ClientDelayMax,
		DownloadDir:    cfg.Extraction.DownloadDir,
	})

	return &app{
		cfg:               cfg,
		db:                database,
		trigger:           pipeline.NewTrigger(orchestrator, logger),
		logger:            logger,
		shutdownTelemetry: shutdown,
	}, nil
}

// server builds the reporting API over the app's ledger and trigger.
func (a *app) server() (*server.Server, error) {
	jwtCfg, err := a.cfg.JWT()
	if err != nil {
		return nil, err
	}
	cfg := server.Config{
		Port:            a.cfg.Server.Port,
		FrontendDir:     a.cfg.Server.FrontendDir,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow,
		Logger:          a.logger,
	}
	if jwtCfg != nil {
		cfg.Tokens = server.NewJWTService(jwtCfg).AsTokenValidator()
	}
	return server.New(cfg, a.db, a.trigger), nil
}

// Close waits for background runs, then releases the database and flushes telemetry.
func (a *app) Close() {
	a.trigger.Wait()
	a.db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.shutdownTelemetry(ctx); err != nil {
		a.logger.Warn("failed to flush telemetry", "error", err)
	}
}

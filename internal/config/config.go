// Package config loads the extractor configuration from defaults, an optional YAML file
// and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/jonathan/contact-extractor/internal/archive"
	"github.com/jonathan/contact-extractor/internal/telemetry"
)

// Config is the full process configuration.
type Config struct {
	DatabaseURL    string `yaml:"database_url" validate:"required"`
	CredentialsKey string `yaml:"credentials_key"`

	Extraction ExtractionConfig `yaml:"extraction"`
	Browser    BrowserConfig    `yaml:"browser"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Server     ServerConfig     `yaml:"server"`
	Archive    archive.Config   `yaml:"archive"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
}

// ExtractionConfig tunes the orchestrator.
type ExtractionConfig struct {
	MaxWorkers     int           `yaml:"max_workers" validate:"min=1,max=32"`
	MaxRetries     int           `yaml:"max_retries" validate:"min=0,max=10"`
	ClientDelayMin time.Duration `yaml:"client_delay_min" validate:"min=0"`
	ClientDelayMax time.Duration `yaml:"client_delay_max" validate:"gtefield=ClientDelayMin"`
	BackoffBase    time.Duration `yaml:"backoff_base" validate:"gt=0"`
	BackoffMax     time.Duration `yaml:"backoff_max" validate:"gtefield=BackoffBase"`
	DownloadDir    string        `yaml:"download_dir" validate:"required"`
}

// BrowserConfig configures the browser session.
type BrowserConfig struct {
	BaseURL  string `yaml:"base_url" validate:"required,url"`
	Headless bool   `yaml:"headless"`
	ProxyURL string `yaml:"proxy_url" validate:"omitempty,url"`
	Timezone string `yaml:"timezone" validate:"required"`
}

// ScheduleConfig is the cron trigger.
type ScheduleConfig struct {
	Spec     string `yaml:"spec" validate:"required"`
	Timezone string `yaml:"timezone" validate:"required"`
}

// ServerConfig is the reporting API.
type ServerConfig struct {
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	FrontendDir     string        `yaml:"frontend_dir"`
	JWTSecret       string        `yaml:"jwt_secret"`
	RateLimit       int           `yaml:"rate_limit" validate:"min=0"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window" validate:"min=0"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Extraction: ExtractionConfig{
			MaxWorkers:     4,
			MaxRetries:     3,
			ClientDelayMin: 30 * time.Second,
			ClientDelayMax: 60 * time.Second,
			BackoffBase:    5 * time.Second,
			BackoffMax:     300 * time.Second,
			DownloadDir:    "downloads",
		},
		Browser: BrowserConfig{
			BaseURL:  "https://run.reply.io",
			Headless: true,
			Timezone: "America/Lima",
		},
		Schedule: ScheduleConfig{
			Spec:     "0 0 * * *",
			Timezone: "America/Lima",
		},
		Server: ServerConfig{
			Port:            8000,
			FrontendDir:     "frontend/dist",
			RateLimit:       600,
			RateLimitWindow: time.Minute,
		},
		Telemetry: telemetry.Config{
			ServiceName: telemetry.DefaultServiceName,
		},
	}
}

// Load builds the configuration. path may be empty, in which case only defaults and the
// environment are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if !filepath.IsAbs(path) {
			cwd, err := os.Getwd()
			if err != nil {
				return nil, fmt.Errorf("failed to get current directory: %w", err)
			}
			path = filepath.Join(cwd, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides fields from environment variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	e.str("DATABASE_URL", &c.DatabaseURL)
	e.str("CREDENTIALS_KEY", &c.CredentialsKey)

	e.integer("MAX_WORKERS", &c.Extraction.MaxWorkers)
	e.integer("MAX_RETRIES", &c.Extraction.MaxRetries)
	e.duration("CLIENT_DELAY_MIN", &c.Extraction.ClientDelayMin)
	e.duration("CLIENT_DELAY_MAX", &c.Extraction.ClientDelayMax)
	e.duration("BACKOFF_BASE", &c.Extraction.BackoffBase)
	e.duration("BACKOFF_MAX", &c.Extraction.BackoffMax)
	e.str("DOWNLOAD_DIR", &c.Extraction.DownloadDir)

	e.str("REPLY_BASE_URL", &c.Browser.BaseURL)
	e.boolean("HEADLESS", &c.Browser.Headless)
	e.str("PROXY_URL", &c.Browser.ProxyURL)
	e.str("BROWSER_TIMEZONE", &c.Browser.Timezone)

	e.str("SCHEDULE", &c.Schedule.Spec)
	e.str("SCHEDULE_TIMEZONE", &c.Schedule.Timezone)

	e.integer("PORT", &c.Server.Port)
	e.str("FRONTEND_DIR", &c.Server.FrontendDir)
	e.str("REPORT_JWT_SECRET", &c.Server.JWTSecret)
	e.integer("RATE_LIMIT", &c.Server.RateLimit)
	e.duration("RATE_LIMIT_WINDOW", &c.Server.RateLimitWindow)

	e.str("ARCHIVE_ENDPOINT", &c.Archive.Endpoint)
	e.str("ARCHIVE_ACCESS_KEY", &c.Archive.AccessKey)
	e.str("ARCHIVE_SECRET_KEY", &c.Archive.SecretKey)
	e.str("ARCHIVE_BUCKET", &c.Archive.Bucket)
	e.str("ARCHIVE_REGION", &c.Archive.Region)
	e.boolean("ARCHIVE_USE_SSL", &c.Archive.UseSSL)

	e.str("OTEL_SERVICE_NAME", &c.Telemetry.ServiceName)
	e.str("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", &c.Telemetry.TracesEndpoint)
	e.str("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", &c.Telemetry.MetricsEndpoint)

	return errors.Join(e.errs...)
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed '%s'", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("config error: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config error: %w", err)
	}
	if c.Archive.Enabled() {
		if err := c.Archive.Validate(); err != nil {
			return fmt.Errorf("config error: %w", err)
		}
	}
	return nil
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*dst = b
	}
}

// duration accepts Go duration strings or a bare number of seconds.
func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*dst = d
}

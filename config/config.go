package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the process configuration shared by the signflow binaries.
type Config struct {
	AppEnv      string `env:"SIGNFLOW_APP_ENV"  envDefault:"dev"`
	HTTPAddr    string `env:"SIGNFLOW_HTTP_ADDR" envDefault:":8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	BaseURL     string `env:"SIGNFLOW_BASE_URL" envDefault:"http://localhost:8080"`

	TokenSecret string        `env:"SIGNFLOW_TOKEN_SECRET"`
	TokenTTL    time.Duration `env:"SIGNFLOW_TOKEN_TTL"    envDefault:"72h"`

	StorageDir     string `env:"SIGNFLOW_STORAGE_DIR"      envDefault:"./data/files"`
	TemplatesDir   string `env:"SIGNFLOW_TEMPLATES_DIR"    envDefault:"./templates"`
	MaxUploadBytes int64  `env:"SIGNFLOW_MAX_UPLOAD_BYTES" envDefault:"20971520"`

	SMTPAddr     string `env:"SIGNFLOW_SMTP_ADDR"`
	SMTPUsername string `env:"SIGNFLOW_SMTP_USERNAME"`
	SMTPPassword string `env:"SIGNFLOW_SMTP_PASSWORD"`
	SMTPFrom     string `env:"SIGNFLOW_SMTP_FROM" envDefault:"no-reply@signflow.local"`

	NotifyTimeout time.Duration `env:"SIGNFLOW_NOTIFY_TIMEOUT" envDefault:"30s"`

	KafkaBrokers       []string      `env:"SIGNFLOW_KAFKA_BROKERS"        envSeparator:","`
	OutboxBatchSize    int           `env:"SIGNFLOW_OUTBOX_BATCH_SIZE"    envDefault:"50"`
	OutboxPollInterval time.Duration `env:"SIGNFLOW_OUTBOX_POLL_INTERVAL" envDefault:"1s"`
	OutboxMaxAttempts  int           `env:"SIGNFLOW_OUTBOX_MAX_ATTEMPTS"  envDefault:"10"`
	MetricsAddr        string        `env:"SIGNFLOW_METRICS_ADDR"         envDefault:":9090"`

	OTELEndpoint string `env:"SIGNFLOW_OTEL_ENDPOINT"`

	ShutdownTimeout time.Duration `env:"SIGNFLOW_SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// Load parses the environment. Callers validate the parts they need with
// ValidateAPI or ValidateRelay.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	return cfg, nil
}

// ValidateAPI checks what the HTTP server needs to mint links and persist
// envelopes.
func (c Config) ValidateAPI() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if err := c.ValidateTokens(); err != nil {
		errs = append(errs, err)
	}
	if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("SIGNFLOW_BASE_URL must be an absolute url, got %q", c.BaseURL))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("SIGNFLOW_MAX_UPLOAD_BYTES must be positive"))
	}
	return errors.Join(errs...)
}

// ValidateTokens checks the capability token settings.
func (c Config) ValidateTokens() error {
	var errs []error
	if strings.TrimSpace(c.TokenSecret) == "" {
		errs = append(errs, errors.New("SIGNFLOW_TOKEN_SECRET is required"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("SIGNFLOW_TOKEN_TTL must be positive, got %s", c.TokenTTL))
	}
	return errors.Join(errs...)
}

// ValidateRelay checks what the outbox relay needs.
func (c Config) ValidateRelay() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if len(c.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("SIGNFLOW_KAFKA_BROKERS is required"))
	}
	if c.OutboxPollInterval <= 0 {
		errs = append(errs, errors.New("SIGNFLOW_OUTBOX_POLL_INTERVAL must be positive"))
	}
	return errors.Join(errs...)
}

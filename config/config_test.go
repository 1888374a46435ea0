package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SIGNFLOW_TOKEN_SECRET", "s3cret")
	t.Setenv("DATABASE_URL", "postgres://localhost/signflow")
	t.Setenv("SIGNFLOW_BASE_URL", "https://sign.example.com/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TokenTTL != 72*time.Hour {
		t.Fatalf("expected 72h default ttl, got %s", cfg.TokenTTL)
	}
	if cfg.BaseURL != "https://sign.example.com" {
		t.Fatalf("base url not trimmed: %q", cfg.BaseURL)
	}
	if cfg.HTTPAddr != ":8080" || cfg.MaxUploadBytes != 20<<20 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if err := cfg.ValidateAPI(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateAPI_ReportsEveryProblem(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SIGNFLOW_TOKEN_SECRET", "")
	t.Setenv("SIGNFLOW_TOKEN_TTL", "-1m")
	t.Setenv("SIGNFLOW_BASE_URL", "not a url")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	err = cfg.ValidateAPI()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"DATABASE_URL", "SIGNFLOW_TOKEN_SECRET", "SIGNFLOW_TOKEN_TTL", "SIGNFLOW_BASE_URL"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoad_ParsesBrokers(t *testing.T) {
	t.Setenv("SIGNFLOW_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("DATABASE_URL", "postgres://localhost/signflow")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if err := cfg.ValidateRelay(); err != nil {
		t.Fatalf("validate relay: %v", err)
	}
}

func TestLoad_RejectsBadDuration(t *testing.T) {
	t.Setenv("SIGNFLOW_TOKEN_TTL", "forever")
	if _, err := Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

package config_test

import (
	"testing"

	"github.com/mladen1312/nyx-light-racunovodja/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":8443" {
		t.Fatalf("want default addr :8443, got %s", cfg.Addr)
	}
	if cfg.Env != "development" {
		t.Fatalf("want default env development, got %s", cfg.Env)
	}
	if cfg.InferenceMaxConcurrent != 2 {
		t.Fatalf("want default max concurrent 2, got %d", cfg.InferenceMaxConcurrent)
	}
	if cfg.HomeCurrency != "EUR" {
		t.Fatalf("want default home currency EUR, got %s", cfg.HomeCurrency)
	}
	if cfg.ConsensusFloor != 0.95 {
		t.Fatalf("want default consensus floor 0.95, got %v", cfg.ConsensusFloor)
	}
}

func TestLoadRejectsDisablingMonetaryApproval(t *testing.T) {
	t.Setenv("NYX_APPROVAL_REQUIRED_FOR_MONETARY", "false")

	if _, err := config.Load(); err == nil {
		t.Fatal("want Load to refuse turning off monetary approval")
	}
}

func TestLoadAcceptsExplicitMonetaryApproval(t *testing.T) {
	t.Setenv("NYX_APPROVAL_REQUIRED_FOR_MONETARY", "true")

	if _, err := config.Load(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadReadsEnvOverrides(t *testing.T) {
	t.Setenv("NYX_ADDR", ":9000")
	t.Setenv("NYX_ENV", "production")
	t.Setenv("NYX_INFERENCE_MAX_CONCURRENT", "6")
	t.Setenv("NYX_RAG_CONFIDENCE_FLOOR", "0.75")

	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":9000" {
		t.Fatalf("want overridden addr :9000, got %s", cfg.Addr)
	}
	if !cfg.IsProduction() || cfg.IsDevelopment() {
		t.Fatalf("want IsProduction true and IsDevelopment false, got env=%s", cfg.Env)
	}
	if cfg.InferenceMaxConcurrent != 6 {
		t.Fatalf("want overridden max concurrent 6, got %d", cfg.InferenceMaxConcurrent)
	}
	if cfg.RAGConfidenceFloor != 0.75 {
		t.Fatalf("want overridden confidence floor 0.75, got %v", cfg.RAGConfidenceFloor)
	}
}

func TestLoadRejectsInvalidMaxConcurrent(t *testing.T) {
	t.Setenv("NYX_INFERENCE_MAX_CONCURRENT", "0")

	if _, err := config.Load(); err == nil {
		t.Fatal("want Load to reject NYX_INFERENCE_MAX_CONCURRENT < 1")
	}
}

func TestLoadIgnoresUnparsableIntOverride(t *testing.T) {
	t.Setenv("NYX_RATE_LIMIT_RPM", "not-a-number")

	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RateLimitRPM != 120 {
		t.Fatalf("want the default 120 when the override doesn't parse, got %d", cfg.RateLimitRPM)
	}
}

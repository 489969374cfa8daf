package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigExpandsEnvAndDefaults(t *testing.T) {
	t.Setenv("LARYNX_TEST_RESPONSE", "hi there")
	path := writeConfig(t, `
pipeline:
  high_capacity: 8
  low_capacity: 16
  drain_timeout: 2s
transports:
  provider: mock
vendors:
  stt:
    provider: mock
  tts:
    provider: mock
  llm:
    provider: mock
    settings:
      response_text: ${LARYNX_TEST_RESPONSE}
turn:
  strategy: polite
  min_barge_in: 450ms
observability:
  metrics_min_interval: 250ms
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pipeline.HighCapacity != 8 || cfg.Pipeline.LowCapacity != 16 {
		t.Fatalf("unexpected queue capacities: %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.DrainTimeout != 2*time.Second {
		t.Fatalf("expected 2s drain timeout, got %v", cfg.Pipeline.DrainTimeout)
	}
	if got := cfg.Vendors.LLM.Settings["response_text"]; got != "hi there" {
		t.Fatalf("expected env expansion in settings, got %v", got)
	}
	if cfg.Turn.Strategy != "polite" || cfg.Turn.MinBargeIn != 450*time.Millisecond {
		t.Fatalf("unexpected turn config: %+v", cfg.Turn)
	}
	if cfg.Observability.MetricsMinInterval != 250*time.Millisecond {
		t.Fatalf("unexpected metrics interval: %v", cfg.Observability.MetricsMinInterval)
	}
	// Sections not present in the file keep their defaults.
	if cfg.LLM.MaxHistory != 20 || cfg.LLM.Timeout != 30*time.Second {
		t.Fatalf("unexpected llm defaults: %+v", cfg.LLM)
	}
	if cfg.STT.ReplayChunks != 50 {
		t.Fatalf("unexpected stt defaults: %+v", cfg.STT)
	}
	if cfg.LogLevel != "info" || cfg.Environment != "development" {
		t.Fatalf("unexpected base defaults: %q %q", cfg.LogLevel, cfg.Environment)
	}
}

func TestLoadConfigRequiresProviders(t *testing.T) {
	path := writeConfig(t, `
vendors:
  stt:
    provider: mock
  tts:
    provider: mock
  llm:
    provider: mock
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected missing transport provider to fail validation")
	}
}

package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.Port != "8094" {
		t.Fatalf("expected default port, got %q", cfg.Port)
	}
	if cfg.ActiveWindow != 5*time.Minute {
		t.Fatalf("expected 5m active window, got %v", cfg.ActiveWindow)
	}
	if cfg.NominalInterval != time.Minute {
		t.Fatalf("expected 60s cadence, got %v", cfg.NominalInterval)
	}
	if cfg.MaxHistoryHours != 168 {
		t.Fatalf("expected 168h max lookback, got %v", cfg.MaxHistoryHours)
	}
	if cfg.UsePostgres() {
		t.Fatalf("expected sqlite fallback without postgres env")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ACTIVE_WINDOW", "90s")
	t.Setenv("NOMINAL_PUBLISH_INTERVALS", "field-1=30s, field-2=2m, broken, also=bad")
	cfg := Load()

	if cfg.ActiveWindow != 90*time.Second {
		t.Fatalf("expected 90s window, got %v", cfg.ActiveWindow)
	}
	if len(cfg.NominalOverrides) != 2 {
		t.Fatalf("expected 2 valid overrides, got %v", cfg.NominalOverrides)
	}
	if cfg.NominalOverrides["field-1"] != 30*time.Second {
		t.Fatalf("expected 30s for field-1, got %v", cfg.NominalOverrides["field-1"])
	}
	if cfg.NominalOverrides["field-2"] != 2*time.Minute {
		t.Fatalf("expected 2m for field-2, got %v", cfg.NominalOverrides["field-2"])
	}
}

func TestBadDurationFallsBack(t *testing.T) {
	t.Setenv("QUERY_TIMEOUT", "never")
	cfg := Load()
	if cfg.QueryTimeout != 5*time.Second {
		t.Fatalf("expected default timeout, got %v", cfg.QueryTimeout)
	}
}

package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.StoreBackend != "memory" {
		t.Errorf("StoreBackend = %q, want memory", cfg.StoreBackend)
	}
	if cfg.RailBackend != "fixture" {
		t.Errorf("RailBackend = %q, want fixture", cfg.RailBackend)
	}
	if cfg.Currency != "usd" {
		t.Errorf("Currency = %q, want usd", cfg.Currency)
	}
	if cfg.FreePreviewSeconds != 10 {
		t.Errorf("FreePreviewSeconds = %d, want 10", cfg.FreePreviewSeconds)
	}
	if cfg.SweepInterval != 30*time.Second {
		t.Errorf("SweepInterval = %v, want 30s", cfg.SweepInterval)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/tally")
	t.Setenv("SWEEP_INTERVAL", "2m")
	t.Setenv("PAYOUT_RETRY_BATCH", "25")

	cfg := Load()

	if cfg.Port != "9090" {
		t.Errorf("Port = %q, want 9090", cfg.Port)
	}
	if cfg.StoreBackend != "postgres" {
		t.Errorf("StoreBackend = %q, want postgres", cfg.StoreBackend)
	}
	if cfg.DatabaseURL != "postgres://localhost:5432/tally" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.SweepInterval != 2*time.Minute {
		t.Errorf("SweepInterval = %v, want 2m", cfg.SweepInterval)
	}
	if cfg.PayoutRetryBatch != 25 {
		t.Errorf("PayoutRetryBatch = %d, want 25", cfg.PayoutRetryBatch)
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("FREE_PREVIEW_SECONDS", "not-a-number")
	t.Setenv("SWEEP_INTERVAL", "garbage")

	cfg := Load()

	if cfg.FreePreviewSeconds != 10 {
		t.Errorf("FreePreviewSeconds = %d, want default 10", cfg.FreePreviewSeconds)
	}
	if cfg.SweepInterval != 30*time.Second {
		t.Errorf("SweepInterval = %v, want default 30s", cfg.SweepInterval)
	}
}

package config

import "testing"

func TestDefaultsMatchDocumentedValues(t *testing.T) {
	cfg := defaults()

	if cfg.LM.BaseURL != "http://localhost:11434" {
		t.Errorf("LM.BaseURL = %q, want http://localhost:11434", cfg.LM.BaseURL)
	}
	if !cfg.LM.Enabled {
		t.Errorf("LM.Enabled should default to true")
	}
	if !cfg.Tick.Enabled {
		t.Errorf("Tick.Enabled should default to true")
	}
	if cfg.Tick.Interval.Duration().Milliseconds() != 300_000 {
		t.Errorf("Tick.Interval = %v, want 300000ms", cfg.Tick.Interval.Duration())
	}
	if cfg.Tick.WallCap.Duration().Milliseconds() != 30_000 {
		t.Errorf("Tick.WallCap = %v, want 30000ms", cfg.Tick.WallCap.Duration())
	}
	if cfg.Analysis.DeepCacheTTL.Duration().Milliseconds() != 3_600_000 {
		t.Errorf("Analysis.DeepCacheTTL = %v, want 3600000ms", cfg.Analysis.DeepCacheTTL.Duration())
	}
	if cfg.Control.PendingTTL.Duration().Milliseconds() != 604_800_000 {
		t.Errorf("Control.PendingTTL = %v, want 604800000ms", cfg.Control.PendingTTL.Duration())
	}
	if !cfg.Control.AutoApproveLow || cfg.Control.AutoApproveMedium || cfg.Control.AutoApproveHigh {
		t.Errorf("auto-approve defaults = %+v, want {true, false, false}", cfg.Control)
	}
}

func TestEnvOverridesTakePrecedenceOverDefaults(t *testing.T) {
	t.Setenv("CTXD_STORE_PATH", "/tmp/custom-store.json")
	t.Setenv("CTXD_LM_ENABLED", "false")
	t.Setenv("CTXD_TICK_INTERVAL_MS", "60000")
	t.Setenv("CTXD_AUTO_APPROVE_MEDIUM", "true")

	cfg := Load()

	if cfg.Store.Path != "/tmp/custom-store.json" {
		t.Errorf("Store.Path = %q, want override", cfg.Store.Path)
	}
	if cfg.LM.Enabled {
		t.Errorf("LM.Enabled should be overridden to false")
	}
	if cfg.Tick.Interval.Duration().Milliseconds() != 60_000 {
		t.Errorf("Tick.Interval = %v, want 60000ms", cfg.Tick.Interval.Duration())
	}
	if !cfg.Control.AutoApproveMedium {
		t.Errorf("Control.AutoApproveMedium should be overridden to true")
	}
}

func TestMalformedEnvOverrideFallsBackToDefault(t *testing.T) {
	t.Setenv("CTXD_TICK_WALL_CAP_MS", "not-a-number")

	cfg := Load()

	if cfg.Tick.WallCap.Duration().Milliseconds() != 30_000 {
		t.Errorf("expected default to survive a malformed override, got %v", cfg.Tick.WallCap.Duration())
	}
}

func TestShowAllListsEveryKey(t *testing.T) {
	rows := ShowAll(defaults())
	if len(rows) != len(specs) {
		t.Fatalf("ShowAll returned %d rows, want %d", len(rows), len(specs))
	}
	for _, r := range rows {
		if r.EnvVar == "" {
			t.Errorf("row missing env var name: %+v", r)
		}
	}
}

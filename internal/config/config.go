// Package config assembles runtime configuration from defaults and
// environment-variable overrides, per spec §6's configuration surface: every
// value is optional and has a documented default.
package config

import (
	"os"
	"path/filepath"
)

type Config struct {
	Store      StoreConfig
	LM         LMConfig
	Tick       TickConfig
	Analysis   AnalysisConfig
	Control    ControlConfig
	Server     ServerConfig
}

// StoreConfig locates the two persistent files and the optional schema
// catalog file.
type StoreConfig struct {
	Path          string
	AwarenessPath string
	SchemaPath    string
}

// LMConfig points the analyzer at a local language-model endpoint. Enabled
// false skips probing entirely; a probe failure with Enabled true just
// soft-disables the LM path for the process lifetime, per spec §7.
type LMConfig struct {
	Enabled bool
	BaseURL string
	Model   string
}

// TickConfig governs the improver's background loop.
type TickConfig struct {
	Enabled  bool
	Interval durationMS
	WallCap  durationMS
}

// AnalysisConfig governs deep (LM-backed) self-model analysis caching.
type AnalysisConfig struct {
	DeepCacheTTL durationMS
}

// ControlConfig governs the risk-gated control plane.
type ControlConfig struct {
	PendingTTL        durationMS
	AutoApproveLow    bool
	AutoApproveMedium bool
	AutoApproveHigh   bool
}

// ServerConfig is the REST listen address; the MCP transport is stdio and
// needs none.
type ServerConfig struct {
	Addr string
}

// defaults matches the table in spec §6 exactly: store path, awareness
// path, LM endpoint URL, tick interval/cap, pending TTL, and the
// auto-approve policy.
func defaults() Config {
	dir := defaultDataDir()
	return Config{
		Store: StoreConfig{
			Path:          filepath.Join(dir, "store.json"),
			AwarenessPath: filepath.Join(dir, "awareness.json"),
			SchemaPath:    filepath.Join(dir, "schema.json"),
		},
		LM: LMConfig{
			Enabled: true,
			BaseURL: "http://localhost:11434",
			Model:   "llama3.1",
		},
		Tick: TickConfig{
			Enabled:  true,
			Interval: durationMS(300_000),
			WallCap:  durationMS(30_000),
		},
		Analysis: AnalysisConfig{
			DeepCacheTTL: durationMS(3_600_000),
		},
		Control: ControlConfig{
			PendingTTL:        durationMS(604_800_000),
			AutoApproveLow:    true,
			AutoApproveMedium: false,
			AutoApproveHigh:   false,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
	}
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "ctxd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ctxd"
	}
	return filepath.Join(home, ".local", "share", "ctxd")
}

// Load returns defaults overridden by CTXD_* environment variables.
func Load() Config {
	cfg := defaults()
	applyEnvOverrides(&cfg)
	return cfg
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// durationMS is a millisecond count that also knows how to become a
// time.Duration; the configuration surface in spec §6 documents every
// interval in milliseconds, so that's the wire/env representation, while
// the rest of the codebase wants a time.Duration.
type durationMS int64

func (d durationMS) Duration() time.Duration {
	return time.Duration(d) * time.Millisecond
}

type keyType int

const (
	kString keyType = iota
	kBool
	kMillis
)

type keySpec struct {
	env     string
	typ     keyType
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		env: "CTXD_STORE_PATH", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Store.Path = v.(string) },
		extract: func(cfg Config) any { return cfg.Store.Path },
	},
	{
		env: "CTXD_AWARENESS_PATH", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Store.AwarenessPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Store.AwarenessPath },
	},
	{
		env: "CTXD_SCHEMA_PATH", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Store.SchemaPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Store.SchemaPath },
	},
	{
		env: "CTXD_LM_ENABLED", typ: kBool,
		apply:   func(cfg *Config, v any) { cfg.LM.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.LM.Enabled },
	},
	{
		env: "CTXD_LM_BASE_URL", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.LM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LM.BaseURL },
	},
	{
		env: "CTXD_LM_MODEL", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.LM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LM.Model },
	},
	{
		env: "CTXD_TICK_ENABLED", typ: kBool,
		apply:   func(cfg *Config, v any) { cfg.Tick.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Tick.Enabled },
	},
	{
		env: "CTXD_TICK_INTERVAL_MS", typ: kMillis,
		apply:   func(cfg *Config, v any) { cfg.Tick.Interval = v.(durationMS) },
		extract: func(cfg Config) any { return cfg.Tick.Interval },
	},
	{
		env: "CTXD_TICK_WALL_CAP_MS", typ: kMillis,
		apply:   func(cfg *Config, v any) { cfg.Tick.WallCap = v.(durationMS) },
		extract: func(cfg Config) any { return cfg.Tick.WallCap },
	},
	{
		env: "CTXD_DEEP_CACHE_TTL_MS", typ: kMillis,
		apply:   func(cfg *Config, v any) { cfg.Analysis.DeepCacheTTL = v.(durationMS) },
		extract: func(cfg Config) any { return cfg.Analysis.DeepCacheTTL },
	},
	{
		env: "CTXD_PENDING_TTL_MS", typ: kMillis,
		apply:   func(cfg *Config, v any) { cfg.Control.PendingTTL = v.(durationMS) },
		extract: func(cfg Config) any { return cfg.Control.PendingTTL },
	},
	{
		env: "CTXD_AUTO_APPROVE_LOW", typ: kBool,
		apply:   func(cfg *Config, v any) { cfg.Control.AutoApproveLow = v.(bool) },
		extract: func(cfg Config) any { return cfg.Control.AutoApproveLow },
	},
	{
		env: "CTXD_AUTO_APPROVE_MEDIUM", typ: kBool,
		apply:   func(cfg *Config, v any) { cfg.Control.AutoApproveMedium = v.(bool) },
		extract: func(cfg Config) any { return cfg.Control.AutoApproveMedium },
	},
	{
		env: "CTXD_AUTO_APPROVE_HIGH", typ: kBool,
		apply:   func(cfg *Config, v any) { cfg.Control.AutoApproveHigh = v.(bool) },
		extract: func(cfg Config) any { return cfg.Control.AutoApproveHigh },
	},
	{
		env: "CTXD_SERVER_ADDR", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Server.Addr = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Addr },
	},
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kMillis:
			if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
				s.apply(cfg, durationMS(i))
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer milliseconds from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}

package config

import "fmt"

// KeyInfo describes one configuration value for display purposes.
type KeyInfo struct {
	EnvVar string
	Value  string
}

// ShowAll returns the effective value of every configuration key, in the
// order they're declared, for the `ctxd config` CLI convenience.
func ShowAll(cfg Config) []KeyInfo {
	out := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		out = append(out, KeyInfo{EnvVar: s.env, Value: fmt.Sprintf("%v", s.extract(cfg))})
	}
	return out
}

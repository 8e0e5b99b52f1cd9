package main

import (
	"github.com/spf13/cobra"

	"github.com/pavlenko-dev/ctxd/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration and which environment variable sets each value",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfig()
	},
}

func runConfig() error {
	cfg := config.Load()
	for _, k := range config.ShowAll(cfg) {
		printStatus(k.EnvVar, "%s", k.Value)
	}
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pavlenko-dev/ctxd/internal/config"
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one improver tick and print the tick result counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTick()
	},
}

func runTick() error {
	cfg := config.Load()
	deps, err := buildDeps(cfg)
	if err != nil {
		return err
	}

	result, err := deps.Improver.Tick(context.Background())
	if err != nil {
		printError("tick failed: %v", err)
		return err
	}
	deps.Model.Invalidate()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("encoding tick result: %w", err)
	}
	printSuccess("tick complete: %d candidates, %d auto-executed, %d enqueued, %d skipped, %d expired",
		result.CandidatesConsidered, len(result.AutoExecuted), result.Enqueued, result.Skipped, result.Expired)
	return nil
}

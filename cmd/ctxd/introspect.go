package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pavlenko-dev/ctxd/internal/config"
	"github.com/pavlenko-dev/ctxd/internal/selfmodel"
)

var introspectDeep bool

var introspectCmd = &cobra.Command{
	Use:   "introspect",
	Short: "Print the current self-model to stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIntrospect()
	},
}

func init() {
	introspectCmd.Flags().BoolVar(&introspectDeep, "deep", false, "use the analyzer-enriched contradiction check")
}

func runIntrospect() error {
	cfg := config.Load()
	deps, err := buildDeps(cfg)
	if err != nil {
		return err
	}

	m, err := deps.Model.Get(introspectDeep)
	if err != nil {
		return fmt.Errorf("computing self-model: %w", err)
	}
	fmt.Fprint(os.Stdout, selfmodel.Render(m))
	return nil
}

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/pavlenko-dev/ctxd/internal/config"
	"github.com/pavlenko-dev/ctxd/internal/transport"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run only the MCP stdio adapter, with no background tick",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func runMCP() error {
	cfg := config.Load()
	deps, err := buildDeps(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mcpSrv := transport.NewMCPServer(deps)
	if err := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

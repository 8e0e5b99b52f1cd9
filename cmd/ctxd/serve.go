package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/pavlenko-dev/ctxd/internal/config"
	"github.com/pavlenko-dev/ctxd/internal/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the REST and MCP stdio adapters in one process",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	fmt.Fprintf(os.Stderr, "ctxd version %s\n", version)

	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	deps, err := buildDeps(cfg)
	if err != nil {
		return fmt.Errorf("building runtime: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: transport.NewRESTHandler(deps),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("REST server listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	if cfg.Tick.Enabled {
		ticker := transport.NewTicker(deps.Improver, deps.Model, cfg.Tick.Interval.Duration())
		go ticker.Run(ctx)
		slog.Info("background tick enabled", "interval", cfg.Tick.Interval.Duration())
	}

	mcpSrv := transport.NewMCPServer(deps)
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

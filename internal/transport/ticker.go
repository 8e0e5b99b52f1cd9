package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/pavlenko-dev/ctxd/internal/improver"
)

// Ticker drives the improver's periodic tick on the REST side only, per
// spec §4.H — the MCP stdio adapter never runs background work.
type Ticker struct {
	improver *improver.Improver
	model    interface{ Invalidate() }
	interval time.Duration
	logger   *slog.Logger
}

// NewTicker creates a Ticker. If interval is <= 0, it defaults to 5 minutes.
func NewTicker(im *improver.Improver, model interface{ Invalidate() }, interval time.Duration) *Ticker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Ticker{improver: im, model: model, interval: interval, logger: slog.Default()}
}

// Run fires one tick per interval until ctx is cancelled. A failed tick is
// logged and never stops the loop, per spec §7's "log and continue" rule
// for background-tick errors.
func (t *Ticker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.runOnce(ctx)
		}
	}
}

func (t *Ticker) runOnce(ctx context.Context) {
	result, err := t.improver.Tick(ctx)
	if err != nil {
		t.logger.Error("improver tick failed", "error", err)
		return
	}
	t.model.Invalidate()
	t.logger.Info("improver tick complete",
		"candidates", result.CandidatesConsidered,
		"autoExecuted", len(result.AutoExecuted),
		"enqueued", result.Enqueued,
		"skipped", result.Skipped,
		"expired", result.Expired,
	)
}

// Package reaper periodically closes sessions that went idle without a
// follow-up request.
package reaper

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper closes up to limit idle sessions and reports how many it closed.
type Sweeper interface {
	SweepIdle(ctx context.Context, limit int) (int, error)
}

type Reaper struct {
	sweeper   Sweeper
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

func New(sweeper Sweeper, interval time.Duration, batchSize int, logger *slog.Logger) *Reaper {
	if batchSize < 1 {
		batchSize = 100
	}
	return &Reaper{sweeper: sweeper, interval: interval, batchSize: batchSize, logger: logger}
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reaper.started", "interval", r.interval.String(), "batch_size", r.batchSize)
	for {
		select {
		case <-ticker.C:
			r.SweepOnce(ctx)
		case <-ctx.Done():
			r.logger.Info("reaper.stopped")
			return
		}
	}
}

// SweepOnce drains idle sessions batch by batch. A batch that closes fewer
// records than its size ends the pass.
func (r *Reaper) SweepOnce(ctx context.Context) int {
	total := 0
	for {
		n, err := r.sweeper.SweepIdle(ctx, r.batchSize)
		total += n
		if err != nil {
			r.logger.Error("reaper.sweep_failed", "closed", total, "error", err)
			return total
		}
		if n < r.batchSize || ctx.Err() != nil {
			break
		}
	}
	if total > 0 {
		r.logger.Info("reaper.swept", "closed", total)
	}
	return total
}

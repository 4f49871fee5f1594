/**
 * @description
 * Scheduled maintenance for the funding-service.
 */
package app

import (
	"context"
	"log/slog"
	"time"
)

const defaultSweepBatchSize = 200

// PendingSweeper fails contributions whose payment window has passed.
type PendingSweeper interface {
	SweepStalePending(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	sweeper    PendingSweeper
	pendingTTL time.Duration
	batchSize  int
	logger     *slog.Logger
}

// NewJobs creates a new Jobs runner.
func NewJobs(sweeper PendingSweeper, pendingTTL time.Duration, logger *slog.Logger) *Jobs {
	return &Jobs{
		sweeper:    sweeper,
		pendingTTL: pendingTTL,
		batchSize:  defaultSweepBatchSize,
		logger:     logger,
	}
}

// SweepStalePendingContributions expires pending contributions older than the TTL.
func (j *Jobs) SweepStalePendingContributions() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	swept, err := j.sweeper.SweepStalePending(ctx, j.pendingTTL, j.batchSize)
	if err != nil {
		j.logger.Error("failed to sweep stale pending contributions", "error", err)
		return
	}
	if swept == 0 {
		j.logger.Debug("no stale pending contributions")
		return
	}
	j.logger.Info("swept stale pending contributions", "count", swept, "ttl", j.pendingTTL.String())
}

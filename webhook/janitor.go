package webhook

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fluxbot-cluster/fluxbot/store"
)

// DefaultRetention is how long plugin references are kept when no
// retention is configured.
const DefaultRetention = 168 * time.Hour

const defaultSweepInterval = time.Hour

// Janitor periodically deletes plugin references older than the
// retention window. Tokens have no intrinsic expiry; this sweep is the
// only thing bounding their lifetime.
type Janitor struct {
	store     store.Store
	retention time.Duration
	interval  time.Duration
	logger    *zap.Logger
}

// NewJanitor creates a Janitor. Non-positive retention or interval fall
// back to the defaults.
func NewJanitor(st store.Store, retention, interval time.Duration, logger *zap.Logger) *Janitor {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{store: st, retention: retention, interval: interval, logger: logger}
}

// Run sweeps until ctx is cancelled. Always returns nil; sweep failures
// are logged and retried on the next tick.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	j.logger.Info("plugin reference janitor started",
		zap.Duration("retention", j.retention),
		zap.Duration("interval", j.interval))
	for {
		select {
		case <-ticker.C:
			j.Sweep(ctx)
		case <-ctx.Done():
			j.logger.Info("plugin reference janitor stopped")
			return nil
		}
	}
}

// Sweep deletes references created before now minus the retention
// window and returns how many were removed.
func (j *Janitor) Sweep(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-j.retention)
	deleted, err := j.store.DeletePluginReferencesBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("plugin reference sweep failed", zap.Error(err))
		return 0
	}
	if deleted > 0 {
		j.logger.Info("plugin references swept",
			zap.Int("deleted", deleted),
			zap.Time("cutoff", cutoff))
	}
	return deleted
}

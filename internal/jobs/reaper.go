// Package jobs holds the management service's background loops.
//
// Reaper periodically deletes credentials and model API keys whose expiry
// has passed. Expired entries are already rejected at use, so the reaper only
// keeps the tables from growing with short-lived sign-in credentials; a
// missed run is harmless.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/neurodeploy/platform/internal/telemetry"
)

const defaultReaperInterval = 15 * time.Minute

// ExpiredDeleter removes entries that expired at or before now
type ExpiredDeleter interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Reaper deletes expired credentials and model API keys on a ticker
type Reaper struct {
	targets  map[string]ExpiredDeleter
	interval time.Duration
	now      func() time.Time
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewReaper creates a Reaper. interval defaults to 15 minutes.
func NewReaper(credentials, modelKeys ExpiredDeleter, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = defaultReaperInterval
	}
	return &Reaper{
		targets: map[string]ExpiredDeleter{
			"credential":    credentials,
			"model_api_key": modelKeys,
		},
		interval: interval,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// Start runs a sweep immediately and then on every tick until ctx is
// cancelled or Stop is called
func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	slog.Info("reaper started", "interval", r.interval)
	r.Sweep(ctx)

	for {
		select {
		case <-ticker.C:
			r.Sweep(ctx)
		case <-r.stopChan:
			slog.Info("reaper stopped")
			return
		case <-ctx.Done():
			slog.Info("reaper context cancelled")
			return
		}
	}
}

// Stop signals the loop to exit. Calling it more than once is safe.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
}

// Sweep deletes expired entries once and returns the counts per kind. A
// failing kind is logged and does not stop the others.
func (r *Reaper) Sweep(ctx context.Context) map[string]int64 {
	now := r.now().UTC()
	deleted := make(map[string]int64, len(r.targets))
	for kind, target := range r.targets {
		if target == nil {
			continue
		}
		n, err := target.DeleteExpired(ctx, now)
		if err != nil {
			slog.Error("reaper: failed to delete expired entries", "kind", kind, "error", err)
			continue
		}
		deleted[kind] = n
		if n > 0 {
			telemetry.ReaperDeletedTotal.WithLabelValues(kind).Add(float64(n))
			slog.Info("reaper: deleted expired entries", "kind", kind, "count", n)
		}
	}
	return deleted
}

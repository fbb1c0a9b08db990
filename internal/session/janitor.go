package session

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const defaultSessionRetention = 7 * 24 * time.Hour

// CleanupStats counts rows removed by one Janitor pass.
type CleanupStats struct {
	RateLimits int64
	Challenges int64
	Sessions   int64
}

// Janitor deletes stale rate-limit records, MFA challenges and dead sessions.
// Every step runs even if an earlier one fails; the errors are joined.
func (o *Orchestrator) Janitor(ctx context.Context) (CleanupStats, error) {
	var stats CleanupStats
	var errs []error

	n, err := o.Limiter.Cleanup(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	stats.RateLimits = n

	n, err = o.MFA.Cleanup(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	stats.Challenges = n

	retention := o.SessionRetention
	if retention <= 0 {
		retention = defaultSessionRetention
	}
	n, err = o.Tokens.Cleanup(ctx, retention)
	if err != nil {
		errs = append(errs, err)
	}
	stats.Sessions = n

	slog.Info("cleanup finished",
		"rate_limits", stats.RateLimits,
		"challenges", stats.Challenges,
		"sessions", stats.Sessions,
	)
	return stats, errors.Join(errs...)
}

// RunJanitor calls Janitor every interval until ctx is done.
func (o *Orchestrator) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.Janitor(ctx); err != nil {
				slog.Error("cleanup failed", "error", err)
			}
		}
	}
}

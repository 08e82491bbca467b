package syncjob

import (
	"context"
	"database/sql"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/crosspost-collective/adsync/backend/db"
)

// StartScheduler enqueues scheduled-sync jobs for integrations whose
// auto-sync interval has elapsed. Runs until ctx is cancelled.
func StartScheduler(ctx context.Context, dbc *sql.DB) {
	interval := 5 * time.Minute
	if s := os.Getenv("SYNC_SCHEDULER_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			interval = d
		}
	}
	slog.Info("sync scheduler starting", slog.Duration("interval", interval))

	// Jitter the first run so multiple replicas don't sweep in lockstep.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(initialJitter):
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := scheduleOnce(ctx, dbc); err != nil {
			slog.Warn("sync scheduler sweep", slog.Any("err", err))
		}
		select {
		case <-ctx.Done():
			slog.Info("sync scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// scheduleOnce enqueues one scheduled-sync job per due integration, skipping
// any that already have a queued or running job.
func scheduleOnce(ctx context.Context, dbc *sql.DB) error {
	due, err := db.ListAutoSyncDue(ctx, dbc, 100)
	if err != nil {
		return err
	}
	for _, rec := range due {
		pending, err := HasPending(ctx, dbc, rec.UserID, rec.Provider, rec.ClientID)
		if err != nil {
			slog.Warn("check pending before scheduling", slog.Any("err", err),
				slog.String("provider", string(rec.Provider)), slog.String("user_id", rec.UserID))
			continue
		}
		if pending {
			continue
		}
		timeframe := rec.ScheduledTimeframeDays
		if timeframe <= 0 {
			timeframe = 30
		}
		_, err = Enqueue(ctx, dbc, EnqueueParams{
			UserID:        rec.UserID,
			Provider:      rec.Provider,
			ClientID:      rec.ClientID,
			JobType:       TypeScheduledSync,
			TimeframeDays: timeframe,
		})
		if err != nil {
			slog.Warn("enqueue scheduled sync", slog.Any("err", err),
				slog.String("provider", string(rec.Provider)), slog.String("user_id", rec.UserID))
			continue
		}
		slog.Info("scheduled sync enqueued",
			slog.String("provider", string(rec.Provider)), slog.String("user_id", rec.UserID))
	}
	return nil
}

package syncjob

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"time"

	"github.com/crosspost-collective/adsync/backend/db"
	"github.com/crosspost-collective/adsync/backend/oauth"
	"github.com/crosspost-collective/adsync/backend/telemetry"
)

// Worker drains the sync-job queue: claim, fetch a valid token through the
// coordinator, pull metrics, mark the job done. One job failing is recorded
// on the job row and never stops the loop.
type Worker struct {
	DB          *sql.DB
	Coordinator *oauth.Coordinator
	Fetcher     Fetcher
	Interval    time.Duration
	JobTimeout  time.Duration
}

func NewWorker(dbc *sql.DB, coord *oauth.Coordinator) *Worker {
	w := &Worker{
		DB:          dbc,
		Coordinator: coord,
		Fetcher:     NewHTTPFetcher(),
		Interval:    30 * time.Second,
		JobTimeout:  5 * time.Minute,
	}
	if s := os.Getenv("SYNC_WORKER_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			w.Interval = d
		}
	}
	return w
}

// Start runs the worker loop until ctx is cancelled. An immediate first cycle
// avoids waiting a full interval after boot.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("sync worker starting", slog.Duration("interval", w.Interval))
	w.runCycle(ctx)
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("sync worker stopped")
			return
		case <-ticker.C:
			w.runCycle(ctx)
		}
	}
}

// runCycle drains every queued job, then records a heartbeat and the queue
// depth gauge.
func (w *Worker) runCycle(ctx context.Context) {
	telemetry.IncSyncWorkerCycle()
	_, _ = w.DB.ExecContext(ctx, `INSERT INTO kv (key, value, updated_at) VALUES ('sync_worker_last', to_char(NOW() AT TIME ZONE 'UTC','YYYY-MM-DD"T"HH24:MI:SS.MS"Z"'), NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`)

	for {
		if ctx.Err() != nil {
			return
		}
		job, err := ClaimNext(ctx, w.DB)
		if err != nil {
			slog.Warn("claim sync job", slog.Any("err", err))
			return
		}
		if job == nil {
			break
		}
		w.processJob(ctx, job)
	}

	if depth, err := QueueDepth(ctx, w.DB); err == nil {
		telemetry.SetQueueDepth(depth)
	}
}

func (w *Worker) processJob(ctx context.Context, job *Job) {
	logger := slog.Default().With(
		slog.String("component", "sync_worker"),
		slog.String("job_id", job.ID),
		slog.String("provider", string(job.Provider)),
		slog.String("user_id", job.UserID),
	)
	logger.Info("processing sync job", slog.String("job_type", string(job.JobType)), slog.Int("timeframe_days", job.TimeframeDays))

	jobCtx, cancel := context.WithTimeout(ctx, w.JobTimeout)
	defer cancel()
	start := time.Now()

	token, err := w.Coordinator.EnsureAccessToken(jobCtx, job.Provider, job.UserID, job.ClientID, false)
	if err == nil {
		err = w.Fetcher.FetchMetrics(jobCtx, job, token)
	}

	if err != nil {
		logger.Warn("sync job failed", slog.Any("err", err), slog.Duration("duration", time.Since(start)))
		telemetry.ObserveSyncJob(string(job.Provider), false, time.Since(start))
		if ferr := Fail(context.WithoutCancel(ctx), w.DB, job.ID, err.Error()); ferr != nil {
			logger.Error("record job failure", slog.Any("err", ferr))
		}
		w.recordSyncStatus(ctx, job, db.SyncStatusError, err.Error())
		return
	}

	logger.Info("sync job complete", slog.Duration("duration", time.Since(start)))
	telemetry.ObserveSyncJob(string(job.Provider), true, time.Since(start))
	if cerr := Complete(context.WithoutCancel(ctx), w.DB, job.ID); cerr != nil {
		logger.Error("record job completion", slog.Any("err", cerr))
	}
	w.recordSyncStatus(ctx, job, db.SyncStatusSuccess, "")
}

// recordSyncStatus mirrors the job outcome onto the integration record so the
// UI can show last-sync state without joining the jobs table.
func (w *Worker) recordSyncStatus(ctx context.Context, job *Job, status db.SyncStatus, message string) {
	err := db.UpdateIntegrationSyncStatus(context.WithoutCancel(ctx), w.DB, job.UserID, job.Provider, job.ClientID, status, message)
	if err != nil {
		slog.Warn("update integration sync status", slog.Any("err", err), slog.String("job_id", job.ID))
	}
}

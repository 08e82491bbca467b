// Package syncjob implements the per-tenant FIFO queue of metric sync jobs
// and the background worker that drains it. Jobs are rows in Postgres; the
// claim is a single conditional UPDATE so two workers can never run the same
// job.
package syncjob

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crosspost-collective/adsync/backend/db"
	"github.com/crosspost-collective/adsync/backend/telemetry"
)

// JobStatus is the lifecycle state of a sync job.
type JobStatus string

const (
	StatusQueued  JobStatus = "queued"
	StatusRunning JobStatus = "running"
	StatusSuccess JobStatus = "success"
	StatusError   JobStatus = "error"
)

// JobType identifies why a sync job was enqueued.
type JobType string

const (
	TypeInitialBackfill JobType = "initial-backfill"
	TypeScheduledSync   JobType = "scheduled-sync"
	TypeManualSync      JobType = "manual-sync"
)

// Job is one queued metrics sync pass for a provider account.
type Job struct {
	ID            string
	UserID        string
	Provider      db.ProviderID
	ClientID      string // empty means tenant-wide
	JobType       JobType
	TimeframeDays int
	Status        JobStatus
	ErrorMessage  string
	CreatedAt     time.Time
	StartedAt     time.Time
	ProcessedAt   time.Time
}

// EnqueueParams describes a job to append.
type EnqueueParams struct {
	UserID        string
	Provider      db.ProviderID
	ClientID      string
	JobType       JobType
	TimeframeDays int
}

// Enqueue appends a job in status queued. Start and processed timestamps stay
// null until the job is claimed and finished.
func Enqueue(ctx context.Context, dbx *sql.DB, p EnqueueParams) (*Job, error) {
	if !db.KnownProvider(p.Provider) {
		return nil, fmt.Errorf("enqueue sync job: unknown provider %q", p.Provider)
	}
	if p.TimeframeDays <= 0 {
		p.TimeframeDays = 30
	}
	if p.JobType == "" {
		p.JobType = TypeManualSync
	}

	job := &Job{
		ID:            uuid.NewString(),
		UserID:        p.UserID,
		Provider:      p.Provider,
		ClientID:      p.ClientID,
		JobType:       p.JobType,
		TimeframeDays: p.TimeframeDays,
		Status:        StatusQueued,
		CreatedAt:     time.Now(),
	}
	_, err := dbx.ExecContext(ctx, `
		INSERT INTO sync_jobs (id, user_id, provider, client_id, job_type, timeframe_days, status, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)`,
		job.ID, job.UserID, string(job.Provider), job.ClientID, string(job.JobType), job.TimeframeDays, string(job.Status), job.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("enqueue sync job: %w", err)
	}
	telemetry.IncSyncJobEnqueued(string(p.Provider))
	return job, nil
}

const jobColumns = `id, user_id, provider, COALESCE(client_id, ''), job_type, timeframe_days, status,
	COALESCE(error_message, ''), created_at, COALESCE(started_at, 'epoch'::timestamptz), COALESCE(processed_at, 'epoch'::timestamptz)`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var provider, jobType, status string
	err := row.Scan(&j.ID, &j.UserID, &provider, &j.ClientID, &jobType, &j.TimeframeDays, &status,
		&j.ErrorMessage, &j.CreatedAt, &j.StartedAt, &j.ProcessedAt)
	if err != nil {
		return nil, err
	}
	j.Provider = db.ProviderID(provider)
	j.JobType = JobType(jobType)
	j.Status = JobStatus(status)
	if j.StartedAt.Unix() == 0 {
		j.StartedAt = time.Time{}
	}
	if j.ProcessedAt.Unix() == 0 {
		j.ProcessedAt = time.Time{}
	}
	return &j, nil
}

// ClaimNext atomically flips the oldest queued job to running and returns it.
// Row locking with SKIP LOCKED guarantees two concurrent claimants never get
// the same job. Returns (nil, nil) when the queue is empty.
func ClaimNext(ctx context.Context, dbx *sql.DB) (*Job, error) {
	row := dbx.QueryRowContext(ctx, `
		UPDATE sync_jobs SET status = 'running', started_at = NOW(), error_message = NULL
		WHERE id = (
			SELECT id FROM sync_jobs
			WHERE status = 'queued'
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim sync job: %w", err)
	}
	return job, nil
}

// Complete marks a running job as succeeded. Terminal states are never
// overwritten.
func Complete(ctx context.Context, dbx *sql.DB, jobID string) error {
	res, err := dbx.ExecContext(ctx, `
		UPDATE sync_jobs SET status = 'success', processed_at = NOW()
		WHERE id = $1 AND status = 'running'`, jobID)
	if err != nil {
		return fmt.Errorf("complete sync job %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete sync job %s: not running", jobID)
	}
	return nil
}

// Fail marks a running job as errored with a message. A failed job is never
// retried in place; callers re-enqueue a fresh job instead.
func Fail(ctx context.Context, dbx *sql.DB, jobID, message string) error {
	res, err := dbx.ExecContext(ctx, `
		UPDATE sync_jobs SET status = 'error', processed_at = NOW(), error_message = $2
		WHERE id = $1 AND status = 'running'`, jobID, message)
	if err != nil {
		return fmt.Errorf("fail sync job %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("fail sync job %s: not running", jobID)
	}
	return nil
}

// HasPending reports whether a queued or running job already exists for the
// given provider scope. Used to avoid stacking duplicate backfills.
func HasPending(ctx context.Context, dbx *sql.DB, userID string, provider db.ProviderID, clientID string) (bool, error) {
	query := `SELECT EXISTS (
		SELECT 1 FROM sync_jobs
		WHERE user_id = $1 AND provider = $2 AND status IN ('queued', 'running')`
	args := []any{userID, string(provider)}
	if clientID != "" {
		query += ` AND client_id = $3`
		args = append(args, clientID)
	}
	query += `)`

	var exists bool
	if err := dbx.QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("check pending sync job: %w", err)
	}
	return exists, nil
}

// CancelPending deletes queued jobs for an integration. Called when the user
// disconnects the account; running jobs finish on their own.
func CancelPending(ctx context.Context, dbx *sql.DB, userID string, provider db.ProviderID, clientID string) (int64, error) {
	query := `DELETE FROM sync_jobs WHERE user_id = $1 AND provider = $2 AND status = 'queued'`
	args := []any{userID, string(provider)}
	if clientID != "" {
		query += ` AND client_id = $3`
		args = append(args, clientID)
	}
	res, err := dbx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("cancel pending sync jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListJobs returns a tenant's recent jobs, newest first.
func ListJobs(ctx context.Context, dbx *sql.DB, userID string, limit int) ([]*Job, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := dbx.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM sync_jobs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// QueueDepth counts queued jobs across all tenants, for the queue-depth gauge.
func QueueDepth(ctx context.Context, dbx *sql.DB) (int, error) {
	var n int
	err := dbx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_jobs WHERE status = 'queued'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queued sync jobs: %w", err)
	}
	return n, nil
}

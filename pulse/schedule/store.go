package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/mspsync/errors"
	"github.com/teranos/mspsync/internal/util"
)

// Store handles persistence of scheduled jobs
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const jobColumns = `id, tenant_id, integration_id, data_source_id, action, priority, status,
	scheduled_at, started_at, completed_at, next_retry_at, attempts, attempts_max, error, payload,
	created_at, updated_at`

// CreateJob inserts a job, assigning an id and pending status when unset
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	now := s.now()
	job.CreatedAt, job.UpdatedAt = now, now

	var payload sql.NullString
	if job.Payload != nil {
		data, err := json.Marshal(job.Payload)
		if err != nil {
			return errors.Wrap(err, "failed to encode job payload")
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}
	var jobErr sql.NullString
	if job.Error != "" {
		jobErr = sql.NullString{String: job.Error, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.TenantID, job.IntegrationID, job.DataSourceID, job.Action, job.Priority, string(job.Status),
		util.FormatTime(job.ScheduledAt), util.NullTime(job.StartedAt), util.NullTime(job.CompletedAt), util.NullTime(job.NextRetryAt),
		job.Attempts, job.AttemptsMax, jobErr, payload,
		util.FormatTime(now), util.FormatTime(now))
	if err != nil {
		return errors.Wrapf(err, "failed to create job %s", job.ID)
	}
	return nil
}

// CreateJobIfNoPending inserts job unless a pending job already exists for its
// (data source, action). The check and insert are separate statements, so two
// concurrent callers can both insert; that duplicate is tolerated.
func (s *Store) CreateJobIfNoPending(ctx context.Context, job *Job) (bool, error) {
	existing, err := s.FindPendingJob(ctx, job.DataSourceID, job.Action)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}
	if err := s.CreateJob(ctx, job); err != nil {
		return false, err
	}
	return true, nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %s", id)
	}
	return job, nil
}

// FindPendingJob returns the pending job for (dataSourceID, action), or nil
func (s *Store) FindPendingJob(ctx context.Context, dataSourceID, action string) (*Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM scheduled_jobs
		 WHERE data_source_id = ? AND status = ? AND action = ?
		 ORDER BY scheduled_at LIMIT 1`,
		dataSourceID, string(StatusPending), action))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find pending job for %s %s", dataSourceID, action)
	}
	return job, nil
}

// ListJobsByStatus returns all jobs in status, oldest scheduled first
func (s *Store) ListJobsByStatus(ctx context.Context, status JobStatus) ([]*Job, error) {
	return s.list(ctx,
		`SELECT `+jobColumns+` FROM scheduled_jobs WHERE status = ? ORDER BY scheduled_at, id`,
		string(status))
}

// ListJobsByTenant returns a tenant's jobs, newest scheduled first
func (s *Store) ListJobsByTenant(ctx context.Context, tenantID string) ([]*Job, error) {
	return s.list(ctx,
		`SELECT `+jobColumns+` FROM scheduled_jobs WHERE tenant_id = ? ORDER BY scheduled_at DESC, id`,
		tenantID)
}

// ListJobsByDataSource returns a data source's jobs in status (any status
// when empty), oldest scheduled first
func (s *Store) ListJobsByDataSource(ctx context.Context, dataSourceID string, status JobStatus) ([]*Job, error) {
	if status == "" {
		return s.list(ctx,
			`SELECT `+jobColumns+` FROM scheduled_jobs WHERE data_source_id = ? ORDER BY scheduled_at, id`,
			dataSourceID)
	}
	return s.list(ctx,
		`SELECT `+jobColumns+` FROM scheduled_jobs WHERE data_source_id = ? AND status = ? ORDER BY scheduled_at, id`,
		dataSourceID, string(status))
}

// ListRecentJobs returns up to limit jobs, newest scheduled first
func (s *Store) ListRecentJobs(ctx context.Context, limit int) ([]*Job, error) {
	return s.list(ctx,
		`SELECT `+jobColumns+` FROM scheduled_jobs ORDER BY scheduled_at DESC, id LIMIT ?`,
		limit)
}

// MarkRunning transitions a job to running
func (s *Store) MarkRunning(ctx context.Context, id string, startedAt time.Time) error {
	return s.update(ctx, id,
		`UPDATE scheduled_jobs SET status = ?, started_at = ?, updated_at = ? WHERE id = ?`,
		string(StatusRunning), util.FormatTime(startedAt), util.FormatTime(s.now()), id)
}

// MarkCompleted transitions a job to completed
func (s *Store) MarkCompleted(ctx context.Context, id string, completedAt time.Time) error {
	return s.update(ctx, id,
		`UPDATE scheduled_jobs SET status = ?, completed_at = ?, error = NULL, updated_at = ? WHERE id = ?`,
		string(StatusCompleted), util.FormatTime(completedAt), util.FormatTime(s.now()), id)
}

// MarkFailed transitions a job to failed, incrementing attempts
func (s *Store) MarkFailed(ctx context.Context, id, message string, nextRetryAt time.Time) error {
	return s.update(ctx, id,
		`UPDATE scheduled_jobs
		 SET status = ?, attempts = attempts + 1, error = ?, next_retry_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(StatusFailed), message, util.FormatTime(nextRetryAt), util.FormatTime(s.now()), id)
}

// Requeue puts a job back to pending, due at scheduledAt
func (s *Store) Requeue(ctx context.Context, id string, scheduledAt time.Time, resetAttempts bool) error {
	query := `UPDATE scheduled_jobs SET status = ?, scheduled_at = ?, next_retry_at = NULL, updated_at = ? WHERE id = ?`
	if resetAttempts {
		query = `UPDATE scheduled_jobs SET status = ?, scheduled_at = ?, next_retry_at = NULL, attempts = 0, updated_at = ? WHERE id = ?`
	}
	return s.update(ctx, id, query,
		string(StatusPending), util.FormatTime(scheduledAt), util.FormatTime(s.now()), id)
}

func (s *Store) update(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to update job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "failed to update job %s", id)
	}
	if n == 0 {
		return errors.NewNotFoundError("job %s", id)
	}
	return nil
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate jobs")
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var status, scheduledAt, createdAt, updatedAt string
	var startedAt, completedAt, nextRetryAt, jobErr, payload sql.NullString

	if err := row.Scan(&job.ID, &job.TenantID, &job.IntegrationID, &job.DataSourceID, &job.Action,
		&job.Priority, &status, &scheduledAt, &startedAt, &completedAt, &nextRetryAt,
		&job.Attempts, &job.AttemptsMax, &jobErr, &payload, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var tp util.TimeParser
	job.Status = JobStatus(status)
	job.ScheduledAt = tp.Time(scheduledAt)
	job.StartedAt = tp.Ptr(startedAt)
	job.CompletedAt = tp.Ptr(completedAt)
	job.NextRetryAt = tp.Ptr(nextRetryAt)
	job.Error = jobErr.String
	job.CreatedAt = tp.Time(createdAt)
	job.UpdatedAt = tp.Time(updatedAt)
	if tp.Err != nil {
		return nil, errors.Wrapf(tp.Err, "job %s", job.ID)
	}

	if payload.Valid && payload.String != "" {
		var p BatchPayload
		if err := json.Unmarshal([]byte(payload.String), &p); err != nil {
			return nil, errors.Wrapf(err, "job %s has malformed payload", job.ID)
		}
		job.Payload = &p
	}
	return &job, nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/model"
)

const jobColumns = `id, job_name, cron_expression, timezone, description,
	handler_service, handler_method, config, is_active, is_system_job,
	priority, tags, max_retries, retry_delay_ms,
	next_run_at, last_run_at, last_run_status, last_run_duration_ms, last_error,
	current_retry_count, retry_at, total_runs, successful_runs, failed_runs,
	locked_by, lock_expires_at, created_at, updated_at`

func scanJob(row scanner) (*model.ScheduledJob, error) {
	var job model.ScheduledJob
	var config, tags, lastRunStatus, lastError, lockedBy sql.NullString
	var nextRunAt, lastRunAt, lastRunDuration, retryAt, lockExpiresAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&job.ID,
		&job.JobName,
		&job.CronExpression,
		&job.Timezone,
		&job.Description,
		&job.HandlerService,
		&job.HandlerMethod,
		&config,
		&job.IsActive,
		&job.IsSystemJob,
		&job.Priority,
		&tags,
		&job.MaxRetries,
		&job.RetryDelayMs,
		&nextRunAt,
		&lastRunAt,
		&lastRunStatus,
		&lastRunDuration,
		&lastError,
		&job.CurrentRetryCount,
		&retryAt,
		&job.TotalRuns,
		&job.SuccessfulRuns,
		&job.FailedRuns,
		&lockedBy,
		&lockExpiresAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := decodeJSON(config, &job.Config); err != nil {
		return nil, err
	}
	if err := decodeJSON(tags, &job.Tags); err != nil {
		return nil, err
	}
	job.NextRunAt = timePtr(nextRunAt)
	job.LastRunAt = timePtr(lastRunAt)
	job.LastRunStatus = model.ExecutionStatus(lastRunStatus.String)
	job.LastRunDurationMs = int64Ptr(lastRunDuration)
	job.LastError = lastError.String
	job.RetryAt = timePtr(retryAt)
	job.LockedBy = lockedBy.String
	job.LockExpiresAt = timePtr(lockExpiresAt)
	job.CreatedAt = fromMillis(createdAt)
	job.UpdatedAt = fromMillis(updatedAt)

	return &job, nil
}

// UpsertJob implements JobStore.UpsertJob
func (s *SQLiteStore) UpsertJob(ctx context.Context, job *model.ScheduledJob) (*model.ScheduledJob, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	config, err := encodeJSON(job.Config)
	if err != nil {
		return nil, err
	}
	tags, err := encodeJSON(job.Tags)
	if err != nil {
		return nil, err
	}
	now := toMillis(time.Now())

	// SET expressions read the pre-update row, so next_run_at compares
	// against the old schedule.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (
			id, job_name, cron_expression, timezone, description,
			handler_service, handler_method, config, is_active, is_system_job,
			priority, tags, max_retries, retry_delay_ms, next_run_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_name) DO UPDATE SET
			next_run_at = CASE
				WHEN scheduled_jobs.next_run_at IS NULL
					OR scheduled_jobs.cron_expression <> excluded.cron_expression
					OR scheduled_jobs.timezone <> excluded.timezone
				THEN excluded.next_run_at
				ELSE scheduled_jobs.next_run_at
			END,
			cron_expression = excluded.cron_expression,
			timezone = excluded.timezone,
			description = excluded.description,
			handler_service = excluded.handler_service,
			handler_method = excluded.handler_method,
			config = excluded.config,
			is_system_job = excluded.is_system_job,
			priority = excluded.priority,
			tags = excluded.tags,
			max_retries = excluded.max_retries,
			retry_delay_ms = excluded.retry_delay_ms,
			updated_at = excluded.updated_at`,
		job.ID,
		job.JobName,
		job.CronExpression,
		job.Timezone,
		job.Description,
		job.HandlerService,
		job.HandlerMethod,
		config,
		boolInt(job.IsActive),
		boolInt(job.IsSystemJob),
		job.Priority,
		tags,
		job.MaxRetries,
		job.RetryDelayMs,
		nullMillis(job.NextRunAt),
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert job %s: %w", job.JobName, err)
	}

	stored, err := s.GetJob(ctx, job.JobName)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, job.JobName)
	}
	return stored, nil
}

// GetJob implements JobStore.GetJob
func (s *SQLiteStore) GetJob(ctx context.Context, jobName string) (*model.ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE job_name = ?`, jobName)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job %s: %w", jobName, err)
	}
	return job, nil
}

// GetJobByID implements JobStore.GetJobByID
func (s *SQLiteStore) GetJobByID(ctx context.Context, id string) (*model.ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job by id %s: %w", id, err)
	}
	return job, nil
}

// ListJobs implements JobStore.ListJobs
func (s *SQLiteStore) ListJobs(ctx context.Context, filter model.JobFilter) ([]*model.ScheduledJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs`
	if filter.ActiveOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY priority ASC, job_name ASC`

	jobs, err := s.queryJobs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	if len(filter.Tags) == 0 {
		return jobs, nil
	}

	filtered := jobs[:0]
	for _, job := range jobs {
		if hasAllTags(job.Tags, filter.Tags) {
			filtered = append(filtered, job)
		}
	}
	return filtered, nil
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if strings.EqualFold(h, w) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// GetDueJobs implements JobStore.GetDueJobs
func (s *SQLiteStore) GetDueJobs(ctx context.Context, now time.Time, limit int) ([]*model.ScheduledJob, error) {
	jobs, err := s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM scheduled_jobs
		WHERE is_active = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY priority ASC, next_run_at ASC
		LIMIT ?`, toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get due jobs: %w", err)
	}
	return jobs, nil
}

// GetDueRetries implements JobStore.GetDueRetries
func (s *SQLiteStore) GetDueRetries(ctx context.Context, now time.Time, limit int) ([]*model.ScheduledJob, error) {
	jobs, err := s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM scheduled_jobs
		WHERE is_active = 1 AND retry_at IS NOT NULL AND retry_at <= ?
		ORDER BY priority ASC, retry_at ASC
		LIMIT ?`, toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get due retries: %w", err)
	}
	return jobs, nil
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]*model.ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return jobs, nil
}

// UpdateJob implements JobStore.UpdateJob
func (s *SQLiteStore) UpdateJob(ctx context.Context, jobName string, update model.JobUpdate) (*model.ScheduledJob, error) {
	var sets []string
	var args []any
	set := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if update.CronExpression != nil {
		set("cron_expression", *update.CronExpression)
	}
	if update.Timezone != nil {
		set("timezone", *update.Timezone)
	}
	if update.Description != nil {
		set("description", *update.Description)
	}
	if update.HandlerService != nil {
		set("handler_service", *update.HandlerService)
	}
	if update.HandlerMethod != nil {
		set("handler_method", *update.HandlerMethod)
	}
	if update.Config != nil {
		config, err := encodeJSON(update.Config)
		if err != nil {
			return nil, err
		}
		set("config", config)
	}
	if update.Priority != nil {
		set("priority", *update.Priority)
	}
	if update.Tags != nil {
		tags, err := encodeJSON(update.Tags)
		if err != nil {
			return nil, err
		}
		set("tags", tags)
	}
	if update.MaxRetries != nil {
		set("max_retries", *update.MaxRetries)
	}
	if update.RetryDelayMs != nil {
		set("retry_delay_ms", *update.RetryDelayMs)
	}
	if update.NextRunAt != nil {
		set("next_run_at", toMillis(*update.NextRunAt))
	}
	set("updated_at", toMillis(time.Now()))
	args = append(args, jobName)

	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET `+strings.Join(sets, ", ")+` WHERE job_name = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update job %s: %w", jobName, err)
	}
	if err := expectRow(res, jobName); err != nil {
		return nil, err
	}
	return s.GetJob(ctx, jobName)
}

// SetActive implements JobStore.SetActive
func (s *SQLiteStore) SetActive(ctx context.Context, jobName string, active bool, nextRunAt *time.Time) error {
	now := toMillis(time.Now())
	var res sql.Result
	var err error
	if active {
		res, err = s.db.ExecContext(ctx, `
			UPDATE scheduled_jobs SET is_active = 1, next_run_at = ?, updated_at = ?
			WHERE job_name = ?`, nullMillis(nextRunAt), now, jobName)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE scheduled_jobs SET is_active = 0, retry_at = NULL, updated_at = ?
			WHERE job_name = ?`, now, jobName)
	}
	if err != nil {
		return fmt.Errorf("failed to set job %s active=%t: %w", jobName, active, err)
	}
	return expectRow(res, jobName)
}

// DeleteJob implements JobStore.DeleteJob
func (s *SQLiteStore) DeleteJob(ctx context.Context, jobName string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM job_executions
		WHERE job_id IN (SELECT id FROM scheduled_jobs WHERE job_name = ?)`, jobName); err != nil {
		return fmt.Errorf("failed to delete executions of %s: %w", jobName, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE job_name = ?`, jobName)
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", jobName, err)
	}
	if err := expectRow(res, jobName); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job deletion: %w", err)
	}

	s.logger.Info("Deleted job", zap.String("job_name", jobName))
	return nil
}

// UpdateJobStats implements JobStore.UpdateJobStats. A schedule changed while
// the attempt ran keeps the next run computed by that change.
func (s *SQLiteStore) UpdateJobStats(ctx context.Context, update model.StatsUpdate) error {
	success := update.Status == model.ExecutionStatusSuccess
	failed := update.Status == model.ExecutionStatusFailed || update.Status == model.ExecutionStatusTimeout

	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET
			total_runs = total_runs + 1,
			successful_runs = successful_runs + ?,
			failed_runs = failed_runs + ?,
			last_run_at = ?,
			last_run_status = ?,
			last_run_duration_ms = ?,
			last_error = CASE WHEN ? = 1 THEN NULL ELSE ? END,
			current_retry_count = CASE WHEN ? = 1 THEN 0 ELSE current_retry_count END,
			retry_at = CASE WHEN ? = 1 THEN NULL ELSE retry_at END,
			next_run_at = CASE WHEN ? = '' OR (cron_expression = ? AND timezone = ?)
				THEN ? ELSE next_run_at END,
			updated_at = ?
		WHERE id = ?`,
		boolInt(success),
		boolInt(failed),
		toMillis(update.RanAt),
		string(update.Status),
		update.DurationMs,
		boolInt(success), nullString(update.ErrorMessage),
		boolInt(success),
		boolInt(success),
		update.CronExpression, update.CronExpression, update.Timezone,
		toMillis(update.NextRunAt),
		toMillis(time.Now()),
		update.JobID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job stats: %w", err)
	}
	return expectRow(res, update.JobID)
}

// ScheduleRetry implements JobStore.ScheduleRetry
func (s *SQLiteStore) ScheduleRetry(ctx context.Context, jobID string, retryNumber int, retryAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET current_retry_count = ?, retry_at = ?, updated_at = ?
		WHERE id = ?`, retryNumber, toMillis(retryAt), toMillis(time.Now()), jobID)
	if err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	return expectRow(res, jobID)
}

// ClaimRetry implements JobStore.ClaimRetry
func (s *SQLiteStore) ClaimRetry(ctx context.Context, jobID string, retryNumber int, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET retry_at = NULL, updated_at = ?
		WHERE id = ? AND is_active = 1 AND current_retry_count = ?
			AND retry_at IS NOT NULL AND retry_at <= ?`,
		toMillis(time.Now()), jobID, retryNumber, toMillis(now))
	if err != nil {
		return false, fmt.Errorf("failed to claim retry: %w", err)
	}
	return singleRow(res)
}

func expectRow(res sql.Result, key string) error {
	ok, err := singleRow(res)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, key)
	}
	return nil
}

func singleRow(res sql.Result) (bool, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected == 1, nil
}

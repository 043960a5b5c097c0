package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/model"
)

const executionColumns = `id, job_id, job_name, status, started_at, completed_at, duration_ms,
	result, error_message, error_stack, triggered_by, triggered_by_user,
	retry_number, host_identity`

func scanExecution(row scanner) (*model.JobExecution, error) {
	var exec model.JobExecution
	var startedAt int64
	var completedAt, duration sql.NullInt64
	var result, errorMessage, errorStack, user sql.NullString

	err := row.Scan(
		&exec.ID,
		&exec.JobID,
		&exec.JobName,
		&exec.Status,
		&startedAt,
		&completedAt,
		&duration,
		&result,
		&errorMessage,
		&errorStack,
		&exec.TriggeredBy,
		&user,
		&exec.RetryNumber,
		&exec.HostIdentity,
	)
	if err != nil {
		return nil, err
	}

	if err := decodeJSON(result, &exec.Result); err != nil {
		return nil, err
	}
	exec.StartedAt = fromMillis(startedAt)
	exec.CompletedAt = timePtr(completedAt)
	exec.DurationMs = int64Ptr(duration)
	exec.ErrorMessage = errorMessage.String
	exec.ErrorStack = errorStack.String
	exec.TriggeredByUser = user.String

	return &exec, nil
}

// RecordExecutionStart implements JobStore.RecordExecutionStart
func (s *SQLiteStore) RecordExecutionStart(ctx context.Context, exec *model.JobExecution) (string, error) {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now()
	}
	exec.Status = model.ExecutionStatusRunning

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_executions (
			id, job_id, job_name, status, started_at,
			triggered_by, triggered_by_user, retry_number, host_identity
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID,
		exec.JobID,
		exec.JobName,
		string(exec.Status),
		toMillis(exec.StartedAt),
		string(exec.TriggeredBy),
		nullString(exec.TriggeredByUser),
		exec.RetryNumber,
		exec.HostIdentity,
	)
	if err != nil {
		return "", fmt.Errorf("failed to record execution start: %w", err)
	}
	return exec.ID, nil
}

// RecordExecutionEnd implements JobStore.RecordExecutionEnd
func (s *SQLiteStore) RecordExecutionEnd(ctx context.Context, end model.ExecutionEnd) error {
	if !end.Status.IsTerminal() {
		return fmt.Errorf("status %q is not terminal", end.Status)
	}
	result, err := encodeJSON(end.Result)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE job_executions SET
			status = ?,
			completed_at = ?,
			duration_ms = ?,
			result = ?,
			error_message = ?,
			error_stack = ?
		WHERE id = ? AND status = 'running'`,
		string(end.Status),
		toMillis(end.CompletedAt),
		end.DurationMs,
		result,
		nullString(end.ErrorMessage),
		nullString(end.ErrorStack),
		end.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to record execution end: %w", err)
	}
	ok, err := singleRow(res)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotRunning, end.ID)
	}
	return nil
}

// GetExecution implements JobStore.GetExecution
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*model.JobExecution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM job_executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get execution %s: %w", id, err)
	}
	return exec, nil
}

// GetJobHistory implements JobStore.GetJobHistory
func (s *SQLiteStore) GetJobHistory(ctx context.Context, jobName string, limit int) ([]*model.JobExecution, error) {
	execs, err := s.queryExecutions(ctx, `
		SELECT `+executionColumns+` FROM job_executions
		WHERE job_id = (SELECT id FROM scheduled_jobs WHERE job_name = ?)
		ORDER BY started_at DESC, retry_number DESC
		LIMIT ?`, jobName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get history of %s: %w", jobName, err)
	}
	return execs, nil
}

// ListRecentExecutions implements JobStore.ListRecentExecutions
func (s *SQLiteStore) ListRecentExecutions(ctx context.Context, limit int) ([]*model.JobExecution, error) {
	execs, err := s.queryExecutions(ctx, `
		SELECT `+executionColumns+` FROM job_executions
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent executions: %w", err)
	}
	return execs, nil
}

func (s *SQLiteStore) queryExecutions(ctx context.Context, query string, args ...any) ([]*model.JobExecution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*model.JobExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return execs, nil
}

// CountExecutions implements JobStore.CountExecutions. A zero since counts
// regardless of start time.
func (s *SQLiteStore) CountExecutions(ctx context.Context, status model.ExecutionStatus, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM job_executions
		WHERE status = ? AND started_at >= ?`,
		string(status), sinceMillis(since)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return count, nil
}

// GetStatistics implements JobStore.GetStatistics. An empty jobID covers
// every job.
func (s *SQLiteStore) GetStatistics(ctx context.Context, jobID string, since time.Time) ([]*model.JobStatistics, error) {
	query := `
		SELECT
			e.job_id,
			j.job_name,
			COUNT(*),
			SUM(CASE WHEN e.status = 'success' THEN 1 ELSE 0 END),
			SUM(CASE WHEN e.status = 'failed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN e.status = 'timeout' THEN 1 ELSE 0 END),
			SUM(CASE WHEN e.status = 'cancelled' THEN 1 ELSE 0 END),
			AVG(e.duration_ms),
			MIN(e.duration_ms),
			MAX(e.duration_ms),
			MAX(e.started_at)
		FROM job_executions e
		JOIN scheduled_jobs j ON j.id = e.job_id
		WHERE e.started_at >= ?`
	args := []any{sinceMillis(since)}
	if jobID != "" {
		query += ` AND e.job_id = ?`
		args = append(args, jobID)
	}
	query += ` GROUP BY e.job_id, j.job_name ORDER BY j.job_name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query statistics: %w", err)
	}
	defer rows.Close()

	var stats []*model.JobStatistics
	for rows.Next() {
		st := &model.JobStatistics{}
		var avg sql.NullFloat64
		var minDuration, maxDuration, last sql.NullInt64
		if err := rows.Scan(
			&st.JobID,
			&st.JobName,
			&st.TotalExecutions,
			&st.Successful,
			&st.Failed,
			&st.Timeouts,
			&st.Cancelled,
			&avg,
			&minDuration,
			&maxDuration,
			&last,
		); err != nil {
			return nil, fmt.Errorf("failed to scan statistics: %w", err)
		}
		st.AvgDurationMs = avg.Float64
		st.MinDurationMs = minDuration.Int64
		st.MaxDurationMs = maxDuration.Int64
		st.LastExecutionAt = timePtr(last)
		if st.TotalExecutions > 0 {
			st.SuccessRate = float64(st.Successful) / float64(st.TotalExecutions) * 100
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return stats, nil
}

// DeleteExecutionsBefore implements JobStore.DeleteExecutionsBefore
func (s *SQLiteStore) DeleteExecutionsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM job_executions WHERE started_at < ?", toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("failed to delete executions: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old execution records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// CancelAbandonedExecutions ends executions left running by an instance that
// died mid-attempt. A row qualifies once it started before startedBefore and
// its job no longer carries a live lease.
func (s *SQLiteStore) CancelAbandonedExecutions(ctx context.Context, now, startedBefore time.Time) (int64, error) {
	nowMs := toMillis(now)
	result, err := s.db.ExecContext(ctx, `
		UPDATE job_executions SET
			status = 'cancelled',
			completed_at = ?,
			duration_ms = ? - started_at,
			error_message = ?
		WHERE status = 'running' AND started_at < ?
			AND job_id IN (
				SELECT id FROM scheduled_jobs
				WHERE lock_expires_at IS NULL OR lock_expires_at <= ?)`,
		nowMs, nowMs, MessageAbandoned, toMillis(startedBefore), nowMs)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel abandoned executions: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected > 0 {
		s.logger.Warn("Cancelled abandoned executions", zap.Int64("cancelled", affected))
	}
	return affected, nil
}

func sinceMillis(since time.Time) int64 {
	if since.IsZero() {
		return 0
	}
	return toMillis(since)
}

package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// AcquireLock takes the lease on a job when it is free, expired, or already
// held by instanceID. The check and the write are one statement.
func (s *SQLiteStore) AcquireLock(ctx context.Context, jobName, instanceID string, now time.Time, lease time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET locked_by = ?, lock_expires_at = ?
		WHERE job_name = ?
			AND (lock_expires_at IS NULL OR lock_expires_at <= ? OR locked_by = ?)`,
		instanceID,
		toMillis(now.Add(lease)),
		jobName,
		toMillis(now),
		instanceID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock on %s: %w", jobName, err)
	}
	return singleRow(res)
}

// ReleaseLock clears the lease when instanceID holds it
func (s *SQLiteStore) ReleaseLock(ctx context.Context, jobName, instanceID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET locked_by = NULL, lock_expires_at = NULL
		WHERE job_name = ? AND locked_by = ?`,
		jobName, instanceID)
	if err != nil {
		return false, fmt.Errorf("failed to release lock on %s: %w", jobName, err)
	}
	return singleRow(res)
}

// ExtendLock moves the lease expiry to now+extension when instanceID holds it
func (s *SQLiteStore) ExtendLock(ctx context.Context, jobName, instanceID string, now time.Time, extension time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET lock_expires_at = ?
		WHERE job_name = ? AND locked_by = ?`,
		toMillis(now.Add(extension)), jobName, instanceID)
	if err != nil {
		return false, fmt.Errorf("failed to extend lock on %s: %w", jobName, err)
	}
	return singleRow(res)
}

// SweepExpiredLocks clears lease fields that have already expired
func (s *SQLiteStore) SweepExpiredLocks(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET locked_by = NULL, lock_expires_at = NULL
		WHERE lock_expires_at IS NOT NULL AND lock_expires_at <= ?`,
		toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired locks: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected > 0 {
		s.logger.Debug("Swept expired locks", zap.Int64("cleared", affected))
	}
	return affected, nil
}

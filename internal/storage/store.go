package storage

import (
	"context"
	"errors"
	"time"

	"github.com/t77yq/jobscheduler/internal/model"
)

var (
	// ErrJobNotFound is returned by mutations addressed to a missing job
	ErrJobNotFound = errors.New("job not found")

	// ErrExecutionNotRunning is returned when finishing an execution that is
	// missing or already in a terminal state
	ErrExecutionNotRunning = errors.New("execution is not running")
)

// MessageAbandoned is recorded on executions whose instance never finished them
const MessageAbandoned = "abandoned: lease expired before the attempt finished"

// JobStore is the durable record of job definitions, their scheduling and
// lease state, and their execution history. Every mutation of a job row is a
// single conditional statement.
type JobStore interface {
	// UpsertJob inserts a job or, when job_name exists, overwrites its
	// definition while keeping counters, activity and lease state
	UpsertJob(ctx context.Context, job *model.ScheduledJob) (*model.ScheduledJob, error)

	// GetJob returns nil, nil when the job does not exist
	GetJob(ctx context.Context, jobName string) (*model.ScheduledJob, error)
	GetJobByID(ctx context.Context, id string) (*model.ScheduledJob, error)
	ListJobs(ctx context.Context, filter model.JobFilter) ([]*model.ScheduledJob, error)

	// GetDueJobs selects active jobs with next_run_at <= now, ordered by
	// priority then next_run_at. It is a candidate query only.
	GetDueJobs(ctx context.Context, now time.Time, limit int) ([]*model.ScheduledJob, error)

	// GetDueRetries selects active jobs whose pending retry is due
	GetDueRetries(ctx context.Context, now time.Time, limit int) ([]*model.ScheduledJob, error)

	UpdateJob(ctx context.Context, jobName string, update model.JobUpdate) (*model.ScheduledJob, error)

	// SetActive pauses or resumes a job. Pausing drops a pending retry;
	// resuming sets next_run_at.
	SetActive(ctx context.Context, jobName string, active bool, nextRunAt *time.Time) error

	// DeleteJob removes the job and its executions
	DeleteJob(ctx context.Context, jobName string) error

	RecordExecutionStart(ctx context.Context, exec *model.JobExecution) (string, error)
	RecordExecutionEnd(ctx context.Context, end model.ExecutionEnd) error
	UpdateJobStats(ctx context.Context, update model.StatsUpdate) error

	ScheduleRetry(ctx context.Context, jobID string, retryNumber int, retryAt time.Time) error
	// ClaimRetry atomically consumes a due retry; only one caller wins
	ClaimRetry(ctx context.Context, jobID string, retryNumber int, now time.Time) (bool, error)

	AcquireLock(ctx context.Context, jobName, instanceID string, now time.Time, lease time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, jobName, instanceID string) (bool, error)
	ExtendLock(ctx context.Context, jobName, instanceID string, now time.Time, extension time.Duration) (bool, error)
	SweepExpiredLocks(ctx context.Context, now time.Time) (int64, error)
	CancelAbandonedExecutions(ctx context.Context, now, startedBefore time.Time) (int64, error)

	GetExecution(ctx context.Context, id string) (*model.JobExecution, error)
	GetJobHistory(ctx context.Context, jobName string, limit int) ([]*model.JobExecution, error)
	ListRecentExecutions(ctx context.Context, limit int) ([]*model.JobExecution, error)
	CountExecutions(ctx context.Context, status model.ExecutionStatus, since time.Time) (int, error)
	GetStatistics(ctx context.Context, jobID string, since time.Time) ([]*model.JobStatistics, error)
	DeleteExecutionsBefore(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

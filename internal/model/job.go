package model

import (
	"strings"
	"time"

	"github.com/spf13/cast"
)

const (
	// DefaultTimeout bounds a handler invocation when the job config has no timeoutMs.
	DefaultTimeout = 5 * time.Minute

	DefaultPriority     = 5
	DefaultMaxRetries   = 3
	DefaultRetryDelayMs = int64(60000)
	DefaultTimezone     = "UTC"

	// ConfigKeyTimeoutMs is the job config key holding the per-run timeout.
	ConfigKeyTimeoutMs = "timeoutMs"
)

// ScheduledJob is a named, recurring unit of work together with its
// scheduling state, retry state, run counters and lease.
type ScheduledJob struct {
	ID      string `json:"id"`
	JobName string `json:"job_name"`

	CronExpression string `json:"cron_expression"`
	Timezone       string `json:"timezone"`
	Description    string `json:"description,omitempty"`

	HandlerService string         `json:"handler_service"`
	HandlerMethod  string         `json:"handler_method"`
	Config         map[string]any `json:"config,omitempty"`

	IsActive    bool     `json:"is_active"`
	IsSystemJob bool     `json:"is_system_job"`
	Priority    int      `json:"priority"`
	Tags        []string `json:"tags,omitempty"`

	MaxRetries   int   `json:"max_retries"`
	RetryDelayMs int64 `json:"retry_delay_ms"`

	// Runtime state, written by the execution engine only
	NextRunAt         *time.Time      `json:"next_run_at,omitempty"`
	LastRunAt         *time.Time      `json:"last_run_at,omitempty"`
	LastRunStatus     ExecutionStatus `json:"last_run_status,omitempty"`
	LastRunDurationMs *int64          `json:"last_run_duration_ms,omitempty"`
	LastError         string          `json:"last_error,omitempty"`
	CurrentRetryCount int             `json:"current_retry_count"`
	RetryAt           *time.Time      `json:"retry_at,omitempty"`

	TotalRuns      int64 `json:"total_runs"`
	SuccessfulRuns int64 `json:"successful_runs"`
	FailedRuns     int64 `json:"failed_runs"`

	LockedBy      string     `json:"locked_by,omitempty"`
	LockExpiresAt *time.Time `json:"lock_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsLocked reports whether the job's lease is still live at now.
func (j *ScheduledJob) IsLocked(now time.Time) bool {
	return j.LockExpiresAt != nil && j.LockExpiresAt.After(now)
}

// IsDue reports whether an active job's next run has passed.
func (j *ScheduledJob) IsDue(now time.Time) bool {
	return j.IsActive && j.NextRunAt != nil && !j.NextRunAt.After(now)
}

// Timeout returns the handler timeout taken from config["timeoutMs"],
// falling back to def when it is missing, malformed or not positive. The key
// matches case-insensitively since config files lowercase map keys.
func (j *ScheduledJob) Timeout(def time.Duration) time.Duration {
	if def <= 0 {
		def = DefaultTimeout
	}
	raw, ok := j.Config[ConfigKeyTimeoutMs]
	if !ok {
		for key, value := range j.Config {
			if strings.EqualFold(key, ConfigKeyTimeoutMs) {
				raw, ok = value, true
				break
			}
		}
	}
	if !ok {
		return def
	}
	ms, err := cast.ToInt64E(raw)
	if err != nil || ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// RetryDelay returns the fixed delay between a failed attempt and its retry.
func (j *ScheduledJob) RetryDelay() time.Duration {
	if j.RetryDelayMs < 0 {
		return 0
	}
	return time.Duration(j.RetryDelayMs) * time.Millisecond
}

// Location resolves the job timezone, defaulting to UTC.
func (j *ScheduledJob) Location() (*time.Location, error) {
	if j.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(j.Timezone)
}

// JobOptions carries the optional parts of a job definition.
type JobOptions struct {
	Timezone     string
	Description  string
	Config       map[string]any
	Inactive     bool
	IsSystemJob  bool
	Priority     *int
	Tags         []string
	MaxRetries   *int
	RetryDelayMs *int64
}

// JobUpdate enumerates the fields a caller may change on an existing job.
// Nil fields are left untouched.
type JobUpdate struct {
	CronExpression *string
	Timezone       *string
	Description    *string
	HandlerService *string
	HandlerMethod  *string
	Config         map[string]any
	Priority       *int
	Tags           []string
	MaxRetries     *int
	RetryDelayMs   *int64

	// NextRunAt is filled in by the scheduler when the schedule changes.
	NextRunAt *time.Time
}

// IsEmpty reports whether the update changes nothing.
func (u JobUpdate) IsEmpty() bool {
	return u.CronExpression == nil && u.Timezone == nil && u.Description == nil &&
		u.HandlerService == nil && u.HandlerMethod == nil && u.Config == nil &&
		u.Priority == nil && u.Tags == nil && u.MaxRetries == nil &&
		u.RetryDelayMs == nil && u.NextRunAt == nil
}

// ChangesSchedule reports whether nextRunAt must be recomputed.
func (u JobUpdate) ChangesSchedule() bool {
	return u.CronExpression != nil || u.Timezone != nil
}

// JobFilter narrows job listings.
type JobFilter struct {
	ActiveOnly bool
	Tags       []string
}

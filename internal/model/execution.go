package model

import "time"

// ExecutionStatus represents the state of one run attempt
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSuccess   ExecutionStatus = "success"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusTimeout   ExecutionStatus = "timeout"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal returns true if no further transition can happen
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusSuccess, ExecutionStatusFailed, ExecutionStatusTimeout, ExecutionStatusCancelled:
		return true
	}
	return false
}

// TriggerSource records what started an attempt
type TriggerSource string

const (
	TriggerScheduler TriggerSource = "scheduler"
	TriggerManual    TriggerSource = "manual"
	TriggerRetry     TriggerSource = "retry"
)

// JobExecution is the audit record of one run attempt. It is created in the
// running state and moves to a terminal state exactly once.
type JobExecution struct {
	ID      string `json:"id"`
	JobID   string `json:"job_id"`
	JobName string `json:"job_name"`

	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DurationMs  *int64          `json:"duration_ms,omitempty"`

	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ErrorStack   string         `json:"error_stack,omitempty"`

	TriggeredBy     TriggerSource `json:"triggered_by"`
	TriggeredByUser string        `json:"triggered_by_user,omitempty"`
	RetryNumber     int           `json:"retry_number"`
	HostIdentity    string        `json:"host_identity"`
}

// ExecutionEnd is the terminal state written back for an execution.
type ExecutionEnd struct {
	ID           string
	Status       ExecutionStatus
	Result       map[string]any
	ErrorMessage string
	ErrorStack   string
	CompletedAt  time.Time
	DurationMs   int64
}

// StatsUpdate is applied atomically to a job row after an attempt finishes.
type StatsUpdate struct {
	JobID        string
	Status       ExecutionStatus
	RanAt        time.Time
	DurationMs   int64
	NextRunAt    time.Time
	ErrorMessage string
	// CronExpression and Timezone are the schedule NextRunAt was evaluated
	// from. When set, NextRunAt is only written while the row still carries
	// that schedule.
	CronExpression string
	Timezone       string
}

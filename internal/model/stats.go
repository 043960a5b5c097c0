package model

import "time"

// JobStatistics aggregates the executions of one job inside a time window
type JobStatistics struct {
	JobID           string     `json:"job_id"`
	JobName         string     `json:"job_name"`
	TotalExecutions int64      `json:"total_executions"`
	Successful      int64      `json:"successful"`
	Failed          int64      `json:"failed"`
	Timeouts        int64      `json:"timeouts"`
	Cancelled       int64      `json:"cancelled"`
	AvgDurationMs   float64    `json:"avg_duration_ms"`
	MinDurationMs   int64      `json:"min_duration_ms"`
	MaxDurationMs   int64      `json:"max_duration_ms"`
	SuccessRate     float64    `json:"success_rate"`
	LastExecutionAt *time.Time `json:"last_execution_at,omitempty"`
}

// InstanceStats describes the scheduler process that serves a dashboard
type InstanceStats struct {
	InstanceID    string    `json:"instance_id"`
	Hostname      string    `json:"hostname"`
	InFlight      int       `json:"in_flight"`
	CPUUsage      float64   `json:"cpu_usage"`
	MemoryUsage   float64   `json:"memory_usage"`
	UptimeSeconds uint64    `json:"uptime_seconds"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Dashboard is the combined read-only view served to operators
type Dashboard struct {
	Jobs             []*ScheduledJob  `json:"jobs"`
	RecentExecutions []*JobExecution  `json:"recent_executions"`
	Statistics       []*JobStatistics `json:"statistics"`
	RunningCount     int              `json:"running_count"`
	FailedLast24h    int              `json:"failed_last_24h"`
	Instance         *InstanceStats   `json:"instance,omitempty"`
	GeneratedAt      time.Time        `json:"generated_at"`
}

package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityError    AlertSeverity = "error"
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertType represents the type of alert
type AlertType string

const (
	AlertTypeTimeout        AlertType = "execution_timeout"
	AlertTypeJobFailure     AlertType = "job_failure"
	AlertTypeLockContention AlertType = "lock_contention"
)

// AlertRule defines when a finished execution raises an alert
type AlertRule struct {
	ID   string    `json:"id"`
	Name string    `json:"name"`
	Type AlertType `json:"type"`
	// JobName restricts the rule to one job; empty matches every job.
	JobName  string        `json:"job_name,omitempty"`
	Severity AlertSeverity `json:"severity"`
	Silenced bool          `json:"silenced"`
	// OnlyWhenExhausted suppresses failure alerts while retries remain.
	OnlyWhenExhausted bool      `json:"only_when_exhausted"`
	CreatedAt         time.Time `json:"created_at"`
}

// Alert represents an alert event
type Alert struct {
	ID          string         `json:"id"`
	RuleID      string         `json:"rule_id"`
	Type        AlertType      `json:"type"`
	Severity    AlertSeverity  `json:"severity"`
	JobName     string         `json:"job_name"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Message     string         `json:"message"`
	Data        map[string]any `json:"data,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

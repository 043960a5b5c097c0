// Package events publishes execution lifecycle events for other services
// and the alert manager.
package events

import (
	"context"
	"time"

	"github.com/t77yq/jobscheduler/internal/model"
)

const (
	StreamName = "SCHEDULER"

	SubjectExecutionStarted  = "scheduler.execution.started"
	SubjectExecutionFinished = "scheduler.execution.finished"
	// SubjectAlertPrefix is followed by the alert type
	SubjectAlertPrefix = "scheduler.alert."

	streamSubjects = "scheduler.>"
	streamMaxAge   = 24 * time.Hour
	streamMaxMsgs  = -1
)

// EventType distinguishes the two lifecycle events
type EventType string

const (
	EventStarted  EventType = "started"
	EventFinished EventType = "finished"
)

// ExecutionEvent is published when an attempt starts and when it reaches a
// terminal state
type ExecutionEvent struct {
	Type      EventType           `json:"type"`
	Execution *model.JobExecution `json:"execution"`
	// MaxRetries and WillRetry are set on finished events
	MaxRetries int       `json:"max_retries"`
	WillRetry  bool      `json:"will_retry"`
	Timestamp  time.Time `json:"timestamp"`
}

// Subject returns the subject the event is published on
func (e *ExecutionEvent) Subject() string {
	if e.Type == EventStarted {
		return SubjectExecutionStarted
	}
	return SubjectExecutionFinished
}

// Publisher delivers execution events
type Publisher interface {
	PublishExecution(ctx context.Context, event *ExecutionEvent) error
}

// NopPublisher drops every event
type NopPublisher struct{}

// PublishExecution implements Publisher
func (NopPublisher) PublishExecution(context.Context, *ExecutionEvent) error { return nil }

package scheduler

import (
	"errors"

	"github.com/t77yq/jobscheduler/internal/handler"
	"github.com/t77yq/jobscheduler/internal/storage"
)

var (
	// ErrJobNotFound is returned when no job has the given name
	ErrJobNotFound = storage.ErrJobNotFound

	// ErrHandlerNotFound is returned when a job names an unregistered handler
	ErrHandlerNotFound = handler.ErrHandlerNotFound

	// ErrInvalidCronExpression is returned when a job's schedule does not parse
	ErrInvalidCronExpression = errors.New("invalid cron expression")

	// ErrInvalidJob is returned for definitions missing required fields
	ErrInvalidJob = errors.New("invalid job definition")

	// ErrSystemJob is returned when deleting a system job without force
	ErrSystemJob = errors.New("system jobs cannot be deleted without force")

	// ErrSchedulerRunning is returned when starting a running scheduler
	ErrSchedulerRunning = errors.New("scheduler already running")
)

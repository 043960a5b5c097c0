package handler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/model"
)

var (
	// ErrHandlerNotFound is returned when no handler is registered for a service/method pair
	ErrHandlerNotFound = errors.New("handler not found")

	// ErrDuplicateHandler is returned when a service/method pair is registered twice
	ErrDuplicateHandler = errors.New("handler already registered")
)

// Func is a job body. The returned map is stored as the execution result.
// ctx is cancelled when the job's timeout elapses; handlers doing long work
// should watch it and call ExecutionContext.ExtendLock periodically.
type Func func(ctx context.Context, ec *ExecutionContext) (map[string]any, error)

// ExecutionContext is what a handler learns about the attempt it serves
type ExecutionContext struct {
	JobID       string
	JobName     string
	ExecutionID string
	StartedAt   time.Time
	RetryNumber int
	TriggeredBy model.TriggerSource
	Config      map[string]any
	Logger      *zap.Logger

	extend func(ctx context.Context, d time.Duration) (bool, error)
}

// NewExecutionContext creates an execution context whose ExtendLock calls extend
func NewExecutionContext(job *model.ScheduledJob, exec *model.JobExecution, logger *zap.Logger,
	extend func(ctx context.Context, d time.Duration) (bool, error)) *ExecutionContext {
	return &ExecutionContext{
		JobID:       job.ID,
		JobName:     job.JobName,
		ExecutionID: exec.ID,
		StartedAt:   exec.StartedAt,
		RetryNumber: exec.RetryNumber,
		TriggeredBy: exec.TriggeredBy,
		Config:      job.Config,
		Logger:      logger,
		extend:      extend,
	}
}

// ExtendLock renews the job lease to now+d. It reports false when the lease
// has been lost to another instance.
func (c *ExecutionContext) ExtendLock(ctx context.Context, d time.Duration) (bool, error) {
	if c.extend == nil {
		return false, nil
	}
	return c.extend(ctx, d)
}

// Registry maps (service, method) pairs to handlers. Each scheduler owns
// its registry.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]map[string]Func
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]map[string]Func)}
}

// Register binds fn to service/method
func (r *Registry) Register(service, method string, fn Func) error {
	if service == "" || method == "" {
		return fmt.Errorf("service and method are required")
	}
	if fn == nil {
		return fmt.Errorf("handler %s.%s is nil", service, method)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	methods, ok := r.handlers[service]
	if !ok {
		methods = make(map[string]Func)
		r.handlers[service] = methods
	}
	if _, exists := methods[method]; exists {
		return fmt.Errorf("%w: %s.%s", ErrDuplicateHandler, service, method)
	}
	methods[method] = fn
	return nil
}

// Lookup returns the handler for service/method
func (r *Registry) Lookup(service, method string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if fn, ok := r.handlers[service][method]; ok {
		return fn, nil
	}
	return nil, fmt.Errorf("%w: %s.%s", ErrHandlerNotFound, service, method)
}

// Has reports whether service/method is registered
func (r *Registry) Has(service, method string) bool {
	_, err := r.Lookup(service, method)
	return err == nil
}

// Names lists registered handlers as "service.method", sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for service, methods := range r.handlers {
		for method := range methods {
			names = append(names, service+"."+method)
		}
	}
	sort.Strings(names)
	return names
}

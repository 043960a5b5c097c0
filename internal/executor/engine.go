package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/cronexpr"
	"github.com/t77yq/jobscheduler/internal/events"
	"github.com/t77yq/jobscheduler/internal/handler"
	"github.com/t77yq/jobscheduler/internal/model"
)

const (
	MessageLockNotAcquired = "lock not acquired"
	MessageNoLongerDue     = "job no longer due"
	MessageJobRemoved      = "job no longer exists"
	MessageAlreadyRunning  = "job already running on this instance"

	// leaseMargin keeps the lease alive past the handler timeout so the
	// lock outlives the attempt it protects
	leaseMargin = time.Minute

	// storeTimeout bounds bookkeeping writes issued after the caller's
	// context may already be gone
	storeTimeout = 10 * time.Second
)

// Store is the part of the job store the engine writes to
type Store interface {
	GetJobByID(ctx context.Context, id string) (*model.ScheduledJob, error)
	RecordExecutionStart(ctx context.Context, exec *model.JobExecution) (string, error)
	RecordExecutionEnd(ctx context.Context, end model.ExecutionEnd) error
	UpdateJobStats(ctx context.Context, update model.StatsUpdate) error
	ScheduleRetry(ctx context.Context, jobID string, retryNumber int, retryAt time.Time) error
	ClaimRetry(ctx context.Context, jobID string, retryNumber int, now time.Time) (bool, error)
}

// Locker arbitrates job ownership between instances
type Locker interface {
	Acquire(ctx context.Context, jobName, instanceID string, lease time.Duration) (bool, error)
	Release(ctx context.Context, jobName, instanceID string) (bool, error)
	Extend(ctx context.Context, jobName, instanceID string, extension time.Duration) (bool, error)
}

// Recorder receives execution metrics
type Recorder interface {
	ExecutionStarted(jobName string)
	ExecutionFinished(jobName string, status model.ExecutionStatus, duration time.Duration)
	LockContention(jobName string)
	RetryScheduled(jobName string)
}

type nopRecorder struct{}

func (nopRecorder) ExecutionStarted(string)                                        {}
func (nopRecorder) ExecutionFinished(string, model.ExecutionStatus, time.Duration) {}
func (nopRecorder) LockContention(string)                                          {}
func (nopRecorder) RetryScheduled(string)                                          {}

// Config defines configuration for the engine
type Config struct {
	InstanceID     string
	LeaseDuration  time.Duration
	DefaultTimeout time.Duration
	// RetryOnTimeout makes timeouts eligible for retry like failures
	RetryOnTimeout bool
}

// Trigger describes why an attempt is being made
type Trigger struct {
	Source      model.TriggerSource
	User        string
	RetryNumber int
}

// Option configures an Engine
type Option func(*Engine)

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.metrics = r }
}

// WithPublisher sets the execution event publisher
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.events = p }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRetryStrategy replaces the fixed retry delay
func WithRetryStrategy(s RetryStrategy) Option {
	return func(e *Engine) { e.strategy = s }
}

// Engine runs single job attempts: lease, handler under timeout, audit
// record, stats and retry scheduling.
type Engine struct {
	logger   *zap.Logger
	store    Store
	locks    Locker
	registry *handler.Registry
	cfg      Config
	metrics  Recorder
	events   events.Publisher
	strategy RetryStrategy
	now      func() time.Time
	retries  *RetryManager

	mu       sync.Mutex
	inFlight map[string]int
	wg       sync.WaitGroup
}

// NewEngine creates a new execution engine
func NewEngine(store Store, locks Locker, registry *handler.Registry, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = model.DefaultTimeout
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = InstanceIdentity()
	}

	e := &Engine{
		logger:   logger.Named("execution-engine"),
		store:    store,
		locks:    locks,
		registry: registry,
		cfg:      cfg,
		metrics:  nopRecorder{},
		events:   events.NopPublisher{},
		strategy: FixedDelay{},
		now:      time.Now,
		inFlight: make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.retries = NewRetryManager(store, e.strategy, e.runRetry, e.now, logger)
	return e
}

// InstanceID returns the identity this engine locks with
func (e *Engine) InstanceID() string {
	return e.cfg.InstanceID
}

// IsRunning reports whether this instance has an attempt of jobName in flight
func (e *Engine) IsRunning(jobName string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight[jobName] > 0
}

// InFlight returns the number of attempts running on this instance
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.inFlight {
		n += c
	}
	return n
}

// Dispatch runs an attempt in the background
func (e *Engine) Dispatch(ctx context.Context, job *model.ScheduledJob, trigger Trigger) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Run(ctx, job, trigger)
	}()
}

// RunDueRetry claims the pending retry recorded on job and runs it. It
// reports false when another caller already claimed it.
func (e *Engine) RunDueRetry(ctx context.Context, job *model.ScheduledJob) (*model.JobExecution, bool, error) {
	ctx = context.WithoutCancel(ctx)
	ok, err := e.store.ClaimRetry(ctx, job.ID, job.CurrentRetryCount, e.now())
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	e.retries.Cancel(job.ID)
	return e.Run(ctx, job, Trigger{Source: model.TriggerRetry, RetryNumber: job.CurrentRetryCount}), true, nil
}

// DispatchRetry runs RunDueRetry in the background
func (e *Engine) DispatchRetry(ctx context.Context, job *model.ScheduledJob) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, _, err := e.RunDueRetry(ctx, job); err != nil {
			e.logger.Error("Failed to run due retry",
				zap.String("job_name", job.JobName),
				zap.Error(err))
		}
	}()
}

// runRetry is invoked by the retry timer after it won the claim
func (e *Engine) runRetry(ctx context.Context, jobID string, retryNumber int) {
	job, err := e.store.GetJobByID(ctx, jobID)
	if err != nil {
		e.logger.Error("Failed to load job for retry",
			zap.String("job_id", jobID),
			zap.Error(err))
		return
	}
	if job == nil {
		return
	}
	e.Run(ctx, job, Trigger{Source: model.TriggerRetry, RetryNumber: retryNumber})
}

// Wait blocks until dispatched attempts and fired retries finish or ctx ends
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		e.retries.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop disarms in-process retry timers. Their retries stay recorded on the
// job rows and are picked up by the next poll of any instance.
func (e *Engine) Stop() {
	e.retries.Stop()
}

type outcome struct {
	result map[string]any
	err    error
}

// Run executes one attempt synchronously and returns its execution record.
// Caller cancellation does not abort the attempt; only the job timeout does.
func (e *Engine) Run(ctx context.Context, job *model.ScheduledJob, trigger Trigger) *model.JobExecution {
	ctx = context.WithoutCancel(ctx)
	if trigger.Source == "" {
		trigger.Source = model.TriggerScheduler
	}

	exec := &model.JobExecution{
		ID:              uuid.New().String(),
		JobID:           job.ID,
		JobName:         job.JobName,
		Status:          model.ExecutionStatusRunning,
		StartedAt:       e.now(),
		TriggeredBy:     trigger.Source,
		TriggeredByUser: trigger.User,
		RetryNumber:     trigger.RetryNumber,
		HostIdentity:    e.cfg.InstanceID,
	}
	log := e.logger.With(
		zap.String("job_name", job.JobName),
		zap.String("execution_id", exec.ID),
		zap.String("triggered_by", string(trigger.Source)),
		zap.Int("retry_number", trigger.RetryNumber))

	// the lease is re-entrant per instance, so only one local attempt of a
	// job may run under it
	first := e.begin(job.JobName)
	defer e.end(job.JobName)

	persisted := true
	if _, err := e.store.RecordExecutionStart(ctx, exec); err != nil {
		persisted = false
		log.Error("Failed to record execution start", zap.Error(err))
	}
	e.metrics.ExecutionStarted(job.JobName)
	e.publish(ctx, &events.ExecutionEvent{Type: events.EventStarted, Execution: exec}, log)

	if !first {
		log.Debug("Job already running on this instance, skipping run")
		e.metrics.LockContention(job.JobName)
		e.finish(ctx, job, exec, persisted, model.ExecutionStatusCancelled, nil, MessageAlreadyRunning, "", log)
		return exec
	}

	timeout := job.Timeout(e.cfg.DefaultTimeout)
	lease := e.cfg.LeaseDuration
	if l := timeout + leaseMargin; l > lease {
		lease = l
	}

	acquired, err := e.locks.Acquire(ctx, job.JobName, e.cfg.InstanceID, lease)
	if err != nil {
		log.Error("Failed to acquire lock", zap.Error(err))
	}
	if !acquired {
		log.Debug("Lock held elsewhere, skipping run")
		e.metrics.LockContention(job.JobName)
		e.finish(ctx, job, exec, persisted, model.ExecutionStatusCancelled, nil, MessageLockNotAcquired, "", log)
		return exec
	}

	if trigger.Source == model.TriggerScheduler {
		if reason, fresh := e.staleCheck(ctx, job, log); reason != "" {
			e.release(ctx, job.JobName, log)
			e.finish(ctx, job, exec, persisted, model.ExecutionStatusCancelled, nil, reason, "", log)
			return exec
		} else if fresh != nil {
			job = fresh
		}
	}

	log.Info("Executing job", zap.Duration("timeout", timeout))

	status, result, errMsg, errStack := e.invoke(ctx, job, exec, timeout, log)

	// always give the lease back before bookkeeping
	e.release(ctx, job.JobName, log)

	e.finish(ctx, job, exec, persisted, status, result, errMsg, errStack, log)
	return exec
}

// staleCheck re-reads a scheduler-selected job under the lock. Another
// instance may have run this occurrence between selection and locking.
func (e *Engine) staleCheck(ctx context.Context, job *model.ScheduledJob, log *zap.Logger) (string, *model.ScheduledJob) {
	fresh, err := e.store.GetJobByID(ctx, job.ID)
	if err != nil {
		log.Warn("Failed to re-read job, running with selected definition", zap.Error(err))
		return "", nil
	}
	if fresh == nil {
		return MessageJobRemoved, nil
	}
	if !fresh.IsDue(e.now()) {
		return MessageNoLongerDue, nil
	}
	return "", fresh
}

func (e *Engine) invoke(ctx context.Context, job *model.ScheduledJob, exec *model.JobExecution,
	timeout time.Duration, log *zap.Logger) (model.ExecutionStatus, map[string]any, string, string) {

	fn, err := e.registry.Lookup(job.HandlerService, job.HandlerMethod)
	if err != nil {
		log.Error("No handler for job",
			zap.String("handler_service", job.HandlerService),
			zap.String("handler_method", job.HandlerMethod))
		return model.ExecutionStatusFailed, nil, err.Error(), ""
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ec := handler.NewExecutionContext(job, exec, log, func(ctx context.Context, d time.Duration) (bool, error) {
		return e.locks.Extend(ctx, job.JobName, e.cfg.InstanceID, d)
	})

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: errors.Newf("handler panicked: %v", r)}
			}
		}()
		result, err := fn(runCtx, ec)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			err := errors.WithStack(out.err)
			log.Warn("Job failed", zap.Error(out.err))
			return model.ExecutionStatusFailed, out.result, out.err.Error(), fmt.Sprintf("%+v", err)
		}
		return model.ExecutionStatusSuccess, out.result, "", ""
	case <-runCtx.Done():
		log.Warn("Job timed out", zap.Duration("timeout", timeout))
		return model.ExecutionStatusTimeout, nil, fmt.Sprintf("execution timed out after %s", timeout), ""
	}
}

func (e *Engine) release(ctx context.Context, jobName string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if _, err := e.locks.Release(ctx, jobName, e.cfg.InstanceID); err != nil {
		log.Error("Failed to release lock", zap.Error(err))
	}
}

func (e *Engine) finish(ctx context.Context, job *model.ScheduledJob, exec *model.JobExecution, persisted bool,
	status model.ExecutionStatus, result map[string]any, errMsg, errStack string, log *zap.Logger) {

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	completed := e.now()
	duration := completed.Sub(exec.StartedAt)
	durationMs := duration.Milliseconds()

	exec.Status = status
	exec.Result = result
	exec.ErrorMessage = errMsg
	exec.ErrorStack = errStack
	exec.CompletedAt = &completed
	exec.DurationMs = &durationMs

	if persisted {
		if err := e.store.RecordExecutionEnd(ctx, model.ExecutionEnd{
			ID:           exec.ID,
			Status:       status,
			Result:       result,
			ErrorMessage: errMsg,
			ErrorStack:   errStack,
			CompletedAt:  completed,
			DurationMs:   durationMs,
		}); err != nil {
			log.Error("Failed to record execution end", zap.Error(err))
		}
	}

	willRetry := false
	if status != model.ExecutionStatusCancelled {
		if err := e.store.UpdateJobStats(ctx, model.StatsUpdate{
			JobID:        job.ID,
			Status:       status,
			RanAt:        exec.StartedAt,
			DurationMs:   durationMs,
			NextRunAt:    e.nextRun(job, completed, log),
			ErrorMessage: errMsg,

			CronExpression: job.CronExpression,
			Timezone:       job.Timezone,
		}); err != nil {
			log.Error("Failed to update job stats", zap.Error(err))
		}

		if e.retryable(status) && exec.RetryNumber < job.MaxRetries {
			if err := e.retries.Schedule(ctx, job, exec.RetryNumber+1); err != nil {
				log.Error("Failed to schedule retry", zap.Error(err))
			} else {
				willRetry = true
				e.metrics.RetryScheduled(job.JobName)
			}
		}
	}

	e.metrics.ExecutionFinished(job.JobName, status, duration)
	e.publish(ctx, &events.ExecutionEvent{
		Type:       events.EventFinished,
		Execution:  exec,
		MaxRetries: job.MaxRetries,
		WillRetry:  willRetry,
	}, log)

	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.Int64("duration_ms", durationMs),
		zap.Bool("will_retry", willRetry),
	}
	switch status {
	case model.ExecutionStatusSuccess:
		log.Info("Job completed", fields...)
	case model.ExecutionStatusCancelled:
		log.Debug("Job attempt cancelled", append(fields, zap.String("reason", errMsg))...)
	default:
		log.Warn("Job did not succeed", append(fields, zap.String("error", errMsg))...)
	}
}

func (e *Engine) retryable(status model.ExecutionStatus) bool {
	return status == model.ExecutionStatusFailed ||
		(status == model.ExecutionStatusTimeout && e.cfg.RetryOnTimeout)
}

// nextRun evaluates the cron expression afresh from the completion time in
// the job's timezone
func (e *Engine) nextRun(job *model.ScheduledJob, from time.Time, log *zap.Logger) time.Time {
	next, err := cronexpr.NextRunTimeIn(job.CronExpression, job.Timezone, from)
	if err != nil {
		log.Error("Failed to compute next run, deferring a day", zap.Error(err))
		return from.Add(24 * time.Hour)
	}
	return next
}

func (e *Engine) publish(ctx context.Context, event *events.ExecutionEvent, log *zap.Logger) {
	event.Timestamp = e.now()
	if err := e.events.PublishExecution(ctx, event); err != nil {
		log.Error("Failed to publish execution event",
			zap.String("event", string(event.Type)),
			zap.Error(err))
	}
}

// begin counts an attempt of jobName and reports whether it is the only one
// in flight on this instance
func (e *Engine) begin(jobName string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inFlight[jobName]++
	return e.inFlight[jobName] == 1
}

func (e *Engine) end(jobName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inFlight[jobName]--
	if e.inFlight[jobName] <= 0 {
		delete(e.inFlight, jobName)
	}
}

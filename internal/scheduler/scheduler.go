package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/cronexpr"
	"github.com/t77yq/jobscheduler/internal/executor"
	"github.com/t77yq/jobscheduler/internal/handler"
	"github.com/t77yq/jobscheduler/internal/lock"
	"github.com/t77yq/jobscheduler/internal/model"
	"github.com/t77yq/jobscheduler/internal/storage"
)

// Options defines configuration for a Scheduler
type Options struct {
	InstanceID     string
	PollInterval   time.Duration
	BatchSize      int
	LeaseDuration  time.Duration
	DefaultTimeout time.Duration
	RetryOnTimeout bool

	ExecutionMaxAge time.Duration
	CleanupCron     string
	LockSweepCron   string
	// SkipSystemJobs leaves the built-in maintenance jobs unregistered
	SkipSystemJobs bool

	// Now replaces time.Now for schedule computation
	Now func() time.Time
}

// Scheduler is the entry point an application embeds: it owns the handler
// registry, registers job definitions and drives their execution.
type Scheduler struct {
	logger   *zap.Logger
	store    storage.JobStore
	registry *handler.Registry
	locks    *lock.Coordinator
	engine   *executor.Engine
	loop     *Loop
	host     *executor.HostMonitor
	opts     Options
	now      func() time.Time

	mu         sync.Mutex
	stopHost   context.CancelFunc
	systemJobs bool
}

// New creates a scheduler over store. Engine options are passed through to
// the execution engine.
func New(store storage.JobStore, opts Options, logger *zap.Logger, engineOpts ...executor.Option) *Scheduler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.InstanceID == "" {
		opts.InstanceID = executor.InstanceIdentity()
	}
	if opts.ExecutionMaxAge <= 0 {
		opts.ExecutionMaxAge = DefaultExecutionMaxAge
	}
	if opts.CleanupCron == "" {
		opts.CleanupCron = DefaultCleanupCron
	}
	if opts.LockSweepCron == "" {
		opts.LockSweepCron = DefaultLockSweepCron
	}

	registry := handler.NewRegistry()
	locks := lock.NewCoordinator(store, opts.LeaseDuration, logger)
	engine := executor.NewEngine(store, locks, registry, executor.Config{
		InstanceID:     opts.InstanceID,
		LeaseDuration:  locks.LeaseDuration(),
		DefaultTimeout: opts.DefaultTimeout,
		RetryOnTimeout: opts.RetryOnTimeout,
	}, logger, engineOpts...)

	return &Scheduler{
		logger:   logger.Named("scheduler"),
		store:    store,
		registry: registry,
		locks:    locks,
		engine:   engine,
		loop:     NewLoop(store, engine, opts.PollInterval, opts.BatchSize, opts.Now, logger),
		host:     executor.NewHostMonitor(opts.InstanceID, engine.InFlight, 0, logger),
		opts:     opts,
		now:      opts.Now,
	}
}

// InstanceID returns the lock owner identity of this scheduler
func (s *Scheduler) InstanceID() string {
	return s.opts.InstanceID
}

// Registry returns the handler registry owned by this scheduler
func (s *Scheduler) Registry() *handler.Registry {
	return s.registry
}

// Loop returns the polling loop
func (s *Scheduler) Loop() *Loop {
	return s.loop
}

// RegisterHandler binds a handler to service.method
func (s *Scheduler) RegisterHandler(service, method string, fn handler.Func) error {
	return s.registry.Register(service, method, fn)
}

// RegisterJob creates or updates a job definition. Re-registering keeps the
// job's counters, pause state and next run unless its schedule changed.
func (s *Scheduler) RegisterJob(ctx context.Context, jobName, cronExpression, handlerService, handlerMethod string,
	opts model.JobOptions) (*model.ScheduledJob, error) {
	jobName = strings.TrimSpace(jobName)
	if jobName == "" {
		return nil, fmt.Errorf("%w: job name is required", ErrInvalidJob)
	}
	if handlerService == "" || handlerMethod == "" {
		return nil, fmt.Errorf("%w: handler service and method are required", ErrInvalidJob)
	}

	timezone := opts.Timezone
	if timezone == "" {
		timezone = model.DefaultTimezone
	}
	next, err := s.nextRun(cronExpression, timezone)
	if err != nil {
		return nil, err
	}
	if !s.registry.Has(handlerService, handlerMethod) {
		return nil, fmt.Errorf("%w: %s.%s", ErrHandlerNotFound, handlerService, handlerMethod)
	}

	job := &model.ScheduledJob{
		JobName:        jobName,
		CronExpression: strings.TrimSpace(cronExpression),
		Timezone:       timezone,
		Description:    opts.Description,
		HandlerService: handlerService,
		HandlerMethod:  handlerMethod,
		Config:         opts.Config,
		IsActive:       !opts.Inactive,
		IsSystemJob:    opts.IsSystemJob,
		Priority:       model.DefaultPriority,
		Tags:           opts.Tags,
		MaxRetries:     model.DefaultMaxRetries,
		RetryDelayMs:   model.DefaultRetryDelayMs,
		NextRunAt:      &next,
	}
	if opts.Priority != nil {
		job.Priority = *opts.Priority
	}
	if opts.MaxRetries != nil {
		job.MaxRetries = *opts.MaxRetries
	}
	if opts.RetryDelayMs != nil {
		job.RetryDelayMs = *opts.RetryDelayMs
	}

	stored, err := s.store.UpsertJob(ctx, job)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Registered job",
		zap.String("job_name", stored.JobName),
		zap.String("cron_expression", stored.CronExpression),
		zap.String("timezone", stored.Timezone),
		zap.Timep("next_run_at", stored.NextRunAt))
	return stored, nil
}

// UpdateJob changes the given fields of a job. A new cron expression or
// timezone recomputes the next run from now.
func (s *Scheduler) UpdateJob(ctx context.Context, jobName string, update model.JobUpdate) (*model.ScheduledJob, error) {
	job, err := s.mustGet(ctx, jobName)
	if err != nil {
		return nil, err
	}
	if update.IsEmpty() {
		return job, nil
	}

	if update.ChangesSchedule() {
		expr, timezone := job.CronExpression, job.Timezone
		if update.CronExpression != nil {
			expr = strings.TrimSpace(*update.CronExpression)
			update.CronExpression = &expr
		}
		if update.Timezone != nil {
			timezone = *update.Timezone
		}
		next, err := s.nextRun(expr, timezone)
		if err != nil {
			return nil, err
		}
		update.NextRunAt = &next
	}

	if update.HandlerService != nil || update.HandlerMethod != nil {
		service, method := job.HandlerService, job.HandlerMethod
		if update.HandlerService != nil {
			service = *update.HandlerService
		}
		if update.HandlerMethod != nil {
			method = *update.HandlerMethod
		}
		if !s.registry.Has(service, method) {
			return nil, fmt.Errorf("%w: %s.%s", ErrHandlerNotFound, service, method)
		}
	}

	updated, err := s.store.UpdateJob(ctx, jobName, update)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Updated job", zap.String("job_name", jobName))
	return updated, nil
}

// DeleteJob removes a job and its history. System jobs need force.
func (s *Scheduler) DeleteJob(ctx context.Context, jobName string, force bool) error {
	job, err := s.mustGet(ctx, jobName)
	if err != nil {
		return err
	}
	if job.IsSystemJob && !force {
		return fmt.Errorf("%w: %s", ErrSystemJob, jobName)
	}
	return s.store.DeleteJob(ctx, jobName)
}

// RunJob runs a job now, outside its schedule, and returns the execution
// record of this attempt. Retries it triggers run in the background.
func (s *Scheduler) RunJob(ctx context.Context, jobName, triggeredByUser string) (*model.JobExecution, error) {
	job, err := s.mustGet(ctx, jobName)
	if err != nil {
		return nil, err
	}
	if !s.registry.Has(job.HandlerService, job.HandlerMethod) {
		return nil, fmt.Errorf("%w: %s.%s", ErrHandlerNotFound, job.HandlerService, job.HandlerMethod)
	}

	s.logger.Info("Manual run requested",
		zap.String("job_name", jobName),
		zap.String("user", triggeredByUser))

	return s.engine.Run(ctx, job, executor.Trigger{
		Source: model.TriggerManual,
		User:   triggeredByUser,
	}), nil
}

// PauseJob stops a job from being selected. A running attempt finishes and
// a pending retry is dropped.
func (s *Scheduler) PauseJob(ctx context.Context, jobName string) error {
	if err := s.store.SetActive(ctx, jobName, false, nil); err != nil {
		return err
	}
	s.logger.Info("Paused job", zap.String("job_name", jobName))
	return nil
}

// ResumeJob reactivates a job with its next run computed from now
func (s *Scheduler) ResumeJob(ctx context.Context, jobName string) error {
	job, err := s.mustGet(ctx, jobName)
	if err != nil {
		return err
	}
	next, err := s.nextRun(job.CronExpression, job.Timezone)
	if err != nil {
		return err
	}
	if err := s.store.SetActive(ctx, jobName, true, &next); err != nil {
		return err
	}
	s.logger.Info("Resumed job",
		zap.String("job_name", jobName),
		zap.Time("next_run_at", next))
	return nil
}

// GetJobStatus returns the job, or nil when it does not exist
func (s *Scheduler) GetJobStatus(ctx context.Context, jobName string) (*model.ScheduledJob, error) {
	return s.store.GetJob(ctx, jobName)
}

// ListJobs returns jobs matching filter
func (s *Scheduler) ListJobs(ctx context.Context, filter model.JobFilter) ([]*model.ScheduledJob, error) {
	return s.store.ListJobs(ctx, filter)
}

// GetJobHistory returns the latest executions of a job, newest first
func (s *Scheduler) GetJobHistory(ctx context.Context, jobName string, limit int) ([]*model.JobExecution, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return s.store.GetJobHistory(ctx, jobName, limit)
}

// GetJobStatistics aggregates executions started in the last windowHours.
// An empty jobID covers every job.
func (s *Scheduler) GetJobStatistics(ctx context.Context, jobID string, windowHours int) ([]*model.JobStatistics, error) {
	if windowHours <= 0 {
		windowHours = DefaultStatsWindowHours
	}
	since := s.now().Add(-time.Duration(windowHours) * time.Hour)
	return s.store.GetStatistics(ctx, jobID, since)
}

// GetDashboard assembles the operator overview
func (s *Scheduler) GetDashboard(ctx context.Context) (*model.Dashboard, error) {
	now := s.now()

	jobs, err := s.store.ListJobs(ctx, model.JobFilter{})
	if err != nil {
		return nil, err
	}
	recent, err := s.store.ListRecentExecutions(ctx, dashboardRecentLimit)
	if err != nil {
		return nil, err
	}
	stats, err := s.store.GetStatistics(ctx, "", now.Add(-dashboardWindow))
	if err != nil {
		return nil, err
	}
	running, err := s.store.CountExecutions(ctx, model.ExecutionStatusRunning, time.Time{})
	if err != nil {
		return nil, err
	}
	failed, err := s.store.CountExecutions(ctx, model.ExecutionStatusFailed, now.Add(-dashboardWindow))
	if err != nil {
		return nil, err
	}

	return &model.Dashboard{
		Jobs:             jobs,
		RecentExecutions: recent,
		Statistics:       stats,
		RunningCount:     running,
		FailedLast24h:    failed,
		Instance:         s.host.Stats(),
		GeneratedAt:      now,
	}, nil
}

// Start registers the system jobs and begins polling
func (s *Scheduler) Start(ctx context.Context) error {
	if s.loop.IsRunning() {
		return ErrSchedulerRunning
	}
	if !s.opts.SkipSystemJobs {
		if err := s.registerSystemJobs(ctx); err != nil {
			return fmt.Errorf("failed to register system jobs: %w", err)
		}
	}

	s.mu.Lock()
	hostCtx, cancel := context.WithCancel(context.Background())
	s.stopHost = cancel
	s.mu.Unlock()
	s.host.Start(hostCtx)

	if err := s.loop.Start(ctx); err != nil {
		cancel()
		return err
	}
	s.logger.Info("Scheduler started", zap.String("instance_id", s.opts.InstanceID))
	return nil
}

// Stop halts polling and waits for in-flight attempts until ctx ends
func (s *Scheduler) Stop(ctx context.Context) error {
	s.loop.Stop()
	s.engine.Stop()

	s.mu.Lock()
	if s.stopHost != nil {
		s.stopHost()
		s.stopHost = nil
	}
	s.mu.Unlock()

	if err := s.engine.Wait(ctx); err != nil {
		s.logger.Warn("Stopped before in-flight jobs finished",
			zap.Int("in_flight", s.engine.InFlight()))
		return err
	}
	s.logger.Info("Scheduler stopped")
	return nil
}

func (s *Scheduler) registerSystemJobs(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.systemJobs {
		return nil
	}

	handlers := []struct {
		method string
		fn     handler.Func
	}{
		{handler.CleanupExecutionsMethod, handler.CleanupExecutions(s.store, s.opts.ExecutionMaxAge)},
		{handler.SweepLocksMethod, handler.SweepLocks(s.locks)},
	}
	for _, h := range handlers {
		if err := s.registry.Register(handler.SystemService, h.method, h.fn); err != nil &&
			!errors.Is(err, handler.ErrDuplicateHandler) {
			return err
		}
	}

	retries := 1
	jobs := []struct {
		name, cron, method, description string
	}{
		{CleanupExecutionsJobName, s.opts.CleanupCron, handler.CleanupExecutionsMethod, "Delete execution records past the retention horizon"},
		{SweepLocksJobName, s.opts.LockSweepCron, handler.SweepLocksMethod, "Clear expired job leases"},
	}
	for _, j := range jobs {
		if _, err := s.RegisterJob(ctx, j.name, j.cron, handler.SystemService, j.method, model.JobOptions{
			Description: j.description,
			IsSystemJob: true,
			MaxRetries:  &retries,
			Tags:        []string{"system"},
		}); err != nil {
			return err
		}
	}

	s.systemJobs = true
	return nil
}

func (s *Scheduler) mustGet(ctx context.Context, jobName string) (*model.ScheduledJob, error) {
	job, err := s.store.GetJob(ctx, jobName)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobName)
	}
	return job, nil
}

func (s *Scheduler) nextRun(expr, timezone string) (time.Time, error) {
	next, err := cronexpr.NextRunTimeIn(expr, timezone, s.now())
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", ErrInvalidCronExpression, err)
	}
	return next, nil
}

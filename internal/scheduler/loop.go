package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/executor"
	"github.com/t77yq/jobscheduler/internal/model"
)

// Candidates selects jobs that may be ready to run. Selection may race
// between instances; the lock decides who actually runs.
type Candidates interface {
	GetDueJobs(ctx context.Context, now time.Time, limit int) ([]*model.ScheduledJob, error)
	GetDueRetries(ctx context.Context, now time.Time, limit int) ([]*model.ScheduledJob, error)
}

// Dispatcher starts attempts without waiting for them
type Dispatcher interface {
	Dispatch(ctx context.Context, job *model.ScheduledJob, trigger executor.Trigger)
	DispatchRetry(ctx context.Context, job *model.ScheduledJob)
	IsRunning(jobName string) bool
}

// Loop polls the store for due jobs and due retries and hands them to the
// engine. Every instance runs its own loop.
type Loop struct {
	logger     *zap.Logger
	candidates Candidates
	dispatcher Dispatcher
	interval   time.Duration
	batchSize  int
	now        func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLoop creates a new scheduler loop
func NewLoop(candidates Candidates, dispatcher Dispatcher, interval time.Duration, batchSize int,
	now func() time.Time, logger *zap.Logger) *Loop {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if now == nil {
		now = time.Now
	}
	return &Loop{
		logger:     logger.Named("scheduler-loop"),
		candidates: candidates,
		dispatcher: dispatcher,
		interval:   interval,
		batchSize:  batchSize,
		now:        now,
	}
}

// Start runs one check immediately and then one per interval until Stop
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancel != nil {
		return ErrSchedulerRunning
	}
	ctx, l.cancel = context.WithCancel(ctx)

	l.logger.Info("Starting scheduler loop",
		zap.Duration("interval", l.interval),
		zap.Int("batch_size", l.batchSize))

	l.wg.Add(1)
	go l.run(ctx)
	return nil
}

// Stop halts polling. Attempts already dispatched run to completion.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	l.logger.Info("Stopping scheduler loop")
	cancel()
	l.wg.Wait()
}

// IsRunning reports whether the loop is polling
func (l *Loop) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()

	l.Tick(ctx)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick performs one poll and returns how many attempts it dispatched
func (l *Loop) Tick(ctx context.Context) int {
	now := l.now()
	dispatched := 0

	due, err := l.candidates.GetDueJobs(ctx, now, l.batchSize)
	if err != nil {
		l.logger.Error("Failed to get due jobs", zap.Error(err))
	}
	for _, job := range due {
		if l.dispatcher.IsRunning(job.JobName) {
			l.logger.Debug("Job already running on this instance", zap.String("job_name", job.JobName))
			continue
		}
		l.logger.Info("Dispatching due job",
			zap.String("job_name", job.JobName),
			zap.Int("priority", job.Priority),
			zap.Timep("next_run_at", job.NextRunAt))
		l.dispatcher.Dispatch(ctx, job, executor.Trigger{Source: model.TriggerScheduler})
		dispatched++
	}

	retries, err := l.candidates.GetDueRetries(ctx, now, l.batchSize)
	if err != nil {
		l.logger.Error("Failed to get due retries", zap.Error(err))
	}
	for _, job := range retries {
		if l.dispatcher.IsRunning(job.JobName) {
			continue
		}
		l.logger.Info("Dispatching due retry",
			zap.String("job_name", job.JobName),
			zap.Int("retry_number", job.CurrentRetryCount))
		l.dispatcher.DispatchRetry(ctx, job)
		dispatched++
	}

	return dispatched
}

package executor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/model"
)

// RetryStrategy defines the interface for retry strategies
type RetryStrategy interface {
	// NextRetry returns the delay before the given retry attempt of job
	NextRetry(job *model.ScheduledJob, attempt int) time.Duration
}

// FixedDelay waits the job's own retry delay before every attempt
type FixedDelay struct{}

// NextRetry implements RetryStrategy
func (FixedDelay) NextRetry(job *model.ScheduledJob, _ int) time.Duration {
	return job.RetryDelay()
}

// ExponentialBackoff grows the job's retry delay by Multiplier per attempt
type ExponentialBackoff struct {
	MaxDelay   time.Duration
	Multiplier float64
}

// NextRetry calculates the next retry delay using exponential backoff
func (s ExponentialBackoff) NextRetry(job *model.ScheduledJob, attempt int) time.Duration {
	delay := float64(job.RetryDelay())
	for i := 1; i < attempt; i++ {
		delay *= s.Multiplier
	}

	if s.MaxDelay > 0 && delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// RetryStore persists pending retries on the job row
type RetryStore interface {
	ScheduleRetry(ctx context.Context, jobID string, retryNumber int, retryAt time.Time) error
	ClaimRetry(ctx context.Context, jobID string, retryNumber int, now time.Time) (bool, error)
}

// RetryManager records retries in the store and fires them from a local
// timer. The store row is the source of truth: whoever claims it first,
// this timer or any instance's poll loop, runs the attempt.
type RetryManager struct {
	logger   *zap.Logger
	store    RetryStore
	strategy RetryStrategy
	run      func(ctx context.Context, jobID string, retryNumber int)
	now      func() time.Time

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
	wg      sync.WaitGroup
}

// NewRetryManager creates a new retry manager
func NewRetryManager(store RetryStore, strategy RetryStrategy, run func(ctx context.Context, jobID string, retryNumber int),
	now func() time.Time, logger *zap.Logger) *RetryManager {
	if strategy == nil {
		strategy = FixedDelay{}
	}
	if now == nil {
		now = time.Now
	}
	return &RetryManager{
		logger:   logger.Named("retry-manager"),
		store:    store,
		strategy: strategy,
		run:      run,
		now:      now,
		timers:   make(map[string]*time.Timer),
	}
}

// Schedule persists retry number retryNumber of job and arms a timer for it
func (rm *RetryManager) Schedule(ctx context.Context, job *model.ScheduledJob, retryNumber int) error {
	delay := rm.strategy.NextRetry(job, retryNumber)
	retryAt := rm.now().Add(delay)

	if err := rm.store.ScheduleRetry(ctx, job.ID, retryNumber, retryAt); err != nil {
		return err
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.stopped {
		return nil
	}
	if t, ok := rm.timers[job.ID]; ok {
		t.Stop()
	}
	jobID := job.ID
	rm.timers[jobID] = time.AfterFunc(delay, func() {
		rm.fire(jobID, retryNumber)
	})

	rm.logger.Info("Retry scheduled",
		zap.String("job_name", job.JobName),
		zap.Int("retry_number", retryNumber),
		zap.Time("retry_at", retryAt))
	return nil
}

// Cancel disarms the local timer of jobID, if any
func (rm *RetryManager) Cancel(jobID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if t, ok := rm.timers[jobID]; ok {
		t.Stop()
		delete(rm.timers, jobID)
	}
}

// Pending returns the number of armed timers
func (rm *RetryManager) Pending() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.timers)
}

// Stop disarms every timer. Retries already firing run to completion.
func (rm *RetryManager) Stop() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.stopped = true
	for id, t := range rm.timers {
		t.Stop()
		delete(rm.timers, id)
	}
}

// Wait blocks until fired retries have finished
func (rm *RetryManager) Wait() {
	rm.wg.Wait()
}

func (rm *RetryManager) fire(jobID string, retryNumber int) {
	rm.mu.Lock()
	if rm.stopped {
		rm.mu.Unlock()
		return
	}
	delete(rm.timers, jobID)
	rm.wg.Add(1)
	rm.mu.Unlock()
	defer rm.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	claimed, err := rm.store.ClaimRetry(ctx, jobID, retryNumber, rm.now())
	cancel()
	if err != nil {
		rm.logger.Error("Failed to claim retry",
			zap.String("job_id", jobID),
			zap.Int("retry_number", retryNumber),
			zap.Error(err))
		return
	}
	if !claimed {
		rm.logger.Debug("Retry already claimed or dropped",
			zap.String("job_id", jobID),
			zap.Int("retry_number", retryNumber))
		return
	}

	rm.run(context.Background(), jobID, retryNumber)
}

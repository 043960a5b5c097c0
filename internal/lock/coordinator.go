// Package lock implements lease-based mutual exclusion over the job store.
//
// A job is locked while its lease expiry lies in the future. Acquire is one
// conditional update, so of any number of racing instances at most one wins.
// A crashed holder needs no detection: its lease simply runs out. The lease
// must therefore comfortably exceed the scheduler poll interval.
package lock

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultLeaseDuration is the lease taken when none is configured
const DefaultLeaseDuration = 5 * time.Minute

// Store is the subset of the job store the coordinator needs
type Store interface {
	AcquireLock(ctx context.Context, jobName, instanceID string, now time.Time, lease time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, jobName, instanceID string) (bool, error)
	ExtendLock(ctx context.Context, jobName, instanceID string, now time.Time, extension time.Duration) (bool, error)
	SweepExpiredLocks(ctx context.Context, now time.Time) (int64, error)
	CancelAbandonedExecutions(ctx context.Context, now, startedBefore time.Time) (int64, error)
}

// Coordinator arbitrates job ownership between scheduler instances
type Coordinator struct {
	logger *zap.Logger
	store  Store
	lease  time.Duration
	now    func() time.Time
}

// NewCoordinator creates a new lock coordinator
func NewCoordinator(store Store, lease time.Duration, logger *zap.Logger) *Coordinator {
	return NewCoordinatorWithClock(store, lease, time.Now, logger)
}

// NewCoordinatorWithClock creates a coordinator with an injectable clock
func NewCoordinatorWithClock(store Store, lease time.Duration, now func() time.Time, logger *zap.Logger) *Coordinator {
	if lease <= 0 {
		lease = DefaultLeaseDuration
	}
	return &Coordinator{
		logger: logger.Named("lock-coordinator"),
		store:  store,
		lease:  lease,
		now:    now,
	}
}

// LeaseDuration returns the default lease
func (c *Coordinator) LeaseDuration() time.Duration {
	return c.lease
}

// Acquire takes the lease on jobName for instanceID. A zero lease uses the
// default. It succeeds when the job is unlocked, its lease has expired, or
// instanceID already holds it.
func (c *Coordinator) Acquire(ctx context.Context, jobName, instanceID string, lease time.Duration) (bool, error) {
	if lease <= 0 {
		lease = c.lease
	}
	ok, err := c.store.AcquireLock(ctx, jobName, instanceID, c.now(), lease)
	if err != nil {
		return false, err
	}
	if ok {
		c.logger.Debug("Lock acquired",
			zap.String("job_name", jobName),
			zap.String("instance_id", instanceID),
			zap.Duration("lease", lease))
	} else {
		c.logger.Debug("Lock held by another instance",
			zap.String("job_name", jobName),
			zap.String("instance_id", instanceID))
	}
	return ok, nil
}

// Release clears the lease if instanceID holds it. Releasing a lock held by
// someone else returns false without error.
func (c *Coordinator) Release(ctx context.Context, jobName, instanceID string) (bool, error) {
	ok, err := c.store.ReleaseLock(ctx, jobName, instanceID)
	if err != nil {
		return false, err
	}
	if !ok {
		c.logger.Debug("Release skipped, lock not held",
			zap.String("job_name", jobName),
			zap.String("instance_id", instanceID))
	}
	return ok, nil
}

// Extend renews the lease to now+extension if instanceID holds it
func (c *Coordinator) Extend(ctx context.Context, jobName, instanceID string, extension time.Duration) (bool, error) {
	if extension <= 0 {
		extension = c.lease
	}
	ok, err := c.store.ExtendLock(ctx, jobName, instanceID, c.now(), extension)
	if err != nil {
		return false, err
	}
	if !ok {
		c.logger.Warn("Lock extension refused, lock not held",
			zap.String("job_name", jobName),
			zap.String("instance_id", instanceID))
	}
	return ok, nil
}

// Sweep clears expired lease fields. Acquire already treats expired leases
// as free, so this is housekeeping only.
func (c *Coordinator) Sweep(ctx context.Context) (int64, error) {
	return c.store.SweepExpiredLocks(ctx, c.now())
}

// ReapAbandoned cancels running executions whose job lease has lapsed. Rows
// younger than one lease are left alone, since an attempt records itself
// before it takes the lease.
func (c *Coordinator) ReapAbandoned(ctx context.Context) (int64, error) {
	now := c.now()
	return c.store.CancelAbandonedExecutions(ctx, now, now.Add(-c.lease))
}

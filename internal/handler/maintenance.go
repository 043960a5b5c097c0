package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"
)

const (
	// SystemService is the handler service used by built-in jobs
	SystemService = "scheduler"

	CleanupExecutionsMethod = "cleanupExecutions"
	SweepLocksMethod        = "sweepLocks"

	// ConfigKeyMaxAgeHours overrides the retention horizon of the cleanup job
	ConfigKeyMaxAgeHours = "max_age_hours"
)

// ExecutionPruner deletes execution records started before a cutoff
type ExecutionPruner interface {
	DeleteExecutionsBefore(ctx context.Context, before time.Time) (int64, error)
}

// LockSweeper clears expired leases and the executions they left behind
type LockSweeper interface {
	Sweep(ctx context.Context) (int64, error)
	ReapAbandoned(ctx context.Context) (int64, error)
}

// CleanupExecutions returns the retention handler. Records older than
// config["max_age_hours"], or maxAge when unset, are deleted.
func CleanupExecutions(pruner ExecutionPruner, maxAge time.Duration) Func {
	return func(ctx context.Context, ec *ExecutionContext) (map[string]any, error) {
		age := maxAge
		if raw, ok := ec.Config[ConfigKeyMaxAgeHours]; ok {
			hours, err := cast.ToFloat64E(raw)
			if err != nil || hours <= 0 {
				return nil, fmt.Errorf("invalid %s %v", ConfigKeyMaxAgeHours, raw)
			}
			age = time.Duration(hours * float64(time.Hour))
		}
		if age <= 0 {
			return nil, fmt.Errorf("retention horizon must be positive")
		}

		before := time.Now().Add(-age)
		deleted, err := pruner.DeleteExecutionsBefore(ctx, before)
		if err != nil {
			return nil, fmt.Errorf("failed to prune executions: %w", err)
		}

		if ec.Logger != nil {
			ec.Logger.Info("Pruned execution history",
				zap.Int64("deleted", deleted),
				zap.Time("before", before))
		}
		return map[string]any{
			"deleted": deleted,
			"before":  before.UTC().Format(time.RFC3339),
		}, nil
	}
}

// SweepLocks returns the lock sweep handler. Executions still running under
// a lapsed lease are marked cancelled before the lease fields are cleared.
func SweepLocks(sweeper LockSweeper) Func {
	return func(ctx context.Context, ec *ExecutionContext) (map[string]any, error) {
		abandoned, err := sweeper.ReapAbandoned(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to cancel abandoned executions: %w", err)
		}
		cleared, err := sweeper.Sweep(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to sweep locks: %w", err)
		}
		return map[string]any{"cleared": cleared, "abandoned": abandoned}, nil
	}
}

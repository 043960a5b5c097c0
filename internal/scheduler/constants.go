package scheduler

import "time"

const (
	DefaultPollInterval = time.Minute
	DefaultBatchSize    = 10

	DefaultHistoryLimit      = 50
	DefaultStatsWindowHours  = 24
	dashboardRecentLimit     = 20
	dashboardWindow          = 24 * time.Hour
	DefaultExecutionMaxAge   = 30 * 24 * time.Hour
	DefaultCleanupCron       = "0 3 * * *"
	DefaultLockSweepCron     = "*/15 * * * *"
	CleanupExecutionsJobName = "scheduler.cleanup-executions"
	SweepLocksJobName        = "scheduler.sweep-locks"
)

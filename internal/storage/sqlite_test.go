package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/jobscheduler/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "jobs.db"), time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func ptr[T any](v T) *T { return &v }

func newJob(name string, next time.Time) *model.ScheduledJob {
	return &model.ScheduledJob{
		JobName:        name,
		CronExpression: "0 2 * * *",
		Timezone:       "UTC",
		HandlerService: "reports",
		HandlerMethod:  "nightly",
		Config:         map[string]any{"timeoutMs": 1000},
		IsActive:       true,
		Priority:       5,
		Tags:           []string{"maintenance"},
		MaxRetries:     3,
		RetryDelayMs:   100,
		NextRunAt:      ptr(next),
	}
}

func TestUpsertJob(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	next := time.Date(2024, 6, 9, 2, 0, 0, 0, time.UTC)

	job, err := store.UpsertJob(ctx, newJob("nightly-cleanup", next))
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	assert.Equal(t, "nightly-cleanup", job.JobName)
	assert.Equal(t, next, *job.NextRunAt)
	assert.Equal(t, []string{"maintenance"}, job.Tags)
	assert.EqualValues(t, 1000, job.Config["timeoutMs"])
	assert.True(t, job.IsActive)

	// bump counters as an execution would
	require.NoError(t, store.UpdateJobStats(ctx, model.StatsUpdate{
		JobID:      job.ID,
		Status:     model.ExecutionStatusSuccess,
		RanAt:      next,
		DurationMs: 12,
		NextRunAt:  next.Add(24 * time.Hour),
	}))

	t.Run("Same definition keeps counters and schedule", func(t *testing.T) {
		again, err := store.UpsertJob(ctx, newJob("nightly-cleanup", time.Now()))
		require.NoError(t, err)
		assert.Equal(t, job.ID, again.ID)
		assert.EqualValues(t, 1, again.TotalRuns)
		assert.EqualValues(t, 1, again.SuccessfulRuns)
		assert.Equal(t, next.Add(24*time.Hour), *again.NextRunAt)
	})

	t.Run("Changed cron resets schedule", func(t *testing.T) {
		def := newJob("nightly-cleanup", next.Add(time.Hour))
		def.CronExpression = "0 3 * * *"
		def.HandlerMethod = "nightlyV2"
		again, err := store.UpsertJob(ctx, def)
		require.NoError(t, err)
		assert.Equal(t, "0 3 * * *", again.CronExpression)
		assert.Equal(t, "nightlyV2", again.HandlerMethod)
		assert.Equal(t, next.Add(time.Hour), *again.NextRunAt)
		assert.EqualValues(t, 1, again.TotalRuns)
	})

	t.Run("Paused job stays paused", func(t *testing.T) {
		require.NoError(t, store.SetActive(ctx, "nightly-cleanup", false, nil))
		again, err := store.UpsertJob(ctx, newJob("nightly-cleanup", next))
		require.NoError(t, err)
		assert.False(t, again.IsActive)
	})
}

func TestGetJobMissing(t *testing.T) {
	store := newTestStore(t)
	job, err := store.GetJob(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, job)

	job, err = store.GetJobByID(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestGetDueJobs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Date(2024, 6, 8, 12, 0, 0, 0, time.UTC)

	past := newJob("past", now.Add(-10*time.Minute))
	dueNow := newJob("now", now)
	future := newJob("future", now.Add(10*time.Minute))
	urgent := newJob("urgent", now.Add(-time.Minute))
	urgent.Priority = 1
	paused := newJob("paused", now.Add(-5*time.Minute))

	for _, j := range []*model.ScheduledJob{past, dueNow, future, urgent, paused} {
		_, err := store.UpsertJob(ctx, j)
		require.NoError(t, err)
	}
	require.NoError(t, store.SetActive(ctx, "paused", false, nil))

	due, err := store.GetDueJobs(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, "urgent", due[0].JobName)
	assert.Equal(t, "past", due[1].JobName)
	assert.Equal(t, "now", due[2].JobName)

	limited, err := store.GetDueJobs(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "urgent", limited[0].JobName)
}

func TestListJobs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	a := newJob("a", time.Now())
	b := newJob("b", time.Now())
	b.Tags = []string{"billing"}
	for _, j := range []*model.ScheduledJob{a, b} {
		_, err := store.UpsertJob(ctx, j)
		require.NoError(t, err)
	}
	require.NoError(t, store.SetActive(ctx, "a", false, nil))

	all, err := store.ListJobs(ctx, model.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := store.ListJobs(ctx, model.JobFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "b", active[0].JobName)

	tagged, err := store.ListJobs(ctx, model.JobFilter{Tags: []string{"MAINTENANCE"}})
	require.NoError(t, err)
	require.Len(t, tagged, 1)
	assert.Equal(t, "a", tagged[0].JobName)
}

func TestUpdateAndDeleteJob(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	job, err := store.UpsertJob(ctx, newJob("report", time.Now()))
	require.NoError(t, err)

	updated, err := store.UpdateJob(ctx, "report", model.JobUpdate{
		Priority:   ptr(2),
		MaxRetries: ptr(0),
		Tags:       []string{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Priority)
	assert.Equal(t, 0, updated.MaxRetries)
	assert.Equal(t, []string{"a", "b"}, updated.Tags)
	assert.Equal(t, job.CronExpression, updated.CronExpression)

	_, err = store.UpdateJob(ctx, "missing", model.JobUpdate{Priority: ptr(1)})
	require.ErrorIs(t, err, ErrJobNotFound)

	_, err = store.RecordExecutionStart(ctx, &model.JobExecution{
		JobID: job.ID, JobName: job.JobName, TriggeredBy: model.TriggerManual, HostIdentity: "h",
	})
	require.NoError(t, err)

	require.NoError(t, store.DeleteJob(ctx, "report"))
	gone, err := store.GetJob(ctx, "report")
	require.NoError(t, err)
	assert.Nil(t, gone)

	recent, err := store.ListRecentExecutions(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, recent)

	require.ErrorIs(t, store.DeleteJob(ctx, "report"), ErrJobNotFound)
}

func TestExecutionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	job, err := store.UpsertJob(ctx, newJob("report", time.Now()))
	require.NoError(t, err)

	start := time.Now().Add(-time.Second)
	id, err := store.RecordExecutionStart(ctx, &model.JobExecution{
		JobID:           job.ID,
		JobName:         job.JobName,
		StartedAt:       start,
		TriggeredBy:     model.TriggerManual,
		TriggeredByUser: "alice",
		HostIdentity:    "host-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	running, err := store.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusRunning, running.Status)
	assert.Equal(t, "alice", running.TriggeredByUser)
	assert.Nil(t, running.CompletedAt)

	end := model.ExecutionEnd{
		ID:          id,
		Status:      model.ExecutionStatusSuccess,
		Result:      map[string]any{"sent": float64(3)},
		CompletedAt: time.Now(),
		DurationMs:  1000,
	}
	require.NoError(t, store.RecordExecutionEnd(ctx, end))

	done, err := store.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusSuccess, done.Status)
	assert.Equal(t, map[string]any{"sent": float64(3)}, done.Result)
	require.NotNil(t, done.DurationMs)
	assert.EqualValues(t, 1000, *done.DurationMs)

	t.Run("Terminal state is written once", func(t *testing.T) {
		end.Status = model.ExecutionStatusFailed
		err := store.RecordExecutionEnd(ctx, end)
		require.ErrorIs(t, err, ErrExecutionNotRunning)

		again, err := store.GetExecution(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.ExecutionStatusSuccess, again.Status)
	})

	t.Run("History", func(t *testing.T) {
		history, err := store.GetJobHistory(ctx, "report", 10)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, id, history[0].ID)
	})
}

func TestUpdateJobStats(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	job, err := store.UpsertJob(ctx, newJob("report", time.Now()))
	require.NoError(t, err)
	ran := time.Date(2024, 6, 8, 2, 0, 0, 0, time.UTC)

	require.NoError(t, store.ScheduleRetry(ctx, job.ID, 1, ran.Add(time.Minute)))
	require.NoError(t, store.UpdateJobStats(ctx, model.StatsUpdate{
		JobID: job.ID, Status: model.ExecutionStatusFailed, RanAt: ran, DurationMs: 5,
		NextRunAt: ran.Add(24 * time.Hour), ErrorMessage: "boom",
	}))
	require.NoError(t, store.UpdateJobStats(ctx, model.StatsUpdate{
		JobID: job.ID, Status: model.ExecutionStatusTimeout, RanAt: ran, DurationMs: 5,
		NextRunAt: ran.Add(24 * time.Hour), ErrorMessage: "timed out",
	}))

	got, err := store.GetJob(ctx, "report")
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.TotalRuns)
	assert.EqualValues(t, 2, got.FailedRuns)
	assert.EqualValues(t, 0, got.SuccessfulRuns)
	assert.Equal(t, "timed out", got.LastError)
	assert.Equal(t, model.ExecutionStatusTimeout, got.LastRunStatus)
	assert.Equal(t, 1, got.CurrentRetryCount)
	require.NotNil(t, got.RetryAt)

	require.NoError(t, store.UpdateJobStats(ctx, model.StatsUpdate{
		JobID: job.ID, Status: model.ExecutionStatusSuccess, RanAt: ran, DurationMs: 7,
		NextRunAt: ran.Add(24 * time.Hour),
	}))
	got, err = store.GetJob(ctx, "report")
	require.NoError(t, err)
	assert.EqualValues(t, 3, got.TotalRuns)
	assert.EqualValues(t, 1, got.SuccessfulRuns)
	assert.Equal(t, 0, got.CurrentRetryCount)
	assert.Nil(t, got.RetryAt)
	assert.Empty(t, got.LastError)
	assert.Equal(t, ran.Add(24*time.Hour), *got.NextRunAt)
}

func TestUpdateJobStats_KeepsNextRunOfChangedSchedule(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	job, err := store.UpsertJob(ctx, newJob("report", time.Now()))
	require.NoError(t, err)
	ran := time.Date(2024, 6, 8, 2, 0, 0, 0, time.UTC)

	require.NoError(t, store.UpdateJobStats(ctx, model.StatsUpdate{
		JobID: job.ID, Status: model.ExecutionStatusSuccess, RanAt: ran, DurationMs: 5,
		NextRunAt: ran.Add(24 * time.Hour), CronExpression: "0 2 * * *", Timezone: "UTC",
	}))
	got, err := store.GetJob(ctx, "report")
	require.NoError(t, err)
	assert.Equal(t, ran.Add(24*time.Hour), *got.NextRunAt)

	// rescheduled while an attempt evaluated against the old expression
	yearly := "0 0 1 1 *"
	rescheduled := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = store.UpdateJob(ctx, "report", model.JobUpdate{CronExpression: &yearly, NextRunAt: &rescheduled})
	require.NoError(t, err)

	require.NoError(t, store.UpdateJobStats(ctx, model.StatsUpdate{
		JobID: job.ID, Status: model.ExecutionStatusFailed, RanAt: ran, DurationMs: 5,
		NextRunAt: ran.Add(24 * time.Hour), ErrorMessage: "boom",
		CronExpression: "0 2 * * *", Timezone: "UTC",
	}))
	got, err = store.GetJob(ctx, "report")
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.TotalRuns)
	assert.Equal(t, "boom", got.LastError)
	assert.Equal(t, rescheduled, *got.NextRunAt)

	tz := "Europe/Berlin"
	_, err = store.UpdateJob(ctx, "report", model.JobUpdate{Timezone: &tz, NextRunAt: &rescheduled})
	require.NoError(t, err)
	require.NoError(t, store.UpdateJobStats(ctx, model.StatsUpdate{
		JobID: job.ID, Status: model.ExecutionStatusSuccess, RanAt: ran, DurationMs: 5,
		NextRunAt: ran.Add(24 * time.Hour), CronExpression: yearly, Timezone: "UTC",
	}))
	got, err = store.GetJob(ctx, "report")
	require.NoError(t, err)
	assert.Equal(t, rescheduled, *got.NextRunAt)
}

func TestClaimRetry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	job, err := store.UpsertJob(ctx, newJob("report", time.Now().Add(time.Hour)))
	require.NoError(t, err)
	now := time.Now()

	require.NoError(t, store.ScheduleRetry(ctx, job.ID, 2, now.Add(-time.Second)))

	due, err := store.GetDueRetries(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	ok, err := store.ClaimRetry(ctx, job.ID, 1, now)
	require.NoError(t, err)
	assert.False(t, ok, "wrong retry number")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.ClaimRetry(ctx, job.ID, 2, now)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	due, err = store.GetDueRetries(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	t.Run("Pause drops pending retry", func(t *testing.T) {
		require.NoError(t, store.ScheduleRetry(ctx, job.ID, 3, now))
		require.NoError(t, store.SetActive(ctx, "report", false, nil))
		ok, err := store.ClaimRetry(ctx, job.ID, 3, now)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCancelAbandonedExecutions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	crashed, err := store.UpsertJob(ctx, newJob("crashed", time.Now()))
	require.NoError(t, err)
	alive, err := store.UpsertJob(ctx, newJob("alive", time.Now()))
	require.NoError(t, err)

	now := time.Now()
	start := func(job *model.ScheduledJob, at time.Time) string {
		id, err := store.RecordExecutionStart(ctx, &model.JobExecution{
			JobID: job.ID, JobName: job.JobName, StartedAt: at,
			TriggeredBy: model.TriggerScheduler, HostIdentity: "host-1",
		})
		require.NoError(t, err)
		return id
	}
	orphan := start(crashed, now.Add(-time.Hour))
	fresh := start(crashed, now.Add(-time.Second))
	held := start(alive, now.Add(-time.Hour))

	// the crashed holder's lease ran out, the live one is still held
	ok, err := store.AcquireLock(ctx, "crashed", "host-1", now.Add(-time.Hour), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.AcquireLock(ctx, "alive", "host-2", now, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	cancelled, err := store.CancelAbandonedExecutions(ctx, now, now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, cancelled)

	exec, err := store.GetExecution(ctx, orphan)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCancelled, exec.Status)
	assert.Equal(t, MessageAbandoned, exec.ErrorMessage)
	require.NotNil(t, exec.CompletedAt)
	require.NotNil(t, exec.DurationMs)
	assert.InDelta(t, time.Hour.Milliseconds(), *exec.DurationMs, 1000)

	for _, id := range []string{fresh, held} {
		exec, err := store.GetExecution(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.ExecutionStatusRunning, exec.Status, id)
	}

	running, err := store.CountExecutions(ctx, model.ExecutionStatusRunning, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, running)

	// counters are untouched
	job, err := store.GetJob(ctx, "crashed")
	require.NoError(t, err)
	assert.Zero(t, job.TotalRuns)
}

func TestLocks(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")
	storeA, err := Open(path, time.Second, zap.NewNop())
	require.NoError(t, err)
	defer storeA.Close()
	storeB, err := Open(path, time.Second, zap.NewNop())
	require.NoError(t, err)
	defer storeB.Close()

	_, err = storeA.UpsertJob(ctx, newJob("report", time.Now()))
	require.NoError(t, err)
	now := time.Now()

	t.Run("Mutual exclusion across processes", func(t *testing.T) {
		results := make(chan bool, 2)
		var wg sync.WaitGroup
		for _, c := range []struct {
			store *SQLiteStore
			id    string
		}{{storeA, "A"}, {storeB, "B"}} {
			wg.Add(1)
			go func(s *SQLiteStore, id string) {
				defer wg.Done()
				ok, err := s.AcquireLock(ctx, "report", id, now, time.Second)
				assert.NoError(t, err)
				results <- ok
			}(c.store, c.id)
		}
		wg.Wait()
		close(results)

		wins := 0
		for ok := range results {
			if ok {
				wins++
			}
		}
		assert.Equal(t, 1, wins)
	})

	job, err := storeA.GetJob(ctx, "report")
	require.NoError(t, err)
	holder := job.LockedBy
	other := "A"
	if holder == "A" {
		other = "B"
	}

	t.Run("Re-entrant for holder", func(t *testing.T) {
		ok, err := storeA.AcquireLock(ctx, "report", holder, now, time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Only holder may extend or release", func(t *testing.T) {
		ok, err := storeA.ExtendLock(ctx, "report", other, now, time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = storeA.ReleaseLock(ctx, "report", other)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = storeA.ExtendLock(ctx, "report", holder, now, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = storeA.ReleaseLock(ctx, "report", holder)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Expired lease is free", func(t *testing.T) {
		ok, err := storeA.AcquireLock(ctx, "report", "A", now, 100*time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = storeB.AcquireLock(ctx, "report", "B", now.Add(200*time.Millisecond), time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Sweep", func(t *testing.T) {
		cleared, err := storeA.SweepExpiredLocks(ctx, now.Add(time.Hour))
		require.NoError(t, err)
		assert.EqualValues(t, 1, cleared)

		job, err := storeA.GetJob(ctx, "report")
		require.NoError(t, err)
		assert.Empty(t, job.LockedBy)
		assert.Nil(t, job.LockExpiresAt)
	})
}

func TestStatisticsAndRetention(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	job, err := store.UpsertJob(ctx, newJob("report", time.Now()))
	require.NoError(t, err)

	now := time.Now()
	record := func(status model.ExecutionStatus, startedAt time.Time, durationMs int64) {
		id, err := store.RecordExecutionStart(ctx, &model.JobExecution{
			JobID: job.ID, JobName: job.JobName, StartedAt: startedAt,
			TriggeredBy: model.TriggerScheduler, HostIdentity: "h",
		})
		require.NoError(t, err)
		if status == model.ExecutionStatusRunning {
			return
		}
		require.NoError(t, store.RecordExecutionEnd(ctx, model.ExecutionEnd{
			ID: id, Status: status, CompletedAt: startedAt.Add(time.Duration(durationMs) * time.Millisecond),
			DurationMs: durationMs,
		}))
	}

	record(model.ExecutionStatusSuccess, now.Add(-time.Hour), 100)
	record(model.ExecutionStatusSuccess, now.Add(-50*time.Minute), 300)
	record(model.ExecutionStatusFailed, now.Add(-40*time.Minute), 200)
	record(model.ExecutionStatusTimeout, now.Add(-30*time.Minute), 1000)
	record(model.ExecutionStatusCancelled, now.Add(-20*time.Minute), 0)
	record(model.ExecutionStatusRunning, now.Add(-10*time.Minute), 0)
	record(model.ExecutionStatusFailed, now.Add(-48*time.Hour), 10)

	stats, err := store.GetStatistics(ctx, job.ID, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, stats, 1)
	st := stats[0]
	assert.Equal(t, "report", st.JobName)
	assert.EqualValues(t, 6, st.TotalExecutions)
	assert.EqualValues(t, 2, st.Successful)
	assert.EqualValues(t, 1, st.Failed)
	assert.EqualValues(t, 1, st.Timeouts)
	assert.EqualValues(t, 1, st.Cancelled)
	assert.EqualValues(t, 0, st.MinDurationMs)
	assert.EqualValues(t, 1000, st.MaxDurationMs)
	assert.InDelta(t, 320.0, st.AvgDurationMs, 0.001)
	assert.InDelta(t, 33.333, st.SuccessRate, 0.01)

	running, err := store.CountExecutions(ctx, model.ExecutionStatusRunning, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, running)

	failed, err := store.CountExecutions(ctx, model.ExecutionStatusFailed, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, failed)

	deleted, err := store.DeleteExecutionsBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	all, err := store.GetStatistics(ctx, "", time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.EqualValues(t, 6, all[0].TotalExecutions)
}

func TestStoreErrorsAreWrapped(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS scheduled_jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewSQLiteStore(db, zap.NewNop())
	require.NoError(t, err)

	unavailable := errors.New("database is locked")

	mock.ExpectExec("UPDATE scheduled_jobs SET locked_by").WillReturnError(unavailable)
	ok, err := store.AcquireLock(context.Background(), "report", "A", time.Now(), time.Minute)
	require.ErrorIs(t, err, unavailable)
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "failed to acquire lock on report")

	mock.ExpectQuery("SELECT (.+) FROM scheduled_jobs").WillReturnError(unavailable)
	_, err = store.GetDueJobs(context.Background(), time.Now(), 10)
	require.ErrorIs(t, err, unavailable)

	mock.ExpectExec("UPDATE job_executions SET").WillReturnResult(sqlmock.NewResult(0, 0))
	err = store.RecordExecutionEnd(context.Background(), model.ExecutionEnd{
		ID: "x", Status: model.ExecutionStatusFailed, CompletedAt: time.Now(),
	})
	require.ErrorIs(t, err, ErrExecutionNotRunning)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInitializeFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("disk I/O error"))
	_, err = NewSQLiteStore(db, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize database")
}

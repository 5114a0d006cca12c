package scheduler

// ============================================================================
// Job Scheduler Test File
// Purpose: Verify admission rules, delays, cancellation, foreground window
//          and network lock grace handling
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/twinlife/internal/worker"
	"github.com/ChuLiYu/twinlife/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *testclock.Clock, *worker.Pool) {
	t.Helper()

	clk := testclock.NewClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	pool := worker.NewPool("scheduler-test", 64)
	require.NoError(t, pool.Start(1))
	t.Cleanup(pool.Stop)

	cfg.Clock = clk
	cfg.Executor = pool
	s := New(cfg)
	t.Cleanup(s.Stop)
	return s, clk, pool
}

func counting(n *atomic.Int64) Work {
	return func(context.Context) error {
		n.Add(1)
		return nil
	}
}

func eventually(t *testing.T, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond, msgAndArgs...)
}

// never waits briefly and asserts the condition stayed false.
func never(t *testing.T, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	assert.Never(t, cond, 30*time.Millisecond, 2*time.Millisecond, msgAndArgs...)
}

// ============================================================================
// Admission
// ============================================================================

func TestAdmissionTable(t *testing.T) {
	type state struct{ online, foreground, fgs bool }
	want := map[types.Priority]func(state) bool{
		types.PriorityConnect:    func(state) bool { return true },
		types.PriorityForeground: func(s state) bool { return s.foreground || s.fgs },
		types.PriorityUpdate:     func(s state) bool { return s.online && s.foreground },
		types.PriorityMessage:    func(s state) bool { return s.online },
		types.PriorityReport:     func(s state) bool { return s.online && (s.foreground || s.fgs) },
	}

	s := New(Config{Executor: worker.NewPool("unused", 1)})
	for mask := 0; mask < 8; mask++ {
		st := state{online: mask&1 != 0, foreground: mask&2 != 0, fgs: mask&4 != 0}
		s.online, s.foreground, s.fgsRunning = st.online, st.foreground, st.fgs

		for _, p := range types.Priorities() {
			t.Run(fmt.Sprintf("%s/%+v", p, st), func(t *testing.T) {
				assert.Equal(t, want[p](st), s.admittedLocked(p))
			})
		}
	}
}

// UPDATE runs only while online and foreground; leaving the foreground
// cancels the pending schedule without running the job.
func TestUpdateJobFollowsForeground(t *testing.T) {
	s, clk, _ := newTestScheduler(t, Config{})
	var ran atomic.Int64

	s.OnOnline()
	job := s.ScheduleIn("sync", counting(&ran), time.Minute, types.PriorityUpdate)
	assert.False(t, job.Scheduled(), "background: not admitted")

	s.SetApplicationState(types.AppForeground)
	assert.True(t, job.Scheduled())

	s.SetApplicationState(types.AppBackground)
	assert.False(t, job.Scheduled())

	clk.Advance(time.Hour)
	never(t, func() bool { return ran.Load() > 0 })
	assert.Equal(t, 1, s.Stats().Jobs[types.PriorityUpdate], "job stays listed")

	s.SetForeground(true)
	eventually(t, func() bool { return ran.Load() == 1 })
	eventually(t, job.Done)
	assert.Equal(t, 0, s.Stats().Jobs[types.PriorityUpdate])
}

func TestMessageJobWaitsForOnline(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})
	var ran atomic.Int64

	s.ScheduleJob("send", counting(&ran), types.PriorityMessage)
	never(t, func() bool { return ran.Load() > 0 })

	s.OnConnect()
	eventually(t, func() bool { return ran.Load() == 1 })
}

func TestConnectJobAlwaysRuns(t *testing.T) {
	s, clk, _ := newTestScheduler(t, Config{})
	var ran atomic.Int64

	s.ScheduleIn("connect", counting(&ran), 3*time.Second, types.PriorityConnect)
	clk.Advance(2 * time.Second)
	never(t, func() bool { return ran.Load() > 0 })

	clk.Advance(time.Second)
	eventually(t, func() bool { return ran.Load() == 1 })
}

// ============================================================================
// Priority-specific delays
// ============================================================================

func TestForegroundJobUsesFixedDelay(t *testing.T) {
	s, clk, _ := newTestScheduler(t, Config{})
	var ran atomic.Int64

	s.SetForeground(true)
	s.ScheduleIn("notify", counting(&ran), time.Hour, types.PriorityForeground)

	clk.Advance(DefaultForegroundDelay - time.Millisecond)
	never(t, func() bool { return ran.Load() > 0 })

	clk.Advance(time.Millisecond)
	eventually(t, func() bool { return ran.Load() == 1 })
}

func TestElapsedReportIsDeferred(t *testing.T) {
	s, clk, _ := newTestScheduler(t, Config{ReportDelay: 5 * time.Second})
	var ran atomic.Int64

	s.OnOnline()
	s.SetForeground(true)
	s.ScheduleJob("report", counting(&ran), types.PriorityReport)

	clk.Advance(4 * time.Second)
	never(t, func() bool { return ran.Load() > 0 })

	clk.Advance(time.Second)
	eventually(t, func() bool { return ran.Load() == 1 })
}

func TestFutureReportKeepsDeadline(t *testing.T) {
	s, clk, _ := newTestScheduler(t, Config{ReportDelay: 5 * time.Second})
	var ran atomic.Int64

	s.OnOnline()
	s.SetForeground(true)
	s.ScheduleIn("report", counting(&ran), 8*time.Second, types.PriorityReport)

	clk.Advance(5 * time.Second)
	never(t, func() bool { return ran.Load() > 0 })

	clk.Advance(3 * time.Second)
	eventually(t, func() bool { return ran.Load() == 1 })
}

// ============================================================================
// Execution
// ============================================================================

func TestJobFailuresAreIsolated(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})
	var ok atomic.Int64

	s.ScheduleJob("fails", func(context.Context) error { return errors.New("boom") }, types.PriorityConnect)
	s.ScheduleJob("panics", func(context.Context) error { panic("kaboom") }, types.PriorityConnect)
	s.ScheduleJob("works", counting(&ok), types.PriorityConnect)

	eventually(t, func() bool {
		st := s.Stats()
		return st.Completed == 1 && st.Failed == 2
	})
	assert.Equal(t, int64(1), ok.Load())
	assert.Empty(t, s.Stats().Jobs)
}

func TestJobsRunSequentially(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})

	var running, peak, done atomic.Int64
	for i := 0; i < 20; i++ {
		s.ScheduleJob(fmt.Sprintf("job-%d", i), func(context.Context) error {
			n := running.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
			done.Add(1)
			return nil
		}, types.PriorityConnect)
	}

	eventually(t, func() bool { return done.Load() == 20 })
	assert.Equal(t, int64(1), peak.Load())
}

// A job already handed to the executor but not started is still cancelled
// when it stops being admitted.
func TestQueuedJobRechecksAdmission(t *testing.T) {
	s, _, pool := newTestScheduler(t, Config{})

	release := make(chan struct{})
	started := make(chan struct{})
	s.ScheduleJob("blocker", func(context.Context) error {
		close(started)
		<-release
		return nil
	}, types.PriorityConnect)
	<-started

	var ran atomic.Int64
	s.OnOnline()
	s.SetForeground(true)
	job := s.ScheduleJob("update", counting(&ran), types.PriorityUpdate)
	eventually(t, func() bool { return pool.QueueLen() == 1 }, "update queued behind blocker")

	s.SetForeground(false)
	close(release)

	eventually(t, func() bool { return s.Stats().Completed == 1 })
	never(t, func() bool { return ran.Load() > 0 })
	assert.False(t, job.Scheduled())
	assert.False(t, job.Done())
}

func TestCancel(t *testing.T) {
	s, clk, _ := newTestScheduler(t, Config{})
	var ran atomic.Int64

	job := s.ScheduleIn("later", counting(&ran), time.Minute, types.PriorityConnect)
	require.True(t, job.Scheduled())

	job.Cancel()
	job.Cancel()
	assert.True(t, job.Done())

	clk.Advance(time.Hour)
	never(t, func() bool { return ran.Load() > 0 })
	assert.Equal(t, 1, s.Stats().Cancelled)
}

func TestCancelAfterRunIsNoop(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})
	var ran atomic.Int64

	job := s.ScheduleJob("now", counting(&ran), types.PriorityConnect)
	eventually(t, job.Done)

	job.Cancel()
	assert.Equal(t, 0, s.Stats().Cancelled)
	assert.Equal(t, int64(1), ran.Load())
}

func TestStopDropsJobs(t *testing.T) {
	s, clk, _ := newTestScheduler(t, Config{})
	var ran atomic.Int64

	job := s.ScheduleIn("later", counting(&ran), time.Second, types.PriorityConnect)
	s.Stop()
	assert.True(t, job.Done())

	late := s.ScheduleJob("late", counting(&ran), types.PriorityConnect)
	assert.True(t, late.Done())

	clk.Advance(time.Minute)
	never(t, func() bool { return ran.Load() > 0 })
}

// ============================================================================
// Foreground service and network locks
// ============================================================================

func TestForegroundServiceWindow(t *testing.T) {
	s, clk, _ := newTestScheduler(t, Config{})
	var finished atomic.Int64

	sent := clk.Now().Add(-3 * time.Second)
	s.StartForegroundService(types.MessagePriorityNormal, types.MessagePriorityHigh, sent,
		func() { finished.Add(1) }, 10*time.Second)

	st := s.Stats()
	assert.True(t, st.ForegroundServiceRunning)
	assert.Equal(t, 1, st.Downgrades)
	assert.Equal(t, 3*time.Second, st.AverageDeliveryDelay)
	assert.Equal(t, clk.Now().Add(10*time.Second), st.WindowEnd)

	clk.Advance(10 * time.Second)
	eventually(t, func() bool { return finished.Load() == 1 })
	assert.False(t, s.IsForegroundServiceRunning())
}

func TestForegroundServiceAdmitsForegroundJobs(t *testing.T) {
	s, clk, _ := newTestScheduler(t, Config{})
	var ran atomic.Int64

	job := s.ScheduleJob("push", counting(&ran), types.PriorityForeground)
	assert.False(t, job.Scheduled(), "background without window")

	s.StartForegroundService(types.MessagePriorityHigh, types.MessagePriorityHigh, time.Time{}, nil, time.Minute)
	assert.True(t, job.Scheduled())
	assert.Equal(t, 0, s.Stats().Downgrades)

	clk.Advance(DefaultForegroundDelay)
	eventually(t, func() bool { return ran.Load() == 1 })
}

func TestForegroundServiceExtendsNeverShortens(t *testing.T) {
	s, clk, _ := newTestScheduler(t, Config{})
	var finished atomic.Int64
	finish := func() { finished.Add(1) }

	s.StartForegroundService(types.MessagePriorityHigh, types.MessagePriorityHigh, time.Time{}, finish, 10*time.Second)
	clk.Advance(5 * time.Second)
	s.StartForegroundService(types.MessagePriorityHigh, types.MessagePriorityHigh, time.Time{}, finish, 10*time.Second)
	s.StartForegroundService(types.MessagePriorityHigh, types.MessagePriorityHigh, time.Time{}, nil, time.Second)

	clk.Advance(5 * time.Second)
	never(t, func() bool { return finished.Load() > 0 })
	assert.True(t, s.IsForegroundServiceRunning())

	clk.Advance(5 * time.Second)
	eventually(t, func() bool { return finished.Load() == 2 }, "every finish runs once")
	assert.Equal(t, 3, s.Stats().ForegroundServices)
}

// Two locks, two releases: the grace timer only starts after the second.
func TestDoubleNetworkLock(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})

	first := s.AllocateNetworkLock()
	second := s.AllocateNetworkLock()
	assert.Equal(t, 2, s.Stats().NetworkLocks)

	first.Release()
	st := s.Stats()
	assert.Equal(t, 1, st.NetworkLocks)
	assert.False(t, st.TeardownPending)

	first.Release()
	assert.Equal(t, 1, s.Stats().NetworkLocks, "release is idempotent")

	second.Release()
	st = s.Stats()
	assert.Equal(t, 0, st.NetworkLocks)
	assert.True(t, st.TeardownPending)
}

func TestNetworkLockHoldsWindow(t *testing.T) {
	s, clk, _ := newTestScheduler(t, Config{NetworkLockGrace: 2 * time.Second})
	var finished atomic.Int64

	s.StartForegroundService(types.MessagePriorityHigh, types.MessagePriorityHigh, time.Time{},
		func() { finished.Add(1) }, 10*time.Second)
	lock := s.AllocateNetworkLock()

	clk.Advance(10 * time.Second)
	never(t, func() bool { return finished.Load() > 0 })
	assert.True(t, s.IsForegroundServiceRunning())

	lock.Release()
	clk.Advance(time.Second)
	never(t, func() bool { return finished.Load() > 0 })

	clk.Advance(time.Second)
	eventually(t, func() bool { return finished.Load() == 1 })
	assert.False(t, s.Stats().TeardownPending)
}

func TestNewLockSupersedesGrace(t *testing.T) {
	s, clk, _ := newTestScheduler(t, Config{NetworkLockGrace: 2 * time.Second})
	var finished atomic.Int64

	s.StartForegroundService(types.MessagePriorityHigh, types.MessagePriorityHigh, time.Time{},
		func() { finished.Add(1) }, time.Second)
	lock := s.AllocateNetworkLock()
	clk.Advance(time.Second)

	lock.Release()
	again := s.AllocateNetworkLock()
	assert.False(t, s.Stats().TeardownPending)

	clk.Advance(time.Minute)
	never(t, func() bool { return finished.Load() > 0 })

	again.Release()
	clk.Advance(2 * time.Second)
	eventually(t, func() bool { return finished.Load() == 1 })
}

// ============================================================================
// Demand hooks
// ============================================================================

func TestDemandHooks(t *testing.T) {
	var active, idle atomic.Int64
	s, clk, _ := newTestScheduler(t, Config{
		NetworkLockGrace: time.Second,
		OnActive:         func() { active.Add(1) },
		OnIdle:           func() { idle.Add(1) },
	})

	s.SetForeground(true)
	eventually(t, func() bool { return active.Load() == 1 })
	s.SetForeground(true)

	s.SetForeground(false)
	eventually(t, func() bool { return idle.Load() == 1 })

	lock := s.AllocateNetworkLock()
	eventually(t, func() bool { return active.Load() == 2 })

	lock.Release()
	never(t, func() bool { return idle.Load() > 1 }, "grace period keeps demand")

	clk.Advance(time.Second)
	eventually(t, func() bool { return idle.Load() == 2 })
}

func TestDemandHookWithFullExecutorQueue(t *testing.T) {
	pool := worker.NewPool("scheduler-full", 1)
	require.NoError(t, pool.Start(1))
	t.Cleanup(pool.Stop)

	var active atomic.Int64
	s := New(Config{
		Clock:    testclock.NewClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
		Executor: pool,
		OnActive: func() { active.Add(1) },
	})
	t.Cleanup(s.Stop)

	started := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})

	// the only worker runs a task that calls back into the scheduler
	require.NoError(t, pool.Go("busy", func() {
		close(started)
		<-release
		s.ScheduleJob("follow-up", nil, types.PriorityMessage)
		close(finished)
	}))
	<-started
	require.NoError(t, pool.Go("queued", func() {}))

	changed := make(chan struct{})
	go func() {
		s.SetForeground(true)
		close(changed)
	}()

	closed := func(ch chan struct{}) func() bool {
		return func() bool {
			select {
			case <-ch:
				return true
			default:
				return false
			}
		}
	}
	never(t, closed(changed), "hook submission waits for queue space")

	close(release)
	eventually(t, closed(finished), "task calling back into the scheduler must not block")
	eventually(t, closed(changed))
	eventually(t, func() bool { return active.Load() == 1 })
	assert.True(t, s.Active())
}

func TestDemandHookReportsLatestState(t *testing.T) {
	var active, idle atomic.Int64
	s, _, pool := newTestScheduler(t, Config{
		OnActive: func() { active.Add(1) },
		OnIdle:   func() { idle.Add(1) },
	})

	// hold the executor so both changes are queued before either is delivered
	release := make(chan struct{})
	require.NoError(t, pool.Go("hold", func() { <-release }))

	s.SetForeground(true)
	s.SetForeground(false)
	close(release)

	eventually(t, func() bool { return idle.Load() == 1 })
	never(t, func() bool { return active.Load() > 0 }, "stale active notification")
}

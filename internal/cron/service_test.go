package cron

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is an injectable wall clock tests advance by hand.
type fakeClock struct {
	mu sync.Mutex
	ms int64
}

func newFakeClock(ms int64) *fakeClock {
	return &fakeClock{ms: ms}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.UnixMilli(c.ms)
}

func (c *fakeClock) Advance(deltaMs int64) {
	c.mu.Lock()
	c.ms += deltaMs
	c.mu.Unlock()
}

func newTestService(t *testing.T, deps Deps) *Service {
	t.Helper()
	if deps.StorePath == "" {
		deps.StorePath = filepath.Join(t.TempDir(), "jobs.json")
	}
	return NewService(deps)
}

func TestServiceAddComputesAndPersistsNextRun(t *testing.T) {
	clock := newFakeClock(msAt(t, "2026-02-06T10:05:00Z"))
	s := newTestService(t, Deps{Clock: clock.Now})
	require.NoError(t, s.Start())
	defer s.Stop()

	job, err := s.Add(map[string]any{
		"name":     "hourly",
		"schedule": map[string]any{"kind": "cron", "expr": "0 * * * *", "tz": "UTC"},
		"payload":  map[string]any{"kind": "systemEvent", "text": "tick"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	require.NotNil(t, job.State.NextRunAtMs)
	assert.Equal(t, msAt(t, "2026-02-06T11:00:00Z"), *job.State.NextRunAtMs)

	// The job survives a reload from disk.
	loaded, dropped, err := NewStore(s.store.Path()).Load()
	require.NoError(t, err)
	assert.Zero(t, dropped)
	require.Len(t, loaded.Jobs, 1)
	assert.Equal(t, job.ID, loaded.Jobs[0].ID)
}

func TestServiceUpdateRecomputesNextRunOnScheduleChange(t *testing.T) {
	clock := newFakeClock(msAt(t, "2026-02-06T10:05:00Z"))
	s := newTestService(t, Deps{Clock: clock.Now})
	require.NoError(t, s.Start())
	defer s.Stop()

	job, err := s.Add(map[string]any{
		"name":     "hourly",
		"schedule": map[string]any{"kind": "cron", "expr": "0 * * * *", "tz": "UTC"},
		"payload":  map[string]any{"kind": "systemEvent", "text": "tick"},
	})
	require.NoError(t, err)
	require.NotNil(t, job.State.NextRunAtMs)
	require.Equal(t, msAt(t, "2026-02-06T11:00:00Z"), *job.State.NextRunAtMs)

	updated, err := s.Update(job.ID, map[string]any{
		"schedule": map[string]any{"kind": "cron", "expr": "0 */2 * * *", "tz": "UTC"},
	})
	require.NoError(t, err)
	require.NotNil(t, updated.State.NextRunAtMs)
	assert.Equal(t, msAt(t, "2026-02-06T12:00:00Z"), *updated.State.NextRunAtMs)

	// An unrelated patch leaves the next run alone.
	renamed, err := s.Update(job.ID, map[string]any{"name": "every other hour"})
	require.NoError(t, err)
	assert.Equal(t, "every other hour", renamed.Name)
	require.NotNil(t, renamed.State.NextRunAtMs)
	assert.Equal(t, msAt(t, "2026-02-06T12:00:00Z"), *renamed.State.NextRunAtMs)
}

func TestServiceRunModes(t *testing.T) {
	clock := newFakeClock(msAt(t, "2026-02-06T10:05:00Z"))
	var enqueued []string
	s := newTestService(t, Deps{
		Clock: clock.Now,
		EnqueueSystemEvent: func(text, agentID string) error {
			enqueued = append(enqueued, text)
			return nil
		},
	})
	require.NoError(t, s.Start())
	defer s.Stop()

	job, err := s.Add(map[string]any{
		"name":     "far future",
		"enabled":  false,
		"schedule": map[string]any{"kind": "cron", "expr": "0 0 * * *", "tz": "UTC"},
		"payload":  map[string]any{"kind": "systemEvent", "text": "ping"},
	})
	require.NoError(t, err)

	t.Run("due mode refuses a disabled job", func(t *testing.T) {
		outcome, err := s.Run(job.ID, RunModeDue)
		require.NoError(t, err)
		assert.True(t, outcome.OK)
		assert.False(t, outcome.Ran)
		assert.Equal(t, ReasonDisabled, outcome.Reason)
		assert.Empty(t, enqueued)
	})

	t.Run("due mode refuses an enabled job that is not due", func(t *testing.T) {
		enabledJob, err := s.Update(job.ID, map[string]any{"enabled": true})
		require.NoError(t, err)
		require.True(t, enabledJob.Enabled)

		outcome, err := s.Run(job.ID, RunModeDue)
		require.NoError(t, err)
		assert.False(t, outcome.Ran)
		assert.Equal(t, ReasonNotDue, outcome.Reason)
		assert.Empty(t, enqueued)

		_, err = s.Update(job.ID, map[string]any{"enabled": false})
		require.NoError(t, err)
	})

	t.Run("force runs a disabled not-due job", func(t *testing.T) {
		outcome, err := s.Run(job.ID, RunModeForce)
		require.NoError(t, err)
		assert.Equal(t, RunOutcome{OK: true, Ran: true}, outcome)
		assert.Equal(t, []string{"ping"}, enqueued)
	})

	t.Run("unknown job and mode are errors", func(t *testing.T) {
		_, err := s.Run("nope", RunModeForce)
		assert.ErrorContains(t, err, "not found")
		_, err = s.Run(job.ID, "sometimes")
		assert.ErrorContains(t, err, "invalid run mode")
	})
}

func TestServiceRunYieldsToInFlightBatch(t *testing.T) {
	clock := newFakeClock(msAt(t, "2026-02-06T10:05:00Z"))
	var events []Event
	var enqueued []string
	s := newTestService(t, Deps{
		Clock:   clock.Now,
		OnEvent: func(evt Event) { events = append(events, evt) },
		EnqueueSystemEvent: func(text, agentID string) error {
			enqueued = append(enqueued, text)
			return nil
		},
	})
	require.NoError(t, s.Start())
	defer s.Stop()

	job, err := s.Add(map[string]any{
		"name":     "guarded",
		"schedule": map[string]any{"kind": "every", "everyMs": 60_000},
		"payload":  map[string]any{"kind": "systemEvent", "text": "tick"},
	})
	require.NoError(t, err)

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	outcome, err := s.Run(job.ID, RunModeForce)
	require.NoError(t, err)
	assert.True(t, outcome.OK)
	assert.False(t, outcome.Ran)
	assert.Equal(t, ReasonAlreadyRunning, outcome.Reason)
	assert.Empty(t, enqueued)

	require.Len(t, events, 1)
	assert.Equal(t, EventSkipped, events[0].Action)
	assert.Equal(t, job.ID, events[0].JobID)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func TestServiceTimerDoesNotRearmWhileRunning(t *testing.T) {
	clock := newFakeClock(msAt(t, "2026-02-06T10:05:00Z"))
	s := newTestService(t, Deps{Clock: clock.Now, Enabled: true})
	require.NoError(t, s.Start())
	defer s.Stop()

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	s.onTimer()

	s.mu.Lock()
	assert.Nil(t, s.timer)
	s.running = false
	s.mu.Unlock()
}

func TestServiceDisabledOverdueJobDoesNotSpinTimer(t *testing.T) {
	clock := newFakeClock(msAt(t, "2026-02-06T10:05:00Z"))
	s := newTestService(t, Deps{Clock: clock.Now, Enabled: true})
	require.NoError(t, s.Start())
	defer s.Stop()

	job, err := s.Add(map[string]any{
		"name":     "soon",
		"schedule": map[string]any{"kind": "every", "everyMs": 60_000},
		"payload":  map[string]any{"kind": "systemEvent", "text": "tick"},
	})
	require.NoError(t, err)

	// Disable the job and let its next-run instant fall into the past. An
	// overdue instant on a disabled job never advances, so it must not be
	// counted when re-arming or the timer degenerates into a zero-delay
	// loop.
	_, err = s.Update(job.ID, map[string]any{"enabled": false})
	require.NoError(t, err)
	clock.Advance(10 * 60_000)

	s.onTimer()

	s.mu.Lock()
	assert.Nil(t, s.timer)
	s.mu.Unlock()

	info := s.Status()
	assert.False(t, info.Running)
	assert.Nil(t, info.NextWakeAtMs)
}

func TestServiceBatchRecordsActualStartTimes(t *testing.T) {
	startMs := msAt(t, "2026-02-06T10:05:00Z")
	clock := newFakeClock(startMs)
	var events []Event
	runDurations := map[string]int64{"first": 50, "second": 20}
	s := newTestService(t, Deps{
		Clock:   clock.Now,
		OnEvent: func(evt Event) { events = append(events, evt) },
		RunIsolatedAgentJob: func(job *Job) (RunResult, error) {
			clock.Advance(runDurations[job.ID])
			return RunResult{Status: RunStatusOK, Summary: "done " + job.ID}, nil
		},
	})

	mkJob := func(id string) *Job {
		return &Job{
			ID:            id,
			Name:          id,
			Enabled:       true,
			Schedule:      Schedule{Kind: ScheduleKindAt, At: "2026-02-06T10:00:00.000Z"},
			SessionTarget: SessionTargetIsolated,
			Payload:       Payload{Kind: PayloadKindAgentTurn, Message: "go"},
			Delivery:      &Delivery{Mode: DeliveryModeNone},
			State:         JobState{NextRunAtMs: int64Ptr(startMs - 1)},
		}
	}
	s.mu.Lock()
	s.file.Jobs = []*Job{mkJob("first"), mkJob("second")}
	s.running = true
	batch := []*Job{s.file.Jobs[0], s.file.Jobs[1]}
	s.mu.Unlock()

	s.runBatch(batch)

	require.Len(t, events, 4)
	assert.Equal(t, EventStarted, events[0].Action)
	assert.Equal(t, "first", events[0].JobID)
	assert.Equal(t, startMs, events[0].RunAtMs)
	assert.Equal(t, EventFinished, events[1].Action)
	require.NotNil(t, events[1].DurationMs)
	assert.EqualValues(t, 50, *events[1].DurationMs)

	// The second job starts after the first one's elapsed time.
	assert.Equal(t, EventStarted, events[2].Action)
	assert.Equal(t, "second", events[2].JobID)
	assert.Equal(t, startMs+50, events[2].RunAtMs)
	require.NotNil(t, events[3].DurationMs)
	assert.EqualValues(t, 20, *events[3].DurationMs)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.False(t, s.running)
	// Exhausted one-shots without deleteAfterRun stay with their state filled in.
	require.Len(t, s.file.Jobs, 2)
	first := s.file.Jobs[0]
	require.NotNil(t, first.State.LastRunAtMs)
	assert.Equal(t, startMs, *first.State.LastRunAtMs)
	require.NotNil(t, first.State.LastDurationMs)
	assert.EqualValues(t, 50, *first.State.LastDurationMs)
	assert.Equal(t, RunStatusOK, first.State.LastStatus)
	assert.Nil(t, first.State.RunningAtMs)
	assert.Nil(t, first.State.NextRunAtMs)
}

func TestServiceDeletesOneShotAfterRun(t *testing.T) {
	clock := newFakeClock(msAt(t, "2026-02-06T10:05:00Z"))
	var enqueued []string
	s := newTestService(t, Deps{
		Clock: clock.Now,
		EnqueueSystemEvent: func(text, agentID string) error {
			enqueued = append(enqueued, text)
			return nil
		},
	})
	require.NoError(t, s.Start())
	defer s.Stop()

	job, err := s.Add(map[string]any{
		"name":     "one shot",
		"schedule": map[string]any{"kind": "at", "at": "2026-02-06T10:06:00Z"},
		"payload":  map[string]any{"kind": "systemEvent", "text": "boom"},
	})
	require.NoError(t, err)
	assert.True(t, job.DeleteAfterRun)

	clock.Advance(2 * 60_000)
	outcome, err := s.Run(job.ID, RunModeDue)
	require.NoError(t, err)
	assert.True(t, outcome.Ran)
	assert.Equal(t, []string{"boom"}, enqueued)

	_, err = s.Get(job.ID)
	assert.ErrorContains(t, err, "not found")

	// Gone from disk too.
	loaded, _, err := NewStore(s.store.Path()).Load()
	require.NoError(t, err)
	assert.Empty(t, loaded.Jobs)
}

func TestServiceKeepsFailedOneShot(t *testing.T) {
	clock := newFakeClock(msAt(t, "2026-02-06T10:05:00Z"))
	s := newTestService(t, Deps{
		Clock: clock.Now,
		EnqueueSystemEvent: func(text, agentID string) error {
			return errors.New("sink unavailable")
		},
	})
	require.NoError(t, s.Start())
	defer s.Stop()

	job, err := s.Add(map[string]any{
		"name":     "one shot",
		"schedule": map[string]any{"kind": "at", "at": "2026-02-06T10:06:00Z"},
		"payload":  map[string]any{"kind": "systemEvent", "text": "boom"},
	})
	require.NoError(t, err)

	clock.Advance(2 * 60_000)
	outcome, err := s.Run(job.ID, RunModeForce)
	require.NoError(t, err)
	assert.True(t, outcome.Ran)

	kept, err := s.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusError, kept.State.LastStatus)
	assert.Contains(t, kept.State.LastError, "sink unavailable")
	// A failed one-shot will not fire again on its own.
	assert.Nil(t, kept.State.NextRunAtMs)
}

func TestServiceRestartCatchUp(t *testing.T) {
	startMs := msAt(t, "2026-02-06T10:05:00Z")
	path := filepath.Join(t.TempDir(), "jobs.json")
	seed := &StoreFile{
		Version: 1,
		Jobs: []*Job{{
			ID:            "overdue",
			Name:          "overdue",
			Enabled:       true,
			Schedule:      Schedule{Kind: ScheduleKindEvery, EveryMs: 60_000, AnchorMs: int64Ptr(startMs - 10*60_000)},
			SessionTarget: SessionTargetMain,
			WakeMode:      WakeModeNextHeartbeat,
			Payload:       Payload{Kind: PayloadKindSystemEvent, Text: "missed tick"},
			State: JobState{
				NextRunAtMs: int64Ptr(startMs - 5*60_000),
				RunningAtMs: int64Ptr(startMs - 4*60_000),
			},
		}},
	}
	require.NoError(t, NewStore(path).Save(seed))

	clock := newFakeClock(startMs)
	var enqueued []string
	heartbeats := 0
	s := NewService(Deps{
		Clock:          clock.Now,
		StorePath:      path,
		Enabled:        true,
		CatchUpOnStart: true,
		EnqueueSystemEvent: func(text, agentID string) error {
			enqueued = append(enqueued, text)
			return nil
		},
		RequestHeartbeatNow: func() { heartbeats++ },
	})
	require.NoError(t, s.Start())
	defer s.Stop()

	// The overdue job ran synchronously during Start, and injecting a
	// system event always nudges the poll loop.
	assert.Equal(t, []string{"missed tick"}, enqueued)
	assert.Equal(t, 1, heartbeats)

	job, err := s.Get("overdue")
	require.NoError(t, err)
	assert.Nil(t, job.State.RunningAtMs)
	require.NotNil(t, job.State.LastRunAtMs)
	assert.Equal(t, startMs, *job.State.LastRunAtMs)
	assert.Equal(t, RunStatusOK, job.State.LastStatus)
	require.NotNil(t, job.State.NextRunAtMs)
	assert.Greater(t, *job.State.NextRunAtMs, startMs)
}

func TestServiceStartRepairsState(t *testing.T) {
	startMs := msAt(t, "2026-02-06T10:05:00Z")
	path := filepath.Join(t.TempDir(), "jobs.json")
	seed := &StoreFile{
		Version: 1,
		Jobs: []*Job{{
			ID:       "anchorless",
			Name:     "anchorless",
			Enabled:  true,
			Schedule: Schedule{Kind: ScheduleKindEvery, EveryMs: 30_000},
			Payload:  Payload{Kind: PayloadKindSystemEvent, Text: "tick"},
		}},
	}
	require.NoError(t, NewStore(path).Save(seed))

	clock := newFakeClock(startMs)
	s := NewService(Deps{Clock: clock.Now, StorePath: path})
	require.NoError(t, s.Start())
	defer s.Stop()

	job, err := s.Get("anchorless")
	require.NoError(t, err)
	require.NotNil(t, job.Schedule.AnchorMs)
	assert.Equal(t, startMs, *job.Schedule.AnchorMs)
	require.NotNil(t, job.State.NextRunAtMs)
	assert.Equal(t, startMs+30_000, *job.State.NextRunAtMs)
}

func TestServiceAnnouncesIsolatedResults(t *testing.T) {
	clock := newFakeClock(msAt(t, "2026-02-06T10:05:00Z"))

	newAnnouncer := func(result RunResult) (*Service, *[]string) {
		var enqueued []string
		s := newTestService(t, Deps{
			Clock: clock.Now,
			EnqueueSystemEvent: func(text, agentID string) error {
				enqueued = append(enqueued, text)
				return nil
			},
			RunIsolatedAgentJob: func(job *Job) (RunResult, error) {
				return result, nil
			},
		})
		require.NoError(t, s.Start())
		t.Cleanup(s.Stop)
		return s, &enqueued
	}

	t.Run("announce posts the prefixed summary", func(t *testing.T) {
		s, enqueued := newAnnouncer(RunResult{Status: RunStatusOK, Summary: "done"})
		job, err := s.Add(map[string]any{
			"name":     "digest",
			"schedule": map[string]any{"kind": "every", "everyMs": 60_000},
			"payload":  map[string]any{"kind": "agentTurn", "message": "summarize"},
		})
		require.NoError(t, err)

		outcome, err := s.Run(job.ID, RunModeForce)
		require.NoError(t, err)
		assert.True(t, outcome.Ran)
		assert.Equal(t, []string{"Cron: done"}, *enqueued)
	})

	t.Run("an empty summary announces the job name", func(t *testing.T) {
		s, enqueued := newAnnouncer(RunResult{Status: RunStatusOK})
		job, err := s.Add(map[string]any{
			"name":     "digest",
			"schedule": map[string]any{"kind": "every", "everyMs": 60_000},
			"payload":  map[string]any{"kind": "agentTurn", "message": "summarize"},
		})
		require.NoError(t, err)

		_, err = s.Run(job.ID, RunModeForce)
		require.NoError(t, err)
		assert.Equal(t, []string{"Cron: digest"}, *enqueued)
	})

	t.Run("legacy deliver=false stays quiet", func(t *testing.T) {
		s, enqueued := newAnnouncer(RunResult{Status: RunStatusOK, Summary: "done"})
		job, err := s.Add(map[string]any{
			"name":     "quiet",
			"schedule": map[string]any{"kind": "every", "everyMs": 60_000},
			"payload":  map[string]any{"kind": "agentTurn", "message": "summarize", "deliver": false},
		})
		require.NoError(t, err)

		_, err = s.Run(job.ID, RunModeForce)
		require.NoError(t, err)
		assert.Empty(t, *enqueued)
	})
}

func TestServiceAddNudgesHeartbeatForWakeNowJobs(t *testing.T) {
	clock := newFakeClock(msAt(t, "2026-02-06T10:05:00Z"))
	heartbeats := 0
	s := newTestService(t, Deps{
		Clock:               clock.Now,
		RequestHeartbeatNow: func() { heartbeats++ },
	})
	require.NoError(t, s.Start())
	defer s.Stop()

	_, err := s.Add(map[string]any{
		"name":     "wake now",
		"schedule": map[string]any{"kind": "every", "everyMs": 60_000},
		"payload":  map[string]any{"kind": "systemEvent", "text": "tick"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, heartbeats)

	_, err = s.Add(map[string]any{
		"name":     "quiet",
		"wakeMode": "next-heartbeat",
		"schedule": map[string]any{"kind": "every", "everyMs": 60_000},
		"payload":  map[string]any{"kind": "systemEvent", "text": "tick"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, heartbeats)

	// A wake-now job whose next run is hours out is not due soon; the
	// periodic liveness wake-ups cover it.
	_, err = s.Add(map[string]any{
		"name":     "far out",
		"schedule": map[string]any{"kind": "at", "at": "2026-02-06T12:05:00Z"},
		"payload":  map[string]any{"kind": "systemEvent", "text": "later"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, heartbeats)
}

func TestServiceStatus(t *testing.T) {
	clock := newFakeClock(msAt(t, "2026-02-06T10:05:00Z"))
	s := newTestService(t, Deps{Clock: clock.Now})
	require.NoError(t, s.Start())
	defer s.Stop()

	_, err := s.Add(map[string]any{
		"name":     "soon",
		"schedule": map[string]any{"kind": "every", "everyMs": 60_000},
		"payload":  map[string]any{"kind": "systemEvent", "text": "tick"},
	})
	require.NoError(t, err)
	_, err = s.Add(map[string]any{
		"name":     "disabled",
		"enabled":  false,
		"schedule": map[string]any{"kind": "every", "everyMs": 1_000},
		"payload":  map[string]any{"kind": "systemEvent", "text": "tick"},
	})
	require.NoError(t, err)

	info := s.Status()
	assert.False(t, info.Enabled)
	assert.False(t, info.Running)
	assert.Equal(t, 2, info.Jobs)
	assert.Equal(t, 1, info.EnabledJobs)
	require.NotNil(t, info.NextWakeAtMs)
	assert.Equal(t, msAt(t, "2026-02-06T10:06:00Z"), *info.NextWakeAtMs)
	assert.Equal(t, s.store.Path(), info.StorePath)
}

func TestNextTimerDelay(t *testing.T) {
	now := msAt(t, "2026-02-06T10:05:00Z")

	t.Run("no runnable jobs means no timer", func(t *testing.T) {
		_, ok := nextTimerDelayMs(nil, now, 60_000)
		assert.False(t, ok)
		_, ok = nextTimerDelayMs([]*Job{{State: JobState{}}}, now, 60_000)
		assert.False(t, ok)
	})

	t.Run("disabled jobs are invisible", func(t *testing.T) {
		overdueDisabled := &Job{State: JobState{NextRunAtMs: int64Ptr(now - 10_000)}}
		_, ok := nextTimerDelayMs([]*Job{overdueDisabled}, now, 60_000)
		assert.False(t, ok)

		enabledFuture := &Job{Enabled: true, State: JobState{NextRunAtMs: int64Ptr(now + 5_000)}}
		delay, ok := nextTimerDelayMs([]*Job{overdueDisabled, enabledFuture}, now, 60_000)
		require.True(t, ok)
		assert.EqualValues(t, 5_000, delay)
	})

	t.Run("overdue jobs clamp to zero", func(t *testing.T) {
		jobs := []*Job{{Enabled: true, State: JobState{NextRunAtMs: int64Ptr(now - 5_000)}}}
		delay, ok := nextTimerDelayMs(jobs, now, 60_000)
		require.True(t, ok)
		assert.Zero(t, delay)
	})

	t.Run("near runs use the exact delay", func(t *testing.T) {
		jobs := []*Job{
			{Enabled: true, State: JobState{NextRunAtMs: int64Ptr(now + 90_000)}},
			{Enabled: true, State: JobState{NextRunAtMs: int64Ptr(now + 1_500)}},
		}
		delay, ok := nextTimerDelayMs(jobs, now, 60_000)
		require.True(t, ok)
		assert.EqualValues(t, 1_500, delay)
	})

	t.Run("far-future runs are capped for liveness", func(t *testing.T) {
		jobs := []*Job{{Enabled: true, State: JobState{NextRunAtMs: int64Ptr(now + 24*60*60*1000)}}}
		delay, ok := nextTimerDelayMs(jobs, now, 60_000)
		require.True(t, ok)
		assert.EqualValues(t, 60_000, delay)
	})
}

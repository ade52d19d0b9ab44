package cron

import (
	"sort"
	"time"

	"github.com/aatumaykin/cronhost/internal/logger"
)

// onTimer is the single entry point of the scheduler loop: scan for due
// jobs, execute them under the global guard, persist, re-arm.
func (s *Service) onTimer() {
	s.mu.Lock()
	if s.running {
		// The in-flight batch re-arms when it finishes; re-arming here
		// would stack zero-delay timers behind a long-running job.
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.mu.Unlock()
		return
	}

	now := s.nowMs()
	due := make([]*Job, 0)
	for _, job := range s.file.Jobs {
		if job.Enabled && job.State.NextRunAtMs != nil && *job.State.NextRunAtMs <= now {
			due = append(due, job)
		}
	}
	if len(due) == 0 {
		s.armLocked(now)
		s.mu.Unlock()
		return
	}
	sort.SliceStable(due, func(i, j int) bool {
		return *due[i].State.NextRunAtMs < *due[j].State.NextRunAtMs
	})
	s.running = true
	s.mu.Unlock()

	s.runBatch(due)
}

// runBatch executes jobs sequentially. The caller must have set the running
// guard; runBatch clears it, persists once, and re-arms when done. Each
// job's recorded start time is the actual wall-clock instant the engine
// reaches it, so the second job in a batch starts after the first one's
// elapsed time.
func (s *Service) runBatch(jobs []*Job) {
	for _, queued := range jobs {
		s.mu.Lock()
		idx := s.indexOfLocked(queued.ID)
		if idx < 0 {
			s.mu.Unlock()
			continue
		}
		live := s.file.Jobs[idx]
		startedMs := s.nowMs()
		live.State.RunningAtMs = int64Ptr(startedMs)
		snapshot := live.Clone()
		s.mu.Unlock()

		s.emitEvent(Event{
			Action:  EventStarted,
			JobID:   snapshot.ID,
			JobName: snapshot.Name,
			RunAtMs: startedMs,
		})

		result := s.executeJob(snapshot)

		endMs := s.nowMs()
		durationMs := endMs - startedMs

		s.mu.Lock()
		idx = s.indexOfLocked(queued.ID)
		if idx >= 0 {
			live = s.file.Jobs[idx]
			live.State.RunningAtMs = nil
			live.State.LastRunAtMs = int64Ptr(startedMs)
			live.State.LastDurationMs = int64Ptr(durationMs)
			live.State.LastStatus = result.Status
			live.State.LastError = result.Error

			if live.IsOneShot() && live.DeleteAfterRun && result.Status != RunStatusError {
				s.file.Jobs = append(s.file.Jobs[:idx], s.file.Jobs[idx+1:]...)
				s.deps.Log.Info("cron: one-shot job removed after run",
					logger.Field{Key: "jobId", Value: live.ID})
			} else {
				live.State.NextRunAtMs = nextRunAfterMs(&live.Schedule, endMs)
			}
		}
		s.mu.Unlock()

		s.deps.Metrics.ObserveRun(result.Status, durationMs)
		if result.Status == RunStatusError {
			s.deps.Log.Warn("cron: job run failed",
				logger.Field{Key: "jobId", Value: snapshot.ID},
				logger.Field{Key: "error", Value: result.Error})
		}
		s.emitEvent(Event{
			Action:     EventFinished,
			JobID:      snapshot.ID,
			JobName:    snapshot.Name,
			RunAtMs:    startedMs,
			Status:     result.Status,
			DurationMs: int64Ptr(durationMs),
			Error:      result.Error,
			Summary:    result.Summary,
		})
	}

	s.mu.Lock()
	s.persistLocked()
	s.running = false
	s.armLocked(s.nowMs())
	s.mu.Unlock()
}

// armLocked schedules the next timer fire. The delay to the soonest
// upcoming run is capped so far-future schedules still produce periodic
// liveness wake-ups. The caller holds the lock.
func (s *Service) armLocked(nowMs int64) {
	if !s.deps.Enabled || !s.started {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	delayMs, ok := nextTimerDelayMs(s.file.Jobs, nowMs, s.deps.MaxTimerDelayMs)
	if !ok {
		return
	}
	s.timer = time.AfterFunc(time.Duration(delayMs)*time.Millisecond, s.onTimer)
	s.deps.Metrics.IncTimerRearmed()
}

// nextTimerDelayMs computes the delay until the soonest upcoming run,
// clamped to [0, maxDelayMs]. It reports false when no job will ever fire.
// Disabled jobs are invisible here: the due scan skips them, so an overdue
// instant on a disabled job never advances and counting it would pin the
// timer at zero delay.
func nextTimerDelayMs(jobs []*Job, nowMs, maxDelayMs int64) (int64, bool) {
	var soonest *int64
	for _, job := range jobs {
		if !job.Enabled || job.State.NextRunAtMs == nil {
			continue
		}
		if soonest == nil || *job.State.NextRunAtMs < *soonest {
			soonest = job.State.NextRunAtMs
		}
	}
	if soonest == nil {
		return 0, false
	}
	delayMs := *soonest - nowMs
	if delayMs < 0 {
		delayMs = 0
	}
	if delayMs > maxDelayMs {
		delayMs = maxDelayMs
	}
	return delayMs, true
}

package cron

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aatumaykin/cronhost/internal/constants"
	"github.com/aatumaykin/cronhost/internal/logger"
)

// RunResult is the terminal result of one isolated agent run.
type RunResult struct {
	Status  RunStatus `json:"status"`
	Summary string    `json:"summary,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// RunOutcome is the result of a manual run request. A forced run colliding
// with an in-flight batch is not an error; it reports ran=false with a
// reason instead.
type RunOutcome struct {
	OK     bool   `json:"ok"`
	Ran    bool   `json:"ran"`
	Reason string `json:"reason,omitempty"`
}

// Run reasons.
const (
	ReasonAlreadyRunning = "already-running"
	ReasonNotDue         = "not-due"
	ReasonDisabled       = "disabled"
)

// Run modes.
const (
	RunModeForce = "force"
	RunModeDue   = "due"
)

// StatusInfo is the aggregate scheduler state exposed to the host.
type StatusInfo struct {
	Enabled      bool   `json:"enabled"`
	Running      bool   `json:"running"`
	Jobs         int    `json:"jobs"`
	EnabledJobs  int    `json:"enabledJobs"`
	NextWakeAtMs *int64 `json:"nextWakeAtMs,omitempty"`
	StorePath    string `json:"storePath"`
}

// Deps wires the scheduler to its host. The execution callbacks are the
// engine's only suspension points; while one is pending the global guard is
// held and no other batch may start.
type Deps struct {
	Log       *logger.Logger
	StorePath string
	// Enabled gates all timer-driven activity. Mutating operations still
	// work when false so jobs can be staged before the scheduler starts.
	Enabled bool
	// Clock is injectable for tests; defaults to time.Now.
	Clock func() time.Time
	// MaxTimerDelayMs caps the re-arm delay so far-future schedules still
	// produce periodic liveness wake-ups. Defaults to 60 seconds.
	MaxTimerDelayMs int64
	// DefaultAgentID tags system events for jobs without an agent id.
	DefaultAgentID string
	// CatchUpOnStart executes overdue jobs synchronously during Start.
	CatchUpOnStart bool

	EnqueueSystemEvent  func(text, agentID string) error
	RequestHeartbeatNow func()
	RunIsolatedAgentJob func(job *Job) (RunResult, error)
	OnEvent             func(Event)
	Metrics             *Metrics
}

// Service is the scheduling engine: it owns the in-memory store mirror, the
// single timer, and the global single-flight guard.
type Service struct {
	deps  Deps
	store *Store

	mu      sync.Mutex
	file    *StoreFile
	timer   *time.Timer
	running bool
	started bool
}

func NewService(deps Deps) *Service {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Log == nil {
		deps.Log = logger.Discard()
	}
	if deps.MaxTimerDelayMs <= 0 {
		deps.MaxTimerDelayMs = constants.CronMaxTimerDelayMs
	}
	return &Service{
		deps:  deps,
		store: NewStore(deps.StorePath),
		file:  &StoreFile{Version: constants.CronStoreVersion},
	}
}

func (s *Service) nowMs() int64 {
	return s.deps.Clock().UnixMilli()
}

// Start loads and migrates the persisted store, repairs runtime state left
// behind by a previous process, and begins scheduling. Overdue jobs are
// executed before Start returns when catch-up is enabled.
func (s *Service) Start() error {
	file, dropped, err := s.store.Load()
	if err != nil {
		return fmt.Errorf("load job store: %w", err)
	}
	if dropped > 0 {
		s.deps.Log.Warn("cron: dropped unmigratable job records",
			logger.Field{Key: "count", Value: dropped})
	}

	s.mu.Lock()
	s.file = file
	now := s.nowMs()
	for _, job := range file.Jobs {
		if job.State.RunningAtMs != nil {
			s.deps.Log.Warn("cron: clearing stale running marker on startup",
				logger.Field{Key: "jobId", Value: job.ID})
			job.State.RunningAtMs = nil
		}
		if job.Schedule.Kind == ScheduleKindEvery && job.Schedule.AnchorMs == nil {
			job.Schedule.AnchorMs = int64Ptr(now)
		}
		if job.State.NextRunAtMs == nil {
			job.State.NextRunAtMs = computeNextRunAtMs(&job.Schedule, now)
		}
	}
	s.persistLocked()
	s.started = true
	s.mu.Unlock()

	s.deps.Log.Info("cron: scheduler started",
		logger.Field{Key: "jobs", Value: len(file.Jobs)},
		logger.Field{Key: "store", Value: s.store.Path()})

	if s.deps.Enabled {
		if s.deps.CatchUpOnStart {
			s.onTimer()
		} else {
			s.mu.Lock()
			s.armLocked(s.nowMs())
			s.mu.Unlock()
		}
	}
	return nil
}

// Stop cancels the pending timer. An in-flight batch finishes on its own.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.started = false
}

// Add normalizes, validates, and persists a new job, computing its first
// run time synchronously.
func (s *Service) Add(raw any) (*Job, error) {
	rec, ok := NormalizeJobInput(raw, true)
	if !ok {
		return nil, errNotARecord
	}
	job, err := decodeJobRecord(rec)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	now := s.nowMs()
	if err := validateJob(job, now); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.CreatedAtMs = now
	job.UpdatedAtMs = now
	if job.Schedule.Kind == ScheduleKindEvery && job.Schedule.AnchorMs == nil {
		job.Schedule.AnchorMs = int64Ptr(now)
	}
	job.State = JobState{NextRunAtMs: computeNextRunAtMs(&job.Schedule, now)}

	s.file.Jobs = append(s.file.Jobs, job)
	s.persistLocked()
	s.armLocked(now)
	clone := job.Clone()
	s.mu.Unlock()

	s.deps.Log.Info("cron: job added",
		logger.Field{Key: "jobId", Value: job.ID},
		logger.Field{Key: "schedule", Value: job.Schedule.Summary()})
	s.nudgeHeartbeat(clone)
	return clone, nil
}

// Update applies a normalized patch to an existing job. A schedule change
// recomputes the next run time in the same call, so the returned job is
// never stale.
func (s *Service) Update(id string, raw any) (*Job, error) {
	rec, ok := NormalizeJobInput(raw, false)
	if !ok {
		return nil, errNotARecord
	}

	s.mu.Lock()
	idx := s.indexOfLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("job %s not found", id)
	}
	current := s.file.Jobs[idx]

	patched, err := applyJobPatch(current, rec)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	now := s.nowMs()
	patched.ID = current.ID
	patched.CreatedAtMs = current.CreatedAtMs
	patched.UpdatedAtMs = now
	if err := validateJob(patched, now); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	if !patched.Schedule.Equal(&current.Schedule) {
		if patched.Schedule.Kind == ScheduleKindEvery && patched.Schedule.AnchorMs == nil {
			patched.Schedule.AnchorMs = int64Ptr(now)
		}
		patched.State.NextRunAtMs = computeNextRunAtMs(&patched.Schedule, now)
	}

	s.file.Jobs[idx] = patched
	s.persistLocked()
	s.armLocked(now)
	clone := patched.Clone()
	s.mu.Unlock()

	s.deps.Log.Info("cron: job updated", logger.Field{Key: "jobId", Value: id})
	s.nudgeHeartbeat(clone)
	return clone, nil
}

// Remove deletes a job from the store.
func (s *Service) Remove(id string) error {
	s.mu.Lock()
	idx := s.indexOfLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("job %s not found", id)
	}
	s.file.Jobs = append(s.file.Jobs[:idx], s.file.Jobs[idx+1:]...)
	s.persistLocked()
	s.armLocked(s.nowMs())
	s.mu.Unlock()

	s.deps.Log.Info("cron: job removed", logger.Field{Key: "jobId", Value: id})
	return nil
}

// List returns a snapshot of the stored jobs. It never blocks on an
// in-flight batch beyond the brief store lock.
func (s *Service) List(includeDisabled bool) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]*Job, 0, len(s.file.Jobs))
	for _, job := range s.file.Jobs {
		if !includeDisabled && !job.Enabled {
			continue
		}
		jobs = append(jobs, job.Clone())
	}
	return jobs
}

// Get returns one job by id.
func (s *Service) Get(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOfLocked(id)
	if idx < 0 {
		return nil, fmt.Errorf("job %s not found", id)
	}
	return s.file.Jobs[idx].Clone(), nil
}

// Status reports the aggregate scheduler state, including the soonest next
// run across enabled jobs so the host's poll loop can check in early.
func (s *Service) Status() StatusInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := StatusInfo{
		Enabled:   s.deps.Enabled,
		Running:   s.running,
		Jobs:      len(s.file.Jobs),
		StorePath: s.store.Path(),
	}
	for _, job := range s.file.Jobs {
		if !job.Enabled {
			continue
		}
		info.EnabledJobs++
		if job.State.NextRunAtMs == nil {
			continue
		}
		if info.NextWakeAtMs == nil || *job.State.NextRunAtMs < *info.NextWakeAtMs {
			info.NextWakeAtMs = int64Ptr(*job.State.NextRunAtMs)
		}
	}
	return info
}

// Run executes a job manually. Force mode runs it immediately regardless of
// due time and whether it is enabled; due mode runs it only if it is
// actually due. Both modes yield to an in-flight batch.
func (s *Service) Run(id, mode string) (RunOutcome, error) {
	if mode != RunModeForce && mode != RunModeDue {
		return RunOutcome{}, fmt.Errorf("invalid run mode %q", mode)
	}

	s.mu.Lock()
	idx := s.indexOfLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return RunOutcome{}, fmt.Errorf("job %s not found", id)
	}
	if s.running {
		name := s.file.Jobs[idx].Name
		now := s.nowMs()
		s.mu.Unlock()
		s.deps.Metrics.IncSkipped()
		s.emitEvent(Event{Action: EventSkipped, JobID: id, JobName: name, RunAtMs: now})
		return RunOutcome{OK: true, Ran: false, Reason: ReasonAlreadyRunning}, nil
	}
	job := s.file.Jobs[idx]
	if mode == RunModeDue {
		if !job.Enabled {
			s.mu.Unlock()
			return RunOutcome{OK: true, Ran: false, Reason: ReasonDisabled}, nil
		}
		now := s.nowMs()
		if job.State.NextRunAtMs == nil || *job.State.NextRunAtMs > now {
			s.mu.Unlock()
			return RunOutcome{OK: true, Ran: false, Reason: ReasonNotDue}, nil
		}
	}
	s.running = true
	s.mu.Unlock()

	s.runBatch([]*Job{job})
	return RunOutcome{OK: true, Ran: true}, nil
}

// nudgeHeartbeat asks the host to check in early when a wake-now job was
// just staged and its next run is due soon. The max timer delay doubles as
// the due-soon horizon: anything further out is covered by the periodic
// liveness wake-ups.
func (s *Service) nudgeHeartbeat(job *Job) {
	if s.deps.RequestHeartbeatNow == nil || job.WakeMode != WakeModeNow || !job.Enabled {
		return
	}
	if job.State.NextRunAtMs == nil {
		return
	}
	if *job.State.NextRunAtMs-s.nowMs() > s.deps.MaxTimerDelayMs {
		return
	}
	s.deps.RequestHeartbeatNow()
}

func (s *Service) indexOfLocked(id string) int {
	for i, job := range s.file.Jobs {
		if job.ID == id {
			return i
		}
	}
	return -1
}

// persistLocked rewrites the store and refreshes the job-count gauges. The
// caller holds the lock.
func (s *Service) persistLocked() {
	if err := s.store.Save(s.file); err != nil {
		s.deps.Log.Error("cron: failed to persist job store", err,
			logger.Field{Key: "store", Value: s.store.Path()})
		return
	}
	s.deps.Metrics.IncStoreSave()
	enabled := 0
	for _, job := range s.file.Jobs {
		if job.Enabled {
			enabled++
		}
	}
	s.deps.Metrics.SetJobCounts(len(s.file.Jobs), enabled)
}

func (s *Service) emitEvent(evt Event) {
	if s.deps.OnEvent != nil {
		s.deps.OnEvent(evt)
	}
}

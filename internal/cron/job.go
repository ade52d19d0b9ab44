// Package cron schedules and executes deferred and recurring jobs for an
// agent-automation host. Jobs either inject a system event into the host's
// main session or trigger an isolated agent run. The package owns job
// normalization (legacy input coercion), next-run calculation for the three
// schedule kinds, the persisted job store, and the single-timer execution
// loop with its global single-flight guard.
package cron

import (
	"encoding/json"
	"fmt"
	"time"
)

// ScheduleKind identifies when a job fires.
type ScheduleKind string

const (
	// ScheduleKindAt fires once at an absolute instant.
	ScheduleKindAt ScheduleKind = "at"
	// ScheduleKindEvery fires on a fixed interval from an anchor instant.
	ScheduleKindEvery ScheduleKind = "every"
	// ScheduleKindCron fires per a cron expression evaluated in a timezone.
	ScheduleKindCron ScheduleKind = "cron"
)

// Schedule describes when a job should run. Exactly one kind is active;
// the remaining fields are meaningful only for their kind.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`
	// At is the canonical ISO-8601 UTC instant for "at" schedules.
	At string `json:"at,omitempty"`
	// AtMs is the legacy epoch-millisecond alias; normalization converts it
	// to At, but loading may still encounter it in old stores.
	AtMs     int64  `json:"atMs,omitempty"`
	EveryMs  int64  `json:"everyMs,omitempty"`
	AnchorMs *int64 `json:"anchorMs,omitempty"`
	Expr     string `json:"expr,omitempty"`
	Tz       string `json:"tz,omitempty"`
}

// SessionTarget defines where a job acts.
type SessionTarget string

const (
	SessionTargetMain     SessionTarget = "main"
	SessionTargetIsolated SessionTarget = "isolated"
)

// WakeMode defines whether the host is nudged immediately when work is due.
type WakeMode string

const (
	WakeModeNow           WakeMode = "now"
	WakeModeNextHeartbeat WakeMode = "next-heartbeat"
)

// PayloadKind identifies what a job does when it fires.
type PayloadKind string

const (
	PayloadKindSystemEvent PayloadKind = "systemEvent"
	PayloadKindAgentTurn   PayloadKind = "agentTurn"
)

// Payload is the job action. SystemEvent payloads carry Text; agentTurn
// payloads carry Message plus optional agent overrides. The legacy delivery
// quadruple (Deliver/Channel/To/BestEffortDeliver) survives on agentTurn
// payloads from old configs and is honored by delivery-plan resolution.
type Payload struct {
	Kind                       PayloadKind `json:"kind"`
	Text                       string      `json:"text,omitempty"`
	Message                    string      `json:"message,omitempty"`
	Model                      string      `json:"model,omitempty"`
	Thinking                   string      `json:"thinking,omitempty"`
	TimeoutSeconds             int         `json:"timeoutSeconds,omitempty"`
	AllowUnsafeExternalContent *bool       `json:"allowUnsafeExternalContent,omitempty"`

	// Legacy delivery hints.
	Deliver           *bool  `json:"deliver,omitempty"`
	Channel           string `json:"channel,omitempty"`
	To                string `json:"to,omitempty"`
	BestEffortDeliver *bool  `json:"bestEffortDeliver,omitempty"`
}

// DeliveryMode governs whether an isolated run's result is sent outward.
type DeliveryMode string

const (
	DeliveryModeAnnounce DeliveryMode = "announce"
	DeliveryModeNone     DeliveryMode = "none"
)

// Delivery controls how isolated agentTurn results are routed.
type Delivery struct {
	Mode       DeliveryMode `json:"mode,omitempty"`
	Channel    string       `json:"channel,omitempty"`
	To         string       `json:"to,omitempty"`
	BestEffort *bool        `json:"bestEffort,omitempty"`
}

// RunStatus is the terminal status of one job execution.
type RunStatus string

const (
	RunStatusOK      RunStatus = "ok"
	RunStatusError   RunStatus = "error"
	RunStatusSkipped RunStatus = "skipped"
)

// JobState is the runtime bookkeeping mutated only by the scheduler loop.
type JobState struct {
	NextRunAtMs    *int64    `json:"nextRunAtMs,omitempty"`
	RunningAtMs    *int64    `json:"runningAtMs,omitempty"`
	LastRunAtMs    *int64    `json:"lastRunAtMs,omitempty"`
	LastDurationMs *int64    `json:"lastDurationMs,omitempty"`
	LastStatus     RunStatus `json:"lastStatus,omitempty"`
	LastError      string    `json:"lastError,omitempty"`
}

// Job is the unit of persisted state.
type Job struct {
	ID             string        `json:"id"`
	AgentID        string        `json:"agentId,omitempty"`
	Name           string        `json:"name"`
	Enabled        bool          `json:"enabled"`
	DeleteAfterRun bool          `json:"deleteAfterRun,omitempty"`
	CreatedAtMs    int64         `json:"createdAtMs"`
	UpdatedAtMs    int64         `json:"updatedAtMs"`
	Schedule       Schedule      `json:"schedule"`
	SessionTarget  SessionTarget `json:"sessionTarget,omitempty"`
	WakeMode       WakeMode      `json:"wakeMode,omitempty"`
	Payload        Payload       `json:"payload"`
	Delivery       *Delivery     `json:"delivery,omitempty"`
	State          JobState      `json:"state"`
}

// IsOneShot reports whether the job fires at most once.
func (j *Job) IsOneShot() bool {
	return j.Schedule.Kind == ScheduleKindAt
}

// IsIsolated reports whether the job spawns an isolated agent run.
func (j *Job) IsIsolated() bool {
	return j.SessionTarget == SessionTargetIsolated
}

// IsRunning reports whether an execution of this job is in flight.
func (j *Job) IsRunning() bool {
	return j.State.RunningAtMs != nil
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	data, err := json.Marshal(j)
	if err != nil {
		copied := *j
		return &copied
	}
	var clone Job
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *j
		return &copied
	}
	return &clone
}

// Summary renders a short human-readable schedule description, used for
// synthesized job names and logging.
func (s *Schedule) Summary() string {
	switch s.Kind {
	case ScheduleKindAt:
		if s.At != "" {
			return fmt.Sprintf("at %s", s.At)
		}
		return fmt.Sprintf("at %s", time.UnixMilli(s.AtMs).UTC().Format(time.RFC3339))
	case ScheduleKindEvery:
		return fmt.Sprintf("every %s", time.Duration(s.EveryMs)*time.Millisecond)
	case ScheduleKindCron:
		if s.Tz != "" {
			return fmt.Sprintf("cron %q (%s)", s.Expr, s.Tz)
		}
		return fmt.Sprintf("cron %q", s.Expr)
	default:
		return "unknown schedule"
	}
}

// Equal reports whether two schedules describe the same firing rule.
func (s *Schedule) Equal(other *Schedule) bool {
	if s == nil || other == nil {
		return s == other
	}
	if s.Kind != other.Kind || s.At != other.At || s.AtMs != other.AtMs ||
		s.EveryMs != other.EveryMs || s.Expr != other.Expr || s.Tz != other.Tz {
		return false
	}
	if (s.AnchorMs == nil) != (other.AnchorMs == nil) {
		return false
	}
	if s.AnchorMs != nil && *s.AnchorMs != *other.AnchorMs {
		return false
	}
	return true
}

// StoreFile is the versioned persisted document.
type StoreFile struct {
	Version int    `json:"version"`
	Jobs    []*Job `json:"jobs"`
}

package cron

// EventAction is a lifecycle transition reported to the event sink.
type EventAction string

const (
	EventStarted  EventAction = "started"
	EventFinished EventAction = "finished"
	EventSkipped  EventAction = "skipped"
)

// Event describes one lifecycle transition of a job execution. RunAtMs is
// the actual wall-clock instant the engine reached the job, not the nominal
// due time.
type Event struct {
	Action     EventAction `json:"action"`
	JobID      string      `json:"jobId"`
	JobName    string      `json:"jobName,omitempty"`
	RunAtMs    int64       `json:"runAtMs"`
	Status     RunStatus   `json:"status,omitempty"`
	DurationMs *int64      `json:"durationMs,omitempty"`
	Error      string      `json:"error,omitempty"`
	Summary    string      `json:"summary,omitempty"`
}

package cron

import (
	"fmt"

	"github.com/aatumaykin/cronhost/internal/constants"
	"github.com/aatumaykin/cronhost/internal/logger"
)

// executeJob dispatches one due job to exactly one external action based on
// its payload kind. Callback failures and panics are converted into an
// error result; they never abort the rest of the batch.
func (s *Service) executeJob(job *Job) (result RunResult) {
	defer func() {
		if r := recover(); r != nil {
			result = RunResult{Status: RunStatusError, Error: fmt.Sprintf("job callback panicked: %v", r)}
		}
	}()

	switch job.Payload.Kind {
	case PayloadKindSystemEvent:
		return s.executeSystemEvent(job)
	case PayloadKindAgentTurn:
		return s.executeAgentTurn(job)
	default:
		return RunResult{Status: RunStatusError, Error: fmt.Sprintf("unknown payload kind %q", job.Payload.Kind)}
	}
}

// executeSystemEvent injects the job's text into the host's main session
// and nudges the poll loop so the note is picked up promptly. It completes
// as soon as the enqueue returns; no agent response is awaited.
func (s *Service) executeSystemEvent(job *Job) RunResult {
	if s.deps.EnqueueSystemEvent == nil {
		return RunResult{Status: RunStatusError, Error: "no system event sink configured"}
	}
	if err := s.deps.EnqueueSystemEvent(job.Payload.Text, s.agentIDFor(job)); err != nil {
		return RunResult{Status: RunStatusError, Error: err.Error()}
	}
	if s.deps.RequestHeartbeatNow != nil {
		s.deps.RequestHeartbeatNow()
	}
	return RunResult{Status: RunStatusOK}
}

// executeAgentTurn runs the job in an isolated agent invocation and, when
// the delivery plan asks for it, announces the result back into the main
// session.
func (s *Service) executeAgentTurn(job *Job) RunResult {
	if s.deps.RunIsolatedAgentJob == nil {
		return RunResult{Status: RunStatusError, Error: "no isolated agent runner configured"}
	}
	result, err := s.deps.RunIsolatedAgentJob(job)
	if err != nil {
		return RunResult{Status: RunStatusError, Error: err.Error()}
	}
	if result.Status != RunStatusOK {
		return result
	}

	plan := ResolveDeliveryPlan(job)
	if !plan.Requested {
		return result
	}
	text := constants.CronRunSummaryPrefix + result.Summary
	if result.Summary == "" {
		text = constants.CronRunSummaryPrefix + job.Name
	}
	if s.deps.EnqueueSystemEvent != nil {
		if err := s.deps.EnqueueSystemEvent(text, s.agentIDFor(job)); err != nil {
			if !plan.BestEffort {
				return RunResult{Status: RunStatusError, Summary: result.Summary, Error: err.Error()}
			}
			s.deps.Log.Warn("cron: best-effort delivery failed",
				logger.Field{Key: "jobId", Value: job.ID},
				logger.Field{Key: "error", Value: err.Error()})
			return result
		}
		if s.deps.RequestHeartbeatNow != nil {
			s.deps.RequestHeartbeatNow()
		}
	}
	return result
}

func (s *Service) agentIDFor(job *Job) string {
	if job.AgentID != "" {
		return job.AgentID
	}
	return s.deps.DefaultAgentID
}

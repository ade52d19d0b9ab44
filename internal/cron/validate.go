package cron

import (
	"fmt"
	"strings"

	"github.com/aatumaykin/cronhost/internal/constants"
)

// validateJob checks a decoded job against the canonical schema. It is the
// strict gate behind normalization: coercion is lenient, validation is not.
func validateJob(job *Job, nowMs int64) error {
	if err := validateSchedule(&job.Schedule, nowMs); err != nil {
		return err
	}
	if err := validatePayload(&job.Payload); err != nil {
		return err
	}
	if job.SessionTarget != "" &&
		job.SessionTarget != SessionTargetMain && job.SessionTarget != SessionTargetIsolated {
		return fmt.Errorf("invalid sessionTarget %q", job.SessionTarget)
	}
	if job.WakeMode != "" && job.WakeMode != WakeModeNow && job.WakeMode != WakeModeNextHeartbeat {
		return fmt.Errorf("invalid wakeMode %q", job.WakeMode)
	}
	if job.Delivery != nil && job.Delivery.Mode != "" &&
		job.Delivery.Mode != DeliveryModeAnnounce && job.Delivery.Mode != DeliveryModeNone {
		return fmt.Errorf("invalid delivery mode %q", job.Delivery.Mode)
	}
	return nil
}

func validateSchedule(s *Schedule, nowMs int64) error {
	switch s.Kind {
	case ScheduleKindAt:
		return validateAtInstant(s, nowMs)
	case ScheduleKindEvery:
		if s.EveryMs <= 0 {
			return fmt.Errorf("schedule.everyMs must be a positive interval, got %d", s.EveryMs)
		}
		return nil
	case ScheduleKindCron:
		if strings.TrimSpace(s.Expr) == "" {
			return fmt.Errorf("schedule.expr is required for cron schedules")
		}
		if _, err := parseCronSchedule(s.Expr, s.Tz); err != nil {
			return err
		}
		return nil
	case "":
		return fmt.Errorf("schedule.kind is required")
	default:
		return fmt.Errorf("invalid schedule.kind %q", s.Kind)
	}
}

// validateAtInstant rejects one-shot instants more than one minute in the
// past or more than ten years in the future.
func validateAtInstant(s *Schedule, nowMs int64) error {
	atMs, ok := resolveAtMs(s)
	if !ok {
		return fmt.Errorf("invalid schedule.at: expected ISO-8601 timestamp (got %q)", s.At)
	}

	diffMs := atMs - nowMs
	if diffMs < -constants.CronAtPastGraceMs {
		minutesAgo := -diffMs / constants.CronAtPastGraceMs
		return fmt.Errorf("schedule.at is in the past: %s (%d minutes ago), current time %s",
			formatInstantMs(atMs), minutesAgo, formatInstantMs(nowMs))
	}
	if diffMs > constants.CronAtMaxFutureMs {
		yearsAhead := diffMs / (constants.CronAtMaxFutureMs / 10)
		return fmt.Errorf("schedule.at is too far in the future: %s (%d years ahead), maximum allowed 10 years",
			formatInstantMs(atMs), yearsAhead)
	}
	return nil
}

func validatePayload(p *Payload) error {
	switch p.Kind {
	case PayloadKindSystemEvent:
		if strings.TrimSpace(p.Text) == "" {
			return fmt.Errorf("payload.text is required for systemEvent jobs")
		}
		return nil
	case PayloadKindAgentTurn:
		if strings.TrimSpace(p.Message) == "" {
			return fmt.Errorf("payload.message is required for agentTurn jobs")
		}
		return nil
	case "":
		return fmt.Errorf("payload.kind is required")
	default:
		return fmt.Errorf("invalid payload.kind %q", p.Kind)
	}
}

package cron

import (
	"fmt"
	"strings"
	"time"

	cronexpr "github.com/robfig/cron/v3"
)

// computeNextRunAtMs returns the next fire time for a schedule relative to
// nowMs, in epoch milliseconds, or nil if the schedule is exhausted or
// unsatisfiable. It never mutates the schedule.
//
// Cron expressions evaluate at second granularity, so nowMs is floored to
// the start of the current second and the lookup starts one millisecond
// before it. Without this, a reference instant a few hundred milliseconds
// into a matching second would skip the occurrence entirely and land on the
// following one.
func computeNextRunAtMs(s *Schedule, nowMs int64) *int64 {
	switch s.Kind {
	case ScheduleKindAt:
		atMs, ok := resolveAtMs(s)
		if !ok || atMs <= nowMs {
			return nil
		}
		return int64Ptr(atMs)

	case ScheduleKindEvery:
		return nextEveryRun(s, nowMs)

	case ScheduleKindCron:
		sched, err := parseCronSchedule(s.Expr, s.Tz)
		if err != nil {
			return nil
		}
		nowSecondMs := nowMs - nowMs%1000
		next := sched.Next(time.UnixMilli(nowSecondMs - 1))
		if next.IsZero() {
			return nil
		}
		nextMs := next.UnixMilli()
		if nextMs < nowSecondMs {
			return nil
		}
		return int64Ptr(nextMs)

	default:
		return nil
	}
}

// nextRunAfterMs is the strict variant used when rescheduling a job after a
// completed run: the result is always strictly after refMs, so a cron
// occurrence that just ran is never handed back as due again.
func nextRunAfterMs(s *Schedule, refMs int64) *int64 {
	if s.Kind != ScheduleKindCron {
		return computeNextRunAtMs(s, refMs)
	}
	sched, err := parseCronSchedule(s.Expr, s.Tz)
	if err != nil {
		return nil
	}
	next := sched.Next(time.UnixMilli(refMs))
	if next.IsZero() {
		return nil
	}
	return int64Ptr(next.UnixMilli())
}

// nextEveryRun returns the smallest anchor + k*interval strictly after
// nowMs. An absent anchor defaults to nowMs, so the first occurrence lands
// one full interval out rather than immediately.
func nextEveryRun(s *Schedule, nowMs int64) *int64 {
	everyMs := s.EveryMs
	if everyMs < 1 {
		everyMs = 1
	}
	anchor := nowMs
	if s.AnchorMs != nil && *s.AnchorMs >= 0 {
		anchor = *s.AnchorMs
	}
	if nowMs < anchor {
		return int64Ptr(anchor)
	}
	steps := (nowMs-anchor)/everyMs + 1
	return int64Ptr(anchor + steps*everyMs)
}

// resolveAtMs extracts the absolute instant of an "at" schedule. The store
// migration converts the legacy epoch-millisecond field to the canonical
// instant string, but read it anyway in case the migration was bypassed.
func resolveAtMs(s *Schedule) (int64, bool) {
	if s.AtMs > 0 {
		return s.AtMs, true
	}
	if s.At != "" {
		if ms, ok := parseAbsoluteTimeMs(s.At); ok {
			return ms, true
		}
	}
	return 0, false
}

// parseCronSchedule parses a standard 5-field cron expression, optionally
// evaluated in an IANA time zone.
func parseCronSchedule(expr, tz string) (cronexpr.Schedule, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, fmt.Errorf("cron schedule missing expression")
	}
	spec := trimmed
	if tzTrimmed := strings.TrimSpace(tz); tzTrimmed != "" {
		if _, err := time.LoadLocation(tzTrimmed); err != nil {
			return nil, fmt.Errorf("invalid time zone %q: %w", tzTrimmed, err)
		}
		spec = "CRON_TZ=" + tzTrimmed + " " + trimmed
	}
	sched, err := cronexpr.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", trimmed, err)
	}
	return sched, nil
}

func int64Ptr(v int64) *int64 { return &v }

func boolPtr(v bool) *bool { return &v }

package constants

// Cron constants for scheduler configuration and job management.

// CronSubdirectory is the subdirectory name for cron state within the workspace.
const CronSubdirectory = "cron"

// CronJobsFile is the filename used to persist job definitions.
const CronJobsFile = "jobs.json"

// CronEventSpoolFile is the filename system events are appended to for the
// host to drain.
const CronEventSpoolFile = "events.jsonl"

// CronStoreVersion is the current version of the persisted store document.
const CronStoreVersion = 1

// CronMaxTimerDelayMs caps the scheduler's re-arm delay so far-future
// schedules still produce periodic liveness wake-ups.
const CronMaxTimerDelayMs = 60_000

// CronRunSummaryPrefix prefixes announced isolated run results.
const CronRunSummaryPrefix = "Cron: "

// CronAtPastGraceMs is how far in the past an "at" timestamp may lie
// before it is rejected at creation time.
const CronAtPastGraceMs = 60_000

// CronAtMaxFutureMs is how far ahead an "at" timestamp may lie.
// Roughly ten years.
const CronAtMaxFutureMs = int64(10 * 365.25 * 24 * 60 * 60 * 1000)

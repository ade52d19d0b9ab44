// Package config provides configuration loading and validation for cronhost.
// It supports TOML configuration files with environment variable expansion,
// default values, and validation.
//
// Configuration structure:
//   - [workspace]: Workspace directory holding the persisted job store
//   - [logging]: Logging level, format, and output
//   - [scheduler]: Timer and catch-up behavior
//   - [metrics]: Prometheus endpoint settings
//
// Environment variables can be referenced using ${VAR} or ${VAR:default}
// syntax, for example: path = "${CRONHOST_WORKSPACE:~/.cronhost}".
package config

// Config represents the main application configuration.
type Config struct {
	Workspace WorkspaceConfig `toml:"workspace"`
	Logging   LoggingConfig   `toml:"logging"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// WorkspaceConfig locates the on-disk state of the scheduler.
// The job store lives at <path>/cron/jobs.json.
type WorkspaceConfig struct {
	Path string `toml:"path"`
}

// LoggingConfig mirrors logger.Config.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Output string `toml:"output"`
}

// SchedulerConfig tunes the timer loop.
type SchedulerConfig struct {
	// MaxTimerDelayMs caps the re-arm delay; far-future schedules still
	// wake the loop this often.
	MaxTimerDelayMs int64 `toml:"max_timer_delay_ms"`
	// CatchUpOnStart executes overdue jobs immediately after loading the store.
	CatchUpOnStart bool `toml:"catch_up_on_start"`
	// DefaultAgentID tags system events that carry no per-job agent ID.
	DefaultAgentID string `toml:"default_agent_id"`
}

// MetricsConfig controls the prometheus endpoint exposed by `serve`.
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
}

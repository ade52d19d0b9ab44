package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/aatumaykin/cronhost/internal/constants"
)

// Load reads and parses a TOML configuration file, applies defaults and
// expands environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	expandEnvVars(&cfg)

	return &cfg, nil
}

// Default returns a configuration with all defaults applied and no file read.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Workspace.Path == "" {
		cfg.Workspace.Path = constants.DefaultWorkspaceDir
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}
	if cfg.Scheduler.MaxTimerDelayMs == 0 {
		cfg.Scheduler.MaxTimerDelayMs = constants.CronMaxTimerDelayMs
		cfg.Scheduler.CatchUpOnStart = true
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = constants.DefaultMetricsAddr
	}
}

// Validate checks the configuration and returns all problems found.
func (c *Config) Validate() []error {
	var errs []error

	if c.Workspace.Path == "" {
		errs = append(errs, fmt.Errorf("workspace.path is required"))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be one of: debug, info, warn, error"))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be one of: json, text"))
	}

	if c.Scheduler.MaxTimerDelayMs < 1 {
		errs = append(errs, fmt.Errorf("scheduler.max_timer_delay_ms must be >= 1"))
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("metrics.listen_addr is required when metrics.enabled=true"))
	}

	return errs
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:default} references in string fields.
func expandEnvVars(cfg *Config) {
	cfg.Workspace.Path = expandString(cfg.Workspace.Path)
	cfg.Logging.Output = expandString(cfg.Logging.Output)
	cfg.Scheduler.DefaultAgentID = expandString(cfg.Scheduler.DefaultAgentID)
	cfg.Metrics.ListenAddr = expandString(cfg.Metrics.ListenAddr)
}

func expandString(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if value, ok := os.LookupEnv(groups[1]); ok {
			return value
		}
		return groups[2]
	})
}

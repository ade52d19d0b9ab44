package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/aatumaykin/cronhost/internal/config"
	"github.com/aatumaykin/cronhost/internal/constants"
	"github.com/aatumaykin/cronhost/internal/cron"
	"github.com/aatumaykin/cronhost/internal/logger"
)

var (
	serveConfigPath string
	serveLogLevel   string
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduler daemon (main command)",
	Long: `Start the Cronhost scheduler with the specified configuration.
This loads the persisted job store, runs the timer loop, and exposes
prometheus metrics. System events produced by due jobs are appended to
an event spool under the workspace for the host to drain.

The serve command is the main entry point for running Cronhost.`,
	Run: serveHandler,
}

func serveHandler(cmd *cobra.Command, args []string) {
	// Load .env file if exists
	loadDotEnv("./.env")

	// Determine config path
	configPath := serveConfigPath
	if configPath == "" {
		configPath = constants.DefaultConfigPath
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("❌ Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Override log level if flag is set
	if serveLogLevel != "" {
		cfg.Logging.Level = serveLogLevel
	}

	// Validate configuration
	if errors := cfg.Validate(); len(errors) > 0 {
		fmt.Printf("❌ Configuration validation failed:\n")
		for _, e := range errors {
			fmt.Printf("  - %v\n", e)
		}
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Printf("❌ Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info("🚀 Starting Cronhost",
		logger.Field{Key: "version", Value: Version},
		logger.Field{Key: "git_commit", Value: GitCommit},
		logger.Field{Key: "config", Value: configPath},
		logger.Field{Key: "workspace", Value: cfg.Workspace.Path},
	)

	// Initialize metrics
	var metrics *cron.Metrics
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = cron.InitMetrics(constants.MetricsNamespace, registry)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
		go func() {
			log.Info("📊 Metrics endpoint listening",
				logger.Field{Key: "addr", Value: cfg.Metrics.ListenAddr})
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("Metrics server failed", err)
			}
		}()
	}

	spoolPath := filepath.Join(cron.ResolveStorePath(cfg.Workspace.Path),
		constants.CronSubdirectory, constants.CronEventSpoolFile)

	service := cron.NewService(cron.Deps{
		Log: log,
		StorePath: filepath.Join(cfg.Workspace.Path,
			constants.CronSubdirectory, constants.CronJobsFile),
		Enabled:         true,
		MaxTimerDelayMs: cfg.Scheduler.MaxTimerDelayMs,
		CatchUpOnStart:  cfg.Scheduler.CatchUpOnStart,
		DefaultAgentID:  cfg.Scheduler.DefaultAgentID,
		Metrics:         metrics,
		EnqueueSystemEvent: func(text, agentID string) error {
			log.Info("💬 System event",
				logger.Field{Key: "agent_id", Value: agentID},
				logger.Field{Key: "text", Value: text})
			return appendToSpool(spoolPath, text, agentID)
		},
		RequestHeartbeatNow: func() {
			log.Debug("Heartbeat requested")
		},
		RunIsolatedAgentJob: func(job *cron.Job) (cron.RunResult, error) {
			// No agent runtime is attached to the standalone daemon.
			log.Warn("Isolated agent job has no runtime attached",
				logger.Field{Key: "job_id", Value: job.ID})
			return cron.RunResult{
				Status: cron.RunStatusError,
				Error:  "no isolated agent runtime attached",
			}, nil
		},
		OnEvent: func(evt cron.Event) {
			log.Debug("Job lifecycle event",
				logger.Field{Key: "action", Value: string(evt.Action)},
				logger.Field{Key: "job_id", Value: evt.JobID},
				logger.Field{Key: "status", Value: string(evt.Status)})
		},
	})

	if err := service.Start(); err != nil {
		log.Error("Failed to start scheduler", err)
		os.Exit(1)
	}

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("🛑 Shutting down", logger.Field{Key: "signal", Value: sig.String()})

	service.Stop()
	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Error("Metrics server shutdown failed", err)
		}
	}
	log.Info("👋 Cronhost stopped")
}

// loadDotEnv sets environment variables from a simple KEY=VALUE file.
func loadDotEnv(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			os.Setenv(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
		}
	}
}

// appendToSpool appends one system event as a JSON line for the host to
// drain.
func appendToSpool(path, text, agentID string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	entry := map[string]any{
		"ts":      time.Now().UnixMilli(),
		"agentId": agentID,
		"text":    text,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = f.Write(data)
	return err
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "Path to configuration file")
	serveCmd.Flags().StringVarP(&serveLogLevel, "log-level", "l", "", "Override log level (debug, info, warn, error)")
}

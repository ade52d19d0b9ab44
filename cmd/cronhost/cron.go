package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/aatumaykin/cronhost/internal/config"
	"github.com/aatumaykin/cronhost/internal/constants"
	"github.com/aatumaykin/cronhost/internal/cron"
	"github.com/aatumaykin/cronhost/internal/logger"
)

var (
	cronConfigPath string
	cronListAll    bool
	cronRunDue     bool
)

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Manage scheduled jobs",
}

var cronAddCmd = &cobra.Command{
	Use:   "add <job-json>",
	Short: "Add a scheduled job",
	Long: `Add a job from a JSON description. Legacy field spellings are accepted
and normalized. Examples:

  cronhost cron add '{"schedule":{"kind":"every","everyMs":300000},"payload":{"kind":"systemEvent","text":"check inbox"}}'
  cronhost cron add '{"name":"digest","schedule":{"kind":"cron","expr":"0 9 * * 1-5","tz":"Europe/Moscow"},"payload":{"kind":"agentTurn","message":"summarize overnight activity"}}'`,
	Args: cobra.ExactArgs(1),
	Run:  runCronAdd,
}

var cronListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled jobs",
	Run:   runCronList,
}

var cronRemoveCmd = &cobra.Command{
	Use:   "remove <job-id>",
	Short: "Remove a scheduled job",
	Args:  cobra.ExactArgs(1),
	Run:   runCronRemove,
}

var cronRunCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Run a job immediately",
	Args:  cobra.ExactArgs(1),
	Run:   runCronRun,
}

var cronStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scheduler status",
	Run:   runCronStatus,
}

// openService loads the configured store into a scheduler instance with the
// timer disabled, so job commands share normalization, validation, and
// migration with the daemon.
func openService() *cron.Service {
	configPath := cronConfigPath
	if configPath == "" {
		configPath = constants.DefaultConfigPath
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		// Job commands work without a config file; an explicitly named
		// one must load.
		if cronConfigPath != "" {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = config.Default()
	}

	service := cron.NewService(cron.Deps{
		Log: logger.Discard(),
		StorePath: filepath.Join(cfg.Workspace.Path,
			constants.CronSubdirectory, constants.CronJobsFile),
		DefaultAgentID: cfg.Scheduler.DefaultAgentID,
		EnqueueSystemEvent: func(text, agentID string) error {
			fmt.Printf("System event (%s): %s\n", agentID, text)
			return nil
		},
	})
	if err := service.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading job store: %v\n", err)
		os.Exit(1)
	}
	return service
}

func runCronAdd(cmd *cobra.Command, args []string) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(args[0]), &raw); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing job JSON: %v\n", err)
		os.Exit(1)
	}

	service := openService()
	defer service.Stop()

	job, err := service.Add(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error adding job: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Job added")
	fmt.Printf("  ID: %s\n", job.ID)
	fmt.Printf("  Name: %s\n", job.Name)
	fmt.Printf("  Schedule: %s\n", job.Schedule.Summary())
	if job.State.NextRunAtMs != nil {
		fmt.Printf("  Next run: %s\n", formatMs(*job.State.NextRunAtMs))
	}
}

func runCronList(cmd *cobra.Command, args []string) {
	service := openService()
	defer service.Stop()

	jobs := service.List(cronListAll)
	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return
	}

	for _, job := range jobs {
		state := "enabled"
		if !job.Enabled {
			state = "disabled"
		}
		fmt.Printf("%s  %s (%s)\n", job.ID, job.Name, state)
		fmt.Printf("  Schedule: %s\n", job.Schedule.Summary())
		if job.State.NextRunAtMs != nil {
			fmt.Printf("  Next run: %s\n", formatMs(*job.State.NextRunAtMs))
		}
		if job.State.LastRunAtMs != nil {
			fmt.Printf("  Last run: %s (%s)\n", formatMs(*job.State.LastRunAtMs), job.State.LastStatus)
		}
	}
	fmt.Printf("Total: %d\n", len(jobs))
}

func runCronRemove(cmd *cobra.Command, args []string) {
	service := openService()
	defer service.Stop()

	if err := service.Remove(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "Error removing job: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Job %s removed\n", args[0])
}

func runCronRun(cmd *cobra.Command, args []string) {
	service := openService()
	defer service.Stop()

	mode := cron.RunModeForce
	if cronRunDue {
		mode = cron.RunModeDue
	}
	outcome, err := service.Run(args[0], mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error running job: %v\n", err)
		os.Exit(1)
	}
	if outcome.Ran {
		fmt.Println("Job executed")
	} else {
		fmt.Printf("Job not executed: %s\n", outcome.Reason)
	}
}

func runCronStatus(cmd *cobra.Command, args []string) {
	service := openService()
	defer service.Stop()

	info := service.Status()
	fmt.Printf("Store: %s\n", info.StorePath)
	fmt.Printf("Jobs: %d (%d enabled)\n", info.Jobs, info.EnabledJobs)
	if info.NextWakeAtMs != nil {
		fmt.Printf("Next wake: %s\n", formatMs(*info.NextWakeAtMs))
	} else {
		fmt.Println("Next wake: none scheduled")
	}
}

func formatMs(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func init() {
	cronCmd.PersistentFlags().StringVarP(&cronConfigPath, "config", "c", "", "Path to configuration file")
	cronListCmd.Flags().BoolVarP(&cronListAll, "all", "a", false, "Include disabled jobs")
	cronRunCmd.Flags().BoolVar(&cronRunDue, "due", false, "Run only if the job is due")

	cronCmd.AddCommand(cronAddCmd)
	cronCmd.AddCommand(cronListCmd)
	cronCmd.AddCommand(cronRemoveCmd)
	cronCmd.AddCommand(cronRunCmd)
	cronCmd.AddCommand(cronStatusCmd)
}

package main

import (
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cronhost",
	Short: "Cronhost - Job scheduler for agent-automation hosts",
	Long: `Cronhost schedules deferred and recurring jobs for an agent-automation
host: one-shot reminders, fixed-interval ticks, and cron expressions.
Jobs inject system events into the host's main session or trigger
isolated agent runs.`,
	Version: Version,
}

func init() {
	// Add subcommands
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cronCmd)
}

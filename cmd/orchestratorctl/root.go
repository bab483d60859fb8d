package main

import (
	"os"

	"github.com/spf13/cobra"
)

var addr string

var rootCmd = &cobra.Command{
	Use:   "orchestratorctl",
	Short: "Control plane for the agent task orchestrator",
	Long: `orchestratorctl talks to a running orchestratord over HTTP.

Available commands:
  submit   Submit a new task
  status   Show one task's current state
  list     List every known task
  workers  Show registered worker states
  events   Dump recent lifecycle events
  cancel   Cancel a pending or in-progress task

Use "orchestratorctl [command] --help" for more information about a command.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", envOr("ORCHESTRATORCTL_ADDR", "http://localhost:8080"), "orchestratord HTTP address")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(cancelCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

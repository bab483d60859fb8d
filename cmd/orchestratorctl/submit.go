package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

type submitRequest struct {
	Type                 string            `json:"type"`
	Priority             string            `json:"priority"`
	Description          string            `json:"description"`
	Files                []string          `json:"files"`
	Dependencies         []string          `json:"dependencies"`
	Context              map[string]string `json:"context"`
	EstimatedDurationSec int               `json:"estimated_duration_sec"`
}

var (
	submitType        string
	submitPriority    string
	submitDescription string
	submitFiles       []string
	submitDeps        []string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new task",
	Long: `Submit a new task to the orchestrator.

Example:
  orchestratorctl submit --type code --priority high --files a.go,b.go`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitType, "type", "", "task type (code|test|docs|review|refactor)")
	submitCmd.Flags().StringVar(&submitPriority, "priority", "medium", "priority (high|medium|low)")
	submitCmd.Flags().StringVar(&submitDescription, "description", "", "human-readable task description")
	submitCmd.Flags().StringSliceVar(&submitFiles, "files", nil, "comma-separated files the task will touch")
	submitCmd.Flags().StringSliceVar(&submitDeps, "depends-on", nil, "comma-separated task ids this task depends on")
	_ = submitCmd.MarkFlagRequired("type")
	_ = submitCmd.MarkFlagRequired("files")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	req := submitRequest{
		Type:         submitType,
		Priority:     submitPriority,
		Description:  submitDescription,
		Files:        submitFiles,
		Dependencies: submitDeps,
	}
	var result map[string]string
	if err := postJSON("/v1/tasks", req, &result); err != nil {
		return err
	}
	fmt.Printf("submitted task %s\n", result["id"])
	return nil
}

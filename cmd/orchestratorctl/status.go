package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

type taskView struct {
	ID             string
	Type           string
	Priority       string
	Description    string
	Dependencies   map[string]struct{}
	Files          []string
	Status         string
	AssignedWorker string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show one task's current state",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	var task taskView
	if err := getJSON("/v1/tasks/"+args[0], &task); err != nil {
		return err
	}
	printTask(task)
	return nil
}

func printTask(t taskView) {
	fmt.Printf("id:       %s\n", t.ID)
	fmt.Printf("type:     %s\n", t.Type)
	fmt.Printf("priority: %s\n", t.Priority)
	fmt.Printf("status:   %s\n", t.Status)
	if t.AssignedWorker != "" {
		fmt.Printf("worker:   %s\n", t.AssignedWorker)
	}
	fmt.Printf("files:    %v\n", t.Files)
	if len(t.Dependencies) > 0 {
		ids := make([]string, 0, len(t.Dependencies))
		for id := range t.Dependencies {
			ids = append(ids, id)
		}
		fmt.Printf("depends:  %v\n", ids)
	}
	fmt.Printf("created:  %s\n", t.CreatedAt.Format(time.RFC3339))
	fmt.Printf("updated:  %s\n", t.UpdatedAt.Format(time.RFC3339))
}

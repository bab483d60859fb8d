package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type workerView struct {
	ID           string
	Name         string
	Status       string
	CurrentTasks []string
	HeldLocks    []string
	Perf         struct {
		TasksCompleted  int64
		AverageDuration time.Duration
		SuccessRate     float64
	}
}

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Show registered worker states",
	RunE:  runWorkers,
}

func runWorkers(cmd *cobra.Command, args []string) error {
	var workers []workerView
	if err := getJSON("/v1/workers", &workers); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tIN-FLIGHT\tDONE\tSUCCESS RATE")
	for _, w := range workers {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%.0f%%\n", w.Name, w.Status, len(w.CurrentTasks), w.Perf.TasksCompleted, w.Perf.SuccessRate*100)
	}
	return tw.Flush()
}

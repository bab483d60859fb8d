package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every known task",
	RunE:  runList,
}

func runList(cmd *cobra.Command, args []string) error {
	var tasks []taskView
	if err := getJSON("/v1/tasks", &tasks); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tPRIORITY\tSTATUS\tWORKER")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Type, t.Priority, t.Status, t.AssignedWorker)
	}
	return tw.Flush()
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a pending or in-progress task",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	if err := deleteRequest("/v1/tasks/" + args[0]); err != nil {
		return err
	}
	fmt.Printf("cancel requested for %s\n", args[0])
	return nil
}

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

type eventView struct {
	Seq       uint64
	Type      string
	Timestamp time.Time
	Data      map[string]any
}

var eventsSince uint64

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Dump lifecycle events retained since a given sequence number",
	RunE:  runEvents,
}

func init() {
	eventsCmd.Flags().Uint64Var(&eventsSince, "since", 0, "only show events with sequence greater than this")
}

func runEvents(cmd *cobra.Command, args []string) error {
	var events []eventView
	if err := getJSON(fmt.Sprintf("/v1/events?since=%d", eventsSince), &events); err != nil {
		return err
	}
	for _, e := range events {
		fmt.Printf("%d\t%s\t%s\t%v\n", e.Seq, e.Timestamp.Format(time.RFC3339), e.Type, e.Data)
	}
	return nil
}

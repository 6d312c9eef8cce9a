package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sigreer/deploykit/internal/journal"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Show recorded disk operations",
	Args:  cobra.NoArgs,
	RunE:  runJournal,
}

func init() {
	journalCmd.Flags().Int("limit", 50, "Maximum number of events to show")
	journalCmd.Flags().String("device", "", "Only show events for this partition")
}

func runJournal(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	device, _ := cmd.Flags().GetString("device")

	out := cmd.OutOrStdout()
	j, err := openJournal()
	if errors.Is(err, errJournalDisabled) {
		if wantJSON(out) {
			return printJSON(out, []*journal.DiskEvent{})
		}
		fmt.Fprintln(out, "Journal is disabled.")
		return nil
	}
	if err != nil {
		return err
	}
	defer j.Close()

	var events []*journal.DiskEvent
	if device != "" {
		events, err = j.DiskEventsForDevice(device)
	} else {
		events, err = j.RecentDiskEvents(limit)
	}
	if err != nil {
		return err
	}

	if wantJSON(out) {
		if events == nil {
			events = []*journal.DiskEvent{}
		}
		return printJSON(out, events)
	}
	if len(events) == 0 {
		fmt.Fprintln(out, "No disk operations recorded.")
		return nil
	}
	printEvents(out, events)
	return nil
}

func printEvents(w io.Writer, events []*journal.DiskEvent) {
	fmt.Fprintf(w, "%-16s %-7s %-20s %-6s %-12s %-7s\n", "WHEN", "EVENT", "PARTITION", "FS", "MOUNT", "OUTCOME")
	for _, e := range events {
		mount := e.MountPath
		if mount == "" {
			mount = "-"
		}
		fmt.Fprintf(w, "%-16s %-7s %-20s %-6s %-12s %-7s\n",
			humanize.Time(e.Timestamp), e.EventType, e.DevicePath, e.FSType, mount, e.Outcome)
	}
}

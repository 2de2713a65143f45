// ABOUTME: The snapshot subcommand pulls every partition once and prints the result
// ABOUTME: Output is a colorized listing or JSON with --json

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/fleetsync/internal/fleet"
	"github.com/2389/fleetsync/internal/state"
)

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Pull the current fleet state once and print it",
		RunE:  runSnapshot,
	}
	cmd.Flags().Bool("json", false, "print JSON instead of a listing")
	return cmd
}

type snapshotOutput struct {
	Agents  []*fleet.Agent `json:"agents"`
	Pending []*fleet.Task  `json:"pending"`
	Active  []*fleet.Task  `json:"active"`
}

func runSnapshot(cmd *cobra.Command, _ []string) error {
	client, logger, err := loadClient(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("closing client", "error", err)
		}
	}()

	if err := client.Refresh(cmd.Context()); err != nil {
		return err
	}

	es := client.Store()
	out := snapshotOutput{
		Agents:  es.Agents(),
		Pending: es.Tasks(fleet.PartitionPending),
		Active:  es.Tasks(fleet.PartitionActive),
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	printListing(cmd.OutOrStdout(), es.Counts(), out)
	return nil
}

func printListing(w io.Writer, counts state.Counts, out snapshotOutput) {
	bold := color.New(color.Bold)

	bold.Fprintf(w, "Agents (%d, %d online)\n", counts.Agents, counts.OnlineAgents)
	for _, a := range out.Agents {
		status := color.HiBlackString("offline")
		if a.OnlineStatus {
			status = color.GreenString("online")
		}
		pos := "unknown position"
		if a.Position != nil {
			pos = fmt.Sprintf("%.5f,%.5f", a.Position.Lat, a.Position.Lon)
		}
		fmt.Fprintf(w, "%s %s %s\n", a.ID, status, pos)
		printTime(w, "last update", a.LastUpdateAt)
	}

	for _, section := range []struct {
		title string
		tasks []*fleet.Task
	}{
		{"Pending tasks", out.Pending},
		{"Active tasks", out.Active},
	} {
		fmt.Fprintln(w)
		bold.Fprintf(w, "%s (%d)\n", section.title, len(section.tasks))
		for _, t := range section.tasks {
			agent := ""
			if t.AssignedAgentID != nil {
				agent = " agent=" + *t.AssignedAgentID
			}
			fmt.Fprintf(w, "%s %s%s\n", t.ID, color.CyanString(string(t.Status)), agent)
			printTime(w, "created", t.CreatedAt)
		}
	}
}

// printTime renders times in the local zone for listings.
func printTime(w io.Writer, label string, t time.Time) {
	if t.IsZero() {
		return
	}
	fmt.Fprintf(w, "  %s %s\n", color.HiBlackString(label), t.Local().Format(time.DateTime))
}

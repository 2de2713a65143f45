// ABOUTME: The watch subcommand runs the sync client and prints every change
// ABOUTME: Also reports connection state transitions until interrupted

package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/fleetsync/internal/conn"
	"github.com/2389/fleetsync/internal/state"
)

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the sync client and print changes as they commit",
		RunE:  runWatch,
	}
	cmd.Flags().StringSlice("kind", nil, "only print these kinds (agent, task)")
	return cmd
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	kindNames, _ := cmd.Flags().GetStringSlice("kind")
	kinds, err := parseKinds(kindNames)
	if err != nil {
		return err
	}

	client, logger, err := loadClient(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("closing client", "error", err)
		}
	}()

	client.OnStateChange(func(st conn.Status) {
		fmt.Fprintln(out, formatStatus(st))
	})
	changes, _ := client.Subscribe(ctx, kinds...)

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("starting sync: %w", err)
	}
	counts := client.Store().Counts()
	fmt.Fprintf(out, "synced: %d agents (%d online), %d pending, %d active\n",
		counts.Agents, counts.OnlineAgents, counts.Pending, counts.Active)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ch, ok := <-changes:
			if !ok {
				return nil
			}
			fmt.Fprintln(out, formatChange(ch))
		}
	}
}

func parseKinds(names []string) ([]state.Kind, error) {
	var kinds []state.Kind
	for _, n := range names {
		switch strings.ToLower(n) {
		case "agent", "agents":
			kinds = append(kinds, state.KindAgent)
		case "task", "tasks":
			kinds = append(kinds, state.KindTask)
		default:
			return nil, fmt.Errorf("unknown kind %q", n)
		}
	}
	return kinds, nil
}

func formatStatus(st conn.Status) string {
	var label string
	switch st.State {
	case conn.Connected:
		label = color.GreenString(st.State.String())
	case conn.Fatal:
		label = color.New(color.FgRed, color.Bold).Sprint(st.State.String())
	case conn.Reconnecting:
		label = color.YellowString(st.State.String())
	default:
		label = color.CyanString(st.State.String())
	}
	line := color.HiBlackString("connection ") + label
	if st.ReconnectAttempts > 0 {
		line += fmt.Sprintf(" attempt=%d", st.ReconnectAttempts)
	}
	if st.LastError != nil {
		line += color.HiBlackString(" error=") + st.LastError.Error()
	}
	return line
}

func formatChange(ch state.Change) string {
	var b strings.Builder
	b.WriteString(color.HiBlackString(fmt.Sprintf("v%-6d ", ch.Version)))

	switch ch.Op {
	case state.OpRemove:
		b.WriteString(color.RedString("- "))
	default:
		b.WriteString(color.GreenString("+ "))
	}

	switch ch.Kind {
	case state.KindAgent:
		b.WriteString("agent " + ch.ID)
		if a := ch.Agent; a != nil {
			if a.Position != nil {
				fmt.Fprintf(&b, " at %.5f,%.5f", a.Position.Lat, a.Position.Lon)
			}
			if a.OnlineStatus {
				b.WriteString(color.GreenString(" online"))
			} else {
				b.WriteString(color.HiBlackString(" offline"))
			}
		}
	case state.KindTask:
		b.WriteString("task " + ch.ID)
		if t := ch.Task; t != nil {
			b.WriteString(" " + string(t.Status))
			if t.AssignedAgentID != nil {
				b.WriteString(" agent=" + *t.AssignedAgentID)
			}
		}
		switch {
		case ch.Op == state.OpRemove && ch.PreviousPartition != "":
			fmt.Fprintf(&b, " %s -> removed", ch.PreviousPartition)
		case ch.PreviousPartition != "" && ch.PreviousPartition != ch.Partition:
			fmt.Fprintf(&b, " %s -> %s", ch.PreviousPartition, ch.Partition)
		case ch.Partition != "":
			b.WriteString(" [" + string(ch.Partition) + "]")
		}
	}
	return b.String()
}

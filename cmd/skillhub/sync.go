package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/floegence/skillhub/internal/pipeline"
)

func newSyncCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync in the foreground (Ctrl-C cancels and keeps the last good state)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.open(true)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, runErr := a.SyncOnce(ctx)
			if root.jsonOut {
				if err := printJSON(cmd.OutOrStdout(), st); err != nil {
					return err
				}
				return runErr
			}
			printStatus(cmd.OutOrStdout(), st)
			return runErr
		},
	}
}

func newStatusCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the last sync state and the ready/blocked partition",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.open(false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			st, err := a.Controller().Status(cmd.Context())
			if err != nil {
				return err
			}
			if root.jsonOut {
				return printJSON(cmd.OutOrStdout(), st)
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func printStatus(w io.Writer, st pipeline.Status) {
	fmt.Fprintf(w, "State:     %s\n", stateLabel(w, st.State))
	if st.RunID != "" {
		fmt.Fprintf(w, "Run:       %s (%s)\n", st.RunID, dash(st.Outcome))
		fmt.Fprintf(w, "Started:   %s\n", formatMs(st.StartedAtUnixMs))
		fmt.Fprintf(w, "Finished:  %s\n", formatMs(st.FinishedAtUnixMs))
	}
	fmt.Fprintf(w, "Ready:     %d\n", st.ReadyCount)
	fmt.Fprintf(w, "Blocked:   %d\n", st.BlockedCount)
	fmt.Fprintf(w, "Conflicts: %d pending", st.PendingConflicts)
	if st.QueuedResolutions > 0 {
		fmt.Fprintf(w, ", %d resolutions queued", st.QueuedResolutions)
	}
	fmt.Fprintln(w)
	if st.ExportVersion != "" {
		fmt.Fprintf(w, "Export:    %s\n", st.ExportVersion)
	}
	s := st.Stats
	if s.SourcesTotal > 0 {
		fmt.Fprintf(w, "Sources:   %d (%d failed)\n", s.SourcesTotal, len(s.SourcesFailed))
		if len(s.SourcesFailed) > 0 {
			fmt.Fprintf(w, "Failed:    %s\n", strings.Join(s.SourcesFailed, ", "))
		}
		fmt.Fprintf(w, "Skills:    %d candidates, %d malformed, %d filtered, %d analyzed\n", s.Candidates, s.Malformed, s.Filtered, s.Analyzed)
	}
	if st.LastError != "" {
		fmt.Fprintf(w, "Error:     %s\n", st.LastError)
	}
}

func newHistoryCmd(root *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List finished sync runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.open(false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			logs, err := a.Controller().History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if root.jsonOut {
				return printJSON(cmd.OutOrStdout(), logs)
			}
			tw := newTable(cmd.OutOrStdout(), "RUN", "OUTCOME", "STATE", "READY", "BLOCKED", "FINISHED", "ERROR")
			for _, l := range logs {
				row(tw, l.ID, l.Outcome, l.State, l.ReadyCount, l.BlockedCount, formatMs(l.FinishedAtUnixMs), dash(truncate(l.Error, 60)))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs")
	return cmd
}

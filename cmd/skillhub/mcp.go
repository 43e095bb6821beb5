package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/floegence/skillhub/internal/mcpserver"
)

func newMCPCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the sync tools over MCP on stdin/stdout",
		Long: `Serve the sync tools over the Model Context Protocol on stdin/stdout.

The process owns the state directory while it runs, like serve.
Logs go to stderr so they never mix with protocol traffic.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.open(true)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if err := a.Prepare(cmd.Context()); err != nil {
				return err
			}
			if err := mcpserver.Serve(mcpserver.New(Version, a.Controller())); err != nil {
				return fmt.Errorf("mcp: %w", err)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "skillhub %s (%s) %s\n", Version, Commit, BuildTime)
		},
	}
}

package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/floegence/skillhub/internal/export"
	"github.com/floegence/skillhub/internal/model"
)

func newExportCmd(root *rootOptions) *cobra.Command {
	var (
		scope string
		out   string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write skills as a tar.gz archive, or show the published export",
		Long: `Write skills as a tar.gz archive.

With --scope ready (default) the archive holds exactly the ready skills.
--scope all includes blocked skills for offline review.
Without -o the archive goes to stdout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var status model.SkillStatus
			switch scope {
			case "ready":
				status = model.StatusReady
			case "all":
			default:
				return fmt.Errorf("invalid --scope %q (want ready|all)", scope)
			}
			a, err := root.open(false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			ctx := cmd.Context()
			skills, err := a.Controller().ListSkills(ctx, status)
			if err != nil {
				return err
			}
			sources, err := a.Controller().ListSources(ctx)
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				w = f
			} else if isTerminalWriter(w) {
				return fmt.Errorf("refusing to write a binary archive to a terminal; use -o")
			}
			if err := export.WriteArchive(w, skills, sources, time.Now()); err != nil {
				return err
			}
			if out != "" && out != "-" {
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d skills to %s\n", len(skills), out)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "ready", "ready|all")
	cmd.Flags().StringVarP(&out, "output", "o", "", "archive path (default stdout)")

	current := &cobra.Command{
		Use:   "current",
		Short: "Show the published export version and its metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.open(false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			version, dir, err := a.Exporter().Current()
			if err != nil {
				return err
			}
			if version == "" {
				return fmt.Errorf("nothing published yet; run `skillhub sync`")
			}
			meta, err := a.Exporter().CurrentMetadata()
			if err != nil {
				return err
			}
			if root.jsonOut {
				return printJSON(cmd.OutOrStdout(), meta)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Version: %s\nPath:    %s\nSkills:  %d\n", version, dir, meta.SkillCount)
			tw := newTable(w, "DIR", "NAME", "SOURCE", "MIRRORS")
			for _, s := range meta.Skills {
				row(tw, s.Dir, s.Name, s.Source, len(s.Mirrors))
			}
			return tw.Flush()
		},
	}
	cmd.AddCommand(current)
	return cmd
}

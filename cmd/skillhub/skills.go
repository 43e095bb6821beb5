package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/floegence/skillhub/internal/model"
)

func newSkillsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Inspect aggregated skills",
	}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List skills",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.open(false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			skills, err := a.Controller().ListSkills(cmd.Context(), model.SkillStatus(strings.ToLower(status)))
			if err != nil {
				return err
			}
			if root.jsonOut {
				for i := range skills {
					skills[i].Content = ""
					skills[i].Files = nil
				}
				return printJSON(cmd.OutOrStdout(), skills)
			}
			tw := newTable(cmd.OutOrStdout(), "ID", "NAME", "SOURCE", "PATH", "STATUS", "SUMMARY")
			for _, s := range skills {
				summary := ""
				if s.Analysis != nil {
					summary = s.Analysis.Summary
				}
				row(tw, s.ID, s.Name, s.SourceID, s.Path, s.Status, dash(truncate(summary, 60)))
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status: ready|blocked")

	show := &cobra.Command{
		Use:   "show <skill-id>",
		Short: "Show one skill with its analysis and SKILL.md",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.open(false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			sk, err := a.Controller().GetSkill(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if root.jsonOut {
				return printJSON(cmd.OutOrStdout(), sk)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "ID:      %s\nName:    %s\nSource:  %s\nPath:    %s\nStatus:  %s\nHash:    %s\n",
				sk.ID, sk.Name, sk.SourceID, sk.Path, sk.Status, sk.ContentHash)
			if len(sk.Mirrors) > 0 {
				fmt.Fprintf(w, "Mirrors: %s\n", strings.Join(sk.Mirrors, ", "))
			}
			if an := sk.Analysis; an != nil {
				fmt.Fprintf(w, "Summary: %s\nQuality: %d\n", an.Summary, an.QualityScore)
				if len(an.Tags) > 0 {
					fmt.Fprintf(w, "Tags:    %s\n", strings.Join(an.Tags, ", "))
				}
			}
			for _, f := range sk.Files {
				fmt.Fprintf(w, "File:    %s (%d bytes)\n", f.Path, len(f.Content))
			}
			fmt.Fprintf(w, "\n%s\n", strings.TrimRight(sk.Content, "\n"))
			return nil
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/floegence/skillhub/internal/model"
)

func newConflictsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect conflicts between skills",
	}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List conflicts (pending by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := model.ConflictStatus(strings.ToLower(strings.TrimSpace(status)))
			if st != "" && st != "all" && !st.Valid() {
				return fmt.Errorf("unknown status %q (want pending|resolved|all)", status)
			}
			if st == "all" {
				st = ""
			}
			a, err := root.open(false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			list, err := a.Controller().ListConflicts(cmd.Context(), st)
			if err != nil {
				return err
			}
			if root.jsonOut {
				return printJSON(cmd.OutOrStdout(), list)
			}
			tw := newTable(cmd.OutOrStdout(), "ID", "TYPE", "STATUS", "SKILLS", "RECOMMENDS", "RESOLUTION")
			for _, c := range list {
				rec, res := "-", "-"
				if c.AIRecommendation != nil {
					rec = string(c.AIRecommendation.Action)
				}
				if c.Resolution != nil {
					res = string(c.Resolution.Action)
				}
				row(tw, c.ID, c.Type, c.Status, strings.Join(c.SkillIDs, ","), rec, res)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&status, "status", string(model.ConflictPending), "pending|resolved|all")

	show := &cobra.Command{
		Use:   "show <conflict-id>",
		Short: "Show a conflict with its members and recommendation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.open(false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			ctx := cmd.Context()
			c, err := a.Controller().GetConflict(ctx, args[0])
			if err != nil {
				return err
			}
			if root.jsonOut {
				return printJSON(cmd.OutOrStdout(), c)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "ID:      %s\nType:    %s\nStatus:  %s\nCreated: %s\n", c.ID, c.Type, c.Status, formatMs(c.CreatedAtUnixMs))
			fmt.Fprintln(w, "Members:")
			for _, id := range c.SkillIDs {
				sk, err := a.Controller().GetSkill(ctx, id)
				if err != nil {
					fmt.Fprintf(w, "  %s (gone)\n", id)
					continue
				}
				fmt.Fprintf(w, "  %s  %s  %s:%s  %s\n", sk.ID, sk.Name, sk.SourceID, sk.Path, sk.ContentHash)
			}
			if rec := c.AIRecommendation; rec != nil {
				fmt.Fprintf(w, "Recommendation: %s", rec.Action)
				if rec.ChosenSkillID != "" {
					fmt.Fprintf(w, " %s", rec.ChosenSkillID)
				}
				fmt.Fprintf(w, "\n  %s\n", rec.Reason)
			}
			if res := c.Resolution; res != nil {
				fmt.Fprintf(w, "Resolution: %s (%s)\n", res.Action, formatMs(c.ResolvedAtUnixMs))
			}
			return nil
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func newResolveCmd(root *rootOptions) *cobra.Command {
	var (
		chosen      string
		mergedFile  string
		renamePairs []string
	)
	cmd := &cobra.Command{
		Use:   "resolve <conflict-id> <choose_one|merge|keep_all>",
		Short: "Resolve a pending conflict; the next sync applies it",
		Long: `Resolve a pending conflict.

  choose_one  keep --skill and retire the other members
  merge       replace the members with --merged-file (default: the advisor's suggestion)
  keep_all    keep every member; --rename id=name overrides the <name>-<source> default

Examples:
  skillhub resolve 3f2a choose_one --skill sk_1a2b
  skillhub resolve 3f2a merge --merged-file deploy.md
  skillhub resolve 3f2a keep_all --rename sk_1a2b=deploy-helm`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := model.ParseResolutionAction(args[1])
			if err != nil {
				return err
			}
			res := model.Resolution{Action: action, ChosenSkillID: strings.TrimSpace(chosen)}
			if mergedFile != "" {
				b, err := os.ReadFile(mergedFile)
				if err != nil {
					return err
				}
				res.MergedContent = string(b)
			}
			if len(renamePairs) > 0 {
				res.Renames = make(map[string]string, len(renamePairs))
				for _, pair := range renamePairs {
					id, name, ok := strings.Cut(pair, "=")
					if !ok || strings.TrimSpace(id) == "" {
						return errors.New("--rename expects id=name")
					}
					res.Renames[strings.TrimSpace(id)] = strings.TrimSpace(name)
				}
			}

			a, err := root.open(true)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			out, err := a.Controller().Resolve(cmd.Context(), args[0], res)
			if err != nil {
				return err
			}
			if root.jsonOut {
				return printJSON(cmd.OutOrStdout(), out)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "conflict %s resolved with %s; run `skillhub sync` to publish\n", out.Conflict.ID, action)
			return nil
		},
	}
	cmd.Flags().StringVar(&chosen, "skill", "", "skill id to keep (choose_one) or to carry merged content (merge)")
	cmd.Flags().StringVar(&mergedFile, "merged-file", "", "file with the merged SKILL.md")
	cmd.Flags().StringArrayVar(&renamePairs, "rename", nil, "keep_all rename as id=name (repeatable)")
	return cmd
}

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/floegence/skillhub/internal/model"
	"github.com/floegence/skillhub/internal/registry"
)

func newSourcesCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Manage the repositories skills are pulled from",
	}
	cmd.AddCommand(
		newSourcesListCmd(root),
		newSourcesAddCmd(root),
		newSourcesUpdateCmd(root),
		newSourcesRemoveCmd(root),
	)
	return cmd
}

func newSourcesListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sources in priority order",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.open(false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			list, err := a.Controller().ListSources(cmd.Context())
			if err != nil {
				return err
			}
			if root.jsonOut {
				return printJSON(cmd.OutOrStdout(), list)
			}
			tw := newTable(cmd.OutOrStdout(), "ID", "NAME", "PRIORITY", "URL", "REF", "SUB_PATH", "TOKEN", "LAST_SYNC")
			for _, s := range list {
				token := "no"
				if s.HasAccessToken() {
					token = "yes"
				}
				row(tw, s.ID, s.Name, s.Priority, s.URL, dash(s.Ref), dash(s.SubPath), token, formatMs(s.LastSyncAtUnixMs))
			}
			return tw.Flush()
		},
	}
}

type sourceFlags struct {
	name, url, subPath, ref string
	priority                int
	tokenEnv                string
}

func (f *sourceFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "name", "", "unique source name")
	cmd.Flags().StringVar(&f.url, "url", "", "owner/repo, a GitHub or git URL, or a local directory")
	cmd.Flags().StringVar(&f.subPath, "sub-path", "", "only scan this directory of the repository")
	cmd.Flags().StringVar(&f.ref, "ref", "", "branch, tag or commit (default: repository default branch)")
	cmd.Flags().IntVar(&f.priority, "priority", 0, "higher wins when identical content appears in several sources")
	cmd.Flags().StringVar(&f.tokenEnv, "token-env", "", "environment variable holding an access token")
}

func (f *sourceFlags) token() (string, error) {
	env := strings.TrimSpace(f.tokenEnv)
	if env == "" {
		return "", nil
	}
	v := strings.TrimSpace(os.Getenv(env))
	if v == "" {
		return "", fmt.Errorf("environment variable %s is empty", env)
	}
	return v, nil
}

func newSourcesAddCmd(root *rootOptions) *cobra.Command {
	f := &sourceFlags{}
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a source",
		Example: `  skillhub sources add --name anthropic --url anthropics/skills --sub-path skills --priority 100
  skillhub sources add --name team --url git@git.example.com:team/skills.git --token-env TEAM_TOKEN`,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := f.token()
			if err != nil {
				return err
			}
			a, err := root.open(true)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			src, err := a.Controller().AddSource(cmd.Context(), model.Source{
				Name:        f.name,
				URL:         f.url,
				SubPath:     f.subPath,
				Ref:         f.ref,
				Priority:    f.priority,
				AccessToken: token,
			})
			if err != nil {
				return err
			}
			if root.jsonOut {
				return printJSON(cmd.OutOrStdout(), src)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "source %s added (%s)\n", src.Name, src.ID)
			return nil
		},
	}
	f.bind(cmd)
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func newSourcesUpdateCmd(root *rootOptions) *cobra.Command {
	f := &sourceFlags{}
	cmd := &cobra.Command{
		Use:   "update <source-id>",
		Short: "Change a source; only the given flags are applied",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch registry.Patch
			flags := cmd.Flags()
			if flags.Changed("name") {
				patch.Name = &f.name
			}
			if flags.Changed("url") {
				patch.URL = &f.url
			}
			if flags.Changed("sub-path") {
				patch.SubPath = &f.subPath
			}
			if flags.Changed("ref") {
				patch.Ref = &f.ref
			}
			if flags.Changed("priority") {
				patch.Priority = &f.priority
			}
			if flags.Changed("token-env") {
				token, err := f.token()
				if err != nil {
					return err
				}
				patch.AccessToken = &token
			}

			a, err := root.open(true)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			src, err := a.Controller().UpdateSource(cmd.Context(), args[0], patch)
			if err != nil {
				return err
			}
			if root.jsonOut {
				return printJSON(cmd.OutOrStdout(), src)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "source %s updated\n", src.Name)
			return nil
		},
	}
	f.bind(cmd)
	return cmd
}

func newSourcesRemoveCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <source-id>",
		Short: "Unregister a source and drop its skills",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.open(true)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if err := a.Controller().RemoveSource(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "source %s removed\n", args[0])
			return nil
		},
	}
}

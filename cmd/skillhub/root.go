package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/floegence/skillhub/internal/app"
	"github.com/floegence/skillhub/internal/config"
	"github.com/floegence/skillhub/internal/lockfile"
)

type rootOptions struct {
	configPath string
	jsonOut    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "skillhub",
		Short: "Aggregate agent skills from many repositories into one conflict-free set",
		Long: `skillhub pulls SKILL.md packages from registered sources, analyzes them,
detects name and content collisions, and exports the skills that are safe to use.

Conflicting skills stay blocked until a conflict is resolved with
choose_one, merge or keep_all.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default $"+config.EnvConfigPath+" or ~/.skillhub/config.yaml)")
	cmd.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "print JSON instead of tables")

	cmd.AddCommand(
		newServeCmd(opts),
		newSyncCmd(opts),
		newStatusCmd(opts),
		newHistoryCmd(opts),
		newSkillsCmd(opts),
		newConflictsCmd(opts),
		newResolveCmd(opts),
		newSourcesCmd(opts),
		newExportCmd(opts),
		newMCPCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// loadConfig reads .env files and then the config. The state dir's .env wins over the working directory's.
func (o *rootOptions) loadConfig() (*config.Config, string, error) {
	path := filepath.Clean(config.ResolvePath(o.configPath))
	if err := config.LoadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env"); err != nil {
		return nil, "", fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}

// open assembles the runtime. exclusive commands need the state-dir lock.
func (o *rootOptions) open(exclusive bool) (*app.App, error) {
	cfg, path, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.New(app.Options{
		Config:     cfg,
		ConfigPath: path,
		Version:    Version,
		Commit:     Commit,
		BuildTime:  BuildTime,
		LogOutput:  os.Stderr,
		Exclusive:  exclusive,
	})
	if errors.Is(err, lockfile.ErrAlreadyLocked) {
		return nil, fmt.Errorf("%w\nanother skillhub process (usually `skillhub serve`) owns %s; use its HTTP API or stop it first", err, cfg.StateDir)
	}
	return a, err
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the sync schedule and config hot-reload",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.open(true)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			cfg := a.Config()
			if listen != "" {
				cfg.Server.Listen = listen
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			// Graceful shutdown on SIGINT/SIGTERM.
			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(stop)
			go func() {
				select {
				case <-stop:
					cancel()
				case <-ctx.Done():
				}
			}()

			return a.Serve(ctx, func(addr string) {
				printBanner(cmd.ErrOrStderr(), bannerOptions{
					Version:  Version,
					Addr:     addr,
					StateDir: cfg.StateDir,
					Sources:  len(cfg.Sources),
					Schedule: cfg.Sync.Schedule,
				})
			})
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override server.listen (host:port)")
	return cmd
}

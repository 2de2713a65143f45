// ABOUTME: Entry point for the fleetsync command line client
// ABOUTME: Wires config, logging and the sync client behind cobra subcommands

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389/fleetsync/internal/config"
	"github.com/2389/fleetsync/internal/logging"
	"github.com/2389/fleetsync/internal/syncclient"
)

// Version is set at build time.
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fleetsync",
		Short:         "Keep a live local view of fleet agents and tasks",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "config file (default $FLEETSYNC_CONFIG or ~/.config/fleetsync/config.yaml)")

	root.AddCommand(
		watchCmd(),
		snapshotCmd(),
		initCmd(),
	)
	return root
}

// configPath returns the --config flag or the default lookup.
func configPath(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		return p
	}
	return config.Path()
}

// loadClient loads the config file and builds a client and logger from it.
func loadClient(cmd *cobra.Command) (*syncclient.Client, *slog.Logger, error) {
	cfg, err := config.Load(configPath(cmd))
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logger := logging.New(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)

	token, err := cfg.ResolveToken()
	if err != nil {
		return nil, nil, fmt.Errorf("resolving token: %w", err)
	}

	ccfg := syncclient.FromConfig(cfg, token)
	ccfg.Logger = logger
	client, err := syncclient.New(ccfg)
	if err != nil {
		return nil, nil, err
	}
	return client, logger, nil
}

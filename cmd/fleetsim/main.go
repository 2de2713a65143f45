// ABOUTME: Entry point for the fleetsim development backend
// ABOUTME: Serves a simulated fleet over websocket and HTTP, and issues test tokens

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/fleetsync/internal/logging"
	"github.com/2389/fleetsync/internal/simulator"
)

// EnvSecret names the environment variable holding the signing secret.
const EnvSecret = "FLEETSIM_SECRET"

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
		Use:           "fleetsim",
		Short:         "Simulated fleet backend for developing against fleetsync",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("secret", "", "HS256 signing secret (default $"+EnvSecret+")")
	root.AddCommand(serveCmd(), tokenCmd())
	return root
}

func secret(cmd *cobra.Command) ([]byte, error) {
	s, _ := cmd.Flags().GetString("secret")
	if s == "" {
		s = os.Getenv(EnvSecret)
	}
	if s == "" {
		return nil, errors.New("a signing secret is required: pass --secret or set " + EnvSecret)
	}
	return []byte(s), nil
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the simulator until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := secret(cmd)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			addr, _ := flags.GetString("addr")
			drivers, _ := flags.GetInt("drivers")
			seed, _ := flags.GetUint64("seed")
			tick, _ := flags.GetDuration("tick")
			silent, _ := flags.GetBool("no-pong")
			level, _ := flags.GetString("log-level")
			format, _ := flags.GetString("log-format")

			logger := logging.New(cmd.ErrOrStderr(), level, format)
			opts := []simulator.Option{simulator.WithLogger(logger)}
			if silent {
				opts = append(opts, simulator.WithoutPongs())
			}

			world := simulator.NewWorld(simulator.WorldConfig{Drivers: drivers, Seed: seed})
			srv := simulator.NewServer(world, simulator.NewVerifier(key), opts...)
			return srv.Run(cmd.Context(), addr, tick)
		},
	}
	flags := cmd.Flags()
	flags.String("addr", "127.0.0.1:8080", "listen address")
	flags.Int("drivers", 10, "number of simulated drivers")
	flags.Uint64("seed", uint64(time.Now().UnixNano()), "random seed")
	flags.Duration("tick", time.Second, "simulation step interval")
	flags.Bool("no-pong", false, "ignore client pings")
	flags.String("log-level", "info", "log level (debug/info/warn/error)")
	flags.String("log-format", "text", "log format (text/json)")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed token for connecting to the simulator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := secret(cmd)
			if err != nil {
				return err
			}
			subject, _ := cmd.Flags().GetString("subject")
			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			tok, err := simulator.NewVerifier(key).Issue(subject, role, ttl)
			if err != nil {
				return fmt.Errorf("signing token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().String("subject", "dispatcher-1", "token subject")
	cmd.Flags().String("role", simulator.RoleDispatcher, "token role; anything else is closed with 4003")
	cmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime; negative issues an expired token")
	return cmd
}

// ABOUTME: The init subcommand writes a config file from interactive answers
// ABOUTME: Prompts fall back to defaults on empty input

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/2389/fleetsync/internal/config"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a new config file interactively",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd.InOrStdin(), cmd.OutOrStdout(), configPath(cmd))
		},
	}
}

func runInit(in io.Reader, out io.Writer, defaultPath string) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "fleetsync configuration setup")
	fmt.Fprintln(out, "=============================")
	fmt.Fprintln(out)

	outputFile := prompt(reader, out, "Config file path", defaultPath)
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	cfg := config.Default()

	fmt.Fprintln(out, "\n--- Server ---")
	cfg.Server.PushURL = prompt(reader, out, "Push websocket URL", "ws://localhost:8080/ws")
	cfg.Server.SnapshotURL = prompt(reader, out, "Snapshot base URL", "http://localhost:8080")
	cfg.Server.ProbeURL = prompt(reader, out, "Probe URL (optional)", "")

	fmt.Fprintln(out, "\n--- Credentials ---")
	cfg.Auth.TokenFile = prompt(reader, out, "Token file (leave empty to enter a token)", "")
	if cfg.Auth.TokenFile == "" {
		cfg.Auth.Token = prompt(reader, out, "Token (use ${VAR} to read from the environment)", "${FLEETSYNC_TOKEN}")
	}

	fmt.Fprintln(out, "\n--- Cache ---")
	cfg.Cache.Path = prompt(reader, out, "Warm-start cache path (optional)", "")

	fmt.Fprintln(out, "\n--- Logging ---")
	cfg.Logging.Level = prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	cfg.Logging.Format = prompt(reader, out, "Log format (text/json)", "text")

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid answers: %w", err)
	}
	if err := cfg.Write(outputFile); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	return nil
}

// prompt asks for a value and returns def on empty input or EOF.
func prompt(reader *bufio.Reader, out io.Writer, label, def string) string {
	if def != "" {
		fmt.Fprintf(out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(out, "%s: ", label)
	}
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return def
	}
	return line
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "y" || s == "yes"
}

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL  string
	apiKey     string
	timeout    time.Duration
	memoryMB   uint
	jsonOutput bool
)

// errScriptFailed signals a completed run whose script failed; the result
// has already been printed.
var errScriptFailed = errors.New("script failed")

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		if !errors.Is(err, errScriptFailed) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "jsbox",
		Short:         "Run JavaScript in a memory- and time-bounded sandbox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", envOr("JSBOX_SERVER", "http://localhost:8080"), "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("JSBOX_API_KEY"), "API key")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print the result as JSON")

	limitFlags := func(cmd *cobra.Command) {
		cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Execution timeout")
		cmd.Flags().UintVar(&memoryMB, "memory", 128, "Memory limit in MB")
	}

	runCmd := &cobra.Command{
		Use:   "run [code]",
		Short: "Run code in-process (reads stdin when no code is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := codeFromArgs(cmd, args)
			if err != nil {
				return err
			}
			return runLocal(cmd, code)
		},
	}
	limitFlags(runCmd)
	root.AddCommand(runCmd)

	runFileCmd := &cobra.Command{
		Use:   "run-file [file]",
		Short: "Run a file in-process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			return runLocal(cmd, string(data))
		},
	}
	limitFlags(runFileCmd)
	root.AddCommand(runFileCmd)

	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Execute code on the server (reads stdin when no code is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := codeFromArgs(cmd, args)
			if err != nil {
				return err
			}
			return runRemote(cmd, code)
		},
	}
	limitFlags(execCmd)
	root.AddCommand(execCmd)

	execFileCmd := &cobra.Command{
		Use:   "exec-file [file]",
		Short: "Execute a file on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			return runRemote(cmd, string(data))
		},
	}
	limitFlags(execFileCmd)
	root.AddCommand(execFileCmd)

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		Args:  cobra.NoArgs,
		RunE:  runHealth,
	})

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent executions",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
	listCmd.Flags().String("status", "", "Filter by status (success, failure, error, blocked, killed)")
	listCmd.Flags().String("kind", "", "Filter by error kind")
	listCmd.Flags().Int("limit", 20, "Maximum number of executions")
	root.AddCommand(listCmd)

	root.AddCommand(&cobra.Command{
		Use:   "kill [id]",
		Short: "Terminate a running execution",
		Args:  cobra.ExactArgs(1),
		RunE:  runKill,
	})

	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

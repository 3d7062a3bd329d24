package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"agent-js-sandbox/internal/sandbox"
)

func codeFromArgs(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return string(data), nil
}

// runLocal executes code in a Service owned by this process.
func runLocal(cmd *cobra.Command, code string) error {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel)

	svc, err := sandbox.NewService(sandbox.Config{
		MemoryLimitMB: memoryMB,
		Timeout:       timeout,
	}, sandbox.WithLogger(logger))
	if err != nil {
		return err
	}
	defer svc.Dispose()

	res, err := svc.Execute(cmd.Context(), sandbox.Request{Code: code})
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), res, res)
}

// printResult writes res in the selected format. raw is what --json prints.
func printResult(w io.Writer, res *sandbox.Result, raw any) error {
	if jsonOutput {
		if err := writeJSON(w, raw); err != nil {
			return err
		}
	} else {
		render(w, res)
	}
	if !res.OK() {
		return errScriptFailed
	}
	return nil
}

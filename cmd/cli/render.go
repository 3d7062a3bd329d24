package main

import (
	"encoding/json"
	"fmt"
	"io"

	"agent-js-sandbox/internal/sandbox"
)

// render prints a result for humans: console lines, then the returned value
// and stats on success, or the error kind and message on failure.
func render(w io.Writer, res *sandbox.Result) {
	for _, line := range res.ConsoleOutput {
		fmt.Fprintln(w, line)
	}

	if !res.OK() {
		if res.Failure == nil {
			fmt.Fprintln(w, "ExecutionError: unknown failure")
			return
		}
		fmt.Fprintf(w, "%s: %s\n", res.Failure.Kind, res.Failure.Message)
		if res.Failure.Stack != nil && *res.Failure.Stack != "" {
			fmt.Fprintln(w, *res.Failure.Stack)
		}
		return
	}

	if res.Returned() {
		fmt.Fprintf(w, "=> %s\n", res.ReturnedValue)
	} else {
		fmt.Fprintln(w, "=> undefined")
	}
	if res.Stats != nil {
		fmt.Fprintf(w, "cpu %.2fms  wall %.2fms  heap %s\n",
			res.Stats.CPUTimeMS, res.Stats.WallTimeMS, formatBytes(res.Stats.MemoryUsedBytes))
	}
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(n)/float64(div), "KMGTPE"[exp])
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

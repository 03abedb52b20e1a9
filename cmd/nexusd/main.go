// Command nexusd runs the session execution engine as a standalone
// daemon: a WebSocket-facing Agent Handle, Prometheus metrics, and
// (configuration permitting) a gRPC remote-proxy mesh endpoint, plus
// operational subcommands for inspecting the event journal and forking
// sessions without going through a protocol adapter.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "nexusd",
		Short:        "Run the Nexus session execution engine",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd(), buildReplayCmd(), buildSessionCmd())
	return root
}

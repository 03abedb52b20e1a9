package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/quorumrun/nexus/internal/replay"
)

func buildReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Inspect the durable event journal",
	}
	cmd.AddCommand(buildReplayInspectCmd())
	return cmd
}

func buildReplayInspectCmd() *cobra.Command {
	var configPath string
	var afterSeq int64
	var limit int
	cmd := &cobra.Command{
		Use:   "inspect <session-id>",
		Short: "Print a folded view of a session's durable event stream",
		Args:  cobra.ExactArgs(1),
		Example: `  nexusd replay inspect sess_abc123
  nexusd replay inspect sess_abc123 --after 50 --limit 100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplayInspect(cmd.Context(), cmd.OutOrStdout(), configPath, args[0], afterSeq, limit)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "nexusd.yaml", "Path to YAML configuration file")
	cmd.Flags().Int64Var(&afterSeq, "after", 0, "Only include events with stream_seq greater than this")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of events to load (0 = unbounded)")
	return cmd
}

func runReplayInspect(ctx context.Context, out io.Writer, configPath, sessionID string, afterSeq int64, limit int) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	rt, err := buildRuntime(ctx, cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("building runtime: %w", err)
	}
	defer rt.Close()

	events, err := rt.replay.Replay(ctx, sessionID, afterSeq, limit)
	if err != nil {
		return fmt.Errorf("replaying session: %w", err)
	}
	view := replay.BuildView(sessionID, events)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}

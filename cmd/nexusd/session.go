package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/quorumrun/nexus/internal/agenthandle"
	"github.com/quorumrun/nexus/pkg/model"
)

func buildSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage sessions directly against the Agent Handle façade",
	}
	cmd.AddCommand(buildSessionForkCmd())
	return cmd
}

func buildSessionForkCmd() *cobra.Command {
	var configPath, origin, pointType, pointRef, instructions string
	cmd := &cobra.Command{
		Use:   "fork <source-session-id>",
		Short: "Fork a session at a given point, without a live protocol adapter",
		Args:  cobra.ExactArgs(1),
		Example: `  nexusd session fork sess_abc123 --instructions "continue investigating the timeout"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionFork(cmd.Context(), cmd.OutOrStdout(), configPath, args[0], origin, pointType, pointRef, instructions)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "nexusd.yaml", "Path to YAML configuration file")
	cmd.Flags().StringVar(&origin, "origin", string(model.ForkOriginUser), "Fork origin: user or delegation")
	cmd.Flags().StringVar(&pointType, "point-type", string(model.ForkPointNone), "Fork point type: none, message, or progress-entry")
	cmd.Flags().StringVar(&pointRef, "point-ref", "", "Fork point reference id, required unless point-type is none")
	cmd.Flags().StringVar(&instructions, "instructions", "", "Instructions seeded into the forked session")
	return cmd
}

func runSessionFork(ctx context.Context, out io.Writer, configPath, sourceID, origin, pointType, pointRef, instructions string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	rt, err := buildRuntime(ctx, cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("building runtime: %w", err)
	}
	defer rt.Close()

	child, err := rt.handle.ForkSession(ctx, agenthandle.ForkSessionRequest{
		SourceSessionID: sourceID,
		Origin:          model.ForkOrigin(origin),
		PointType:       model.ForkPointType(pointType),
		PointRef:        pointRef,
		Instructions:    instructions,
	})
	if err != nil {
		return fmt.Errorf("forking session: %w", err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(child)
}

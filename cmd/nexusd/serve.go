package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the WebSocket adapter, metrics endpoint, and optional remote-proxy mesh listener",
		Example: `  nexusd serve --config nexusd.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "nexusd.yaml", "Path to YAML configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := slog.Default()
	rt, err := buildRuntime(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("building runtime: %w", err)
	}
	defer rt.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go rt.telemetry.Run(ctx, rt.fanout)

	if rt.gcSched != nil {
		rt.gcSched.Start()
		defer rt.gcSched.Stop()
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", rt.adapter)
	mux.Handle("/metrics", promhttp.HandlerFor(rt.metrics, promhttp.HandlerOpts{}))
	wsServer := &http.Server{Addr: cfg.Server.WSAddr, Handler: mux}

	errCh := make(chan error, 2)
	go func() {
		log.Info("nexusd listening", "ws_addr", cfg.Server.WSAddr)
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("ws server: %w", err)
		}
	}()

	var meshListener net.Listener
	if rt.meshServer != nil {
		meshListener, err = net.Listen("tcp", cfg.RemoteMesh.ListenAddr)
		if err != nil {
			return fmt.Errorf("listening on remote-mesh addr: %w", err)
		}
		gs := newMeshGRPCServer(rt)
		go func() {
			log.Info("remote-proxy mesh listening", "addr", cfg.RemoteMesh.ListenAddr)
			if err := gs.Serve(meshListener); err != nil {
				errCh <- fmt.Errorf("mesh server: %w", err)
			}
		}()
		defer gs.GracefulStop()
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down ws server: %w", err)
	}
	return nil
}

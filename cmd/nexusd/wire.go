package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"github.com/quorumrun/nexus/internal/agenthandle"
	"github.com/quorumrun/nexus/internal/auth"
	"github.com/quorumrun/nexus/internal/delegation"
	"github.com/quorumrun/nexus/internal/engine"
	"github.com/quorumrun/nexus/internal/journal"
	"github.com/quorumrun/nexus/internal/middleware"
	"github.com/quorumrun/nexus/internal/providers"
	"github.com/quorumrun/nexus/internal/remoteproxy"
	"github.com/quorumrun/nexus/internal/replay"
	"github.com/quorumrun/nexus/internal/sessionstore"
	"github.com/quorumrun/nexus/internal/snapshot"
	"github.com/quorumrun/nexus/internal/telemetry"
	"github.com/quorumrun/nexus/internal/toolkit"
	"github.com/quorumrun/nexus/internal/wireadapter"
	"github.com/quorumrun/nexus/pkg/contract"
)

// runtime bundles every collaborator wired from a Config, so serve,
// "replay inspect", and "session fork" can all be built on top of the
// same construction path instead of duplicating it per subcommand.
type runtime struct {
	store      contract.SessionStore
	engine     *engine.Engine
	handle     *agenthandle.Handle
	fanout     *journal.Fanout
	telemetry  *telemetry.Collector
	metrics    *prometheus.Registry
	replay     *replay.Store
	adapter    *wireadapter.Adapter
	meshServer *remoteproxy.Server
	gcSched    *snapshot.GCScheduler
	closers    []func() error
}

// engineRunner breaks the construction cycle between engine.Engine and
// delegation.Manager: the manager needs a SessionRunner before the
// engine that implements one exists, so this forwards to whichever
// engine is assigned to it after both are built.
type engineRunner struct {
	engine *engine.Engine
}

func (r *engineRunner) RunTurn(ctx context.Context, sessionID, text string) (string, error) {
	return r.engine.RunTurn(ctx, sessionID, text)
}

func buildRuntime(ctx context.Context, cfg *Config, log *slog.Logger) (*runtime, error) {
	store, j, closeDB, err := openStorage(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	registry := providers.NewRegistry()
	registerProviders(ctx, registry, cfg.LLM, log)

	var meshServer *remoteproxy.Server
	var meshCloseFns []func() error
	if cfg.RemoteMesh.ListenAddr != "" {
		meshServer = remoteproxy.NewServer(registry, log)
	}
	for name, addr := range cfg.RemoteMesh.Peers {
		client, conn, err := remoteproxy.Dial(remoteproxy.Config{Addr: addr, ProviderName: name, Log: log})
		if err != nil {
			return nil, fmt.Errorf("dialing remote provider %q: %w", name, err)
		}
		registry.Register(client)
		meshCloseFns = append(meshCloseFns, conn.Close)
	}

	toolRegistry := toolkit.NewRegistry()
	executor := toolkit.NewExecutor(toolRegistry, toolkit.DefaultExecutorConfig(), log)
	chain := middleware.NewChain()

	fanout := journal.NewFanout(256)
	sink := journal.NewSink(j, fanout, log)

	runner := &engineRunner{}
	delegations := delegation.NewManager(store, runner, sink, delegation.DefaultConfig(), log)

	var snapStore *snapshot.Store
	var gcSched *snapshot.GCScheduler
	if cfg.Snapshots.Enabled {
		snapStore, err = snapshot.NewStore(cfg.Snapshots.BaseDir)
		if err != nil {
			return nil, fmt.Errorf("opening snapshot store: %w", err)
		}
		policy := snapshot.RetainPolicy{MinCount: cfg.Snapshots.GCMinCount, MaxAge: cfg.Snapshots.GCMaxAge}
		gcSched, err = snapshot.NewGCScheduler(snapStore, cfg.Snapshots.GCSpec, policy, log)
		if err != nil {
			return nil, fmt.Errorf("scheduling snapshot gc: %w", err)
		}
	}

	tracer, closeTracer := telemetry.NewTracer(telemetry.TraceConfig{
		Endpoint:       cfg.Tracing.Endpoint,
		ServiceName:    cfg.Tracing.ServiceName,
		Environment:    cfg.Tracing.Environment,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.EnableInsecure,
	})

	engCfg := engine.DefaultConfig()
	engCfg.Snapshots = snapStore
	engCfg.Tracer = tracer
	eng := engine.New(store, registry, toolRegistry, executor, chain, delegations, sink, fanout, engCfg, log)
	runner.engine = eng

	authSvc := auth.NewService(auth.Config{
		JWTSecret:   cfg.Auth.JWTSecret,
		TokenExpiry: cfg.Auth.TokenExpiry,
		APIKeys:     convertAPIKeys(cfg.Auth.APIKeys),
	})

	handle := agenthandle.New(agenthandle.Config{Store: store, Engine: eng, Auth: authSvc, Log: log})
	adapter := wireadapter.New(handle, fanout, log)
	replayStore := replay.New(j, fanout)
	metricsReg := prometheus.NewRegistry()
	collector := telemetry.NewCollector(metricsReg)

	rt := &runtime{
		store:      store,
		engine:     eng,
		handle:     handle,
		fanout:     fanout,
		telemetry:  collector,
		metrics:    metricsReg,
		replay:     replayStore,
		adapter:    adapter,
		meshServer: meshServer,
		gcSched:    gcSched,
		closers:    append([]func() error{closeDB, func() error { return closeTracer(ctx) }}, meshCloseFns...),
	}
	return rt, nil
}

func (rt *runtime) Close() error {
	var firstErr error
	for _, c := range rt.closers {
		if c == nil {
			continue
		}
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func openStorage(ctx context.Context, cfg DatabaseConfig) (contract.SessionStore, journal.Journal, func() error, error) {
	switch cfg.Backend {
	case "postgres":
		db, err := sql.Open("postgres", cfg.URL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("opening postgres: %w", err)
		}
		if cfg.MaxConnections > 0 {
			db.SetMaxOpenConns(cfg.MaxConnections)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
		store, err := sessionstore.NewPostgresStore(ctx, db)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("initializing session store: %w", err)
		}
		j, err := journal.NewPostgresJournal(ctx, db)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("initializing journal: %w", err)
		}
		return store, j, db.Close, nil

	case "sqlite":
		store, err := sessionstore.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("opening sqlite: %w", err)
		}
		// No durable sqlite-backed journal exists yet; events from a
		// sqlite-backed deployment are fanned out live but not
		// replayable across a restart.
		return store, journal.NewMemoryJournal(), store.DB().Close, nil

	case "memory", "":
		return sessionstore.NewMemoryStore(), journal.NewMemoryJournal(), func() error { return nil }, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown database backend %q", cfg.Backend)
	}
}

func registerProviders(ctx context.Context, registry *providers.Registry, cfg LLMConfig, log *slog.Logger) {
	if cfg.Anthropic.APIKey != "" {
		registry.Register(providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:    cfg.Anthropic.APIKey,
			Model:     cfg.Anthropic.Model,
			MaxTokens: cfg.Anthropic.MaxTokens,
			BaseURL:   cfg.Anthropic.BaseURL,
		}))
	}
	if cfg.OpenAI.APIKey != "" {
		registry.Register(providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:    cfg.OpenAI.APIKey,
			Model:     cfg.OpenAI.Model,
			MaxTokens: cfg.OpenAI.MaxTokens,
			BaseURL:   cfg.OpenAI.BaseURL,
		}))
	}
	if cfg.Bedrock.Region != "" {
		p, err := providers.NewBedrockProvider(ctx, providers.BedrockConfig{
			Region:    cfg.Bedrock.Region,
			ModelID:   cfg.Bedrock.ModelID,
			MaxTokens: cfg.Bedrock.MaxTokens,
		})
		if err != nil {
			log.Warn("bedrock provider unavailable", "err", err)
		} else {
			registry.Register(p)
		}
	}
}

func convertAPIKeys(entries []APIKeyEntry) []auth.APIKeyConfig {
	out := make([]auth.APIKeyConfig, len(entries))
	for i, e := range entries {
		out[i] = auth.APIKeyConfig{Key: e.Key, UserID: e.UserID, Email: e.Email, Name: e.Name}
	}
	return out
}

// newMeshGRPCServer builds the *grpc.Server hosting rt.meshServer, left
// unstarted for the caller to serve on a listener.
func newMeshGRPCServer(rt *runtime) *grpc.Server {
	gs := grpc.NewServer()
	rt.meshServer.Register(gs)
	return gs
}

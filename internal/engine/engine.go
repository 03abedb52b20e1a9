// Package engine implements the session execution engine (component H):
// the turn-by-turn state machine that drives one prompt to completion,
// coordinating the middleware chain, tool dispatch, the compaction
// pipeline, the delegation manager, and per-turn snapshots.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quorumrun/nexus/internal/compaction"
	"github.com/quorumrun/nexus/internal/delegation"
	"github.com/quorumrun/nexus/internal/journal"
	"github.com/quorumrun/nexus/internal/middleware"
	"github.com/quorumrun/nexus/internal/snapshot"
	"github.com/quorumrun/nexus/internal/telemetry"
	"github.com/quorumrun/nexus/internal/toolkit"
	"github.com/quorumrun/nexus/pkg/contract"
	"github.com/quorumrun/nexus/pkg/model"
)

// WaitPolicy selects how a turn parked in WaitingForEvent resumes when
// it is waiting on more than one delegation, per §5's wait_policy.
type WaitPolicy string

const (
	WaitAny WaitPolicy = "any"
	WaitAll WaitPolicy = "all"
)

// Config bounds the engine's own behavior — the concerns that live on
// the engine rather than inside a middleware (truncation, pruning,
// summarization, snapshotting, and delegation waits).
type Config struct {
	ToolOutputMaxBytes int
	ProtectedTools     map[string]bool

	Prune      compaction.PruneConfig
	Summarizer compaction.SummarizeConfig

	// Snapshots enables per-turn workspace snapshots when non-nil.
	// Left nil, the engine never brackets a turn with
	// TurnSnapshotStart/Patch parts (equivalent to snapshot_policy=None).
	Snapshots *snapshot.Store

	// Tracer emits spans around each turn, LLM call, and tool dispatch
	// when non-nil. A nil Tracer skips tracing entirely rather than
	// falling back to a no-op implementation, since most embeddings of
	// the engine (tests, single-shot CLI runs) have no exporter to send
	// spans to.
	Tracer *telemetry.Tracer

	DelegationWaitPolicy        WaitPolicy
	DelegationInactivityTimeout time.Duration
}

// DefaultConfig applies the same defaults as the teacher's layered
// configs: a 32KiB tool-output cap, the compaction package's own prune
// defaults, and a 5-minute delegation wait timeout.
func DefaultConfig() Config {
	return Config{
		ToolOutputMaxBytes:          compaction.DefaultMaxResultBytes,
		Prune:                       compaction.DefaultPruneConfig(),
		DelegationWaitPolicy:        WaitAny,
		DelegationInactivityTimeout: 5 * time.Minute,
	}
}

// Engine drives sessions through turns. One Engine instance is shared
// across every session; per-session state is limited to the cancel
// token map and is always accessed under mu.
type Engine struct {
	store       contract.SessionStore
	providers   contract.ProviderResolver
	registry    *toolkit.Registry
	executor    *toolkit.Executor
	chain       *middleware.Chain
	delegations *delegation.Manager
	sink        *journal.Sink
	fanout      *journal.Fanout
	log         *slog.Logger
	cfg         Config

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	configs map[string]model.LLMConfig
}

// New wires an Engine from its collaborators. delegations and
// cfg.Snapshots may be nil, disabling delegation and per-turn
// snapshotting respectively; a nil log falls back to slog.Default().
// Every other argument is required.
func New(
	store contract.SessionStore,
	providers contract.ProviderResolver,
	registry *toolkit.Registry,
	executor *toolkit.Executor,
	chain *middleware.Chain,
	delegations *delegation.Manager,
	sink *journal.Sink,
	fanout *journal.Fanout,
	cfg Config,
	log *slog.Logger,
) *Engine {
	if cfg.ToolOutputMaxBytes <= 0 {
		cfg.ToolOutputMaxBytes = compaction.DefaultMaxResultBytes
	}
	if cfg.DelegationWaitPolicy == "" {
		cfg.DelegationWaitPolicy = WaitAny
	}
	if cfg.DelegationInactivityTimeout <= 0 {
		cfg.DelegationInactivityTimeout = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:       store,
		providers:   providers,
		registry:    registry,
		executor:    executor,
		chain:       chain,
		delegations: delegations,
		sink:        sink,
		fanout:      fanout,
		cfg:         cfg,
		log:         log.With("component", "engine"),
		cancels:     make(map[string]context.CancelFunc),
		configs:     make(map[string]model.LLMConfig),
	}
}

// CacheLLMConfig makes cfg resolvable by id for any session pointing at
// it. The session store's GetOrCreateLLMConfig dedupes by content, not
// id, so whoever creates or forks a session (the façade, the delegation
// manager's ForkSession call) already has the resolved config in hand
// and is responsible for registering it here before a turn runs against
// that session.
func (e *Engine) CacheLLMConfig(cfg model.LLMConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs[cfg.ID] = cfg
}

func (e *Engine) resolveProvider(llmConfigID string) (contract.ChatProvider, string, error) {
	e.mu.Lock()
	cfg, ok := e.configs[llmConfigID]
	e.mu.Unlock()
	if !ok {
		return nil, "", fmt.Errorf("engine: no cached llm config for id %q", llmConfigID)
	}
	p, ok := e.providers.Resolve(cfg.Provider)
	if !ok {
		return nil, "", fmt.Errorf("engine: no provider registered for %q", cfg.Provider)
	}
	return p, cfg.Model, nil
}

// Cancel flips the cancellation signal for sessionID's active turn, if
// any, and reports whether one was found. It is safe to call for a
// session with no active turn; the call is simply a no-op then.
func (e *Engine) Cancel(sessionID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[sessionID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (e *Engine) setCancel(sessionID string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.cancels[sessionID] = cancel
	e.mu.Unlock()
}

func (e *Engine) clearCancel(sessionID string) {
	e.mu.Lock()
	delete(e.cancels, sessionID)
	e.mu.Unlock()
}

// RunTurn satisfies delegation.SessionRunner: it drives one prompt to
// completion and returns the resulting assistant message's rendered
// text.
func (e *Engine) RunTurn(ctx context.Context, sessionID, userText string) (string, error) {
	msg, err := e.Prompt(ctx, sessionID, userText)
	if err != nil {
		return "", err
	}
	return textOf(msg), nil
}

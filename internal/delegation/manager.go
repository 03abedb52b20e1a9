// Package delegation implements the delegation manager (component G):
// spawning child sessions on a target agent, tracking their outcome,
// and synthesizing the implementation brief each child starts from.
package delegation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quorumrun/nexus/internal/journal"
	"github.com/quorumrun/nexus/pkg/contract"
	"github.com/quorumrun/nexus/pkg/model"
)

// SessionRunner drives a child session through one full turn and
// returns its final assistant text. The engine (component H) satisfies
// this; the manager only depends on the narrow slice it needs, the same
// way it depends on contract.SessionStore rather than a concrete store.
type SessionRunner interface {
	RunTurn(ctx context.Context, sessionID, userText string) (finalText string, err error)
}

// DuplicateChecker detects a collision against an in-flight or
// recently-failed delegation with the same (objective, target-agent)
// pair. middleware.DelegationMiddleware.CheckDuplicate satisfies this;
// the manager depends on the narrow interface rather than the
// middleware package to avoid an import between the two.
type DuplicateChecker interface {
	CheckDuplicate(ctx context.Context, parentSessionID, objective, targetAgentID string) (blocked bool, reason string, err error)
}

// DuplicateError is returned by Start when a DuplicateChecker blocks the
// attempt. Callers (the engine's delegate-tool dispatch) type-assert for
// it to surface the reason verbatim in the tool result instead of
// treating the block as an infrastructure failure.
type DuplicateError struct {
	Reason string
}

func (e *DuplicateError) Error() string { return e.Reason }

// Config bounds the manager's behavior.
type Config struct {
	MaxParallelPerParent int
	Brief                BriefConfig
}

// DefaultConfig mirrors the teacher's NewManager(maxActive=5) default,
// with the brief synthesizer left to the caller to configure (it needs
// a live ChatProvider).
func DefaultConfig() Config {
	return Config{MaxParallelPerParent: 5, Brief: BriefConfig{MinHistoryTokens: 2000}}
}

// Manager manages delegation lifecycle: creating the store row,
// forking the child session, running it under a concurrency permit,
// and recording the outcome.
type Manager struct {
	store  contract.SessionStore
	runner SessionRunner
	sink   *journal.Sink
	cfg    Config
	log    *slog.Logger

	mu    sync.Mutex
	sems  map[string]chan struct{} // parent session id -> permit channel

	dup DuplicateChecker
}

// SetDuplicateChecker installs the duplicate-delegation guard. Left
// unset, Start never blocks on a collision — the default behavior the
// existing tests exercise.
func (m *Manager) SetDuplicateChecker(c DuplicateChecker) {
	m.dup = c
}

// NewManager applies defaults for any zero-valued config field.
func NewManager(store contract.SessionStore, runner SessionRunner, sink *journal.Sink, cfg Config, log *slog.Logger) *Manager {
	if cfg.MaxParallelPerParent <= 0 {
		cfg.MaxParallelPerParent = 5
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:  store,
		runner: runner,
		sink:   sink,
		cfg:    cfg,
		log:    log.With("component", "delegation.manager"),
		sems:   make(map[string]chan struct{}),
	}
}

func (m *Manager) permitFor(parentSessionID string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	sem, ok := m.sems[parentSessionID]
	if !ok {
		sem = make(chan struct{}, m.cfg.MaxParallelPerParent)
		m.sems[parentSessionID] = sem
	}
	return sem
}

// Start creates a Requested delegation, emits DelegationRequested, and
// launches the child session in the background. It returns as soon as
// the delegation row exists; the caller (the engine, transitioning to
// WaitingForEvent) does not block on child completion here — that wait
// is driven by subscribing to the sink's fanout for the resulting
// DelegationCompleted/Failed/Cancelled event.
func (m *Manager) Start(ctx context.Context, parentSessionID, targetAgentID, objective string) (*model.Delegation, error) {
	if m.dup != nil {
		blocked, reason, err := m.dup.CheckDuplicate(ctx, parentSessionID, objective, targetAgentID)
		if err != nil {
			return nil, fmt.Errorf("delegation: duplicate check: %w", err)
		}
		if blocked {
			return nil, &DuplicateError{Reason: reason}
		}
	}

	d := model.NewDelegation(parentSessionID, targetAgentID, objective)
	if err := m.store.CreateDelegation(ctx, d); err != nil {
		return nil, fmt.Errorf("delegation: create: %w", err)
	}
	m.emit(ctx, parentSessionID, model.KindDelegationRequested, d, "")

	go m.run(context.Background(), d)

	return d, nil
}

func (m *Manager) run(ctx context.Context, d *model.Delegation) {
	sem := m.permitFor(d.ParentSessionID)
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		m.fail(ctx, d, "context canceled before a delegation permit was available")
		return
	}

	brief, err := BuildBrief(ctx, m.store, d.ParentSessionID, m.cfg.Brief)
	if err != nil {
		m.fail(ctx, d, fmt.Sprintf("building brief: %v", err))
		return
	}

	// cwd and llm-config are inherited from the parent by ForkSession itself.
	child, err := m.store.ForkSession(ctx, contract.ForkSpec{
		SourceSessionID: d.ParentSessionID,
		Origin:          model.ForkOriginDelegation,
		PointType:       model.ForkPointNone,
		PointRef:        d.ID,
		Instructions:    brief,
	})
	if err != nil {
		m.fail(ctx, d, fmt.Sprintf("forking child session: %v", err))
		return
	}

	d.ChildSessionID = child.ID
	d.Status = model.DelegationRunning
	d.UpdatedAt = time.Now()
	if current, err := m.store.GetDelegation(ctx, d.ID); err == nil && current.Status.Terminal() {
		return
	}
	if err := m.store.UpdateDelegationStatus(ctx, d.ID, model.DelegationRunning, "", ""); err != nil {
		m.log.Error("updating delegation to running failed", "delegation_id", d.ID, "error", err)
	}

	result, err := m.runner.RunTurn(ctx, child.ID, brief)
	if err != nil {
		m.fail(ctx, d, err.Error())
		return
	}

	if current, err := m.store.GetDelegation(ctx, d.ID); err == nil && current.Status.Terminal() {
		return
	}
	d.Status = model.DelegationComplete
	d.Result = result
	d.UpdatedAt = time.Now()
	if err := m.store.UpdateDelegationStatus(ctx, d.ID, model.DelegationComplete, result, ""); err != nil {
		m.log.Error("updating delegation to complete failed", "delegation_id", d.ID, "error", err)
	}
	m.emit(ctx, d.ParentSessionID, model.KindDelegationCompleted, d, "")
}

func (m *Manager) fail(ctx context.Context, d *model.Delegation, reason string) {
	if current, err := m.store.GetDelegation(ctx, d.ID); err == nil && current.Status.Terminal() {
		return
	}
	d.Status = model.DelegationFailed
	d.Error = reason
	d.UpdatedAt = time.Now()
	if err := m.store.UpdateDelegationStatus(ctx, d.ID, model.DelegationFailed, "", reason); err != nil {
		m.log.Error("updating delegation to failed also failed", "delegation_id", d.ID, "error", err)
	}
	m.emit(ctx, d.ParentSessionID, model.KindDelegationFailed, d, reason)
}

// Cancel marks a still-pending delegation Cancelled, per §4.8's
// WaitingForEvent{All} timeout handling and parent-cancellation
// best-effort propagation. It does not interrupt an in-flight
// runner.RunTurn — cancellation is cooperative and relies on ctx.
func (m *Manager) Cancel(ctx context.Context, d *model.Delegation, reason string) error {
	if d.Status.Terminal() {
		return nil
	}
	if err := m.store.UpdateDelegationStatus(ctx, d.ID, model.DelegationCancelled, "", reason); err != nil {
		return err
	}
	m.emit(ctx, d.ParentSessionID, model.KindDelegationCancelled, d, reason)
	return nil
}

func (m *Manager) emit(ctx context.Context, parentSessionID string, kind model.EventKind, d *model.Delegation, errMsg string) {
	if m.sink == nil {
		return
	}
	e := model.NewEvent(parentSessionID, kind)
	e.Payload = model.Payload{DelegationID: d.ID, ChildSessionID: d.ChildSessionID, ErrorMessage: errMsg}
	m.sink.Emit(ctx, e)
}

package middleware

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/quorumrun/nexus/pkg/contract"
	"github.com/quorumrun/nexus/pkg/model"
)

// DelegationConfig parameterizes DelegationMiddleware.
type DelegationConfig struct {
	Store contract.SessionStore

	// Agents is the set of agents available for this session to
	// delegate to. Empty means delegation is unavailable and the
	// middleware injects nothing.
	Agents []model.AgentDescriptor

	// InjectEveryTurn, when false (the default), injects the
	// available-agents block only on the session's first turn.
	InjectEveryTurn bool

	// FailedRetryWindow throttles a repeat delegation against the same
	// (objective, target-agent) pair after a Failed attempt.
	FailedRetryWindow time.Duration

	// MaxRetries bounds how many Failed attempts a given
	// (objective, target-agent) pair may accumulate before the
	// middleware refuses further attempts outright.
	MaxRetries int
}

// AvailableAgentsNote is the system-style note injected into a
// ConversationContext to tell the model what delegate targets exist.
// The engine is responsible for rendering it into the provider request;
// here it is carried as plain text on the context's messages via a Text
// part appended by the caller, so this middleware only computes whether
// injection is due and the note text.
type AvailableAgentsNote struct {
	Injected bool
	Text     string
}

// DelegationMiddleware injects available-agents context on (by default)
// the session's first turn, and blocks duplicate delegation attempts for
// a given (objective-hash, target-agent) pair while one is in flight or
// recently failed.
type DelegationMiddleware struct {
	cfg      DelegationConfig
	injected bool

	// LastNote is populated by OnTurnStart when injection occurs, so
	// the engine can read it back and splice the note into the
	// provider-bound message list.
	LastNote AvailableAgentsNote
}

// NewDelegationMiddleware returns a Factory for DelegationMiddleware.
func NewDelegationMiddleware(cfg DelegationConfig) Factory {
	if cfg.FailedRetryWindow <= 0 {
		cfg.FailedRetryWindow = 60 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return func() Middleware { return &DelegationMiddleware{cfg: cfg} }
}

func (m *DelegationMiddleware) OnTurnStart(ctx context.Context, state model.TurnState) (model.TurnState, error) {
	if len(m.cfg.Agents) == 0 {
		return state, nil
	}
	firstTurn := state.Context.Stats.Turns == 0
	if !m.cfg.InjectEveryTurn && !firstTurn {
		return state, nil
	}
	m.injected = true
	m.LastNote = AvailableAgentsNote{Injected: true, Text: renderAgentsNote(m.cfg.Agents)}
	return state, nil
}

func renderAgentsNote(agents []model.AgentDescriptor) string {
	var b strings.Builder
	b.WriteString("Available delegate agents:\n")
	for _, a := range agents {
		fmt.Fprintf(&b, "- %s: %s\n", a.ID, a.Description)
	}
	return b.String()
}

func (m *DelegationMiddleware) NextState(ctx context.Context, state model.TurnState) (model.TurnState, error) {
	return state, nil
}

func (m *DelegationMiddleware) OnAfterLLM(ctx context.Context, state model.TurnState) (model.TurnState, error) {
	return state, nil
}

// CheckDuplicate inspects existing delegations rooted at parentSessionID
// for a (objective, targetAgentID) collision and reports whether a new
// delegation attempt should be blocked, plus a human-readable reason to
// surface verbatim to the caller.
//
// This is called by the delegation manager (component G) at the point it
// is about to create a new Delegation row, not from a turn-state hook,
// since the duplicate check needs the specific objective text the tool
// call carries rather than the coarse-grained turn state.
func (m *DelegationMiddleware) CheckDuplicate(ctx context.Context, parentSessionID, objective, targetAgentID string) (blocked bool, reason string, err error) {
	if m.cfg.Store == nil {
		return false, "", nil
	}
	hash := model.ObjectiveHash(objective, targetAgentID)
	existing, err := m.cfg.Store.ListDelegationsByParent(ctx, parentSessionID)
	if err != nil {
		return false, "", err
	}

	var failedCount int
	var mostRecentFailedAt time.Time
	for _, d := range existing {
		if d.TargetAgentID != targetAgentID || d.ObjectiveHash != hash {
			continue
		}
		switch d.Status {
		case model.DelegationRequested, model.DelegationRunning:
			return true, "an identical delegation to this agent is already in flight", nil
		case model.DelegationFailed:
			failedCount++
			if d.UpdatedAt.After(mostRecentFailedAt) {
				mostRecentFailedAt = d.UpdatedAt
			}
		}
	}

	if failedCount == 0 {
		return false, "", nil
	}
	if failedCount > m.cfg.MaxRetries {
		return true, fmt.Sprintf("this delegation has already failed %d times; refusing further retries", failedCount), nil
	}
	if time.Since(mostRecentFailedAt) < m.cfg.FailedRetryWindow {
		return true, fmt.Sprintf("this delegation failed %s ago; retry throttled for %s",
			time.Since(mostRecentFailedAt).Round(time.Second), m.cfg.FailedRetryWindow), nil
	}
	return false, "", nil
}

package middleware

import (
	"context"
	"fmt"

	"github.com/quorumrun/nexus/pkg/contract"
	"github.com/quorumrun/nexus/pkg/model"
)

// ContextConfig parameterizes ContextMiddleware's compaction trigger.
type ContextConfig struct {
	Catalog contract.ModelCatalog

	// WarnAtPercent is the usage fraction (0-1) at which a one-time
	// warning event fires. Defaults to 0.8.
	WarnAtPercent float64

	// CompactAtPercent is the usage fraction at which the middleware
	// yields Stopped{MaxTokens, ...} to request compaction. Defaults
	// to 0.95.
	CompactAtPercent float64

	// DefaultContextWindow is used when the catalog has no entry for
	// the session's provider/model.
	DefaultContextWindow int

	// OnWarn, if set, is called the first time a session crosses
	// WarnAtPercent, so the engine can emit a durable event.
	OnWarn func(sessionID string, usedTokens, contextWindow int)
}

// ContextMiddleware requests compaction once a session's context usage
// crosses CompactAtPercent of its model's context window, and warns once
// per session when it crosses WarnAtPercent first.
//
// A fresh instance is built per turn (per the Chain contract), but the
// "warn once per session" requirement needs memory across turns; every
// instance built by one NewContextMiddleware factory shares that
// factory's warned-session set, so the warning fires once per session.
type ContextMiddleware struct {
	cfg    ContextConfig
	warned *sessionSet
}

type sessionSet struct {
	seen map[string]bool
}

func newSessionSet() *sessionSet { return &sessionSet{seen: map[string]bool{}} }

func (s *sessionSet) markAndCheck(id string) (alreadyWarned bool) {
	if s.seen[id] {
		return true
	}
	s.seen[id] = true
	return false
}

// NewContextMiddleware returns a Factory whose instances share one
// warned-session set, so the warning genuinely fires once per session
// rather than once per turn.
func NewContextMiddleware(cfg ContextConfig) Factory {
	if cfg.WarnAtPercent <= 0 {
		cfg.WarnAtPercent = 0.8
	}
	if cfg.CompactAtPercent <= 0 {
		cfg.CompactAtPercent = 0.95
	}
	if cfg.DefaultContextWindow <= 0 {
		cfg.DefaultContextWindow = 128_000
	}
	warned := newSessionSet()
	return func() Middleware {
		return &ContextMiddleware{cfg: cfg, warned: warned}
	}
}

func (m *ContextMiddleware) contextWindow(cc model.ConversationContext) int {
	if m.cfg.Catalog != nil {
		if info, ok := m.cfg.Catalog.Lookup(cc.Provider, cc.Model); ok && info.ContextWindow > 0 {
			return info.ContextWindow
		}
	}
	return m.cfg.DefaultContextWindow
}

func (m *ContextMiddleware) OnTurnStart(ctx context.Context, state model.TurnState) (model.TurnState, error) {
	return state, nil
}

func (m *ContextMiddleware) NextState(ctx context.Context, state model.TurnState) (model.TurnState, error) {
	window := m.contextWindow(state.Context)
	used := state.Context.Stats.ContextTokens

	if used >= int(float64(window)*m.cfg.CompactAtPercent) {
		return state.Stopped(model.StopMaxTokens, fmt.Sprintf(
			"context usage %d/%d tokens exceeds compaction threshold; requesting compaction", used, window)), nil
	}
	if used >= int(float64(window)*m.cfg.WarnAtPercent) {
		if !m.warned.markAndCheck(state.Context.SessionID) && m.cfg.OnWarn != nil {
			m.cfg.OnWarn(state.Context.SessionID, used, window)
		}
	}
	return state, nil
}

func (m *ContextMiddleware) OnAfterLLM(ctx context.Context, state model.TurnState) (model.TurnState, error) {
	return state, nil
}

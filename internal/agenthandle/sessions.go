package agenthandle

import (
	"context"
	"fmt"
	"strings"

	"github.com/quorumrun/nexus/pkg/contract"
	"github.com/quorumrun/nexus/pkg/model"
)

// NewSessionRequest mirrors new_session(cwd, mcp_servers).
type NewSessionRequest struct {
	Cwd        string
	MCPServers []string
	Provider   string
	Model      string
}

// NewSession opens a session rooted at cwd, records the MCP server ids
// it was attached with, and resolves an LLM config for it. The config
// is cached on the engine so the very first Prompt call can find it;
// per CacheLLMConfig's contract, whoever creates or forks a session
// owns registering its config.
func (h *Handle) NewSession(ctx context.Context, req NewSessionRequest) (*model.Session, error) {
	if strings.TrimSpace(req.Cwd) == "" {
		return nil, fmt.Errorf("agenthandle: cwd required")
	}
	if strings.TrimSpace(req.Provider) == "" || strings.TrimSpace(req.Model) == "" {
		return nil, fmt.Errorf("agenthandle: provider and model required")
	}

	cfg, err := h.store.GetOrCreateLLMConfig(ctx, model.LLMConfig{Provider: req.Provider, Model: req.Model})
	if err != nil {
		return nil, fmt.Errorf("agenthandle: resolving llm config: %w", err)
	}

	sess := model.NewSession(req.Cwd, cfg.ID)
	sess.MCPServers = append([]string{}, req.MCPServers...)
	if err := h.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("agenthandle: creating session: %w", err)
	}
	h.engine.CacheLLMConfig(cfg)
	return sess, nil
}

// Prompt drives one turn on sessionID and returns the final assistant
// message, delegating to the engine's own state machine.
func (h *Handle) Prompt(ctx context.Context, sessionID, text string) (*model.AgentMessage, error) {
	return h.engine.Prompt(ctx, sessionID, text)
}

// Cancel requests cancellation of sessionID's active turn, if any.
func (h *Handle) Cancel(sessionID string) bool {
	return h.engine.Cancel(sessionID)
}

// SessionView bundles a session with its effective history, the shape
// both LoadSession and ResumeSession hand back to a caller about to
// render or continue a conversation.
type SessionView struct {
	Session *model.Session
	History []*model.AgentMessage
}

// LoadSession fetches a session and its full history for display.
func (h *Handle) LoadSession(ctx context.Context, sessionID string) (*SessionView, error) {
	sess, err := h.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("agenthandle: loading session: %w", err)
	}
	history, err := h.store.GetHistory(ctx, sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("agenthandle: loading history: %w", err)
	}
	return &SessionView{Session: sess, History: history}, nil
}

// ResumeSession re-attaches to a session to continue prompting it. The
// engine keeps no server-side "current turn" across Prompt calls (each
// call is a self-contained state-machine run over persisted history),
// so resuming is the same read LoadSession performs; the distinction
// lives entirely in caller intent (display vs. continue), not in what
// the core has to do differently.
func (h *Handle) ResumeSession(ctx context.Context, sessionID string) (*SessionView, error) {
	return h.LoadSession(ctx, sessionID)
}

// ForkSessionRequest mirrors fork_session's parameters.
type ForkSessionRequest struct {
	SourceSessionID string
	Origin          model.ForkOrigin
	PointType       model.ForkPointType
	PointRef        string
	Instructions    string
}

// ForkSession branches a new session off an existing one at a given
// history point. A fork inherits its parent's llm_config_id verbatim
// (§4.2's "forks inherit cwd and llm-config from their parent"), so the
// config the engine already has cached under that id, from whenever the
// parent session was created or last repointed, covers the child too;
// there is nothing new to cache here.
func (h *Handle) ForkSession(ctx context.Context, req ForkSessionRequest) (*model.Session, error) {
	child, err := h.store.ForkSession(ctx, contract.ForkSpec{
		SourceSessionID: req.SourceSessionID,
		Origin:          req.Origin,
		PointType:       req.PointType,
		PointRef:        req.PointRef,
		Instructions:    req.Instructions,
	})
	if err != nil {
		return nil, fmt.Errorf("agenthandle: forking session: %w", err)
	}
	return child, nil
}

// ListSessions lists sessions with pagination.
func (h *Handle) ListSessions(ctx context.Context, opts contract.ListSessionsOptions) ([]*model.Session, error) {
	return h.store.ListSessions(ctx, opts)
}

// SetSessionModel repoints sessionID at a different provider/model pair.
// If a ModelCatalog is configured, the pair is validated against it
// first: an id a catalog doesn't recognize is rejected before it ever
// reaches a ChatProvider lookup mid-turn.
func (h *Handle) SetSessionModel(ctx context.Context, sessionID, provider, modelID string) error {
	if h.catalog != nil {
		if _, ok := h.catalog.Lookup(provider, modelID); !ok {
			return fmt.Errorf("agenthandle: unknown model %s/%s", provider, modelID)
		}
	}
	cfg, err := h.store.GetOrCreateLLMConfig(ctx, model.LLMConfig{Provider: provider, Model: modelID})
	if err != nil {
		return fmt.Errorf("agenthandle: resolving llm config: %w", err)
	}
	if err := h.store.SetSessionLLMConfig(ctx, sessionID, cfg.ID); err != nil {
		return fmt.Errorf("agenthandle: updating session: %w", err)
	}
	h.engine.CacheLLMConfig(cfg)
	return nil
}

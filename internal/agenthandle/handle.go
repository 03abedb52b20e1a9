// Package agenthandle implements the Agent Handle façade (component I):
// the wire-boundary-shaped surface — initialize, authenticate,
// new_session, prompt, cancel, load_session, fork_session,
// list_sessions, resume_session, set_session_model — that protocol
// adapters (stdio, websocket) map onto 1:1, per §6.
package agenthandle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quorumrun/nexus/internal/auth"
	"github.com/quorumrun/nexus/internal/engine"
	"github.com/quorumrun/nexus/pkg/contract"
	"github.com/quorumrun/nexus/pkg/model"
)

// ProtocolVersion is the wire boundary's own version, bumped whenever a
// façade method's shape changes in a way that breaks a protocol adapter.
const ProtocolVersion = "1"

var (
	ErrUnauthenticated = errors.New("agenthandle: unauthenticated")
	ErrCredentials     = errors.New("agenthandle: invalid credentials")
)

// Capabilities describes what this build of the engine supports, handed
// back from Initialize so a protocol adapter can gate feature usage
// before opening any session.
type Capabilities struct {
	ProtocolVersion    string   `json:"protocol_version"`
	Providers          []string `json:"providers"`
	SupportsStreaming  bool     `json:"supports_streaming"`
	SupportsDelegation bool     `json:"supports_delegation"`
}

// Config wires a Handle's collaborators together.
type Config struct {
	Store   contract.SessionStore
	Engine  *engine.Engine
	Auth    *auth.Service
	Catalog contract.ModelCatalog
	Log     *slog.Logger
}

// Handle is the façade an external caller (a protocol adapter, a CLI)
// drives. One Handle is shared across every connection; authentication
// state is per-call, carried in ctx via auth.WithIdentity, not stored
// on the Handle itself.
type Handle struct {
	store   contract.SessionStore
	engine  *engine.Engine
	auth    *auth.Service
	catalog contract.ModelCatalog
	log     *slog.Logger
}

// New builds a Handle. Auth and Catalog may be nil: a nil Auth, like a
// disabled auth.Service, makes Authenticate succeed with a nil identity
// whatever credential is presented; a nil Catalog just means SetSessionModel
// cannot validate a model id against a catalog before accepting it.
func New(cfg Config) *Handle {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Handle{
		store:   cfg.Store,
		engine:  cfg.Engine,
		auth:    cfg.Auth,
		catalog: cfg.Catalog,
		log:     log.With("component", "agenthandle"),
	}
}

// Initialize is the first call on a new connection: it negotiates
// capabilities before any session exists. It never requires
// authentication, mirroring the wire boundary's description of
// initialize as preceding authenticate.
func (h *Handle) Initialize(ctx context.Context) (Capabilities, error) {
	return Capabilities{
		ProtocolVersion:    ProtocolVersion,
		SupportsStreaming:  true,
		SupportsDelegation: true,
	}, nil
}

// AuthenticateRequest carries exactly one credential kind; callers set
// whichever field matches the credential they hold.
type AuthenticateRequest struct {
	BearerToken string
	APIKey      string
}

// Authenticate validates a presented credential and returns the
// identity behind it. If no auth.Service is configured, or the
// configured one reports itself disabled, every call succeeds with a
// nil identity: unauthenticated deployments never gate on this method.
func (h *Handle) Authenticate(ctx context.Context, req AuthenticateRequest) (*model.Identity, error) {
	if h.auth == nil || !h.auth.Enabled() {
		return nil, nil
	}
	switch {
	case strings.TrimSpace(req.BearerToken) != "":
		id, err := h.auth.ValidateJWT(req.BearerToken)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCredentials, err)
		}
		return id, nil
	case strings.TrimSpace(req.APIKey) != "":
		id, err := h.auth.ValidateAPIKey(req.APIKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCredentials, err)
		}
		return id, nil
	default:
		return nil, ErrUnauthenticated
	}
}

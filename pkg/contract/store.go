package contract

import (
	"context"
	"time"

	"github.com/quorumrun/nexus/pkg/model"
)

// ForkSpec describes a requested fork operation.
type ForkSpec struct {
	SourceSessionID string
	Origin          model.ForkOrigin
	PointType       model.ForkPointType
	PointRef        string
	Instructions    string
}

// ListSessionsOptions filters and paginates ListSessions.
type ListSessionsOptions struct {
	Limit  int
	Offset int
}

// ProgressEntry is one audit-trail row: a task, decision, or artifact
// note attached to a session, per §4.2's "tasks/decisions/artifacts/
// progress (for audit)".
type ProgressEntry struct {
	ID        string
	SessionID string
	Kind      string // "task" | "decision" | "artifact"
	Content   string
	CreatedAt time.Time
}

// SessionStore is the persistence contract the engine depends on. Every
// method must be safe for concurrent use; operations on distinct session
// ids MUST NOT block each other. Operations on the same session id
// maintain causal order, which implementations achieve via a per-session
// lock or equivalent serialization, not a single store-wide lock.
type SessionStore interface {
	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	UpdateSession(ctx context.Context, s *model.Session) error
	ListSessions(ctx context.Context, opts ListSessionsOptions) ([]*model.Session, error)
	ForkSession(ctx context.Context, spec ForkSpec) (*model.Session, error)

	AppendMessage(ctx context.Context, msg *model.AgentMessage) error
	GetHistory(ctx context.Context, sessionID string, limit int) ([]*model.AgentMessage, error)
	// GetEffectiveHistory returns history starting at the last Compaction
	// boundary (or the full history if none exists), per §4.6.
	GetEffectiveHistory(ctx context.Context, sessionID string) ([]*model.AgentMessage, error)
	// MarkToolResultCompacted sets compacted_at on a ToolResult part. It
	// is write-once: calling it on an already-compacted part is a no-op.
	MarkToolResultCompacted(ctx context.Context, sessionID, callID string, at time.Time) error

	GetOrCreateLLMConfig(ctx context.Context, cfg model.LLMConfig) (model.LLMConfig, error)
	SetSessionLLMConfig(ctx context.Context, sessionID, configID string) error

	CreateDelegation(ctx context.Context, d *model.Delegation) error
	GetDelegation(ctx context.Context, id string) (*model.Delegation, error)
	ListDelegationsByParent(ctx context.Context, parentSessionID string) ([]*model.Delegation, error)
	UpdateDelegationStatus(ctx context.Context, id string, status model.DelegationStatus, result, errMsg string) error

	AddProgressEntry(ctx context.Context, e *ProgressEntry) error
	ListProgressEntries(ctx context.Context, sessionID string) ([]*ProgressEntry, error)
}

// Package journal implements the durable event log and its live fanout
// (component A): append_durable persists an event and assigns its
// stream_seq inside the same transaction, load_session_stream replays a
// strictly-increasing slice, and a single-ingress EventSink guarantees
// that replay-then-live produces no duplicates and no gaps.
package journal

import (
	"context"

	"github.com/quorumrun/nexus/pkg/model"
)

// Journal is the durable log contract (§4.1). Implementations MUST be
// crash-safe: AppendDurable either fully persists the event or returns an
// error with nothing written; partial writes are impossible.
type Journal interface {
	// AppendDurable persists e and returns it with a DB-assigned,
	// per-session monotonic StreamSeq and a fresh EventID. stream_seq is
	// assigned inside the persistence transaction, never by the caller.
	AppendDurable(ctx context.Context, e model.Event) (model.Event, error)

	// LoadSessionStream returns durable events for sessionID with
	// stream_seq > afterSeq, oldest first, capped at limit (0 means no
	// cap).
	LoadSessionStream(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]model.Event, error)
}

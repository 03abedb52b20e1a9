package journal

import (
	"context"
	"log/slog"

	"github.com/quorumrun/nexus/pkg/model"
)

// Sink is the single producer-facing ingress for events (§4.1). It is the
// only API the engine uses to emit anything; this is what makes "replay +
// live = no duplicates, no gaps" hold, because publication only ever
// happens after persistence succeeds.
type Sink struct {
	journal Journal
	fanout  *Fanout
	log     *slog.Logger
}

// NewSink wires a Sink to a journal and a fanout.
func NewSink(j Journal, f *Fanout, log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	return &Sink{journal: j, fanout: f, log: log.With("component", "journal.sink")}
}

// EmitDurable persists e then publishes it. On persistence failure it
// does NOT publish — the invariant in §4.1 that a store failure never
// produces a ghost live event.
func (s *Sink) EmitDurable(ctx context.Context, e model.Event) (model.Event, error) {
	persisted, err := s.journal.AppendDurable(ctx, e)
	if err != nil {
		s.log.Error("append_durable failed", "session_id", e.SessionID, "kind", e.Kind, "error", err)
		return model.Event{}, err
	}
	s.fanout.Publish(persisted)
	return persisted, nil
}

// EmitEphemeral publishes e without ever touching the journal.
func (s *Sink) EmitEphemeral(e model.Event) {
	s.fanout.Publish(e)
}

// Emit auto-classifies e by its Kind and routes it to EmitDurable or
// EmitEphemeral accordingly. Errors from the durable path are logged but
// not returned, since most engine call sites treat emission as
// best-effort except where §4.8's failure semantics say otherwise (those
// call sites use EmitDurable directly so they can observe the error).
func (s *Sink) Emit(ctx context.Context, e model.Event) {
	if e.Kind.Ephemeral() {
		s.EmitEphemeral(e)
		return
	}
	if _, err := s.EmitDurable(ctx, e); err != nil {
		s.log.Error("emit failed", "kind", e.Kind, "error", err)
	}
}

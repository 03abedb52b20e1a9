// Package replay implements the Replay / View Store (component J): it
// derives read-only projections — history, audit trails, session
// summaries — from the durable event journal without ever touching the
// session store directly. It is the read side of the event-sourced
// design described for the journal: a view is always reconstructable
// purely from the append-only log.
package replay

import (
	"context"
	"fmt"

	"github.com/quorumrun/nexus/internal/journal"
	"github.com/quorumrun/nexus/pkg/model"
)

// Store projects views from a Journal and, optionally, tails a Fanout
// for the replay-then-live handoff. Fanout may be nil: a Store built
// without one can still Replay and View, it just can't Tail.
type Store struct {
	journal journal.Journal
	fanout  *journal.Fanout
}

// New builds a Store over j. f may be nil if live tailing is not needed.
func New(j journal.Journal, f *journal.Fanout) *Store {
	return &Store{journal: j, fanout: f}
}

// Replay returns durable events for sessionID after afterSeq, oldest
// first. It is a thin pass-through to the journal; projections that
// need folded state should call View instead.
func (s *Store) Replay(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]model.Event, error) {
	return s.journal.LoadSessionStream(ctx, sessionID, afterSeq, limit)
}

// View is a folded summary of a session's durable event stream, the
// shape a "replay inspect" command or an audit screen renders.
type View struct {
	SessionID        string
	Events           []model.Event
	MessageCount     int
	ToolCallCount    int
	DelegationCount  int
	ErrorCount       int
	LastStreamSeq    int64
	LastEventAt      int64 // unix nanos of the last event's Timestamp, 0 if none
}

// BuildView folds events, which must already be ordered oldest-first,
// into a View. It never mutates events.
func BuildView(sessionID string, events []model.Event) View {
	v := View{SessionID: sessionID, Events: events}
	for _, e := range events {
		switch e.Kind {
		case model.KindUserMessageStored, model.KindAssistantMessageStored:
			v.MessageCount++
		case model.KindToolCallStart:
			v.ToolCallCount++
		case model.KindDelegationRequested:
			v.DelegationCount++
		case model.KindError:
			v.ErrorCount++
		}
		if e.StreamSeq > v.LastStreamSeq {
			v.LastStreamSeq = e.StreamSeq
		}
		v.LastEventAt = e.Timestamp.UnixNano()
	}
	return v
}

// View loads every durable event for sessionID and folds it into a
// View. Used by the inspection CLI and by audit screens that want a
// session's whole shape rather than the raw stream.
func (s *Store) View(ctx context.Context, sessionID string) (View, error) {
	events, err := s.journal.LoadSessionStream(ctx, sessionID, 0, 0)
	if err != nil {
		return View{}, fmt.Errorf("replay: loading stream for view: %w", err)
	}
	return BuildView(sessionID, events), nil
}

// Tail replays everything after cursor from the journal, then switches
// to the live fanout, forwarding only durable events whose StreamSeq is
// still greater than the caller's advancing cursor — the "replay + live
// = no duplicates, no gaps" handoff. It returns ErrNoFanout if the
// Store was built without one. The returned channel is closed when ctx
// is done, when the subscription is closed, or when the fanout reports
// that this subscriber lagged and dropped events; callers then re-Tail
// from their last-seen seq.
func (s *Store) Tail(ctx context.Context, sessionID string, cursor int64) (<-chan model.Event, error) {
	if s.fanout == nil {
		return nil, ErrNoFanout
	}
	// Subscribe before loading the backlog so an event appended in between
	// is still delivered live; the cursor check below drops any overlap.
	sub := s.fanout.Subscribe()
	backlog, err := s.journal.LoadSessionStream(ctx, sessionID, cursor, 0)
	if err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("replay: loading backlog: %w", err)
	}

	out := make(chan model.Event, len(backlog)+1)
	for _, e := range backlog {
		out <- e
		if e.StreamSeq > cursor {
			cursor = e.StreamSeq
		}
	}

	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-sub.C():
				if !ok {
					return
				}
				if d.Lagged != nil {
					// Events were dropped for this subscriber and can't be
					// recovered here; closing out tells the caller to re-Tail.
					return
				}
				e := d.Event
				if e == nil || e.SessionID != sessionID || e.Kind.Ephemeral() {
					continue
				}
				if e.StreamSeq <= cursor {
					continue
				}
				cursor = e.StreamSeq
				select {
				case out <- *e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// ErrNoFanout is returned by Tail when the Store has no live fanout to
// subscribe to.
var ErrNoFanout = fmt.Errorf("replay: store has no fanout configured")

package journal

import (
	"context"
	"sync"

	"github.com/quorumrun/nexus/pkg/model"
)

// MemoryJournal is an in-memory Journal, sharded by session id so that
// appends to distinct sessions never block each other (§4.2's
// isolation requirement applies equally to the journal).
type MemoryJournal struct {
	mu       sync.Mutex
	perSess  map[string]*sessionLog
}

type sessionLog struct {
	mu     sync.Mutex
	nextSeq int64
	events []model.Event
}

// NewMemoryJournal creates an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{perSess: make(map[string]*sessionLog)}
}

func (j *MemoryJournal) logFor(sessionID string) *sessionLog {
	j.mu.Lock()
	defer j.mu.Unlock()
	l, ok := j.perSess[sessionID]
	if !ok {
		l = &sessionLog{nextSeq: 1}
		j.perSess[sessionID] = l
	}
	return l
}

// AppendDurable assigns the next stream_seq for the session and appends
// the event under that session's own lock, so sessions never contend
// with each other.
func (j *MemoryJournal) AppendDurable(ctx context.Context, e model.Event) (model.Event, error) {
	l := j.logFor(e.SessionID)
	l.mu.Lock()
	defer l.mu.Unlock()

	e.StreamSeq = l.nextSeq
	l.nextSeq++
	if e.EventID == "" {
		e.EventID = model.NewEventID()
	}
	l.events = append(l.events, e)
	return e, nil
}

// LoadSessionStream returns a copy of the session's events above afterSeq.
func (j *MemoryJournal) LoadSessionStream(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]model.Event, error) {
	l := j.logFor(sessionID)
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []model.Event
	for _, e := range l.events {
		if e.StreamSeq > afterSeq {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/quorumrun/nexus/pkg/model"
)

// ErrElicitationCancelled is returned to a tool awaiting an elicitation
// response whose pending entry was closed by timeout or cancellation,
// per §4.9.
var ErrElicitationCancelled = errors.New("engine: elicitation cancelled")

// Elicitations is the one-shot pending-response map tools use to ask a
// runtime question mid-turn (the `question` built-in, MCP elicitation).
// It is shared across the primary session and any of its delegate child
// sessions, since an out-of-band responder must be able to find the
// pending id regardless of which agent handle it arrived through.
type Elicitations struct {
	mu      sync.Mutex
	pending map[string]chan string
}

// NewElicitations returns an empty pending map.
func NewElicitations() *Elicitations {
	return &Elicitations{pending: make(map[string]chan string)}
}

// Request installs a one-shot channel keyed by id and emits
// ElicitationRequested, then blocks until Respond/Cancel or ctx.Done().
func (e *Elicitations) Request(ctx context.Context, sink interface {
	Emit(context.Context, model.Event)
}, sessionID, id, message string) (string, error) {
	ch := make(chan string, 1)
	e.mu.Lock()
	e.pending[id] = ch
	e.mu.Unlock()

	evt := model.NewEvent(sessionID, model.KindElicitationRequested)
	evt.Payload = model.Payload{Extra: map[string]any{"elicitation_id": id, "message": message}}
	sink.Emit(ctx, evt)

	select {
	case answer, ok := <-ch:
		if !ok {
			return "", ErrElicitationCancelled
		}
		return answer, nil
	case <-ctx.Done():
		e.Cancel(id)
		return "", ctx.Err()
	}
}

// Respond resolves a pending elicitation by id, removing it from the map.
// Reports false if no such id is pending (already answered, cancelled,
// or never requested).
func (e *Elicitations) Respond(id, answer string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.pending[id]
	if !ok {
		return false
	}
	delete(e.pending, id)
	ch <- answer
	close(ch)
	return true
}

// Cancel closes a pending elicitation's channel without an answer,
// unblocking its waiter with ErrElicitationCancelled.
func (e *Elicitations) Cancel(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.pending[id]
	if !ok {
		return false
	}
	delete(e.pending, id)
	close(ch)
	return true
}

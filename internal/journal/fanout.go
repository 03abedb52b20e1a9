package journal

import (
	"sync"
	"sync/atomic"

	"github.com/quorumrun/nexus/pkg/model"
)

// LaggedNotice is delivered to a subscriber in place of events it missed
// because its buffer was full. The subscriber should re-subscribe and
// replay from the journal using its last-seen stream_seq as a cursor.
type LaggedNotice struct {
	SessionID string
	Missed    uint64
}

// Delivery is either an event or a LaggedNotice, sent down a
// subscription's channel.
type Delivery struct {
	Event  *model.Event
	Lagged *LaggedNotice
}

// Fanout is an in-process broadcast over one event stream, matching
// §4.1: slow subscribers never block fast ones — they are dropped and
// told via LaggedNotice instead.
type Fanout struct {
	mu       sync.RWMutex
	subs     map[int64]*subscription
	nextID   int64
	bufSize  int
}

type subscription struct {
	ch      chan Delivery
	dropped uint64
	closed  uint32
}

// NewFanout creates a Fanout whose subscriber channels are buffered to
// bufSize. §4.1 suggests ≈32 for agent-side consumers and ≈1000 for UI
// consumers; callers pick per use.
func NewFanout(bufSize int) *Fanout {
	if bufSize <= 0 {
		bufSize = 32
	}
	return &Fanout{subs: make(map[int64]*subscription), bufSize: bufSize}
}

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	id  int64
	f   *Fanout
	sub *subscription
}

// C returns the channel to receive deliveries on.
func (s *Subscription) C() <-chan Delivery { return s.sub.ch }

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if sub, ok := s.f.subs[s.id]; ok {
		if atomic.CompareAndSwapUint32(&sub.closed, 0, 1) {
			close(sub.ch)
		}
		delete(s.f.subs, s.id)
	}
}

// Subscribe registers a new subscriber and returns its handle.
func (f *Fanout) Subscribe() *Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	sub := &subscription{ch: make(chan Delivery, f.bufSize)}
	f.subs[id] = sub
	return &Subscription{id: id, f: f, sub: sub}
}

// Publish fans e out to every current subscriber. A subscriber whose
// buffer is full is skipped for this event and its drop counter is
// incremented; the next successful send to it carries a LaggedNotice
// first.
func (f *Fanout) Publish(e model.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, sub := range f.subs {
		if atomic.LoadUint32(&sub.closed) == 1 {
			continue
		}
		if sub.dropped > 0 {
			select {
			case sub.ch <- Delivery{Lagged: &LaggedNotice{SessionID: e.SessionID, Missed: sub.dropped}}:
				sub.dropped = 0
			default:
				sub.dropped++
				continue
			}
		}
		evt := e
		select {
		case sub.ch <- Delivery{Event: &evt}:
		default:
			sub.dropped++
		}
	}
}

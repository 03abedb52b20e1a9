package replay

import (
	"context"
	"testing"
	"time"

	"github.com/quorumrun/nexus/internal/journal"
	"github.com/quorumrun/nexus/pkg/model"
)

func appendKind(t *testing.T, j *journal.MemoryJournal, sessionID string, kind model.EventKind) model.Event {
	t.Helper()
	e, err := j.AppendDurable(context.Background(), model.NewEvent(sessionID, kind))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return e
}

func TestView_FoldsCountsByKind(t *testing.T) {
	j := journal.NewMemoryJournal()
	appendKind(t, j, "s1", model.KindSessionCreated)
	appendKind(t, j, "s1", model.KindUserMessageStored)
	appendKind(t, j, "s1", model.KindToolCallStart)
	appendKind(t, j, "s1", model.KindToolCallEnd)
	appendKind(t, j, "s1", model.KindAssistantMessageStored)
	appendKind(t, j, "s1", model.KindError)

	store := New(j, nil)
	view, err := store.View(context.Background(), "s1")
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if view.MessageCount != 2 {
		t.Fatalf("expected 2 messages, got %d", view.MessageCount)
	}
	if view.ToolCallCount != 1 {
		t.Fatalf("expected 1 tool call, got %d", view.ToolCallCount)
	}
	if view.ErrorCount != 1 {
		t.Fatalf("expected 1 error, got %d", view.ErrorCount)
	}
	if view.LastStreamSeq != 6 {
		t.Fatalf("expected last stream seq 6, got %d", view.LastStreamSeq)
	}
}

func TestView_DistinctSessionsIsolated(t *testing.T) {
	j := journal.NewMemoryJournal()
	appendKind(t, j, "s1", model.KindUserMessageStored)
	appendKind(t, j, "s2", model.KindUserMessageStored)
	appendKind(t, j, "s2", model.KindUserMessageStored)

	store := New(j, nil)
	v1, err := store.View(context.Background(), "s1")
	if err != nil {
		t.Fatalf("View s1: %v", err)
	}
	v2, err := store.View(context.Background(), "s2")
	if err != nil {
		t.Fatalf("View s2: %v", err)
	}
	if v1.MessageCount != 1 || v2.MessageCount != 2 {
		t.Fatalf("expected isolated counts, got s1=%d s2=%d", v1.MessageCount, v2.MessageCount)
	}
}

func TestTail_WithoutFanoutReturnsError(t *testing.T) {
	store := New(journal.NewMemoryJournal(), nil)
	if _, err := store.Tail(context.Background(), "s1", 0); err != ErrNoFanout {
		t.Fatalf("expected ErrNoFanout, got %v", err)
	}
}

func TestTail_ReplaysBacklogThenGoesLive(t *testing.T) {
	j := journal.NewMemoryJournal()
	fanout := journal.NewFanout(16)
	sink := journal.NewSink(j, fanout, nil)

	e1 := appendKind(t, j, "s1", model.KindSessionCreated)

	store := New(j, fanout)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := store.Tail(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}

	got, ok := <-ch
	if !ok {
		t.Fatal("expected backlog event, channel closed")
	}
	if got.StreamSeq != e1.StreamSeq {
		t.Fatalf("expected backlog seq %d, got %d", e1.StreamSeq, got.StreamSeq)
	}

	sink.Emit(ctx, model.NewEvent("s1", model.KindUserMessageStored))

	select {
	case live, ok := <-ch:
		if !ok {
			t.Fatal("expected live event, channel closed")
		}
		if live.Kind != model.KindUserMessageStored {
			t.Fatalf("expected live user message event, got %v", live.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}
}

func TestTail_IgnoresOtherSessionsAndEphemeralEvents(t *testing.T) {
	j := journal.NewMemoryJournal()
	fanout := journal.NewFanout(16)
	sink := journal.NewSink(j, fanout, nil)

	store := New(j, fanout)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := store.Tail(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}

	sink.Emit(ctx, model.NewEvent("other-session", model.KindUserMessageStored))
	sink.EmitEphemeral(model.NewEvent("s1", model.KindAssistantContentDelta))
	sink.Emit(ctx, model.NewEvent("s1", model.KindUserMessageStored))

	select {
	case got, ok := <-ch:
		if !ok {
			t.Fatal("channel closed unexpectedly")
		}
		if got.SessionID != "s1" || got.Kind != model.KindUserMessageStored {
			t.Fatalf("expected s1 user message, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the matching event")
	}
}

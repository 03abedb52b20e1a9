package delegation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quorumrun/nexus/internal/journal"
	"github.com/quorumrun/nexus/internal/sessionstore"
	"github.com/quorumrun/nexus/pkg/model"
)

type fakeRunner struct {
	result string
	err    error
}

func (r *fakeRunner) RunTurn(ctx context.Context, sessionID, userText string) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	return r.result, nil
}

func newTestSink() *journal.Sink {
	return journal.NewSink(journal.NewMemoryJournal(), journal.NewFanout(16), nil)
}

func waitForTerminal(t *testing.T, store *sessionstore.MemoryStore, delegationID string) *model.Delegation {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d, err := store.GetDelegation(context.Background(), delegationID)
		if err != nil {
			t.Fatalf("GetDelegation: %v", err)
		}
		if d.Status.Terminal() {
			return d
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("delegation never reached a terminal status")
	return nil
}

func TestManager_StartRunsChildAndRecordsCompletion(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	ctx := context.Background()
	parent := model.NewSession("/tmp/work", "cfg-1")
	if err := store.CreateSession(ctx, parent); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := store.AppendMessage(ctx, model.NewAgentMessage(parent.ID, model.RoleUser, model.Text{Content: "build the thing"})); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	runner := &fakeRunner{result: "done building"}
	mgr := NewManager(store, runner, newTestSink(), DefaultConfig(), nil)

	d, err := mgr.Start(ctx, parent.ID, "builder-agent", "build the thing")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if d.Status != model.DelegationRequested {
		t.Fatalf("expected initial status Requested, got %s", d.Status)
	}

	final := waitForTerminal(t, store, d.ID)
	if final.Status != model.DelegationComplete {
		t.Fatalf("expected Complete, got %s (%s)", final.Status, final.Error)
	}
	if final.Result != "done building" {
		t.Fatalf("unexpected result: %q", final.Result)
	}
	if final.ChildSessionID == "" {
		t.Fatal("expected a child session id to be recorded")
	}

	child, err := store.GetSession(ctx, final.ChildSessionID)
	if err != nil {
		t.Fatalf("GetSession(child): %v", err)
	}
	if child.Fork == nil || child.Fork.Origin != model.ForkOriginDelegation {
		t.Fatalf("expected child session forked with delegation origin, got %+v", child.Fork)
	}
	if child.Cwd != parent.Cwd {
		t.Fatalf("expected child to inherit parent cwd, got %q", child.Cwd)
	}
}

func TestManager_StartRecordsFailureFromRunner(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	ctx := context.Background()
	parent := model.NewSession("/tmp/work", "cfg-1")
	if err := store.CreateSession(ctx, parent); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	runner := &fakeRunner{err: errors.New("boom")}
	mgr := NewManager(store, runner, newTestSink(), DefaultConfig(), nil)

	d, err := mgr.Start(ctx, parent.ID, "builder-agent", "do something")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := waitForTerminal(t, store, d.ID)
	if final.Status != model.DelegationFailed {
		t.Fatalf("expected Failed, got %s", final.Status)
	}
	if final.Error == "" {
		t.Fatal("expected an error message to be recorded")
	}
}

func TestManager_CancelMarksPendingDelegationCancelled(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	ctx := context.Background()
	parent := model.NewSession("/tmp/work", "cfg-1")
	if err := store.CreateSession(ctx, parent); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	d := model.NewDelegation(parent.ID, "builder-agent", "slow task")
	if err := store.CreateDelegation(ctx, d); err != nil {
		t.Fatalf("CreateDelegation: %v", err)
	}

	mgr := NewManager(store, &fakeRunner{result: "unused"}, newTestSink(), DefaultConfig(), nil)
	if err := mgr.Cancel(ctx, d, "timed out"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got, err := store.GetDelegation(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDelegation: %v", err)
	}
	if got.Status != model.DelegationCancelled {
		t.Fatalf("expected Cancelled, got %s", got.Status)
	}
}

func TestManager_CancelOnTerminalDelegationIsNoop(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	ctx := context.Background()
	parent := model.NewSession("/tmp/work", "cfg-1")
	if err := store.CreateSession(ctx, parent); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	d := model.NewDelegation(parent.ID, "builder-agent", "already done")
	if err := store.CreateDelegation(ctx, d); err != nil {
		t.Fatalf("CreateDelegation: %v", err)
	}
	if err := store.UpdateDelegationStatus(ctx, d.ID, model.DelegationComplete, "ok", ""); err != nil {
		t.Fatalf("UpdateDelegationStatus: %v", err)
	}
	d.Status = model.DelegationComplete

	mgr := NewManager(store, &fakeRunner{}, newTestSink(), DefaultConfig(), nil)
	if err := mgr.Cancel(ctx, d, "too late"); err != nil {
		t.Fatalf("Cancel on terminal delegation should be a no-op, got error: %v", err)
	}

	got, _ := store.GetDelegation(ctx, d.ID)
	if got.Status != model.DelegationComplete {
		t.Fatalf("expected status to remain Complete, got %s", got.Status)
	}
}

package toolkit

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quorumrun/nexus/pkg/contract"
	"github.com/quorumrun/nexus/pkg/model"
)

func TestExecutor_RespectsConcurrencyLimit(t *testing.T) {
	const maxConcurrency = 2
	const numCalls = 6

	var concurrent, maxSeen int32
	var mu sync.Mutex

	r := NewRegistry()
	r.Register(&stubTool{
		name:     "blocking",
		readOnly: true,
		call: func(tc contract.ToolContext, args json.RawMessage) (string, error) {
			cur := atomic.AddInt32(&concurrent, 1)
			mu.Lock()
			if cur > maxSeen {
				maxSeen = cur
			}
			mu.Unlock()
			time.Sleep(30 * time.Millisecond)
			atomic.AddInt32(&concurrent, -1)
			return "done", nil
		},
	})

	exec := NewExecutor(r, ExecutorConfig{Concurrency: maxConcurrency, PerToolTimeout: 5 * time.Second}, nil)

	calls := make([]model.ToolUse, numCalls)
	for i := range calls {
		calls[i] = model.ToolUse{CallID: string(rune('a' + i)), Name: "blocking", ArgumentsRaw: json.RawMessage(`{}`)}
	}

	results := exec.ExecuteAll(context.Background(), contract.ToolContext{}, calls, nil)
	if len(results) != numCalls {
		t.Fatalf("expected %d results, got %d", numCalls, len(results))
	}
	if maxSeen > maxConcurrency {
		t.Fatalf("concurrency limit violated: saw %d concurrent executions, limit %d", maxSeen, maxConcurrency)
	}
}

func TestExecutor_TimeoutProducesErrorResult(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{
		name:     "slow",
		readOnly: true,
		call: func(tc contract.ToolContext, args json.RawMessage) (string, error) {
			time.Sleep(200 * time.Millisecond)
			return "too late", nil
		},
	})

	exec := NewExecutor(r, ExecutorConfig{Concurrency: 1, PerToolTimeout: 20 * time.Millisecond}, nil)
	calls := []model.ToolUse{{CallID: "1", Name: "slow", ArgumentsRaw: json.RawMessage(`{}`)}}

	results := exec.ExecuteAll(context.Background(), contract.ToolContext{}, calls, nil)
	if !results[0].ToolResult.IsError || !results[0].TimedOut {
		t.Fatalf("expected a timed-out error result, got %+v", results[0])
	}
}

func TestExecutor_RetriesUpToMaxAttempts(t *testing.T) {
	var attempts int32
	r := NewRegistry()
	r.Register(&stubTool{
		name:     "flaky",
		readOnly: true,
		call: func(tc contract.ToolContext, args json.RawMessage) (string, error) {
			n := atomic.AddInt32(&attempts, 1)
			if n < 3 {
				return "", errAlwaysFails
			}
			return "finally", nil
		},
	})

	exec := NewExecutor(r, ExecutorConfig{Concurrency: 1, PerToolTimeout: time.Second, MaxAttempts: 5}, nil)
	calls := []model.ToolUse{{CallID: "1", Name: "flaky", ArgumentsRaw: json.RawMessage(`{}`)}}

	results := exec.ExecuteAll(context.Background(), contract.ToolContext{}, calls, nil)
	if results[0].ToolResult.IsError {
		t.Fatalf("expected eventual success, got error result: %+v", results[0])
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", attempts)
	}
}

func TestExecutor_PanicRecoveredAsErrorResult(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{
		name:     "panics",
		readOnly: true,
		call: func(tc contract.ToolContext, args json.RawMessage) (string, error) {
			panic("boom")
		},
	})

	exec := NewExecutor(r, ExecutorConfig{Concurrency: 1, PerToolTimeout: time.Second}, nil)
	calls := []model.ToolUse{{CallID: "1", Name: "panics", ArgumentsRaw: json.RawMessage(`{}`)}}

	results := exec.ExecuteAll(context.Background(), contract.ToolContext{}, calls, nil)
	if !results[0].ToolResult.IsError {
		t.Fatal("expected panic to surface as an error result, not crash the test")
	}
}

type testError string

func (e testError) Error() string { return string(e) }

var errAlwaysFails = testError("always fails")

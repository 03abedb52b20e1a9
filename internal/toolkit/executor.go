package toolkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quorumrun/nexus/pkg/contract"
	"github.com/quorumrun/nexus/pkg/model"
)

// ExecutorConfig bounds concurrent tool dispatch, grounded on
// internal/agent/tool_exec.go's ToolExecConfig.
type ExecutorConfig struct {
	Concurrency    int
	PerToolTimeout time.Duration
	MaxAttempts    int
	RetryBackoff   time.Duration
}

// DefaultExecutorConfig mirrors the teacher's DefaultToolExecConfig.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{Concurrency: 4, PerToolTimeout: 30 * time.Second, MaxAttempts: 1}
}

// Executor dispatches tool calls against a Registry with bounded
// concurrency, per-call timeout, and retry-with-backoff.
type Executor struct {
	registry *Registry
	config   ExecutorConfig
	log      *slog.Logger
}

// NewExecutor applies defaults for any zero-valued config field.
func NewExecutor(registry *Registry, config ExecutorConfig, log *slog.Logger) *Executor {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.PerToolTimeout <= 0 {
		config.PerToolTimeout = 30 * time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Executor{registry: registry, config: config, log: log.With("component", "toolkit.executor")}
}

// Result pairs a dispatched ToolUse with its outcome and timing.
type Result struct {
	Index     int
	Call      model.ToolUse
	ToolResult model.ToolResult
	StartedAt time.Time
	EndedAt   time.Time
	TimedOut  bool
}

// EventFunc is a non-blocking per-call lifecycle callback, mirroring
// the teacher's EventCallback.
type EventFunc func(call model.ToolUse, stage string, attempt int)

// ExecuteAll dispatches every call concurrently (bounded by
// config.Concurrency), preserving result order. A panic inside a tool
// call surfaces as an error ToolResult rather than crashing the
// goroutine pool, recovered with a deferred recover() as in the
// teacher's executor.
func (e *Executor) ExecuteAll(ctx context.Context, tc contract.ToolContext, calls []model.ToolUse, emit EventFunc) []Result {
	results := make([]Result, len(calls))
	sem := make(chan struct{}, e.config.Concurrency)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, c model.ToolUse) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = Result{Index: idx, Call: c, ToolResult: model.ToolResult{
					CallID: c.CallID, Content: "context canceled", IsError: true, ToolName: c.Name,
				}}
				return
			}

			results[idx] = e.executeOne(ctx, tc, idx, c, emit)
		}(i, call)
	}

	wg.Wait()
	return results
}

func (e *Executor) executeOne(ctx context.Context, tc contract.ToolContext, idx int, call model.ToolUse, emit EventFunc) Result {
	started := time.Now()
	var (
		content  string
		isError  bool
		timedOut bool
	)

	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		if emit != nil {
			emit(call, "started", attempt)
		}

		toolCtx, cancel := context.WithTimeout(ctx, e.config.PerToolTimeout)
		content, isError, timedOut = e.callWithRecover(toolCtx, tc, call)
		cancel()

		if !isError {
			break
		}
		if attempt < e.config.MaxAttempts {
			if emit != nil {
				stage := "failed"
				if timedOut {
					stage = "timeout"
				}
				emit(call, stage, attempt)
			}
			if e.config.RetryBackoff > 0 {
				select {
				case <-time.After(e.config.RetryBackoff):
				case <-ctx.Done():
					content, isError = "tool execution canceled", true
					attempt = e.config.MaxAttempts // stop retrying
				}
			}
		}
	}

	ended := time.Now()
	if emit != nil {
		stage := "completed"
		if timedOut {
			stage = "timeout"
		} else if isError {
			stage = "failed"
		}
		emit(call, stage, e.config.MaxAttempts)
	}

	return Result{
		Index: idx, Call: call, StartedAt: started, EndedAt: ended, TimedOut: timedOut,
		ToolResult: model.ToolResult{CallID: call.CallID, ToolName: call.Name, Content: content, IsError: isError},
	}
}

// callWithRecover runs the registry dispatch on its own goroutine so a
// context deadline can race it without leaking the goroutine on
// timeout, and recovers a panicking tool so it surfaces as an error
// result instead of taking the engine down with it.
func (e *Executor) callWithRecover(ctx context.Context, tc contract.ToolContext, call model.ToolUse) (content string, isError bool, timedOut bool) {
	type outcome struct {
		content string
		isError bool
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("tool panicked", "tool", call.Name, "call_id", call.CallID, "panic", r)
				select {
				case done <- outcome{content: fmt.Sprintf("tool %q panicked: %v", call.Name, r), isError: true}:
				default:
				}
			}
		}()
		c, isErr := e.registry.Dispatch(ctx, tc, call.Name, call.ArgumentsRaw)
		select {
		case done <- outcome{content: c, isError: isErr}:
		default:
			e.log.Warn("tool completed after its context was already abandoned", "tool", call.Name, "call_id", call.CallID)
		}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Sprintf("tool execution timed out after %v", e.config.PerToolTimeout), true, true
		}
		return "tool execution canceled", true, false
	case o := <-done:
		return o.content, o.isError, false
	}
}

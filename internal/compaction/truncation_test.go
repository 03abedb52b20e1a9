package compaction

import (
	"strings"
	"testing"

	"github.com/quorumrun/nexus/pkg/model"
)

func TestTruncateToolResult_OverCapIsReplaced(t *testing.T) {
	r := &model.ToolResult{ToolName: "read_file", Content: strings.Repeat("a", 100)}
	changed := TruncateToolResult(r, 50, nil)
	if !changed {
		t.Fatal("expected truncation to occur")
	}
	if strings.Contains(r.Content, strings.Repeat("a", 100)) {
		t.Fatal("original content should have been discarded")
	}
	if !strings.Contains(r.Content, "100 bytes") {
		t.Fatalf("expected marker to report original size, got %q", r.Content)
	}
}

func TestTruncateToolResult_UnderCapUntouched(t *testing.T) {
	r := &model.ToolResult{ToolName: "read_file", Content: "small"}
	changed := TruncateToolResult(r, 50, nil)
	if changed {
		t.Fatal("expected no truncation under the cap")
	}
	if r.Content != "small" {
		t.Fatalf("content mutated unexpectedly: %q", r.Content)
	}
}

func TestTruncateToolResult_ProtectedToolExempt(t *testing.T) {
	r := &model.ToolResult{ToolName: "skill", Content: strings.Repeat("a", 100)}
	changed := TruncateToolResult(r, 50, map[string]bool{"skill": true})
	if changed {
		t.Fatal("protected tool should never be truncated")
	}
}

func TestTruncateToolResult_NilResultNoop(t *testing.T) {
	if TruncateToolResult(nil, 10, nil) {
		t.Fatal("nil result should report no change")
	}
}

func TestTruncateToolResult_DefaultCapUsedWhenUnset(t *testing.T) {
	r := &model.ToolResult{ToolName: "read_file", Content: strings.Repeat("a", DefaultMaxResultBytes+1)}
	changed := TruncateToolResult(r, 0, nil)
	if !changed {
		t.Fatal("expected default cap to trigger truncation")
	}
}

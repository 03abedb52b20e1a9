// Package compaction implements the three-layer compaction pipeline
// (component F): tool-output truncation at write time, backwards soft
// pruning at turn boundaries, and AI summarization when context pressure
// crosses a threshold.
package compaction

import (
	"fmt"

	"github.com/quorumrun/nexus/pkg/model"
)

// TruncationMarker replaces a tool result's content once it is truncated.
const TruncationMarker = "[tool output truncated: %d bytes exceeded the %d byte cap]"

// DefaultMaxResultBytes is the per-tool byte cap applied when a caller
// doesn't configure one explicitly.
const DefaultMaxResultBytes = 32 * 1024

// TruncateToolResult applies Layer 1: if result's content exceeds
// maxBytes and its tool isn't in protected, the content is replaced with
// a marker and the original is discarded (not recoverable — this is a
// write-time, not a soft, truncation). Returns true if truncation
// occurred.
func TruncateToolResult(result *model.ToolResult, maxBytes int, protected map[string]bool) bool {
	if result == nil {
		return false
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxResultBytes
	}
	if protected[result.ToolName] {
		return false
	}
	if len(result.Content) <= maxBytes {
		return false
	}
	original := len(result.Content)
	result.Content = fmt.Sprintf(TruncationMarker, original, maxBytes)
	return true
}

package builtins

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/quorumrun/nexus/pkg/contract"
	"github.com/quorumrun/nexus/pkg/model"
)

// ReadFileArgs mirrors read_file.rs's FunctionTool parameters.
type ReadFileArgs struct {
	Path      string `json:"path" jsonschema:"required,description=Path to the file to read, relative to the workspace root or absolute."`
	Root      string `json:"root,omitempty" jsonschema:"description=Workspace root directory to resolve relative paths against."`
	StartLine int    `json:"start_line,omitempty" jsonschema:"description=Line number to start reading from (1-indexed, inclusive). If omitted, reads from beginning.,minimum=1"`
	LineCount int    `json:"line_count,omitempty" jsonschema:"description=Number of lines to read from start_line. If omitted, reads to end of file.,minimum=1"`
}

type readFileResult struct {
	Path       string `json:"path"`
	Content    string `json:"content"`
	StartLine  *int   `json:"start_line"`
	EndLine    *int   `json:"end_line"`
	TotalLines int    `json:"total_lines"`
}

// ReadFileTool reads a file under the workspace, optionally restricted
// to a line range. Ported from read_file.rs's ReadFileTool.
type ReadFileTool struct{}

func NewReadFileTool() ReadFileTool { return ReadFileTool{} }

func (ReadFileTool) Name() string { return "read_file" }

func (ReadFileTool) Definition() model.ToolDefinition {
	return model.ToolDefinition{
		Name:        "read_file",
		Description: "Read contents of a file under the workspace. Supports reading the full file or a specific line range.",
		Parameters:  generateSchema[ReadFileArgs](),
	}
}

func (ReadFileTool) RequiredCapabilities() []model.Capability {
	return []model.Capability{model.CapFilesystem}
}

func (ReadFileTool) IsReadOnly() bool { return true }

func (ReadFileTool) Call(tc contract.ToolContext, argsJSON json.RawMessage) (string, error) {
	var args ReadFileArgs
	if err := json.Unmarshal(argsJSON, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if strings.TrimSpace(args.Path) == "" {
		return "", fmt.Errorf("path is required")
	}

	root := tc.Cwd
	if args.Root != "" {
		resolvedRoot, err := resolvePath(tc, args.Root)
		if err != nil {
			return "", err
		}
		root = resolvedRoot
	}
	if root == "" {
		return "", fmt.Errorf("no working directory available")
	}

	path, err := resolvePath(tc, args.Path)
	if err != nil {
		return "", err
	}
	target := path
	if !filepath.IsAbs(path) {
		target = filepath.Join(root, path)
	}

	raw, err := os.ReadFile(target)
	if err != nil {
		return "", fmt.Errorf("read failed: %w", err)
	}

	lines := splitLines(string(raw))
	total := len(lines)

	startIdx, endIdx, actualStart, actualEnd, err := lineRange(args.StartLine, args.LineCount, total)
	if err != nil {
		return "", err
	}

	var content string
	if total > 0 {
		content = strings.Join(lines[startIdx:endIdx], "\n")
	}

	out, err := json.Marshal(readFileResult{
		Path: target, Content: content, StartLine: actualStart, EndLine: actualEnd, TotalLines: total,
	})
	if err != nil {
		return "", fmt.Errorf("serialize failed: %w", err)
	}
	return string(out), nil
}

func resolvePath(tc contract.ToolContext, path string) (string, error) {
	if tc.Resolver != nil {
		return tc.Resolver.Resolve(path)
	}
	return path, nil
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// lineRange reproduces read_file.rs's (start_line, line_count)
// interpretation exactly: neither set reads the whole file; start_line
// alone reads to EOF; both set reads a clamped window; line_count
// alone (no start_line) is an error.
func lineRange(startLine, lineCount, total int) (startIdx, endIdx int, actualStart, actualEnd *int, err error) {
	switch {
	case startLine == 0 && lineCount == 0:
		return 0, total, nil, nil, nil
	case startLine > 0 && lineCount == 0:
		if startLine < 1 {
			return 0, 0, nil, nil, fmt.Errorf("start_line must be >= 1")
		}
		if total > 0 && startLine > total {
			return 0, 0, nil, nil, fmt.Errorf("start_line %d exceeds file length %d", startLine, total)
		}
		idx := startLine - 1
		if total == 0 {
			idx = 0
		}
		end := total
		return idx, end, &startLine, &end, nil
	case startLine > 0 && lineCount > 0:
		if lineCount < 1 {
			return 0, 0, nil, nil, fmt.Errorf("line_count must be >= 1")
		}
		if total > 0 && startLine > total {
			return 0, 0, nil, nil, fmt.Errorf("start_line %d exceeds file length %d", startLine, total)
		}
		idx := startLine - 1
		if total == 0 {
			idx = 0
		}
		end := idx + lineCount
		if end > total {
			end = total
		}
		actualEndVal := end
		if total == 0 {
			actualEndVal = 0
		}
		return idx, end, &startLine, &actualEndVal, nil
	default: // lineCount set without startLine
		return 0, 0, nil, nil, fmt.Errorf("line_count requires start_line to be specified")
	}
}

package builtins

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/quorumrun/nexus/pkg/contract"
	"github.com/quorumrun/nexus/pkg/model"
)

// ApplyPatchArgs mirrors patch_utils.rs's multi-file unified diff input.
type ApplyPatchArgs struct {
	Patch string `json:"patch" jsonschema:"required,description=Unified diff text. May contain multiple file patches."`
	Strip int    `json:"strip,omitempty" jsonschema:"description=Number of leading path components to strip from each file header (git a/ b/ prefixes count as 1),minimum=0"`
}

type applyPatchResult struct {
	FilesChanged []string `json:"files_changed"`
}

// ApplyPatchTool applies one or more unified-diff hunks to files under
// the workspace. Ported from patch_utils.rs's split/parse/apply
// pipeline (split_patch_text, parse_single_patch, resolve_file_path),
// minus the gitpatch/patchkit crates' binary-diff and fuzzy-match
// support, which this tool does not need.
type ApplyPatchTool struct{}

func NewApplyPatchTool() ApplyPatchTool { return ApplyPatchTool{} }

func (ApplyPatchTool) Name() string { return "apply_patch" }

func (ApplyPatchTool) Definition() model.ToolDefinition {
	return model.ToolDefinition{
		Name:        "apply_patch",
		Description: "Apply a unified diff patch to one or more files under the workspace.",
		Parameters:  generateSchema[ApplyPatchArgs](),
	}
}

func (ApplyPatchTool) RequiredCapabilities() []model.Capability {
	return []model.Capability{model.CapFilesystem}
}

func (ApplyPatchTool) IsReadOnly() bool { return false }

func (ApplyPatchTool) Call(tc contract.ToolContext, argsJSON json.RawMessage) (string, error) {
	if tc.IsReadOnly() {
		return "", fmt.Errorf("apply_patch is not permitted in a read-only session")
	}

	var args ApplyPatchArgs
	if err := json.Unmarshal(argsJSON, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if strings.TrimSpace(args.Patch) == "" {
		return "", fmt.Errorf("patch is required")
	}

	filePatches, err := splitPatchText(args.Patch)
	if err != nil {
		return "", err
	}

	var changed []string
	for _, fp := range filePatches {
		target, err := resolveFilePatchPath(tc, fp.path, args.Strip)
		if err != nil {
			return "", err
		}
		if err := applyFilePatch(target, fp.hunks); err != nil {
			return "", fmt.Errorf("apply patch to %s: %w", target, err)
		}
		changed = append(changed, target)
	}

	out, err := json.Marshal(applyPatchResult{FilesChanged: changed})
	if err != nil {
		return "", fmt.Errorf("serialize failed: %w", err)
	}
	return string(out), nil
}

type hunk struct {
	origStart, origCount int
	newStart, newCount   int
	lines                []hunkLine // each line tagged ' ', '+', or '-'
}

type hunkLine struct {
	kind byte
	text string
}

type filePatch struct {
	path  string
	hunks []hunk
}

// splitPatchText breaks a possibly multi-file unified diff into
// per-file patches, mirroring split_patch_text's "--- " boundary rule,
// then parses each file's hunks.
func splitPatchText(patchText string) ([]filePatch, error) {
	lines := strings.Split(patchText, "\n")
	var blocks [][]string
	var current []string
	inPatch := false

	for _, line := range lines {
		if strings.HasPrefix(line, "--- ") {
			if inPatch && len(current) > 0 {
				blocks = append(blocks, current)
			}
			current = []string{line}
			inPatch = true
			continue
		}
		if inPatch {
			current = append(current, line)
		}
	}
	if inPatch && len(current) > 0 {
		blocks = append(blocks, current)
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("no valid patches found in input")
	}

	var patches []filePatch
	for _, b := range blocks {
		fp, err := parseFilePatch(b)
		if err != nil {
			return nil, err
		}
		patches = append(patches, fp)
	}
	return patches, nil
}

func parseFilePatch(lines []string) (filePatch, error) {
	if len(lines) < 2 || !strings.HasPrefix(lines[0], "--- ") {
		return filePatch{}, fmt.Errorf("patch syntax error: missing --- header")
	}
	if !strings.HasPrefix(lines[1], "+++ ") {
		return filePatch{}, fmt.Errorf("malformed patch header: missing +++ line")
	}
	path := strings.TrimSpace(strings.TrimPrefix(lines[1], "+++ "))
	if tab := strings.IndexByte(path, '\t'); tab >= 0 {
		path = path[:tab]
	}

	var hunks []hunk
	i := 2
	for i < len(lines) {
		line := lines[i]
		if !strings.HasPrefix(line, "@@ ") {
			i++
			continue
		}
		h, next, err := parseHunk(lines, i)
		if err != nil {
			return filePatch{}, err
		}
		hunks = append(hunks, h)
		i = next
	}
	if len(hunks) == 0 {
		return filePatch{}, fmt.Errorf("malformed hunk header: no hunks found for %s", path)
	}
	return filePatch{path: path, hunks: hunks}, nil
}

// parseHunk parses one "@@ -l,s +l,s @@" header and its body lines,
// returning the index of the line after the hunk.
func parseHunk(lines []string, start int) (hunk, int, error) {
	header := lines[start]
	origStart, origCount, newStart, newCount, err := parseHunkHeader(header)
	if err != nil {
		return hunk{}, 0, err
	}

	h := hunk{origStart: origStart, origCount: origCount, newStart: newStart, newCount: newCount}
	i := start + 1
	for i < len(lines) {
		line := lines[i]
		if line == "" && i == len(lines)-1 {
			break
		}
		if strings.HasPrefix(line, "@@ ") || strings.HasPrefix(line, "--- ") {
			break
		}
		if len(line) == 0 {
			h.lines = append(h.lines, hunkLine{kind: ' ', text: ""})
			i++
			continue
		}
		switch line[0] {
		case '+', '-', ' ':
			h.lines = append(h.lines, hunkLine{kind: line[0], text: line[1:]})
		case '\\':
			// "\ No newline at end of file" — ignored, we always write
			// without a forced trailing newline marker.
		default:
			return hunk{}, 0, fmt.Errorf("malformed hunk header: unexpected line %q", line)
		}
		i++
	}
	return h, i, nil
}

func parseHunkHeader(header string) (origStart, origCount, newStart, newCount int, err error) {
	body := strings.TrimSuffix(strings.TrimPrefix(header, "@@ "), " @@")
	if idx := strings.Index(body, " @@"); idx >= 0 {
		body = body[:idx]
	}
	parts := strings.Fields(body)
	if len(parts) != 2 || !strings.HasPrefix(parts[0], "-") || !strings.HasPrefix(parts[1], "+") {
		return 0, 0, 0, 0, fmt.Errorf("malformed hunk header: %q", header)
	}
	origStart, origCount, err = parseRange(parts[0][1:])
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("malformed hunk header: %w", err)
	}
	newStart, newCount, err = parseRange(parts[1][1:])
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("malformed hunk header: %w", err)
	}
	return origStart, origCount, newStart, newCount, nil
}

func parseRange(s string) (start, count int, err error) {
	if comma := strings.IndexByte(s, ','); comma >= 0 {
		start, err = strconv.Atoi(s[:comma])
		if err != nil {
			return 0, 0, err
		}
		count, err = strconv.Atoi(s[comma+1:])
		return start, count, err
	}
	start, err = strconv.Atoi(s)
	return start, 1, err
}

// applyFilePatch applies hunks to the file at path in order, rewriting
// it in place. Hunks are applied against the original line numbers
// (patches are expected to be generated against the current file, not
// chained against each other's output).
func applyFilePatch(path string, hunks []hunk) error {
	original, err := readLines(path)
	if err != nil {
		return err
	}

	var out []string
	cursor := 0 // 0-indexed position in original already copied

	for _, h := range hunks {
		startIdx := h.origStart - 1
		if h.origCount == 0 {
			startIdx = h.origStart
		}
		if startIdx < cursor || startIdx > len(original) {
			return fmt.Errorf("hunk does not apply cleanly at line %d", h.origStart)
		}
		out = append(out, original[cursor:startIdx]...)
		cursor = startIdx

		for _, hl := range h.lines {
			switch hl.kind {
			case ' ':
				if cursor >= len(original) || original[cursor] != hl.text {
					return fmt.Errorf("context mismatch at line %d", cursor+1)
				}
				out = append(out, hl.text)
				cursor++
			case '-':
				if cursor >= len(original) || original[cursor] != hl.text {
					return fmt.Errorf("deletion mismatch at line %d", cursor+1)
				}
				cursor++
			case '+':
				out = append(out, hl.text)
			}
		}
	}
	out = append(out, original[cursor:]...)

	return os.WriteFile(path, []byte(strings.Join(out, "\n")), 0o644)
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read failed: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// resolveFilePatchPath reproduces resolve_file_path's git-style a/
// b/ prefix stripping against the session's cwd.
func resolveFilePatchPath(tc contract.ToolContext, patchPath string, strip int) (string, error) {
	p := patchPath
	for i := 0; i < strip; i++ {
		if slash := strings.IndexByte(p, '/'); slash >= 0 {
			p = p[slash+1:]
		}
	}
	if strip == 0 && (strings.HasPrefix(p, "a/") || strings.HasPrefix(p, "b/")) {
		p = p[2:]
	}

	resolved := p
	if tc.Resolver != nil {
		r, err := tc.Resolver.Resolve(p)
		if err != nil {
			return "", err
		}
		resolved = r
	}
	if filepath.IsAbs(resolved) {
		return resolved, nil
	}
	return filepath.Join(tc.Cwd, resolved), nil
}

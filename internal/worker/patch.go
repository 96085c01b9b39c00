package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/haasonsaas/relay/pkg/models"
)

// PatchToolName is the name the patch tool is registered under.
const PatchToolName = "apply_patch"

// ErrPatchMismatch is returned when a hunk does not match the file.
var ErrPatchMismatch = errors.New("patch does not apply")

const devNull = "/dev/null"

// PatchArgs are the arguments of the patch tool.
type PatchArgs struct {
	Patch string `json:"patch" jsonschema:"description=Unified diff with ---/+++ headers. Paths are relative to the session workdir."`
}

// PatchedFile reports what happened to one file.
type PatchedFile struct {
	Path    string `json:"path"`
	Action  string `json:"action"`
	Hunks   int    `json:"hunks"`
	Added   int    `json:"lines_added"`
	Removed int    `json:"lines_removed"`
}

type patchTool struct {
	resolver Resolver
}

func (t *patchTool) spec() (models.ToolSpec, error) {
	params, err := reflectSchema(&PatchArgs{})
	if err != nil {
		return models.ToolSpec{}, err
	}
	return models.ToolSpec{
		Name:        PatchToolName,
		Description: "Apply a unified diff to files in the session working directory.",
		Parameters:  params,
	}, nil
}

type pendingWrite struct {
	path    string
	content string
	remove  bool
}

// handle applies every file of the patch or none of them.
func (t *patchTool) handle(ctx context.Context, inv *models.ToolInvocation) ([]models.ToolOutput, error) {
	var args PatchArgs
	if err := json.Unmarshal(inv.Arguments, &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	patches, err := parseUnifiedDiff(args.Patch)
	if err != nil {
		return nil, err
	}

	writes := make([]pendingWrite, 0, len(patches))
	report := make([]PatchedFile, 0, len(patches))
	for _, fp := range patches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := fp.target()
		resolved, err := t.resolver.Resolve(inv.Workdir, name)
		if err != nil {
			return nil, err
		}

		var original string
		if fp.OldPath != devNull {
			data, err := os.ReadFile(resolved)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", name, err)
			}
			original = string(data)
		} else if _, err := os.Stat(resolved); err == nil {
			return nil, fmt.Errorf("%w: %s already exists", ErrPatchMismatch, name)
		}

		applied, err := applyFilePatch(original, fp)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}

		entry := PatchedFile{Path: name, Hunks: len(fp.Hunks), Added: applied.added, Removed: applied.removed}
		switch {
		case fp.NewPath == devNull:
			entry.Action = "deleted"
			writes = append(writes, pendingWrite{path: resolved, remove: true})
		case fp.OldPath == devNull:
			entry.Action = "created"
			writes = append(writes, pendingWrite{path: resolved, content: applied.content})
		default:
			entry.Action = "modified"
			writes = append(writes, pendingWrite{path: resolved, content: applied.content})
		}
		report = append(report, entry)
	}

	for _, w := range writes {
		if err := w.apply(); err != nil {
			return nil, err
		}
	}

	data, err := json.Marshal(map[string]any{"applied": report})
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	lines := make([]string, 0, len(report))
	for _, f := range report {
		lines = append(lines, fmt.Sprintf("%s %s (+%d -%d)", f.Action, f.Path, f.Added, f.Removed))
	}
	return []models.ToolOutput{
		models.TextOutput(strings.Join(lines, "\n")),
		{Type: models.OutputJSON, Data: data},
	}, nil
}

func (w pendingWrite) apply() error {
	if w.remove {
		if err := os.Remove(w.path); err != nil {
			return fmt.Errorf("delete %s: %w", w.path, err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", w.path, err)
	}
	if err := os.WriteFile(w.path, []byte(w.content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", w.path, err)
	}
	return nil
}

type filePatch struct {
	OldPath string
	NewPath string
	Hunks   []hunk
}

func (fp filePatch) target() string {
	if fp.NewPath == devNull {
		return fp.OldPath
	}
	return fp.NewPath
}

type hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []string
}

type patchResult struct {
	content string
	added   int
	removed int
}

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

func parseUnifiedDiff(patch string) ([]filePatch, error) {
	if strings.TrimSpace(patch) == "" {
		return nil, errors.New("patch is required")
	}
	lines := strings.Split(strings.ReplaceAll(patch, "\r\n", "\n"), "\n")
	var patches []filePatch
	var current *filePatch
	var currentHunk *hunk

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "--- ") && (currentHunk == nil || currentHunk.complete()):
			if i+1 >= len(lines) || !strings.HasPrefix(lines[i+1], "+++ ") {
				return nil, errors.New("invalid patch: missing +++ header")
			}
			patches = append(patches, filePatch{
				OldPath: headerPath(line[4:]),
				NewPath: headerPath(lines[i+1][4:]),
			})
			current = &patches[len(patches)-1]
			currentHunk = nil
			i++
		case strings.HasPrefix(line, "@@ "):
			if current == nil {
				return nil, errors.New("invalid patch: hunk without file header")
			}
			m := hunkHeader.FindStringSubmatch(line)
			if m == nil {
				return nil, fmt.Errorf("invalid patch: malformed hunk header %q", line)
			}
			current.Hunks = append(current.Hunks, hunk{
				OldStart: atoiDefault(m[1], 0),
				OldLines: atoiDefault(m[2], 1),
				NewStart: atoiDefault(m[3], 0),
				NewLines: atoiDefault(m[4], 1),
			})
			currentHunk = &current.Hunks[len(current.Hunks)-1]
		case currentHunk == nil:
			// diff/index headers and commentary between files
		case line == `\ No newline at end of file`:
		case line == "":
			// Editors strip the space of empty context lines.
			if !currentHunk.complete() {
				currentHunk.Lines = append(currentHunk.Lines, " ")
			}
		default:
			switch line[0] {
			case ' ', '+', '-':
				currentHunk.Lines = append(currentHunk.Lines, line)
			default:
				return nil, fmt.Errorf("invalid patch line %q", line)
			}
		}
	}

	if len(patches) == 0 {
		return nil, errors.New("invalid patch: no file headers found")
	}
	for _, fp := range patches {
		if len(fp.Hunks) == 0 {
			return nil, fmt.Errorf("invalid patch: %s has no hunks", fp.target())
		}
	}
	return patches, nil
}

// complete reports whether the hunk holds as many lines as its header
// announced.
func (h *hunk) complete() bool {
	var oldN, newN int
	for _, l := range h.Lines {
		switch l[0] {
		case ' ':
			oldN++
			newN++
		case '-':
			oldN++
		case '+':
			newN++
		}
	}
	return oldN >= h.OldLines && newN >= h.NewLines
}

func headerPath(raw string) string {
	p := strings.TrimSpace(raw)
	if tab := strings.IndexByte(p, '\t'); tab >= 0 {
		p = p[:tab]
	}
	if p == devNull {
		return p
	}
	if strings.HasPrefix(p, "a/") || strings.HasPrefix(p, "b/") {
		p = p[2:]
	}
	return p
}

// applyFilePatch applies hunks in order. Line numbers in later hunks refer
// to the original file, so the running offset of earlier hunks is added.
func applyFilePatch(content string, fp filePatch) (patchResult, error) {
	hadTrailing := content == "" || strings.HasSuffix(content, "\n")
	var lines []string
	if trimmed := strings.TrimSuffix(content, "\n"); trimmed != "" {
		lines = strings.Split(trimmed, "\n")
	}

	var res patchResult
	offset := 0
	for n, h := range fp.Hunks {
		idx := h.OldStart - 1 + offset
		if h.OldLines == 0 {
			idx = h.OldStart + offset
		}
		if idx < 0 || idx > len(lines) {
			return patchResult{}, fmt.Errorf("%w: hunk %d starts past end of file", ErrPatchMismatch, n+1)
		}
		for _, line := range h.Lines {
			text := line[1:]
			switch line[0] {
			case ' ':
				if idx >= len(lines) || lines[idx] != text {
					return patchResult{}, fmt.Errorf("%w: hunk %d context mismatch at line %d", ErrPatchMismatch, n+1, idx+1)
				}
				idx++
			case '-':
				if idx >= len(lines) || lines[idx] != text {
					return patchResult{}, fmt.Errorf("%w: hunk %d removal mismatch at line %d", ErrPatchMismatch, n+1, idx+1)
				}
				lines = append(lines[:idx], lines[idx+1:]...)
				offset--
				res.removed++
			case '+':
				lines = append(lines[:idx], append([]string{text}, lines[idx:]...)...)
				idx++
				offset++
				res.added++
			}
		}
	}

	res.content = strings.Join(lines, "\n")
	if hadTrailing && len(lines) > 0 {
		res.content += "\n"
	}
	return res, nil
}

func atoiDefault(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openplanter/core/internal/tool"
)

// ── patch_file ──
//
// Codex-style patch envelope: one or more file sections inside
// "*** Begin Patch" / "*** End Patch" markers, each headed by
// "*** Add File: path", "*** Delete File: path", or "*** Update File: path".
// Update sections carry one or more @@ hunks of context (' '), deletion ('-')
// and addition ('+') lines, located in the target file by three-stage
// matching: exact, then whitespace-trimmed-per-line, then fully
// whitespace-stripped subsequence (so re-indented code still patches).

type PatchFileTool struct {
	ws *tool.Workspace
}

func NewPatchFileTool(ws *tool.Workspace) *PatchFileTool { return &PatchFileTool{ws: ws} }

func (t *PatchFileTool) Name() string { return "patch_file" }
func (t *PatchFileTool) Description() string {
	return "Apply a Codex-style patch (Add/Delete/Update File sections with @@ hunks) atomically. Fails entirely if any hunk cannot be located."
}

func (t *PatchFileTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(
		tool.SchemaParam{Name: "patch", Type: "string", Description: "patch text between *** Begin Patch / *** End Patch", Required: true},
	)
}

func (t *PatchFileTool) Init(_ context.Context) error { return nil }
func (t *PatchFileTool) Close() error                 { return nil }

type patchFileArgs struct {
	Patch string `json:"patch"`
}

type patchOp int

const (
	opAdd patchOp = iota
	opDelete
	opUpdate
)

type patchHunk struct {
	// lines holds the hunk body verbatim, each prefixed with ' ', '-', or '+'.
	lines []string
}

type fileSection struct {
	op       patchOp
	path     string
	movePath string // "*** Move to: path" for Update sections, optional
	addBody  string // full content for Add sections
	hunks    []patchHunk
}

func (t *PatchFileTool) Execute(_ context.Context, args json.RawMessage) (tool.ToolResult, error) {
	var a patchFileArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return errResult(tool.NewError(tool.ErrToolArgument, "invalid arguments: %v", err)), nil
	}

	sections, err := parsePatch(a.Patch)
	if err != nil {
		return tool.ToolResult{Error: err.Error()}, nil
	}
	if len(sections) == 0 {
		return tool.ToolResult{Error: "patch contains no file sections"}, nil
	}

	// Resolve and validate every section before touching disk, so the patch
	// applies atomically: all-or-nothing across the whole envelope.
	type plannedWrite struct {
		path    string
		content string
		delete  bool
	}
	var planned []plannedWrite

	for _, sec := range sections {
		path, err := t.ws.Resolve(sec.path)
		if err != nil {
			return errResult(err), nil
		}

		switch sec.op {
		case opAdd:
			if _, statErr := os.Stat(path); statErr == nil {
				return tool.ToolResult{Error: fmt.Sprintf("add file %s: already exists", sec.path)}, nil
			}
			planned = append(planned, plannedWrite{path: path, content: sec.addBody})

		case opDelete:
			if _, statErr := os.Stat(path); statErr != nil {
				return tool.ToolResult{Error: fmt.Sprintf("delete file %s: does not exist", sec.path)}, nil
			}
			planned = append(planned, plannedWrite{path: path, delete: true})

		case opUpdate:
			data, readErr := os.ReadFile(path)
			if readErr != nil {
				return tool.ToolResult{Error: fmt.Sprintf("update file %s: %v", sec.path, readErr)}, nil
			}
			if !t.ws.HasRead(path) {
				return errResult(tool.NewError(tool.ErrUnreadOverwrite, "%s exists on disk and was never read in this solve", path)), nil
			}

			updated, applyErr := applyHunks(string(data), sec.hunks)
			if applyErr != nil {
				return tool.ToolResult{Error: fmt.Sprintf("update file %s: %v", sec.path, applyErr)}, nil
			}

			destPath := path
			if sec.movePath != "" {
				destPath, err = t.ws.Resolve(sec.movePath)
				if err != nil {
					return errResult(err), nil
				}
				planned = append(planned, plannedWrite{path: path, delete: true})
			}
			planned = append(planned, plannedWrite{path: destPath, content: updated})
		}
	}

	// Claim every destination write before mutating anything, so a
	// parallel sibling touching the same path loses the whole patch
	// rather than half of it.
	for _, pw := range planned {
		if pw.delete {
			continue
		}
		if err := t.ws.ClaimWrite(pw.path); err != nil {
			return errResult(err), nil
		}
	}

	var touched []string
	for _, pw := range planned {
		if pw.delete {
			if err := os.Remove(pw.path); err != nil {
				return tool.ToolResult{Error: fmt.Sprintf("delete failed: %v", err)}, nil
			}
			touched = append(touched, relPath(pw.path, t.ws.Root())+" (deleted)")
			continue
		}
		if err := os.MkdirAll(filepath.Dir(pw.path), 0755); err != nil {
			return tool.ToolResult{Error: fmt.Sprintf("mkdir failed: %v", err)}, nil
		}
		if err := os.WriteFile(pw.path, []byte(pw.content), 0644); err != nil {
			return tool.ToolResult{Error: fmt.Sprintf("write failed: %v", err)}, nil
		}
		t.ws.MarkRead(pw.path)
		touched = append(touched, relPath(pw.path, t.ws.Root()))
	}

	return tool.ToolResult{Output: fmt.Sprintf("patched: %s", strings.Join(touched, ", "))}, nil
}

// parsePatch splits a Codex-style envelope into file sections. The outer
// "*** Begin Patch" / "*** End Patch" markers are optional when the caller
// passes a single section body directly.
func parsePatch(text string) ([]fileSection, error) {
	lines := splitLines(text)
	i := 0
	if i < len(lines) && strings.TrimSpace(stripNL(lines[i])) == "*** Begin Patch" {
		i++
	}

	var sections []fileSection
	for i < len(lines) {
		line := stripNL(lines[i])
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "*** End Patch":
			return sections, nil
		case strings.HasPrefix(trimmed, "*** Add File: "):
			path := strings.TrimPrefix(trimmed, "*** Add File: ")
			i++
			var body strings.Builder
			for i < len(lines) {
				l := stripNL(lines[i])
				if strings.HasPrefix(strings.TrimSpace(l), "*** ") {
					break
				}
				body.WriteString(strings.TrimPrefix(l, "+"))
				body.WriteString("\n")
				i++
			}
			sections = append(sections, fileSection{op: opAdd, path: path, addBody: body.String()})

		case strings.HasPrefix(trimmed, "*** Delete File: "):
			path := strings.TrimPrefix(trimmed, "*** Delete File: ")
			sections = append(sections, fileSection{op: opDelete, path: path})
			i++

		case strings.HasPrefix(trimmed, "*** Update File: "):
			path := strings.TrimPrefix(trimmed, "*** Update File: ")
			i++
			sec := fileSection{op: opUpdate, path: path}
			if i < len(lines) && strings.HasPrefix(strings.TrimSpace(stripNL(lines[i])), "*** Move to: ") {
				sec.movePath = strings.TrimPrefix(strings.TrimSpace(stripNL(lines[i])), "*** Move to: ")
				i++
			}
			var hunks []patchHunk
			for i < len(lines) {
				l := stripNL(lines[i])
				lt := strings.TrimSpace(l)
				if strings.HasPrefix(lt, "*** ") {
					break
				}
				if strings.HasPrefix(lt, "@@") {
					i++
					var body []string
					for i < len(lines) {
						hl := stripNL(lines[i])
						hlt := strings.TrimSpace(hl)
						if strings.HasPrefix(hlt, "@@") || strings.HasPrefix(hlt, "*** ") {
							break
						}
						body = append(body, hl)
						i++
					}
					hunks = append(hunks, patchHunk{lines: body})
					continue
				}
				i++
			}
			sec.hunks = hunks
			sections = append(sections, sec)

		default:
			i++ // blank line or stray text between sections
		}
	}
	return sections, nil
}

func stripNL(s string) string {
	return strings.TrimRight(s, "\n")
}

// splitLines splits text into lines, each retaining its trailing "\n"
// except possibly the last (if text doesn't end in one). Returns nil for
// an empty string.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	var lines []string
	start := 0
	for i, r := range text {
		if r == '\n' {
			lines = append(lines, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		lines = append(lines, text[start:])
	}
	return lines
}

// applyHunks applies each hunk to content in order, locating the hunk's
// context+deletion lines via three-stage matching and splicing in the
// addition lines in their place.
func applyHunks(content string, hunks []patchHunk) (string, error) {
	fileLines := strings.Split(content, "\n")
	for idx, h := range hunks {
		var oldLines, newLines []string
		for _, l := range h.lines {
			if l == "" {
				oldLines = append(oldLines, "")
				newLines = append(newLines, "")
				continue
			}
			switch l[0] {
			case '-':
				oldLines = append(oldLines, l[1:])
			case '+':
				newLines = append(newLines, l[1:])
			case ' ':
				oldLines = append(oldLines, l[1:])
				newLines = append(newLines, l[1:])
			default:
				oldLines = append(oldLines, l)
				newLines = append(newLines, l)
			}
		}
		if len(oldLines) == 0 {
			return "", fmt.Errorf("hunk %d has no context/deletion lines to locate", idx+1)
		}

		start, matchLen, err := locateHunk(fileLines, oldLines)
		if err != nil {
			return "", fmt.Errorf("hunk %d: %w", idx+1, err)
		}

		spliced := make([]string, 0, len(fileLines)-matchLen+len(newLines))
		spliced = append(spliced, fileLines[:start]...)
		spliced = append(spliced, newLines...)
		spliced = append(spliced, fileLines[start+matchLen:]...)
		fileLines = spliced
	}
	return strings.Join(fileLines, "\n"), nil
}

// locateHunk finds the position of oldLines within fileLines, trying
// progressively looser matching: exact, then leading/trailing-whitespace
// trimmed per line, then fully whitespace-stripped (so the hunk still
// applies across a re-indent).
func locateHunk(fileLines, oldLines []string) (start, length int, err error) {
	n := len(oldLines)
	if idx := findSubsequence(fileLines, oldLines, func(a, b string) bool { return a == b }); idx >= 0 {
		return idx, n, nil
	}
	if idx := findSubsequence(fileLines, oldLines, func(a, b string) bool {
		return strings.TrimSpace(a) == strings.TrimSpace(b)
	}); idx >= 0 {
		return idx, n, nil
	}
	if idx := findSubsequence(fileLines, oldLines, func(a, b string) bool {
		return stripAllWhitespace(a) == stripAllWhitespace(b)
	}); idx >= 0 {
		return idx, n, nil
	}
	return 0, 0, fmt.Errorf("could not locate context in file (%d lines, no exact/trimmed/whitespace-normalized match)", n)
}

func findSubsequence(haystack, needle []string, eq func(a, b string) bool) int {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j, want := range needle {
			if !eq(haystack[i+j], want) {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func stripAllWhitespace(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\r' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

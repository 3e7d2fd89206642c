package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/openplanter/core/internal/tool"
)

const (
	maxFileSize  = 1 << 20 // 1MB — read limit
	maxWriteSize = 1 << 20 // 1MB — reject oversized content before filesystem access
	maxListItems = 200
)

// ── read_file ──

type ReadFileTool struct {
	ws *tool.Workspace
}

func NewReadFileTool(ws *tool.Workspace) *ReadFileTool { return &ReadFileTool{ws: ws} }

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Read a workspace file, optionally clipped to a line range."
}

func (t *ReadFileTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(
		tool.SchemaParam{Name: "path", Type: "string", Description: "workspace-relative or absolute path", Required: true},
		tool.SchemaParam{Name: "start_line", Type: "integer", Description: "first line to return, 1-based (optional)", Required: false},
		tool.SchemaParam{Name: "end_line", Type: "integer", Description: "last line to return, inclusive (optional)", Required: false},
	)
}

func (t *ReadFileTool) Init(_ context.Context) error { return nil }
func (t *ReadFileTool) Close() error                 { return nil }

type readFileArgs struct {
	Path      string `json:"path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

func (t *ReadFileTool) Execute(_ context.Context, args json.RawMessage) (tool.ToolResult, error) {
	var a readFileArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return errResult(tool.NewError(tool.ErrToolArgument, "invalid arguments: %v", err)), nil
	}

	path, err := t.ws.Resolve(a.Path)
	if err != nil {
		return errResult(err), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("file not found: %s", path)}, nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("stat failed: %v", err)}, nil
	}
	if info.IsDir() {
		return tool.ToolResult{Error: "path is a directory; use list_dir"}, nil
	}
	if info.Size() > maxFileSize {
		return tool.ToolResult{Error: fmt.Sprintf("file too large (%d bytes), limit %d", info.Size(), maxFileSize)}, nil
	}

	data, err := io.ReadAll(io.LimitReader(f, maxFileSize))
	if err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("read failed: %v", err)}, nil
	}

	t.ws.MarkRead(path)

	out := string(data)
	if a.StartLine > 0 || a.EndLine > 0 {
		out = clipLineRange(out, a.StartLine, a.EndLine)
	}
	return tool.ToolResult{Output: out}, nil
}

// clipLineRange returns lines [start, end] (1-based, inclusive) from text.
// start <= 0 means "from the beginning"; end <= 0 means "to the end".
func clipLineRange(text string, start, end int) string {
	lines := strings.Split(text, "\n")
	if start <= 0 {
		start = 1
	}
	if end <= 0 || end > len(lines) {
		end = len(lines)
	}
	if start > len(lines) {
		return ""
	}
	return strings.Join(lines[start-1:end], "\n")
}

// ── write_file ──

type WriteFileTool struct {
	ws *tool.Workspace
}

func NewWriteFileTool(ws *tool.Workspace) *WriteFileTool { return &WriteFileTool{ws: ws} }

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Create or overwrite a workspace file. Fails if the target exists and was not previously read."
}

func (t *WriteFileTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(
		tool.SchemaParam{Name: "path", Type: "string", Description: "workspace-relative or absolute path", Required: true},
		tool.SchemaParam{Name: "content", Type: "string", Description: "full file content", Required: true},
	)
}

func (t *WriteFileTool) Init(_ context.Context) error { return nil }
func (t *WriteFileTool) Close() error                 { return nil }

type writeFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (t *WriteFileTool) Execute(_ context.Context, args json.RawMessage) (tool.ToolResult, error) {
	var a writeFileArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return errResult(tool.NewError(tool.ErrToolArgument, "invalid arguments: %v", err)), nil
	}
	if len(a.Content) > maxWriteSize {
		return tool.ToolResult{Error: fmt.Sprintf("content too large (%d bytes), limit %d", len(a.Content), maxWriteSize)}, nil
	}

	path, err := t.ws.Resolve(a.Path)
	if err != nil {
		return errResult(err), nil
	}

	if err := t.ws.CheckOverwrite(path); err != nil {
		return errResult(err), nil
	}
	if err := t.ws.ClaimWrite(path); err != nil {
		return errResult(err), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("mkdir failed: %v", err)}, nil
	}
	if err := os.WriteFile(path, []byte(a.Content), 0644); err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("write failed: %v", err)}, nil
	}

	return tool.ToolResult{Output: fmt.Sprintf("wrote %s (%d bytes)", path, len(a.Content))}, nil
}

// ── list_dir ──

type ListDirTool struct {
	ws *tool.Workspace
}

func NewListDirTool(ws *tool.Workspace) *ListDirTool { return &ListDirTool{ws: ws} }

func (t *ListDirTool) Name() string { return "list_dir" }
func (t *ListDirTool) Description() string {
	return "List files and subdirectories, optionally as a tree to a depth."
}

func (t *ListDirTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(
		tool.SchemaParam{Name: "path", Type: "string", Description: "directory path", Required: true},
		tool.SchemaParam{Name: "depth", Type: "integer", Description: "recursion depth (default 1, max 5)", Required: false},
	)
}

func (t *ListDirTool) Init(_ context.Context) error { return nil }
func (t *ListDirTool) Close() error                 { return nil }

type listDirArgs struct {
	Path  string `json:"path"`
	Depth int    `json:"depth"`
}

func (t *ListDirTool) Execute(_ context.Context, args json.RawMessage) (tool.ToolResult, error) {
	var a listDirArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return errResult(tool.NewError(tool.ErrToolArgument, "invalid arguments: %v", err)), nil
	}

	path, err := t.ws.Resolve(a.Path)
	if err != nil {
		return errResult(err), nil
	}

	depth := a.Depth
	if depth <= 0 {
		depth = 1
	}
	if depth > 5 {
		depth = 5
	}

	if _, err := os.Stat(path); err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("directory not found: %s", path)}, nil
	}

	var sb strings.Builder
	count := 0
	var walk func(dir string, prefix string, remaining int)
	walk = func(dir, prefix string, remaining int) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, entry := range entries {
			if count >= maxListItems {
				return
			}
			name := entry.Name()
			if entry.IsDir() && skipDirs[name] {
				continue
			}
			marker := "f"
			if entry.IsDir() {
				marker = "d"
			}
			sb.WriteString(prefix + marker + " " + name + "\n")
			count++
			if entry.IsDir() && remaining > 1 {
				walk(filepath.Join(dir, name), prefix+"  ", remaining-1)
			}
		}
	}
	walk(path, "", depth)

	if count == 0 {
		return tool.ToolResult{Output: "(empty directory)"}, nil
	}
	if count >= maxListItems {
		sb.WriteString(fmt.Sprintf("... (truncated at %d entries)\n", maxListItems))
	}
	return tool.ToolResult{Output: sb.String()}, nil
}

// skipDirs contains directory names excluded from recursive walks
// (list_dir, search, repo_map) to keep output relevant and fast.
var skipDirs = map[string]bool{
	".git": true, "node_modules": true, ".idea": true, ".vscode": true,
	"vendor": true, "__pycache__": true, ".cache": true, ".openplanter": true,
}

// errResult renders a *tool.Error as the ToolResult the dispatcher
// expects (ToolError → ToolResult{is_error=true}, spec.md §4.1).
func errResult(err error) tool.ToolResult {
	return tool.ToolResult{Error: err.Error()}
}

// relPath returns path relative to root, falling back to the absolute
// path when it isn't a descendant (shouldn't happen post-Resolve).
func relPath(path, root string) string {
	if rel, err := filepath.Rel(root, path); err == nil {
		return rel
	}
	return path
}

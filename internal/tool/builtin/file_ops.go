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

// ── file_move (supplemental; not in the core catalog) ──

type FileMoveTool struct {
	ws *tool.Workspace
}

func NewFileMoveTool(ws *tool.Workspace) *FileMoveTool { return &FileMoveTool{ws: ws} }

func (t *FileMoveTool) Name() string { return "file_move" }
func (t *FileMoveTool) Description() string {
	return "Move or rename a file/directory within the workspace. Refuses to overwrite an existing destination."
}

func (t *FileMoveTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(
		tool.SchemaParam{Name: "source", Type: "string", Description: "source path", Required: true},
		tool.SchemaParam{Name: "destination", Type: "string", Description: "destination path", Required: true},
	)
}

func (t *FileMoveTool) Init(_ context.Context) error { return nil }
func (t *FileMoveTool) Close() error                 { return nil }

type fileMoveArgs struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

func (t *FileMoveTool) Execute(_ context.Context, args json.RawMessage) (tool.ToolResult, error) {
	var a fileMoveArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return errResult(tool.NewError(tool.ErrToolArgument, "invalid arguments: %v", err)), nil
	}
	if strings.TrimSpace(a.Source) == "" || strings.TrimSpace(a.Destination) == "" {
		return tool.ToolResult{Error: "source and destination are required"}, nil
	}

	srcPath, err := t.ws.Resolve(a.Source)
	if err != nil {
		return errResult(err), nil
	}
	dstPath, err := t.ws.Resolve(a.Destination)
	if err != nil {
		return errResult(err), nil
	}

	if srcPath == t.ws.Root() {
		return tool.ToolResult{Error: "refusing to move the workspace root"}, nil
	}
	if _, err := os.Stat(srcPath); err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("source does not exist: %s", a.Source)}, nil
	}
	if _, err := os.Stat(dstPath); err == nil {
		return tool.ToolResult{Error: fmt.Sprintf("destination already exists: %s", a.Destination)}, nil
	}
	if err := t.ws.ClaimWrite(dstPath); err != nil {
		return errResult(err), nil
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("mkdir failed: %v", err)}, nil
	}
	if err := os.Rename(srcPath, dstPath); err != nil {
		if err2 := crossDeviceMove(srcPath, dstPath); err2 != nil {
			return tool.ToolResult{Error: fmt.Sprintf("move failed: %v", err2)}, nil
		}
	}

	return tool.ToolResult{Output: fmt.Sprintf("moved %s -> %s", relPath(srcPath, t.ws.Root()), relPath(dstPath, t.ws.Root()))}, nil
}

// crossDeviceMove copies src to dst (file or directory), then removes src.
// Used as a fallback when os.Rename fails across filesystems.
func crossDeviceMove(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		if err := copyDir(src, dst); err != nil {
			os.RemoveAll(dst)
			return err
		}
	} else {
		if err := copyFile(src, dst); err != nil {
			os.Remove(dst)
			return err
		}
	}
	return os.RemoveAll(src)
}

func copyFile(src, dst string) error {
	sf, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sf.Close()

	info, err := sf.Stat()
	if err != nil {
		return err
	}

	df, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, info.Mode())
	if err != nil {
		return err
	}

	_, copyErr := io.Copy(df, sf)
	closeErr := df.Close()
	if copyErr != nil {
		return copyErr
	}
	return closeErr
}

// copyDir recursively copies a directory from src to dst. Symlinks are
// skipped since they may point outside the workspace or be dangling.
func copyDir(src, dst string) error {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.Type()&os.ModeSymlink != 0 {
			continue
		}
		s := filepath.Join(src, entry.Name())
		d := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := copyDir(s, d); err != nil {
				return err
			}
		} else {
			if err := copyFile(s, d); err != nil {
				return err
			}
		}
	}
	return nil
}

// ── file_delete (supplemental; not in the core catalog) ──

type FileDeleteTool struct {
	ws *tool.Workspace
}

func NewFileDeleteTool(ws *tool.Workspace) *FileDeleteTool { return &FileDeleteTool{ws: ws} }

func (t *FileDeleteTool) Name() string { return "file_delete" }
func (t *FileDeleteTool) Description() string {
	return "Delete a file or directory. Requires confirm=\"yes\"; recursive=true for non-empty directories."
}

func (t *FileDeleteTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(
		tool.SchemaParam{Name: "path", Type: "string", Description: "path to delete", Required: true},
		tool.SchemaParam{Name: "confirm", Type: "string", Description: "must be \"yes\"", Required: true},
		tool.SchemaParam{Name: "recursive", Type: "boolean", Description: "recurse into non-empty directories (default false)", Required: false},
	)
}

func (t *FileDeleteTool) Init(_ context.Context) error { return nil }
func (t *FileDeleteTool) Close() error                 { return nil }

type fileDeleteArgs struct {
	Path      string `json:"path"`
	Confirm   string `json:"confirm"`
	Recursive bool   `json:"recursive"`
}

func (t *FileDeleteTool) Execute(_ context.Context, args json.RawMessage) (tool.ToolResult, error) {
	var a fileDeleteArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return errResult(tool.NewError(tool.ErrToolArgument, "invalid arguments: %v", err)), nil
	}
	if strings.TrimSpace(a.Path) == "" {
		return tool.ToolResult{Error: "path is required"}, nil
	}
	if a.Confirm != "yes" {
		return tool.ToolResult{Error: "deletion cancelled: confirm must be \"yes\""}, nil
	}

	path, err := t.ws.Resolve(a.Path)
	if err != nil {
		return errResult(err), nil
	}
	if path == t.ws.Root() {
		return tool.ToolResult{Error: "refusing to delete the workspace root"}, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("path does not exist: %s", a.Path)}, nil
	}
	if info.IsDir() && !a.Recursive {
		entries, err := os.ReadDir(path)
		if err != nil {
			return tool.ToolResult{Error: fmt.Sprintf("readdir failed: %v", err)}, nil
		}
		if len(entries) > 0 {
			return tool.ToolResult{Error: "directory not empty; pass recursive=true to delete it"}, nil
		}
	}

	rel := relPath(path, t.ws.Root())
	if a.Recursive {
		if err := os.RemoveAll(path); err != nil {
			return tool.ToolResult{Error: fmt.Sprintf("delete failed: %v", err)}, nil
		}
	} else if err := os.Remove(path); err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("delete failed: %v", err)}, nil
	}

	return tool.ToolResult{Output: fmt.Sprintf("deleted %s", rel)}, nil
}

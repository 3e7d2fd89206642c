package builtin

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSearchTool_Basic(t *testing.T) {
	ws, dir := newTestWorkspace(t)
	os.WriteFile(filepath.Join(dir, "a.go"), []byte("package main\n\nfunc helper() {}\n"), 0644)
	os.WriteFile(filepath.Join(dir, "b.go"), []byte("package main\n\nfunc other() {}\n"), 0644)

	st := NewSearchTool(ws)
	args, _ := json.Marshal(searchArgs{Pattern: "func helper"})
	result, err := st.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error != "" {
		t.Fatalf("unexpected tool error: %s", result.Error)
	}
	if !strings.Contains(result.Output, "a.go") {
		t.Errorf("expected match in a.go, got: %s", result.Output)
	}
	if strings.Contains(result.Output, "b.go") {
		t.Errorf("did not expect match in b.go, got: %s", result.Output)
	}
}

func TestSearchTool_CaseInsensitiveByDefault(t *testing.T) {
	ws, dir := newTestWorkspace(t)
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("Hello World\n"), 0644)

	st := NewSearchTool(ws)
	args, _ := json.Marshal(searchArgs{Pattern: "hello world"})
	result, _ := st.Execute(context.Background(), args)
	if result.Error != "" {
		t.Fatalf("unexpected tool error: %s", result.Error)
	}
	if !strings.Contains(result.Output, "Hello World") {
		t.Errorf("expected case-insensitive match, got: %s", result.Output)
	}
}

func TestSearchTool_CaseSensitive(t *testing.T) {
	ws, dir := newTestWorkspace(t)
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("Hello World\n"), 0644)

	st := NewSearchTool(ws)
	args, _ := json.Marshal(searchArgs{Pattern: "hello world", CaseSensitive: true})
	result, _ := st.Execute(context.Background(), args)
	if result.Output != "no matches found" {
		t.Errorf("expected no matches with case-sensitive search, got: %s", result.Output)
	}
}

func TestSearchTool_FileTypeFilter(t *testing.T) {
	ws, dir := newTestWorkspace(t)
	os.WriteFile(filepath.Join(dir, "a.go"), []byte("needle\n"), 0644)
	os.WriteFile(filepath.Join(dir, "a.md"), []byte("needle\n"), 0644)

	st := NewSearchTool(ws)
	args, _ := json.Marshal(searchArgs{Pattern: "needle", FileType: "*.go"})
	result, _ := st.Execute(context.Background(), args)
	if !strings.Contains(result.Output, "a.go") {
		t.Errorf("expected a.go to match, got: %s", result.Output)
	}
	if strings.Contains(result.Output, "a.md") {
		t.Errorf("did not expect a.md to match, got: %s", result.Output)
	}
}

func TestSearchTool_FileTypeBraceExpansion(t *testing.T) {
	ws, dir := newTestWorkspace(t)
	os.WriteFile(filepath.Join(dir, "a.ts"), []byte("needle\n"), 0644)
	os.WriteFile(filepath.Join(dir, "b.tsx"), []byte("needle\n"), 0644)
	os.WriteFile(filepath.Join(dir, "c.js"), []byte("needle\n"), 0644)

	st := NewSearchTool(ws)
	args, _ := json.Marshal(searchArgs{Pattern: "needle", FileType: "*.{ts,tsx}"})
	result, _ := st.Execute(context.Background(), args)
	if !strings.Contains(result.Output, "a.ts") || !strings.Contains(result.Output, "b.tsx") {
		t.Errorf("expected both .ts and .tsx to match, got: %s", result.Output)
	}
	if strings.Contains(result.Output, "c.js") {
		t.Errorf("did not expect .js to match, got: %s", result.Output)
	}
}

func TestSearchTool_ContextLines(t *testing.T) {
	ws, dir := newTestWorkspace(t)
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\ntwo\nneedle\nfour\nfive\n"), 0644)

	st := NewSearchTool(ws)
	args, _ := json.Marshal(searchArgs{Pattern: "needle", ContextLines: 1})
	result, _ := st.Execute(context.Background(), args)
	if !strings.Contains(result.Output, "two") || !strings.Contains(result.Output, "four") {
		t.Errorf("expected context lines 'two' and 'four', got: %s", result.Output)
	}
}

func TestSearchTool_ContextLinesClampedToMax(t *testing.T) {
	ws, dir := newTestWorkspace(t)
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("1\n2\n3\n4\n5\nneedle\n"), 0644)

	st := NewSearchTool(ws)
	args, _ := json.Marshal(searchArgs{Pattern: "needle", ContextLines: 99})
	result, _ := st.Execute(context.Background(), args)
	if strings.Contains(result.Output, "1\n") {
		t.Errorf("context should be clamped to %d lines, got: %s", grepMaxContextLines, result.Output)
	}
}

func TestSearchTool_ScopedPath(t *testing.T) {
	ws, dir := newTestWorkspace(t)
	os.MkdirAll(filepath.Join(dir, "sub"), 0755)
	os.WriteFile(filepath.Join(dir, "sub", "a.txt"), []byte("needle\n"), 0644)
	os.WriteFile(filepath.Join(dir, "top.txt"), []byte("needle\n"), 0644)

	st := NewSearchTool(ws)
	args, _ := json.Marshal(searchArgs{Pattern: "needle", Path: "sub"})
	result, _ := st.Execute(context.Background(), args)
	if !strings.Contains(result.Output, "a.txt") {
		t.Errorf("expected match within sub/, got: %s", result.Output)
	}
	if strings.Contains(result.Output, "top.txt") {
		t.Errorf("should not search outside scoped path, got: %s", result.Output)
	}
}

func TestSearchTool_PathNotFound(t *testing.T) {
	ws, _ := newTestWorkspace(t)
	st := NewSearchTool(ws)
	args, _ := json.Marshal(searchArgs{Pattern: "needle", Path: "nope"})
	result, _ := st.Execute(context.Background(), args)
	if result.Error == "" || !strings.Contains(result.Error, "does not exist") {
		t.Errorf("expected does-not-exist error, got: %+v", result)
	}
}

func TestSearchTool_PathTraversal(t *testing.T) {
	ws, _ := newTestWorkspace(t)
	st := NewSearchTool(ws)
	args, _ := json.Marshal(searchArgs{Pattern: "needle", Path: "../../etc"})
	result, _ := st.Execute(context.Background(), args)
	if result.Error == "" {
		t.Errorf("expected path escape error, got success")
	}
}

func TestSearchTool_InvalidRegex(t *testing.T) {
	ws, _ := newTestWorkspace(t)
	st := NewSearchTool(ws)
	args, _ := json.Marshal(searchArgs{Pattern: "(unclosed"})
	result, _ := st.Execute(context.Background(), args)
	if result.Error == "" || !strings.Contains(result.Error, "invalid regex") {
		t.Errorf("expected invalid regex error, got: %+v", result)
	}
}

func TestSearchTool_EmptyPattern(t *testing.T) {
	ws, _ := newTestWorkspace(t)
	st := NewSearchTool(ws)
	args, _ := json.Marshal(searchArgs{Pattern: ""})
	result, _ := st.Execute(context.Background(), args)
	if result.Error == "" {
		t.Errorf("expected error for empty pattern")
	}
}

func TestSearchTool_BadJSON(t *testing.T) {
	ws, _ := newTestWorkspace(t)
	st := NewSearchTool(ws)
	result, err := st.Execute(context.Background(), []byte("not json"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error == "" {
		t.Errorf("expected parse error, got: %+v", result)
	}
}

func TestSearchTool_MaxResultsCapped(t *testing.T) {
	ws, dir := newTestWorkspace(t)
	var sb strings.Builder
	for i := 0; i < 20; i++ {
		sb.WriteString("needle\n")
	}
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte(sb.String()), 0644)

	st := NewSearchTool(ws)
	args, _ := json.Marshal(searchArgs{Pattern: "needle", MaxResults: 5})
	result, _ := st.Execute(context.Background(), args)
	if !strings.Contains(result.Output, "capped at 5") {
		t.Errorf("expected capped-at-5 notice, got: %s", result.Output)
	}
}

func TestSearchTool_NoMatches(t *testing.T) {
	ws, dir := newTestWorkspace(t)
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hay\n"), 0644)
	st := NewSearchTool(ws)
	args, _ := json.Marshal(searchArgs{Pattern: "needle"})
	result, _ := st.Execute(context.Background(), args)
	if result.Output != "no matches found" {
		t.Errorf("expected 'no matches found', got: %s", result.Output)
	}
}

func TestSearchTool_SkipsBinaryFiles(t *testing.T) {
	ws, dir := newTestWorkspace(t)
	binary := []byte{0x00, 0x01, 0x02, 'n', 'e', 'e', 'd', 'l', 'e'}
	os.WriteFile(filepath.Join(dir, "bin.dat"), binary, 0644)

	st := NewSearchTool(ws)
	args, _ := json.Marshal(searchArgs{Pattern: "needle"})
	result, _ := st.Execute(context.Background(), args)
	if result.Output != "no matches found" {
		t.Errorf("expected binary file to be skipped, got: %s", result.Output)
	}
}

func TestSearchTool_SkipsVendorDirs(t *testing.T) {
	ws, dir := newTestWorkspace(t)
	os.MkdirAll(filepath.Join(dir, "node_modules"), 0755)
	os.WriteFile(filepath.Join(dir, "node_modules", "x.js"), []byte("needle\n"), 0644)

	st := NewSearchTool(ws)
	args, _ := json.Marshal(searchArgs{Pattern: "needle"})
	result, _ := st.Execute(context.Background(), args)
	if result.Output != "no matches found" {
		t.Errorf("expected node_modules to be skipped, got: %s", result.Output)
	}
}

func TestMatchFileGlob(t *testing.T) {
	tests := []struct {
		pattern, name string
		want          bool
	}{
		{"*.go", "a.go", true},
		{"*.go", "a.txt", false},
		{"*.{ts,tsx}", "a.ts", true},
		{"*.{ts,tsx}", "a.tsx", true},
		{"*.{ts,tsx}", "a.js", false},
	}
	for _, tt := range tests {
		got, err := matchFileGlob(tt.pattern, tt.name)
		if err != nil {
			t.Fatalf("matchFileGlob(%q, %q) error: %v", tt.pattern, tt.name, err)
		}
		if got != tt.want {
			t.Errorf("matchFileGlob(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
		}
	}
}

func TestIsGrepBinary(t *testing.T) {
	if !isGrepBinary([]byte{0x00, 'a', 'b'}) {
		t.Error("null byte should be detected as binary")
	}
	if isGrepBinary([]byte("hello world\n")) {
		t.Error("plain text should not be detected as binary")
	}
}

func TestTruncateLine(t *testing.T) {
	short := "hello"
	if got := truncateLine(short, 200); got != short {
		t.Errorf("short line should be unchanged, got %q", got)
	}
	long := strings.Repeat("x", 250)
	got := truncateLine(long, 200)
	if len([]rune(got)) != 203 { // 200 + "..."
		t.Errorf("expected truncated length 203, got %d", len([]rune(got)))
	}
}

func TestClamp(t *testing.T) {
	if clamp(-5, 0, 3) != 0 {
		t.Error("clamp should floor at lo")
	}
	if clamp(10, 0, 3) != 3 {
		t.Error("clamp should ceiling at hi")
	}
	if clamp(2, 0, 3) != 2 {
		t.Error("clamp should pass through in-range values")
	}
}

package builtin

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/openplanter/core/internal/tool"
)

const (
	grepTimeout         = 15 * time.Second
	grepDefaultMax      = 50
	grepHardMax         = 200
	grepMaxLineLen      = 200 // truncate long lines to keep output tidy
	grepMaxContextLines = 3
)

// ── search ──
//
// Ripgrep-style content search, ranked by path then line number
// (filepath.WalkDir's natural lexical order already gives this for free).

type SearchTool struct {
	ws *tool.Workspace
}

func NewSearchTool(ws *tool.Workspace) *SearchTool { return &SearchTool{ws: ws} }

func (t *SearchTool) Name() string { return "search" }
func (t *SearchTool) Description() string {
	return "Regex search over workspace file contents, ranked by path then line. Supports a file-type filter and context lines."
}

func (t *SearchTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(
		tool.SchemaParam{Name: "pattern", Type: "string", Description: "search pattern (regex)", Required: true},
		tool.SchemaParam{Name: "path", Type: "string", Description: "directory or file to search, default workspace root", Required: false},
		tool.SchemaParam{Name: "case_sensitive", Type: "boolean", Description: "case-sensitive match (default false)", Required: false},
		tool.SchemaParam{Name: "file_type", Type: "string", Description: "filename glob filter, e.g. *.go or *.{ts,tsx}", Required: false},
		tool.SchemaParam{Name: "context_lines", Type: "integer", Description: "lines of context before/after each match (default 0, max 3)", Required: false},
		tool.SchemaParam{Name: "max_results", Type: "integer", Description: "max matches returned (default 50, max 200)", Required: false},
	)
}

func (t *SearchTool) Init(_ context.Context) error { return nil }
func (t *SearchTool) Close() error                 { return nil }

type searchArgs struct {
	Pattern       string `json:"pattern"`
	Path          string `json:"path"`
	CaseSensitive bool   `json:"case_sensitive"`
	FileType      string `json:"file_type"`
	ContextLines  int    `json:"context_lines"`
	MaxResults    int    `json:"max_results"`
}

type grepMatch struct {
	File        string
	LineNum     int    // 1-based
	Line        string // the matched line
	BeforeStart int    // 1-based line number of first before-context line
	Before      []string
	After       []string // starts at LineNum+1
}

func (t *SearchTool) Execute(ctx context.Context, args json.RawMessage) (tool.ToolResult, error) {
	var a searchArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return errResult(tool.NewError(tool.ErrToolArgument, "invalid arguments: %v", err)), nil
	}

	if strings.TrimSpace(a.Pattern) == "" {
		return tool.ToolResult{Error: "pattern is required"}, nil
	}

	contextLines := clamp(a.ContextLines, 0, grepMaxContextLines)
	maxResults := a.MaxResults
	if maxResults <= 0 {
		maxResults = grepDefaultMax
	}
	if maxResults > grepHardMax {
		maxResults = grepHardMax
	}

	re, err := buildGrepRegexp(a.Pattern, a.CaseSensitive)
	if err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("invalid regex: %v", err)}, nil
	}

	searchRoot := t.ws.Root()
	if a.Path != "" {
		resolved, err := t.ws.Resolve(a.Path)
		if err != nil {
			return errResult(err), nil
		}
		searchRoot = resolved
	}

	walkCtx, cancel := context.WithTimeout(ctx, grepTimeout)
	defer cancel()

	if _, err := os.Stat(searchRoot); err != nil {
		if os.IsNotExist(err) {
			return tool.ToolResult{Error: fmt.Sprintf("search path does not exist: %s — check with list_dir first", a.Path)}, nil
		}
		return tool.ToolResult{Error: fmt.Sprintf("cannot access search path: %v", err)}, nil
	}

	var matches []grepMatch
	limitReached := false

	_ = filepath.WalkDir(searchRoot, func(path string, d os.DirEntry, err error) error {
		select {
		case <-walkCtx.Done():
			return walkCtx.Err()
		default:
		}

		if err != nil {
			return nil // skip inaccessible paths
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}

		if a.FileType != "" {
			matched, _ := matchFileGlob(a.FileType, d.Name())
			if !matched {
				return nil
			}
		}

		fileMatches, err := searchInFile(walkCtx, path, re, contextLines)
		if err != nil {
			return nil // skip files that can't be read
		}
		for _, m := range fileMatches {
			if len(matches) >= maxResults {
				limitReached = true
				return fmt.Errorf("limit reached")
			}
			matches = append(matches, m)
		}
		return nil
	})

	if len(matches) == 0 {
		return tool.ToolResult{Output: "no matches found"}, nil
	}

	output := formatGrepResults(matches, t.ws.Root(), limitReached, maxResults)
	return tool.ToolResult{Output: output}, nil
}

// buildGrepRegexp compiles the search pattern.
// Go's regexp package uses the RE2 engine which guarantees linear-time
// execution, so ReDoS is not a concern and no special guard is needed.
func buildGrepRegexp(pattern string, caseSensitive bool) (*regexp.Regexp, error) {
	prefix := "(?i)"
	if caseSensitive {
		prefix = ""
	}
	return regexp.Compile(prefix + pattern)
}

// matchFileGlob supports simple glob patterns and brace expansion like *.{ts,tsx}.
func matchFileGlob(pattern, name string) (bool, error) {
	if strings.Contains(pattern, "{") && strings.Contains(pattern, "}") {
		start := strings.Index(pattern, "{")
		end := strings.Index(pattern, "}")
		if start < end {
			prefix := pattern[:start]
			suffix := pattern[end+1:]
			alternatives := strings.Split(pattern[start+1:end], ",")
			for _, alt := range alternatives {
				m, err := filepath.Match(prefix+strings.TrimSpace(alt)+suffix, name)
				if err != nil {
					return false, err
				}
				if m {
					return true, nil
				}
			}
			return false, nil
		}
	}
	return filepath.Match(pattern, name)
}

// searchInFile reads a file and returns all regex matches with optional context.
// Returns nil without error for binary files or files larger than 10MB (silently skipped).
func searchInFile(ctx context.Context, path string, re *regexp.Regexp, contextLines int) ([]grepMatch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Skip files larger than 10MB to prevent OOM on huge log files
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() > 10<<20 {
		return nil, nil // silently skip oversized files
	}

	// Binary detection: sample first 512 bytes
	sample := make([]byte, 512)
	n, err := f.Read(sample)
	if err != nil && n == 0 {
		return nil, err
	}
	if isGrepBinary(sample[:n]) {
		return nil, nil // skip binary
	}
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}

	// Read all lines into memory (needed for context window)
	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	var matches []grepMatch
	for i, line := range lines {
		if !re.MatchString(line) {
			continue
		}

		m := grepMatch{
			File:    path,
			LineNum: i + 1,
			Line:    truncateLine(line, grepMaxLineLen),
		}

		if contextLines > 0 {
			beforeStart := i - contextLines
			if beforeStart < 0 {
				beforeStart = 0
			}
			m.BeforeStart = beforeStart + 1
			for j := beforeStart; j < i; j++ {
				m.Before = append(m.Before, truncateLine(lines[j], grepMaxLineLen))
			}
		}

		if contextLines > 0 {
			end := i + contextLines + 1
			if end > len(lines) {
				end = len(lines)
			}
			for j := i + 1; j < end; j++ {
				m.After = append(m.After, truncateLine(lines[j], grepMaxLineLen))
			}
		}

		matches = append(matches, m)
	}
	return matches, nil
}

// isGrepBinary returns true when the byte slice looks like binary content.
func isGrepBinary(data []byte) bool {
	if bytes.IndexByte(data, 0) >= 0 {
		return true
	}
	if utf8.Valid(data) {
		return false
	}
	// Non-UTF-8: count non-printable control bytes
	nonPrintable := 0
	for _, b := range data {
		if b < 0x08 || (b >= 0x0E && b < 0x20 && b != 0x1B) {
			nonPrintable++
		}
	}
	return len(data) > 0 && nonPrintable*10 > len(data)
}

// truncateLine truncates a string to maxLen runes, appending "..." if truncated.
func truncateLine(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

// formatGrepResults renders matches ranked by path then line, match lines
// marked with "> ", context lines indented plainly.
func formatGrepResults(matches []grepMatch, workspaceRoot string, limitReached bool, maxResults int) string {
	var sb strings.Builder
	currentFile := ""
	fileCount := 0
	totalMatches := 0

	for _, m := range matches {
		relFile := relPath(m.File, workspaceRoot)

		if relFile != currentFile {
			if currentFile != "" {
				sb.WriteString("\n")
			}
			sb.WriteString(fmt.Sprintf("file: %s\n", relFile))
			currentFile = relFile
			fileCount++
		}

		for i, line := range m.Before {
			sb.WriteString(fmt.Sprintf("  %d:   %s\n", m.BeforeStart+i, line))
		}
		sb.WriteString(fmt.Sprintf("  %d: > %s\n", m.LineNum, m.Line))
		for i, line := range m.After {
			sb.WriteString(fmt.Sprintf("  %d:   %s\n", m.LineNum+1+i, line))
		}

		totalMatches++
	}

	suffix := ""
	if limitReached {
		suffix = fmt.Sprintf(" (capped at %d)", maxResults)
	}
	sb.WriteString(fmt.Sprintf("---\n%d files, %d matches%s (`>` marks the matched line, others are context)", fileCount, totalMatches, suffix))

	return sb.String()
}

// clamp returns v clamped to [lo, hi].
func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

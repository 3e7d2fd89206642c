package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/openplanter/core/internal/tool"
)

const (
	repoMapMaxFiles       = 500
	repoMapMaxSymbols     = 40 // per file, to keep huge generated files from dominating output
	repoMapMaxFileSize    = 2 << 20
	repoMapMaxOutputChars = 40000
)

// ── repo_map ──
//
// Heuristic, not semantic: one regex sweep per extension looking for
// top-level declarations. No parser, no type information — the same
// kind of shallow structural pass search performs on text.

type RepoMapTool struct {
	ws *tool.Workspace
}

func NewRepoMapTool(ws *tool.Workspace) *RepoMapTool { return &RepoMapTool{ws: ws} }

func (t *RepoMapTool) Name() string { return "repo_map" }
func (t *RepoMapTool) Description() string {
	return "Heuristic symbol-extraction summary of a directory tree: top-level functions, types, and classes per file. Not a semantic index."
}

func (t *RepoMapTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(
		tool.SchemaParam{Name: "root", Type: "string", Description: "directory to map, default workspace root", Required: false},
	)
}

func (t *RepoMapTool) Init(_ context.Context) error { return nil }
func (t *RepoMapTool) Close() error                 { return nil }

type repoMapArgs struct {
	Root string `json:"root"`
}

type repoMapSymbol struct {
	Kind string // func, struct, interface, class, def, fn, enum, arrow_func
	Name string
	Line int
}

// repoMapPattern is one extension's heuristic regex, with named capture
// groups "kind" and "name" where the grammar distinguishes them.
type repoMapPattern struct {
	exts []string
	re   *regexp.Regexp
}

var repoMapPatterns = []repoMapPattern{
	{
		exts: []string{".go"},
		re:   regexp.MustCompile(`^\s*func\s+(?:\([^)]*\)\s*)?(?P<name>[A-Za-z_]\w*)\s*\(|^\s*type\s+(?P<name2>[A-Za-z_]\w*)\s+(?P<kind2>struct|interface)\b`),
	},
	{
		exts: []string{".ts", ".tsx", ".js", ".jsx"},
		re: regexp.MustCompile(
			`^\s*(?:export\s+)?(?:default\s+)?(?:async\s+)?function\s*\*?\s*(?P<name>[A-Za-z_$]\w*)\s*\(` +
				`|^\s*(?:export\s+)?(?:default\s+)?class\s+(?P<name2>[A-Za-z_$]\w*)` +
				`|^\s*(?:export\s+)?(?:const|let|var)\s+(?P<name3>[A-Za-z_$]\w*)\s*=\s*(?:async\s*)?\(?.*=>`),
	},
	{
		exts: []string{".py"},
		re:   regexp.MustCompile(`^\s*(?:async\s+)?def\s+(?P<name>[A-Za-z_]\w*)\s*\(|^\s*class\s+(?P<name2>[A-Za-z_]\w*)\b`),
	},
	{
		exts: []string{".rs"},
		re:   regexp.MustCompile(`^\s*(?:pub\s+)?(?:async\s+)?fn\s+(?P<name>[A-Za-z_]\w*)|^\s*(?:pub\s+)?(?:struct|enum|trait)\s+(?P<name2>[A-Za-z_]\w*)`),
	},
	{
		exts: []string{".java", ".kt"},
		re:   regexp.MustCompile(`^\s*(?:public|private|protected)?\s*(?:static\s+)?(?:final\s+)?(?:class|interface|enum)\s+(?P<name>[A-Za-z_]\w*)`),
	},
	{
		exts: []string{".c", ".h", ".cpp", ".cc", ".hpp"},
		re:   regexp.MustCompile(`^[A-Za-z_][\w\s\*]*?\b(?P<name>[A-Za-z_]\w*)\s*\([^;{]*\)\s*\{?\s*$`),
	},
}

func patternForExt(ext string) *repoMapPattern {
	for i := range repoMapPatterns {
		for _, e := range repoMapPatterns[i].exts {
			if e == ext {
				return &repoMapPatterns[i]
			}
		}
	}
	return nil
}

func (t *RepoMapTool) Execute(_ context.Context, args json.RawMessage) (tool.ToolResult, error) {
	var a repoMapArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return errResult(tool.NewError(tool.ErrToolArgument, "invalid arguments: %v", err)), nil
	}

	root := t.ws.Root()
	if a.Root != "" {
		resolved, err := t.ws.Resolve(a.Root)
		if err != nil {
			return errResult(err), nil
		}
		root = resolved
	}
	if _, err := os.Stat(root); err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("root does not exist: %s", a.Root)}, nil
	}

	type fileSymbols struct {
		path    string
		symbols []repoMapSymbol
	}
	var files []fileSymbols
	truncatedFiles := false

	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if len(files) >= repoMapMaxFiles {
			truncatedFiles = true
			return fmt.Errorf("file cap reached")
		}

		ext := filepath.Ext(d.Name())
		pat := patternForExt(ext)
		if pat == nil {
			return nil
		}

		info, err := d.Info()
		if err != nil || info.Size() > repoMapMaxFileSize {
			return nil
		}

		syms, err := extractSymbols(path, pat.re)
		if err != nil || len(syms) == 0 {
			return nil
		}
		files = append(files, fileSymbols{path: path, symbols: syms})
		return nil
	})

	if len(files) == 0 {
		return tool.ToolResult{Output: "no recognized source files under this root"}, nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })

	var sb strings.Builder
	totalSymbols := 0
	for _, f := range files {
		sb.WriteString(relPath(f.path, t.ws.Root()))
		sb.WriteString("\n")
		syms := f.symbols
		capped := false
		if len(syms) > repoMapMaxSymbols {
			syms = syms[:repoMapMaxSymbols]
			capped = true
		}
		for _, s := range syms {
			sb.WriteString(fmt.Sprintf("  %d: %s %s\n", s.Line, s.Kind, s.Name))
			totalSymbols++
		}
		if capped {
			sb.WriteString(fmt.Sprintf("  ... %d more symbols omitted\n", len(f.symbols)-repoMapMaxSymbols))
		}
	}

	out := sb.String()
	if len(out) > repoMapMaxOutputChars {
		out = out[:repoMapMaxOutputChars] + fmt.Sprintf("\n[clipped %d chars]", len(sb.String())-repoMapMaxOutputChars)
	}

	suffix := fmt.Sprintf("\n---\n%d files, %d symbols (heuristic, not semantic)", len(files), totalSymbols)
	if truncatedFiles {
		suffix += fmt.Sprintf(" — stopped at %d files, tree is larger", repoMapMaxFiles)
	}

	return tool.ToolResult{Output: out + suffix}, nil
}

// extractSymbols scans a file line by line for the pattern's named groups,
// returning one symbol per matching line. Purely lexical: no awareness of
// comments, strings, or nesting, which is why this is heuristic rather
// than semantic.
func extractSymbols(path string, re *regexp.Regexp) ([]repoMapSymbol, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(string(data), "\n")

	names := re.SubexpNames()
	var syms []repoMapSymbol
	for i, line := range lines {
		m := re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		var name, kind string
		for gi, gname := range names {
			if gname == "" || m[gi] == "" {
				continue
			}
			switch {
			case strings.HasPrefix(gname, "name"):
				name = m[gi]
			case strings.HasPrefix(gname, "kind"):
				kind = m[gi]
			}
		}
		if name == "" {
			continue
		}
		if kind == "" {
			kind = defaultKindFor(line)
		}
		syms = append(syms, repoMapSymbol{Kind: kind, Name: name, Line: i + 1})
	}
	return syms, nil
}

// defaultKindFor guesses a symbol kind label from the matched line when
// the pattern's capture groups didn't carry one explicitly.
func defaultKindFor(line string) string {
	trimmed := strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(trimmed, "class "), strings.Contains(trimmed, " class "):
		return "class"
	case strings.HasPrefix(trimmed, "def "), strings.HasPrefix(trimmed, "async def "):
		return "def"
	case strings.HasPrefix(trimmed, "fn "), strings.Contains(trimmed, " fn "):
		return "fn"
	case strings.Contains(trimmed, "interface "):
		return "interface"
	case strings.Contains(trimmed, "struct "):
		return "struct"
	case strings.Contains(trimmed, "enum "):
		return "enum"
	case strings.Contains(trimmed, "=>"):
		return "arrow_func"
	default:
		return "func"
	}
}

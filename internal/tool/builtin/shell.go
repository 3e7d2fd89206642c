package builtin

import (
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
	shellTimeout       = 30 * time.Second
	shellMaxTimeout    = 10 * time.Minute
	shellMaxOutputRune = 8000
)

// dangerousPatterns are command substrings that are always blocked,
// regardless of configuration. Best-effort blocklist, not a security
// boundary: a determined caller can still work around it (base64
// payloads, find -delete). The purpose is stopping accidental damage
// from model-generated commands, not sandboxing an adversary.
var dangerousPatterns = []string{
	"rm -rf /",
	"rm -r -f /",
	"rm --recursive",
	"rm -rf ~",
	"rm -rf $home",
	"rm -rf ${home}",
	"rm -rf -- /",
	"rm -r -f -- /",
	"mkfs",
	"dd if=",
	"shutdown",
	"reboot",
	"halt",
	"init 0",
	"init 6",
	"systemctl poweroff",
	"systemctl halt",
	"pkill -9",
	"chmod -r 000 /",
	":(){:|:&};:",
	"format c:",
	"format d:",
	"del /s /q c:\\",
	"del /s /q d:\\",
	"rd /s /q c:\\",
	"rd /s /q d:\\",
	"remove-item -recurse c:",
	"remove-item -recurse d:",
}

// defaultShellBans are program basenames rejected even when the caller
// supplies no explicit ShellPolicy.Bans — interactive editors, pagers,
// and long-running monitors that hang a non-interactive tool call.
var defaultShellBans = []string{
	"vi", "vim", "nvim", "nano", "emacs",
	"less", "more", "man",
	"top", "htop", "watch",
}

// heredocPattern matches POSIX heredoc syntax ("<<EOF", "<<- EOF", "<< 'EOF'")
// without matching the unrelated here-string operator "<<<".
var heredocPattern = regexp.MustCompile(`<<-?\s*['"]?[A-Za-z_]\w*`)

// ShellPolicy is the pre-execution gate applied to every run_shell
// command: reject heredoc syntax and any invocation of a banned program
// before a subprocess is ever spawned.
type ShellPolicy struct {
	Bans             []string
	HeredocForbidden bool
}

func defaultShellPolicy() ShellPolicy {
	return ShellPolicy{Bans: defaultShellBans, HeredocForbidden: true}
}

// checkShellPolicy scans command and returns a *tool.Error with kind
// ErrShellPolicy describing the first violation found, or nil.
func checkShellPolicy(command string, policy ShellPolicy) *tool.Error {
	cmdLower := strings.ToLower(command)

	// Drop "<<<" first: RE2 has no lookbehind, so "<<< 'x'" would otherwise
	// match at its second '<'.
	if policy.HeredocForbidden && heredocPattern.MatchString(strings.ReplaceAll(command, "<<<", "")) {
		return tool.NewError(tool.ErrShellPolicy, "command uses heredoc syntax, which is forbidden")
	}

	for _, pattern := range dangerousPatterns {
		if strings.Contains(cmdLower, pattern) {
			return tool.NewError(tool.ErrShellPolicy, "command contains a blocked pattern: %q", pattern)
		}
	}

	// "kill -9 1" needs a word-boundary guard: plain substring matching
	// would also reject "kill -9 12345" since "kill -9 1" is a prefix of
	// it. Scan every occurrence — a compound command can hide the real
	// hit behind an earlier decoy ("kill -9 12345; kill -9 1").
	const killInit = "kill -9 1"
	for search := cmdLower; ; {
		idx := strings.Index(search, killInit)
		if idx < 0 {
			break
		}
		end := idx + len(killInit)
		if end >= len(search) || !isDigitOrAlpha(search[end]) {
			return tool.NewError(tool.ErrShellPolicy, "command targets the init process")
		}
		search = search[idx+1:]
	}

	bans := policy.Bans
	if bans == nil {
		bans = defaultShellBans
	}
	for _, prog := range shellPrograms(command) {
		for _, banned := range bans {
			if prog == banned {
				return tool.NewError(tool.ErrShellPolicy, "program %q is banned", prog)
			}
		}
	}

	return nil
}

// shellSeparators splits a command line on the operators that start a
// new pipeline segment, so each segment's leading word can be checked
// against the ban list independently of arguments or quoting.
var shellSeparators = regexp.MustCompile(`[;|&]+|&&|\|\|`)

func shellPrograms(command string) []string {
	var programs []string
	for _, segment := range shellSeparators.Split(command, -1) {
		fields := strings.Fields(segment)
		if len(fields) == 0 {
			continue
		}
		programs = append(programs, filepath.Base(strings.ToLower(fields[0])))
	}
	return programs
}

// ShellTool executes shell commands in the workspace, synchronously or
// as a trackable background job.
type ShellTool struct {
	ws      *tool.Workspace
	policy  ShellPolicy
	jobs    *shellJobRegistry
	enabled bool
}

// NewShellTool creates the run_shell tool. Set enabled=false to disable
// execution entirely (every call then returns a "run_shell is disabled" error).
func NewShellTool(ws *tool.Workspace, policy ShellPolicy, enabled bool) *ShellTool {
	if policy.Bans == nil && !policy.HeredocForbidden {
		policy = defaultShellPolicy()
	}
	return &ShellTool{ws: ws, policy: policy, jobs: newShellJobRegistry(), enabled: enabled}
}

func (t *ShellTool) Name() string { return "run_shell" }
func (t *ShellTool) Description() string {
	return "Execute a shell command as a subprocess in the workspace directory. Rejects heredoc syntax and banned programs before spawning. Supports background mode."
}

func (t *ShellTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(
		tool.SchemaParam{Name: "command", Type: "string", Description: "shell command to execute", Required: true},
		tool.SchemaParam{Name: "timeout", Type: "integer", Description: "timeout in seconds (default 30, max 600)", Required: false},
		tool.SchemaParam{Name: "background", Type: "boolean", Description: "run as a background job and return a job_id immediately", Required: false},
	)
}

func (t *ShellTool) Init(_ context.Context) error { return nil }
func (t *ShellTool) Close() error                 { return nil }

type shellArgs struct {
	Command    string `json:"command"`
	Timeout    int    `json:"timeout"`
	Background bool   `json:"background"`
}

func (t *ShellTool) Execute(ctx context.Context, args json.RawMessage) (tool.ToolResult, error) {
	if !t.enabled {
		return tool.ToolResult{Error: "run_shell is disabled"}, nil
	}

	var a shellArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return errResult(tool.NewError(tool.ErrToolArgument, "invalid arguments: %v", err)), nil
	}
	if strings.TrimSpace(a.Command) == "" {
		return tool.ToolResult{Error: "command is required"}, nil
	}

	if polErr := checkShellPolicy(a.Command, t.policy); polErr != nil {
		return errResult(polErr), nil
	}

	timeout := shellTimeout
	if a.Timeout > 0 {
		timeout = time.Duration(a.Timeout) * time.Second
		if timeout > shellMaxTimeout {
			timeout = shellMaxTimeout
		}
	}

	if a.Background {
		job := t.jobs.start(t.ws.Root(), filterEnv(os.Environ()), a.Command, timeout)
		return tool.ToolResult{Output: fmt.Sprintf("started background job %s", job.id)}, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := newShellCmd(runCtx, a.Command)
	cmd.Dir = t.ws.Root()
	cmd.Env = filterEnv(os.Environ())

	output, err := cmd.CombinedOutput()
	outStr := safeRuneTruncate(string(output), shellMaxOutputRune)
	outStr = strings.TrimSpace(outStr)

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return tool.ToolResult{Output: outStr, Error: fmt.Sprintf("command timed out after %v", timeout)}, nil
		}
		if runCtx.Err() == context.Canceled {
			return tool.ToolResult{Output: outStr, Error: "command canceled"}, nil
		}
		return tool.ToolResult{Output: outStr, Error: fmt.Sprintf("command exited with error: %v", err)}, nil
	}

	return tool.ToolResult{Output: outStr}, nil
}

// ── shell_status / shell_cancel / shell_output ──

type shellJobArgs struct {
	JobID string `json:"job_id"`
}

type ShellStatusTool struct{ jobs *shellJobRegistry }

func NewShellStatusTool(st *ShellTool) *ShellStatusTool { return &ShellStatusTool{jobs: st.jobs} }

func (t *ShellStatusTool) Name() string        { return "shell_status" }
func (t *ShellStatusTool) Description() string { return "Check the status of a background run_shell job." }
func (t *ShellStatusTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(tool.SchemaParam{Name: "job_id", Type: "string", Description: "job id returned by run_shell", Required: true})
}
func (t *ShellStatusTool) Init(_ context.Context) error { return nil }
func (t *ShellStatusTool) Close() error                 { return nil }

func (t *ShellStatusTool) Execute(_ context.Context, args json.RawMessage) (tool.ToolResult, error) {
	var a shellJobArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return errResult(tool.NewError(tool.ErrToolArgument, "invalid arguments: %v", err)), nil
	}
	job, ok := t.jobs.get(a.JobID)
	if !ok {
		return tool.ToolResult{Error: fmt.Sprintf("no such job: %s", a.JobID)}, nil
	}
	_, status, exitErr := job.snapshot()
	if exitErr != nil {
		return tool.ToolResult{Output: fmt.Sprintf("%s: %s (%v)", a.JobID, status, exitErr)}, nil
	}
	return tool.ToolResult{Output: fmt.Sprintf("%s: %s", a.JobID, status)}, nil
}

type ShellCancelTool struct{ jobs *shellJobRegistry }

func NewShellCancelTool(st *ShellTool) *ShellCancelTool { return &ShellCancelTool{jobs: st.jobs} }

func (t *ShellCancelTool) Name() string { return "shell_cancel" }
func (t *ShellCancelTool) Description() string {
	return "Cancel a background run_shell job. Cooperative with a hard-kill fallback."
}
func (t *ShellCancelTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(tool.SchemaParam{Name: "job_id", Type: "string", Description: "job id returned by run_shell", Required: true})
}
func (t *ShellCancelTool) Init(_ context.Context) error { return nil }
func (t *ShellCancelTool) Close() error                 { return nil }

func (t *ShellCancelTool) Execute(_ context.Context, args json.RawMessage) (tool.ToolResult, error) {
	var a shellJobArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return errResult(tool.NewError(tool.ErrToolArgument, "invalid arguments: %v", err)), nil
	}
	if err := t.jobs.cancel(a.JobID); err != nil {
		return tool.ToolResult{Error: err.Error()}, nil
	}
	return tool.ToolResult{Output: fmt.Sprintf("%s: cancel requested", a.JobID)}, nil
}

type ShellOutputTool struct{ jobs *shellJobRegistry }

func NewShellOutputTool(st *ShellTool) *ShellOutputTool { return &ShellOutputTool{jobs: st.jobs} }

func (t *ShellOutputTool) Name() string { return "shell_output" }
func (t *ShellOutputTool) Description() string {
	return "Fetch accumulated output of a background run_shell job, running or finished."
}
func (t *ShellOutputTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(tool.SchemaParam{Name: "job_id", Type: "string", Description: "job id returned by run_shell", Required: true})
}
func (t *ShellOutputTool) Init(_ context.Context) error { return nil }
func (t *ShellOutputTool) Close() error                 { return nil }

func (t *ShellOutputTool) Execute(_ context.Context, args json.RawMessage) (tool.ToolResult, error) {
	var a shellJobArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return errResult(tool.NewError(tool.ErrToolArgument, "invalid arguments: %v", err)), nil
	}
	job, ok := t.jobs.get(a.JobID)
	if !ok {
		return tool.ToolResult{Error: fmt.Sprintf("no such job: %s", a.JobID)}, nil
	}
	out, status, _ := job.snapshot()
	out = safeRuneTruncate(out, shellMaxOutputRune)
	return tool.ToolResult{Output: fmt.Sprintf("[%s]\n%s", status, out)}, nil
}

// safeRuneTruncate truncates s to maxRunes runes in a single pass,
// preserving valid UTF-8 without extra allocation for untruncated input.
func safeRuneTruncate(s string, maxRunes int) string {
	count := 0
	for i := range s {
		count++
		if count > maxRunes {
			totalRunes := maxRunes + utf8.RuneCountInString(s[i:])
			return s[:i] + fmt.Sprintf("\n[clipped %d chars]", totalRunes)
		}
	}
	return s
}

// sensitiveEnvSuffixes are environment variable name suffixes that indicate secrets.
var sensitiveEnvSuffixes = []string{
	"_KEY", "_SECRET", "_TOKEN", "_PASSWORD", "_PASSWD",
	"_PASSPHRASE", "_CREDENTIALS", "_AUTH", "_DSN",
}

// sensitiveEnvPrefixes are environment variable name prefixes that indicate secrets.
var sensitiveEnvPrefixes = []string{
	"DATABASE_URL", "REDIS_URL", "MONGO_URL",
}

// filterEnv returns a copy of env with sensitive variables removed.
func filterEnv(env []string) []string {
	filtered := make([]string, 0, len(env))
	for _, e := range env {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) < 2 {
			continue
		}
		nameUpper := strings.ToUpper(parts[0])

		sensitive := false
		for _, suffix := range sensitiveEnvSuffixes {
			if strings.HasSuffix(nameUpper, suffix) {
				sensitive = true
				break
			}
		}
		if !sensitive {
			for _, prefix := range sensitiveEnvPrefixes {
				if strings.HasPrefix(nameUpper, prefix) {
					sensitive = true
					break
				}
			}
		}

		if !sensitive {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

// isDigitOrAlpha reports whether b is an ASCII digit or lowercase letter.
// cmdLower is already lowercased, so uppercase letters never appear here.
func isDigitOrAlpha(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z')
}

package builtin

import (
	"context"
	"encoding/json"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestDangerousPatternBlocking(t *testing.T) {
	tests := []struct {
		command     string
		shouldBlock bool
	}{
		{"ls -la", false},
		{"echo hello", false},
		{"cat file.txt", false},
		{"go build ./...", false},
		{"rm file.txt", false},
		{"pkill myprocess", false},
		{"kill 12345", false},
		{"chmod 755 script.sh", false},

		{"rm -rf /", true},
		{"rm -rf /*", true},
		{"RM -RF /", true},
		{"sudo rm -rf /home", true},
		{"rm -r -f /etc", true},
		{"rm --recursive /important", true},
		{"rm -rf ~", true},
		{"rm -rf $HOME", true},
		{"rm -rf ${HOME}", true},
		{"rm -rf -- /", true},
		{"rm -r -f -- /tmp/../..", true},

		{"shutdown -h now", true},
		{"reboot", true},
		{"halt", true},
		{"init 0", true},
		{"init 6", true},
		{"systemctl poweroff", true},
		{"systemctl halt", true},

		{"pkill -9 -1", true},
		{"kill -9 12345", false}, // must NOT be blocked at pattern level; word-boundary check handles it

		{"chmod -R 000 /", true},
		{"mkfs.ext4 /dev/sda1", true},
		{"dd if=/dev/zero of=/dev/sda", true},
		{":(){:|:&};:", true},

		{"format c:", true},
		{"FORMAT C:", true},
		{"format d:", true},
		{"del /s /q c:\\", true},
		{"del /s /q d:\\", true},
		{"rd /s /q c:\\", true},
		{"rd /s /q d:\\", true},
		{"Remove-Item -Recurse C:\\", true},
		{"Remove-Item -Recurse D:\\Users", true},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			cmdLower := strings.ToLower(tt.command)
			blocked := false
			for _, pattern := range dangerousPatterns {
				if strings.Contains(cmdLower, pattern) {
					blocked = true
					break
				}
			}
			if blocked != tt.shouldBlock {
				t.Errorf("command %q: blocked=%v, want %v", tt.command, blocked, tt.shouldBlock)
			}
		})
	}
}

func TestCheckShellPolicy_Heredoc(t *testing.T) {
	policy := defaultShellPolicy()
	tests := []struct {
		command string
		blocked bool
	}{
		{"cat <<EOF\nhello\nEOF", true},
		{"cat << EOF", true},
		{"cat <<-EOF", true},
		{"cat << 'EOF'", true},
		{"echo done <<< 'here string'", false}, // here-string, not heredoc
		{"echo hi", false},
	}
	for _, tt := range tests {
		err := checkShellPolicy(tt.command, policy)
		blocked := err != nil
		if blocked != tt.blocked {
			t.Errorf("checkShellPolicy(%q): blocked=%v, want %v (err=%v)", tt.command, blocked, tt.blocked, err)
		}
	}
}

func TestCheckShellPolicy_BannedPrograms(t *testing.T) {
	policy := defaultShellPolicy()
	tests := []struct {
		command string
		blocked bool
	}{
		{"vim file.txt", true},
		{"echo ok; vim file.txt", true},
		{"top", true},
		{"less README.md", true},
		{"cat README.md", false},
		{"vimdiff a b", false}, // different basename, not an exact ban hit
	}
	for _, tt := range tests {
		err := checkShellPolicy(tt.command, policy)
		blocked := err != nil
		if blocked != tt.blocked {
			t.Errorf("checkShellPolicy(%q): blocked=%v, want %v (err=%v)", tt.command, blocked, tt.blocked, err)
		}
	}
}

func TestCheckShellPolicy_CustomBans(t *testing.T) {
	policy := ShellPolicy{Bans: []string{"curl"}, HeredocForbidden: true}
	if err := checkShellPolicy("curl http://example.com", policy); err == nil {
		t.Error("expected curl to be banned by custom policy")
	}
	if err := checkShellPolicy("wget http://example.com", policy); err != nil {
		t.Errorf("wget should not be banned by custom policy, got: %v", err)
	}
}

func TestShellPrograms(t *testing.T) {
	got := shellPrograms("echo hi; vim a.txt && ls | grep foo")
	want := map[string]bool{"echo": true, "vim": true, "ls": true, "grep": true}
	for _, p := range got {
		if !want[p] {
			t.Errorf("unexpected program %q in %v", p, got)
		}
	}
}

func TestSafeRuneTruncate(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxRunes int
	}{
		{"short ASCII", "hello", 10},
		{"exact limit", "hello", 5},
		{"truncate ASCII", "hello world", 5},
		{"Chinese text short", "你好世界", 10},
		{"Chinese text truncate", "你好世界测试文本", 4},
		{"mixed text", "hello你好", 6},
		{"empty string", "", 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := safeRuneTruncate(tt.input, tt.maxRunes)

			if len([]rune(tt.input)) <= tt.maxRunes {
				if result != tt.input {
					t.Errorf("should not truncate: got %q, want %q", result, tt.input)
				}
			} else {
				if !strings.Contains(result, "[clipped") {
					t.Errorf("truncated result should contain '[clipped': %q", result)
				}
				prefix := result[:strings.Index(result, "\n[clipped")]
				if len([]rune(prefix)) != tt.maxRunes {
					t.Errorf("prefix rune count = %d, want %d", len([]rune(prefix)), tt.maxRunes)
				}
			}
		})
	}
}

func TestSafeRuneTruncateCount(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		maxRunes  int
		wantTotal int
	}{
		{"ASCII 11 chars, limit 5", "hello world", 5, 11},
		{"Chinese 8 chars, limit 4", "你好世界测试文本", 4, 8},
		{"mixed 7 runes, limit 3", "ab你cd好e", 3, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := safeRuneTruncate(tt.input, tt.maxRunes)
			if !strings.Contains(result, "\n[clipped") {
				t.Fatalf("expected truncation, got %q", result)
			}
			actualTotal := len([]rune(tt.input))
			if actualTotal != tt.wantTotal {
				t.Fatalf("test setup error: input has %d runes, want %d", actualTotal, tt.wantTotal)
			}
			marker := "[clipped "
			idx := strings.Index(result, marker)
			if idx < 0 {
				t.Fatalf("truncation marker not found in %q", result)
			}
			numStr := result[idx+len(marker):]
			numStr = numStr[:strings.Index(numStr, " ")]
			var got int
			for _, ch := range numStr {
				if ch < '0' || ch > '9' {
					t.Fatalf("unexpected char %q in number %q", ch, numStr)
				}
				got = got*10 + int(ch-'0')
			}
			if got != tt.wantTotal {
				t.Errorf("reported total = %d, want %d (input runes = %d)", got, tt.wantTotal, actualTotal)
			}
		})
	}
}

// --- Execute() integration tests (via real shell) ---

func TestExecute_Disabled(t *testing.T) {
	ws, _ := newTestWorkspace(t)
	st := NewShellTool(ws, defaultShellPolicy(), false)
	args, _ := json.Marshal(shellArgs{Command: "echo hi"})
	result, err := st.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error == "" || !strings.Contains(result.Error, "disabled") {
		t.Errorf("expected disabled error, got: %+v", result)
	}
}

func TestExecute_EmptyCommand(t *testing.T) {
	ws, _ := newTestWorkspace(t)
	st := NewShellTool(ws, defaultShellPolicy(), true)
	args, _ := json.Marshal(shellArgs{Command: ""})
	result, err := st.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error == "" || !strings.Contains(result.Error, "required") {
		t.Errorf("expected empty command error, got: %+v", result)
	}
}

func TestExecute_DangerousBlocked(t *testing.T) {
	ws, _ := newTestWorkspace(t)
	st := NewShellTool(ws, defaultShellPolicy(), true)
	args, _ := json.Marshal(shellArgs{Command: "rm -rf /"})
	result, err := st.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error == "" || !strings.Contains(result.Error, "blocked") {
		t.Errorf("expected safety error, got: %+v", result)
	}
}

func TestExecute_HeredocBlocked(t *testing.T) {
	ws, _ := newTestWorkspace(t)
	st := NewShellTool(ws, defaultShellPolicy(), true)
	args, _ := json.Marshal(shellArgs{Command: "cat <<EOF\nhi\nEOF"})
	result, err := st.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error == "" || !strings.Contains(result.Error, "heredoc") {
		t.Errorf("expected heredoc policy error, got: %+v", result)
	}
}

func TestExecute_KillInit(t *testing.T) {
	ws, _ := newTestWorkspace(t)
	st := NewShellTool(ws, defaultShellPolicy(), true)

	args, _ := json.Marshal(shellArgs{Command: "kill -9 1"})
	result, err := st.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error == "" || !strings.Contains(result.Error, "init process") {
		t.Errorf("kill -9 1 should be blocked, got: %+v", result)
	}

	args2, _ := json.Marshal(shellArgs{Command: "kill -9 12345"})
	result2, err := st.Execute(context.Background(), args2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(result2.Error, "init process") {
		t.Errorf("kill -9 12345 should NOT be blocked by the init guard, got: %+v", result2)
	}

	args3, _ := json.Marshal(shellArgs{Command: "echo kill -9 12345; kill -9 1"})
	result3, err := st.Execute(context.Background(), args3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result3.Error == "" || !strings.Contains(result3.Error, "init process") {
		t.Errorf("compound 'kill -9 12345; kill -9 1' should be blocked, got: %+v", result3)
	}
}

func TestExecute_SuccessfulCommand(t *testing.T) {
	ws, _ := newTestWorkspace(t)
	st := NewShellTool(ws, defaultShellPolicy(), true)
	args, _ := json.Marshal(shellArgs{Command: "echo hello_openplanter"})
	result, err := st.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error != "" {
		t.Errorf("unexpected error: %s", result.Error)
	}
	if !strings.Contains(result.Output, "hello_openplanter") {
		t.Errorf("expected output to contain 'hello_openplanter', got: %q", result.Output)
	}
}

func TestExecute_NonZeroExit(t *testing.T) {
	ws, _ := newTestWorkspace(t)
	st := NewShellTool(ws, defaultShellPolicy(), true)
	var cmd string
	if runtime.GOOS == "windows" {
		cmd = "cmd /c exit 1"
	} else {
		cmd = "exit 1"
	}
	args, _ := json.Marshal(shellArgs{Command: cmd})
	result, err := st.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error == "" || !strings.Contains(result.Error, "exited with error") {
		t.Errorf("expected exit error, got: %+v", result)
	}
}

func TestExecute_BadJSON(t *testing.T) {
	ws, _ := newTestWorkspace(t)
	st := NewShellTool(ws, defaultShellPolicy(), true)
	result, err := st.Execute(context.Background(), []byte(`not json`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error == "" {
		t.Errorf("expected parse error, got: %+v", result)
	}
}

// --- background job tests ---

func TestExecute_BackgroundJobLifecycle(t *testing.T) {
	ws, _ := newTestWorkspace(t)
	st := NewShellTool(ws, defaultShellPolicy(), true)

	args, _ := json.Marshal(shellArgs{Command: "echo background_hi", Background: true})
	result, err := st.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error != "" {
		t.Fatalf("unexpected tool error: %s", result.Error)
	}
	if !strings.HasPrefix(result.Output, "started background job ") {
		t.Fatalf("expected job-started message, got: %s", result.Output)
	}
	jobID := strings.TrimPrefix(result.Output, "started background job ")

	statusTool := NewShellStatusTool(st)
	outputTool := NewShellOutputTool(st)

	deadline := time.Now().Add(5 * time.Second)
	var statusOut string
	for time.Now().Before(deadline) {
		sArgs, _ := json.Marshal(shellJobArgs{JobID: jobID})
		sResult, _ := statusTool.Execute(context.Background(), sArgs)
		statusOut = sResult.Output
		if strings.Contains(statusOut, "done") {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !strings.Contains(statusOut, "done") {
		t.Fatalf("expected job to finish as done, last status: %s", statusOut)
	}

	oArgs, _ := json.Marshal(shellJobArgs{JobID: jobID})
	oResult, _ := outputTool.Execute(context.Background(), oArgs)
	if !strings.Contains(oResult.Output, "background_hi") {
		t.Errorf("expected job output to contain 'background_hi', got: %s", oResult.Output)
	}
}

func TestExecute_BackgroundJobCancel(t *testing.T) {
	ws, _ := newTestWorkspace(t)
	st := NewShellTool(ws, defaultShellPolicy(), true)

	var cmd string
	if runtime.GOOS == "windows" {
		cmd = "ping -n 30 127.0.0.1"
	} else {
		cmd = "sleep 30"
	}
	args, _ := json.Marshal(shellArgs{Command: cmd, Background: true, Timeout: 60})
	result, _ := st.Execute(context.Background(), args)
	jobID := strings.TrimPrefix(result.Output, "started background job ")

	cancelTool := NewShellCancelTool(st)
	cArgs, _ := json.Marshal(shellJobArgs{JobID: jobID})
	cResult, err := cancelTool.Execute(context.Background(), cArgs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cResult.Error != "" {
		t.Fatalf("unexpected cancel error: %s", cResult.Error)
	}

	statusTool := NewShellStatusTool(st)
	deadline := time.Now().Add(5 * time.Second)
	var statusOut string
	for time.Now().Before(deadline) {
		sArgs, _ := json.Marshal(shellJobArgs{JobID: jobID})
		sResult, _ := statusTool.Execute(context.Background(), sArgs)
		statusOut = sResult.Output
		if !strings.Contains(statusOut, "running") {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if strings.Contains(statusOut, "running") {
		t.Errorf("expected job to no longer be running after cancel, got: %s", statusOut)
	}
}

func TestShellStatusTool_UnknownJob(t *testing.T) {
	ws, _ := newTestWorkspace(t)
	st := NewShellTool(ws, defaultShellPolicy(), true)
	statusTool := NewShellStatusTool(st)
	args, _ := json.Marshal(shellJobArgs{JobID: "job-999"})
	result, _ := statusTool.Execute(context.Background(), args)
	if result.Error == "" {
		t.Errorf("expected error for unknown job id")
	}
}

// --- filterEnv tests ---

func TestFilterEnv(t *testing.T) {
	input := []string{
		"PATH=/usr/bin",
		"HOME=/home/user",
		"OPENAI_API_KEY=sk-1234",
		"DATABASE_URL=postgres://...",
		"TAVILY_API_KEY=tvly-xxx",
		"MY_SECRET=hidden",
		"MY_TOKEN=abc",
		"MY_PASSWORD=xyz",
		"GOPATH=/go",
		"REDIS_URL=redis://...",
		"NORMAL_VAR=hello",
	}

	filtered := filterEnv(input)
	filteredStr := strings.Join(filtered, "\n")

	if !strings.Contains(filteredStr, "PATH=/usr/bin") {
		t.Error("PATH should be kept")
	}
	if !strings.Contains(filteredStr, "HOME=/home/user") {
		t.Error("HOME should be kept")
	}
	if !strings.Contains(filteredStr, "GOPATH=/go") {
		t.Error("GOPATH should be kept")
	}
	if !strings.Contains(filteredStr, "NORMAL_VAR=hello") {
		t.Error("NORMAL_VAR should be kept")
	}

	if strings.Contains(filteredStr, "OPENAI_API_KEY") {
		t.Error("OPENAI_API_KEY should be filtered")
	}
	if strings.Contains(filteredStr, "DATABASE_URL") {
		t.Error("DATABASE_URL should be filtered")
	}
	if strings.Contains(filteredStr, "TAVILY_API_KEY") {
		t.Error("TAVILY_API_KEY should be filtered")
	}
	if strings.Contains(filteredStr, "MY_SECRET") {
		t.Error("MY_SECRET should be filtered")
	}
	if strings.Contains(filteredStr, "MY_TOKEN") {
		t.Error("MY_TOKEN should be filtered")
	}
	if strings.Contains(filteredStr, "MY_PASSWORD") {
		t.Error("MY_PASSWORD should be filtered")
	}
	if strings.Contains(filteredStr, "REDIS_URL") {
		t.Error("REDIS_URL should be filtered")
	}
}

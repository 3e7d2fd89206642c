package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/openplanter/core/internal/config"
	"github.com/openplanter/core/internal/llm"
	"github.com/openplanter/core/internal/llm/scripted"
	"github.com/openplanter/core/internal/session"
	"github.com/openplanter/core/internal/tool"
	"github.com/openplanter/core/internal/tool/builtin"
)

// ── shared fixtures ──

// testConfig returns a Configuration with the scripted provider variant
// and small, test-friendly limits. Callers override individual fields.
func testConfig(root string) *config.Configuration {
	return &config.Configuration{
		ModelName:               "root-model",
		LeafModelName:           "leaf-model",
		ReasoningEffort:         "medium",
		MaxSteps:                10,
		MaxDepth:                4,
		MaxObservationChars:     8000,
		CondensationThreshold:   0.75,
		BudgetWarningThreshold:  0.50,
		BudgetCriticalThreshold: 0.25,
		RecursiveMode:           true,
		AcceptanceCriteriaMode:  false,
		DefaultToolTimeout:      5,
		RepetitionLimit:         2,
		ParallelDispatch:        true,
		WorkspaceRoot:           root,
		ProviderKind:            "scripted",
	}
}

// testRegistryFactory wires the same workspace-bound builtin tools
// cmd/omega/main.go's buildRegistry does, minus the network-facing ones
// no engine test needs.
func testRegistryFactory(withShell bool, policy builtin.ShellPolicy) RegistryFactory {
	return func(ws *tool.Workspace, depth int) *tool.Registry {
		reg := tool.NewRegistry()
		reg.Register(builtin.NewReadFileTool(ws))
		reg.Register(builtin.NewWriteFileTool(ws))
		reg.Register(builtin.NewListDirTool(ws))
		if withShell {
			reg.Register(builtin.NewShellTool(ws, policy, true))
		}
		return reg
	}
}

// providerSet builds a ProviderFactory from a fixed model-name → scripted
// Provider map. A distinct scripted.Provider per model name is essential
// whenever a test dispatches concurrently-running sub-agents: each
// Provider pops turns off one sequential counter, so two siblings
// sharing the same model name (and therefore the same cached Provider
// instance, keyed by modelName+"|"+reasoningEffort in Engine.provider)
// would race over which turn each gets.
func providerSet(providers map[string]*scripted.Provider) ProviderFactory {
	return func(modelName, _ string) (llm.Provider, error) {
		p, ok := providers[modelName]
		if !ok {
			return nil, fmt.Errorf("no scripted provider registered for model %q", modelName)
		}
		return p, nil
	}
}

func toolCall(t *testing.T, id, name string, args any) llm.ToolCall {
	t.Helper()
	data, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal tool call args: %v", err)
	}
	return llm.ToolCall{ID: id, Name: name, Arguments: data}
}

// eventCollector gathers the on_event stream under a mutex: several
// tests dispatch concurrently, and OnEvent has no implicit synchronization.
type eventCollector struct {
	mu     sync.Mutex
	events []Event
}

func (c *eventCollector) record(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *eventCollector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func newTestWorkspace(t *testing.T) (*tool.Workspace, string) {
	t.Helper()
	dir := t.TempDir()
	ws, err := tool.NewWorkspace(dir)
	if err != nil {
		t.Fatalf("NewWorkspace: %v", err)
	}
	return ws, dir
}

// ── scenario 1: happy-path read then summarize ──

func TestSolve_HappyPath(t *testing.T) {
	ws, dir := newTestWorkspace(t)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello world"), 0644); err != nil {
		t.Fatalf("seed notes.txt: %v", err)
	}

	root := scripted.New("root-model", 100000,
		llm.Turn{ToolCalls: []llm.ToolCall{toolCall(t, "c1", "read_file", map[string]any{"path": "notes.txt"})}},
		llm.Turn{Text: "The file says: hello world."},
	)

	cfg := testConfig(dir)
	eng := New(cfg, providerSet(map[string]*scripted.Provider{"root-model": root}), testRegistryFactory(false, builtin.ShellPolicy{}), nil)

	answer, err := eng.Solve(context.Background(), "summarize notes.txt", ws)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if answer != "The file says: hello world." {
		t.Errorf("answer = %q, want the summary text", answer)
	}
}

// ── scenario 2 / P2: read-before-overwrite ──

func TestSolve_UnreadOverwriteBlocked(t *testing.T) {
	ws, dir := newTestWorkspace(t)
	if err := os.WriteFile(filepath.Join(dir, "data.csv"), []byte("a,b,c\n"), 0644); err != nil {
		t.Fatalf("seed data.csv: %v", err)
	}

	root := scripted.New("root-model", 100000,
		llm.Turn{ToolCalls: []llm.ToolCall{toolCall(t, "c1", "write_file", map[string]any{"path": "data.csv", "content": "x,y,z\n"})}},
		llm.Turn{Text: "could not overwrite without reading first"},
	)

	cfg := testConfig(dir)
	var collector eventCollector
	eng := New(cfg, providerSet(map[string]*scripted.Provider{"root-model": root}), testRegistryFactory(false, builtin.ShellPolicy{}), collector.record)

	answer, err := eng.Solve(context.Background(), "overwrite data.csv", ws)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if answer != "could not overwrite without reading first" {
		t.Errorf("answer = %q, want the fallback text", answer)
	}

	var sawUnreadOverwrite bool
	for _, ev := range collector.snapshot() {
		if ev.Type == EventToolResult && ev.ToolName == "write_file" && strings.Contains(ev.Error, "unread_overwrite") {
			sawUnreadOverwrite = true
		}
	}
	if !sawUnreadOverwrite {
		t.Error("expected a write_file tool_result event carrying an unread_overwrite error")
	}

	// The file on disk must be untouched — the blocked write never happened.
	data, err := os.ReadFile(filepath.Join(dir, "data.csv"))
	if err != nil {
		t.Fatalf("read data.csv: %v", err)
	}
	if string(data) != "a,b,c\n" {
		t.Errorf("data.csv content = %q, want it unchanged", string(data))
	}
}

// ── P8: repetition limit ──

func TestSolve_RepetitionLimit(t *testing.T) {
	ws, dir := newTestWorkspace(t)

	root := scripted.New("root-model", 100000,
		llm.Turn{ToolCalls: []llm.ToolCall{toolCall(t, "c1", "run_shell", map[string]any{"command": "echo hi"})}},
		llm.Turn{ToolCalls: []llm.ToolCall{toolCall(t, "c2", "run_shell", map[string]any{"command": "echo hi"})}},
		llm.Turn{ToolCalls: []llm.ToolCall{toolCall(t, "c3", "run_shell", map[string]any{"command": "echo hi"})}},
		llm.Turn{Text: "done"},
	)

	cfg := testConfig(dir)
	cfg.RepetitionLimit = 2
	var collector eventCollector
	eng := New(cfg, providerSet(map[string]*scripted.Provider{"root-model": root}), testRegistryFactory(true, builtin.ShellPolicy{}), collector.record)

	answer, err := eng.Solve(context.Background(), "repeat a shell command", ws)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if answer != "done" {
		t.Errorf("answer = %q, want %q", answer, "done")
	}

	var repetitionErrors int
	for _, ev := range collector.snapshot() {
		if ev.Type == EventToolResult && ev.ToolName == "run_shell" && strings.Contains(ev.Error, "repetition_limit") {
			repetitionErrors++
		}
	}
	if repetitionErrors != 1 {
		t.Errorf("repetition_limit tool_result events = %d, want exactly 1 (the 3rd identical command)", repetitionErrors)
	}
}

// ── scenario 5 / P3: tier monotonicity ──

func TestSolve_TierEnforcement_RejectsEscalation(t *testing.T) {
	ws, dir := newTestWorkspace(t)

	root := scripted.New("root-model", 100000,
		llm.Turn{ToolCalls: []llm.ToolCall{toolCall(t, "c1", "subtask", map[string]any{"objective": "dig deeper", "model_name": "o1"})}},
		llm.Turn{Text: "done"},
	)

	cfg := testConfig(dir)
	var collector eventCollector
	eng := New(cfg, providerSet(map[string]*scripted.Provider{"root-model": root}), testRegistryFactory(false, builtin.ShellPolicy{}), collector.record)

	answer, err := eng.Solve(context.Background(), "try to escalate", ws)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if answer != "done" {
		t.Errorf("answer = %q, want %q", answer, "done")
	}

	var sawRejection bool
	for _, ev := range collector.snapshot() {
		if ev.Type == EventToolResult && ev.ToolName == "subtask" && strings.Contains(ev.Error, "more capable") {
			sawRejection = true
		}
		if ev.Type == EventSubSpawn {
			t.Error("no sub-agent should have been spawned for a rejected tier escalation")
		}
	}
	if !sawRejection {
		t.Error("expected a subtask tool_result event rejecting the tier escalation")
	}
}

// TestSolve_TierEnforcement_AllowsEqualTier covers the "equal capability"
// side of P3: root-model and gpt-4o both resolve to TierStandard
// (root-model via DetectTier's default, gpt-4o because it matches neither
// a leaf keyword nor a flagship prefix), so the subtask's
// tier < parentTier rejection must not fire.
func TestSolve_TierEnforcement_AllowsEqualTier(t *testing.T) {
	ws, dir := newTestWorkspace(t)

	root := scripted.New("root-model", 100000,
		llm.Turn{ToolCalls: []llm.ToolCall{toolCall(t, "c1", "subtask", map[string]any{"objective": "handle this", "model_name": "gpt-4o"})}},
		llm.Turn{Text: "done"},
	)
	peer := scripted.New("gpt-4o", 100000, llm.Turn{Text: "child says hi"})

	cfg := testConfig(dir)
	var collector eventCollector
	eng := New(cfg, providerSet(map[string]*scripted.Provider{"root-model": root, "gpt-4o": peer}), testRegistryFactory(false, builtin.ShellPolicy{}), collector.record)

	answer, err := eng.Solve(context.Background(), "delegate to an equal-or-lower tier model", ws)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if answer != "done" {
		t.Errorf("answer = %q, want %q", answer, "done")
	}

	var sawChildReturn bool
	for _, ev := range collector.snapshot() {
		if ev.Type == EventSubReturn && ev.Text == "child says hi" {
			sawChildReturn = true
		}
	}
	if !sawChildReturn {
		t.Error("expected the sub-agent to run and return its answer")
	}
}

// ── scenario 6 / P4: parallel write conflict ──

// newBarrierWriteTool is a write_file stand-in that rendezvous-blocks
// right before ws.ClaimWrite: without it, two sibling sub-agents'
// real-world goroutine timings might never truly overlap in a short
// scripted test, making the race this test exercises non-deterministic.
// Forcing both parties to reach ClaimWrite together turns "assert the
// registry's mutex serializes a genuine race" into a test that is
// deterministic on every run, rather than one that merely hopes for
// an unlucky interleaving.
func newBarrierWriteTool(ws *tool.Workspace, wg *sync.WaitGroup) tool.Tool {
	schema := tool.BuildSchema(
		tool.SchemaParam{Name: "path", Type: "string", Required: true},
		tool.SchemaParam{Name: "content", Type: "string", Required: true},
	)
	return tool.NewFuncTool("write_file", "test-only synchronized write_file", schema,
		func(_ context.Context, args json.RawMessage) (tool.ToolResult, error) {
			var a struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(args, &a); err != nil {
				return tool.ToolResult{Error: err.Error()}, nil
			}
			path, err := ws.Resolve(a.Path)
			if err != nil {
				return tool.ToolResult{Error: err.Error()}, nil
			}
			if err := ws.CheckOverwrite(path); err != nil {
				return tool.ToolResult{Error: err.Error()}, nil
			}

			wg.Done()
			wg.Wait()

			if err := ws.ClaimWrite(path); err != nil {
				return tool.ToolResult{Error: err.Error()}, nil
			}
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return tool.ToolResult{Error: err.Error()}, nil
			}
			if err := os.WriteFile(path, []byte(a.Content), 0644); err != nil {
				return tool.ToolResult{Error: err.Error()}, nil
			}
			return tool.ToolResult{Output: fmt.Sprintf("wrote %s (%d bytes)", path, len(a.Content))}, nil
		})
}

func TestSolve_ParallelWriteConflict(t *testing.T) {
	ws, dir := newTestWorkspace(t)

	root := scripted.New("root-model", 100000,
		llm.Turn{ToolCalls: []llm.ToolCall{
			toolCall(t, "c1", "subtask", map[string]any{"objective": "write A", "model_name": "child-a"}),
			toolCall(t, "c2", "subtask", map[string]any{"objective": "write B", "model_name": "child-b"}),
		}},
		llm.Turn{Text: "parent done"},
	)
	childA := scripted.New("child-a", 100000,
		llm.Turn{ToolCalls: []llm.ToolCall{toolCall(t, "a1", "write_file", map[string]any{"path": "out.txt", "content": "A"})}},
		llm.Turn{ToolCalls: []llm.ToolCall{toolCall(t, "a2", "finish", map[string]any{"answer": "child A done"})}},
	)
	childB := scripted.New("child-b", 100000,
		llm.Turn{ToolCalls: []llm.ToolCall{toolCall(t, "b1", "write_file", map[string]any{"path": "out.txt", "content": "B"})}},
		llm.Turn{ToolCalls: []llm.ToolCall{toolCall(t, "b2", "finish", map[string]any{"answer": "child B done"})}},
	)

	var raceBarrier sync.WaitGroup
	raceBarrier.Add(2) // exactly child-a and child-b's one write_file call each

	cfg := testConfig(dir)
	cfg.ParallelDispatch = true
	var collector eventCollector
	eng := New(cfg, providerSet(map[string]*scripted.Provider{
		"root-model": root, "child-a": childA, "child-b": childB,
	}), func(ws *tool.Workspace, depth int) *tool.Registry {
		reg := tool.NewRegistry()
		reg.Register(newBarrierWriteTool(ws, &raceBarrier))
		return reg
	}, collector.record)

	answer, err := eng.Solve(context.Background(), "fan out two writers to the same path", ws)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if answer != "parent done" {
		t.Errorf("answer = %q, want %q", answer, "parent done")
	}

	var conflicts, successes int
	for _, ev := range collector.snapshot() {
		if ev.Type != EventToolResult || ev.ToolName != "write_file" {
			continue
		}
		if strings.Contains(ev.Error, "write_conflict") {
			conflicts++
		} else {
			successes++
		}
	}
	if conflicts != 1 {
		t.Errorf("write_conflict tool_result events = %d, want exactly 1", conflicts)
	}
	if successes != 1 {
		t.Errorf("successful write_file tool_result events = %d, want exactly 1", successes)
	}

	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	if err != nil {
		t.Fatalf("read out.txt: %v", err)
	}
	if string(data) != "A" && string(data) != "B" {
		t.Errorf("out.txt content = %q, want exactly one writer's content", string(data))
	}
}

// ── budget exhaustion ──

func TestSolve_BudgetExhausted_ForcedFinalAnswer(t *testing.T) {
	ws, dir := newTestWorkspace(t)

	root := scripted.New("root-model", 100000,
		llm.Turn{ToolCalls: []llm.ToolCall{toolCall(t, "c1", "think", map[string]any{"thought": "step one"})}},
		llm.Turn{ToolCalls: []llm.ToolCall{toolCall(t, "c2", "think", map[string]any{"thought": "step two"})}},
		llm.Turn{Text: "forced final answer"},
	)

	cfg := testConfig(dir)
	cfg.MaxSteps = 2
	eng := New(cfg, providerSet(map[string]*scripted.Provider{"root-model": root}), testRegistryFactory(false, builtin.ShellPolicy{}), nil)

	answer, err := eng.Solve(context.Background(), "never call finish", ws)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if answer != "forced final answer" {
		t.Errorf("answer = %q, want the forced completion's text", answer)
	}
}

func TestSolve_BudgetExhausted_ForcedCallFails(t *testing.T) {
	ws, dir := newTestWorkspace(t)

	// Only two turns scripted: the forced third completion call (after
	// max_steps is reached) has nothing to return and errors out.
	root := scripted.New("root-model", 100000,
		llm.Turn{ToolCalls: []llm.ToolCall{toolCall(t, "c1", "think", map[string]any{"thought": "step one"})}},
		llm.Turn{ToolCalls: []llm.ToolCall{toolCall(t, "c2", "think", map[string]any{"thought": "step two"})}},
	)

	cfg := testConfig(dir)
	cfg.MaxSteps = 2
	eng := New(cfg, providerSet(map[string]*scripted.Provider{"root-model": root}), testRegistryFactory(false, builtin.ShellPolicy{}), nil)

	_, err := eng.Solve(context.Background(), "never call finish, and exhaust the script too", ws)
	if err == nil {
		t.Fatal("Solve: expected an error, got nil")
	}
	var budgetErr *BudgetExhaustedErr
	if !errors.As(err, &budgetErr) {
		t.Errorf("err = %v, want a *BudgetExhaustedErr", err)
	}
}

// ── P6/L2: condensation, fatal on second occurrence ──

func TestSolve_CondensationFatalOnSecondOccurrence(t *testing.T) {
	ws, dir := newTestWorkspace(t)

	root := scripted.New("root-model", 1000,
		llm.Turn{InputTokens: 600, ToolCalls: []llm.ToolCall{toolCall(t, "c1", "think", map[string]any{"thought": "step one"})}},
		llm.Turn{InputTokens: 600, ToolCalls: []llm.ToolCall{toolCall(t, "c2", "think", map[string]any{"thought": "step two"})}},
	)

	cfg := testConfig(dir)
	cfg.CondensationThreshold = 0.5
	eng := New(cfg, providerSet(map[string]*scripted.Provider{"root-model": root}), testRegistryFactory(false, builtin.ShellPolicy{}), nil)

	_, err := eng.Solve(context.Background(), "blow past the context window twice", ws)
	if err == nil {
		t.Fatal("Solve: expected an error, got nil")
	}
	var modelErr *llm.ModelError
	if !errors.As(err, &modelErr) {
		t.Fatalf("err = %v, want a *llm.ModelError", err)
	}
	if modelErr.Kind != llm.ErrContextOverflow {
		t.Errorf("ModelError.Kind = %q, want %q", modelErr.Kind, llm.ErrContextOverflow)
	}
}

// ── P7: append-only session logs ──

func TestSolve_SessionLogsAreAppendOnly(t *testing.T) {
	ws, dir := newTestWorkspace(t)

	root := scripted.New("root-model", 100000,
		llm.Turn{ToolCalls: []llm.ToolCall{toolCall(t, "c1", "think", map[string]any{"thought": "first pass"})}},
		llm.Turn{Text: "first answer"},
		llm.Turn{ToolCalls: []llm.ToolCall{toolCall(t, "c2", "think", map[string]any{"thought": "second pass"})}},
		llm.Turn{Text: "second answer"},
	)

	cfg := testConfig(dir)
	eng := New(cfg, providerSet(map[string]*scripted.Provider{"root-model": root}), testRegistryFactory(false, builtin.ShellPolicy{}), nil)

	if _, err := eng.Solve(context.Background(), "first objective", ws); err != nil {
		t.Fatalf("Solve: %v", err)
	}

	sessions := session.NewManager(dir)
	ids, err := sessions.List()
	if err != nil {
		t.Fatalf("List sessions: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("session count = %d, want 1", len(ids))
	}
	id := ids[0]

	eventsPath := filepath.Join(dir, ".openplanter", "sessions", id, "events.jsonl")
	before, err := os.ReadFile(eventsPath)
	if err != nil {
		t.Fatalf("read events.jsonl: %v", err)
	}

	if _, err := eng.ResumeSession(context.Background(), id, "second objective", ws); err != nil {
		t.Fatalf("ResumeSession: %v", err)
	}

	after, err := os.ReadFile(eventsPath)
	if err != nil {
		t.Fatalf("read events.jsonl after resume: %v", err)
	}
	if len(after) <= len(before) {
		t.Fatalf("events.jsonl did not grow across the resumed solve: before=%d after=%d", len(before), len(after))
	}
	if !strings.HasPrefix(string(after), string(before)) {
		t.Error("events.jsonl's original content was not preserved as a prefix — it was rewritten rather than appended to")
	}
}

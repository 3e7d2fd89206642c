package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openplanter/core/internal/llm"
	"github.com/openplanter/core/internal/tool"
)

// maxParallelDispatch bounds the sub-agent worker pool for one step's
// subtask/execute calls, grounded loosely on the MCP manager's
// guarded-map-of-handles shape (internal/mcp/manager.go); the
// goroutine/semaphore plumbing itself has no close teacher analogue.
const maxParallelDispatch = 8

// spawnToolNames are dispatched through the parallel worker pool when
// parallel_dispatch is enabled; every other tool runs sequentially on
// the calling goroutine (spec.md §4.3 dispatch discipline).
var spawnToolNames = map[string]bool{"subtask": true, "execute": true}

// dispatch runs one step's tool calls, preserving result order against
// the original call order (P4) regardless of execution concurrency.
//
// It opens its own write-conflict wave on r.ws and releases it only
// once every call this invocation made — including a spawned
// sub-agent's entire recursive solve — has returned. Scoping the wave
// to this one dispatch call, rather than resetting r.ws's shared
// registry unconditionally, is what keeps a child's own internal steps
// from clearing claims a concurrently-running sibling still holds.
func (e *Engine) dispatch(ctx context.Context, r *run, calls []llm.ToolCall, step int) []llm.ToolResult {
	results := make([]llm.ToolResult, len(calls))

	r.ws.BeginWriteWave()
	defer r.ws.EndWriteWave()

	var wg sync.WaitGroup
	sem := make(chan struct{}, maxParallelDispatch)

	for i, call := range calls {
		if e.cfg.ParallelDispatch && spawnToolNames[call.Name] {
			wg.Add(1)
			sem <- struct{}{}
			go func(i int, call llm.ToolCall) {
				defer wg.Done()
				defer func() { <-sem }()
				results[i] = e.dispatchOne(ctx, r, call, step)
			}(i, call)
			continue
		}
		results[i] = e.dispatchOne(ctx, r, call, step)
	}
	wg.Wait()
	return results
}

// dispatchOne resolves, policy-checks, and executes a single tool call,
// converting any tool.Error into a ToolResult{IsError:true} rather than
// failing the step (spec.md §7: tool errors are never fatal).
func (e *Engine) dispatchOne(ctx context.Context, r *run, call llm.ToolCall, step int) llm.ToolResult {
	r.emit(Event{Type: EventToolCall, Depth: r.depth, Step: step, ToolName: call.Name, ToolCallID: call.ID})

	if polErr := r.checkPolicy(call); polErr != nil {
		res := llm.ToolResult{ToolCallID: call.ID, Content: polErr.Error(), IsError: true}
		r.emit(Event{Type: EventToolResult, Depth: r.depth, Step: step, ToolName: call.Name, ToolCallID: call.ID, Error: polErr.Error()})
		return res
	}

	t, ok := r.registry.Get(call.Name)
	if !ok {
		content := "unknown tool: " + call.Name
		r.emit(Event{Type: EventToolResult, Depth: r.depth, Step: step, ToolName: call.Name, ToolCallID: call.ID, Error: content})
		return llm.ToolResult{ToolCallID: call.ID, Content: content, IsError: true}
	}

	timeout := time.Duration(e.cfg.ToolTimeout(call.Name)) * time.Second
	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, err := t.Execute(callCtx, call.Arguments)
	if err != nil {
		content := err.Error()
		r.emit(Event{Type: EventToolResult, Depth: r.depth, Step: step, ToolName: call.Name, ToolCallID: call.ID, Error: content})
		return llm.ToolResult{ToolCallID: call.ID, Content: content, IsError: true}
	}

	content := out.Output
	if out.Error != "" {
		content = out.Error
	}
	content = clipObservation(content, e.cfg.MaxObservationChars)
	ev := Event{Type: EventToolResult, Depth: r.depth, Step: step, ToolName: call.Name, ToolCallID: call.ID, Text: content}
	if out.Error != "" {
		ev.Text, ev.Error = "", content
	}
	r.emit(ev)
	return llm.ToolResult{ToolCallID: call.ID, Content: content, IsError: out.Error != ""}
}

// clipObservation enforces max_observation_chars on a tool result
// before it re-enters the conversation.
func clipObservation(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + fmt.Sprintf("\n[clipped %d chars]", len(s)-max)
}

// checkPolicy is the runtime policy check of spec.md §4.3: shell
// heredoc/bans are enforced inside run_shell itself (checkShellPolicy),
// so this only adds the repetition-limit tracking that must be scoped
// to this run (depth), not to the shell tool instance.
func (r *run) checkPolicy(call llm.ToolCall) *tool.Error {
	if call.Name != "run_shell" {
		return nil
	}
	var args struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil || strings.TrimSpace(args.Command) == "" {
		return nil // malformed args surface as a tool_argument error from the tool itself
	}
	r.shellMu.Lock()
	defer r.shellMu.Unlock()
	r.shellSeen[args.Command]++
	if r.shellSeen[args.Command] > r.engine.cfg.RepetitionLimit {
		return tool.NewError(tool.ErrRepetitionLimit, "command %q repeated more than %d times at depth %d", args.Command, r.engine.cfg.RepetitionLimit, r.depth)
	}
	return nil
}

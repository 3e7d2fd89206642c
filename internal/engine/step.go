package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/openplanter/core/internal/llm"
	"github.com/openplanter/core/internal/session"
	"github.com/openplanter/core/internal/tool"
)

// solveArgs is the input to one depth's solve. acceptanceCriteria is
// set for a subtask child whose caller supplied acceptance_criteria;
// buildSystemPrompt only uses it under acceptance_criteria_mode.
// sessionID/sessions are threaded down from the top-level Solve call so
// every depth's events and model calls land in the same session log.
type solveArgs struct {
	depth              int
	objective          string
	ws                 *tool.Workspace
	ec                 *ExternalContext
	modelName          string
	reasoningEffort    string
	parentCallID       string
	acceptanceCriteria string
	sessionID          string
	sessions           *session.Manager
}

// run holds the per-depth mutable state of one solve: the conversation,
// the tool registry bound to this depth's workspace, the step counter,
// and the shell-command repetition tracker (spec.md §4.1 P8 — scoped
// per depth, reset on every fresh solve/child).
type run struct {
	engine          *Engine
	depth           int
	ws              *tool.Workspace
	ec              *ExternalContext
	parentCallID    string
	modelName       string
	reasoningEffort string
	registry        *tool.Registry
	shellMu         sync.Mutex
	shellSeen       map[string]int

	sessionID string
	sessions  *session.Manager

	finishMu     sync.Mutex
	finishedFlag bool
	finishedText string

	// condensedOnce records whether this run has already condensed its
	// conversation once. A second threshold breach within the same run
	// is context pressure that condensation did not relieve, so it is
	// treated as fatal rather than condensed again (DESIGN.md open
	// question #2).
	condensedOnce bool
}

// emit forwards ev to the live on_event sink and, except for the purely
// cosmetic streaming deltas, appends it to the session's events.jsonl.
func (r *run) emit(ev Event) {
	emit(r.engine.onEvent, ev)
	if ev.Type != EventAssistantTextDelta {
		r.engine.recordEvent(r.sessions, r.sessionID, ev)
	}
}

// recordReplay captures one LLM call into replay.jsonl (spec.md §4.4's
// replay_record). turn.Raw carries the provider's raw response
// specifically for this purpose; the outgoing request is not captured
// at this abstraction layer (Provider never surfaces its wire request),
// so only the response side of the delta is recorded — still sufficient
// to drive an L1 scripted replay of engine-observable behavior.
func (r *run) recordReplay(step int, turn llm.Turn) {
	resp, err := json.Marshal(turn.Raw)
	if err != nil {
		resp = json.RawMessage(`null`)
	}
	if rerr := r.sessions.ReplayRecord(r.sessionID, session.TurnRecord{
		ParentCallID: r.parentCallID,
		Depth:        r.depth,
		Step:         step,
		Response:     resp,
	}); rerr != nil {
		logf("record replay: %v", rerr)
	}
}

// finished reports whether the finish tool has been called this run,
// and the recorded final answer if so.
func (r *run) finished() (bool, string) {
	r.finishMu.Lock()
	defer r.finishMu.Unlock()
	return r.finishedFlag, r.finishedText
}

// markFinished records the finish tool's answer. Only the first call
// takes effect; later calls in the same step are no-ops.
func (r *run) markFinished(answer string) {
	r.finishMu.Lock()
	defer r.finishMu.Unlock()
	if !r.finishedFlag {
		r.finishedFlag = true
		r.finishedText = answer
	}
}

// BudgetExhaustedErr is returned when max_steps is reached without the
// model producing a final answer (spec.md §4.3 terminal state
// BudgetExhausted).
type BudgetExhaustedErr struct {
	Depth int
	Steps int
}

func (e *BudgetExhaustedErr) Error() string {
	return fmt.Sprintf("engine: budget exhausted at depth %d after %d steps without a final answer", e.Depth, e.Steps)
}

func (e *Engine) solveAt(ctx context.Context, args solveArgs) (string, error) {
	if args.depth > e.cfg.MaxDepth {
		return "", tool.NewError(tool.ErrMaxDepth, "recursion depth %d exceeds max_depth %d", args.depth, e.cfg.MaxDepth)
	}

	provider, err := e.provider(args.modelName, args.reasoningEffort)
	if err != nil {
		return "", err
	}

	r := &run{
		engine:          e,
		depth:           args.depth,
		ws:              args.ws,
		ec:              args.ec,
		parentCallID:    args.parentCallID,
		modelName:       args.modelName,
		reasoningEffort: args.reasoningEffort,
		shellSeen:       map[string]int{},
		sessionID:       args.sessionID,
		sessions:        args.sessions,
	}
	r.registry = e.buildRegistry(r)

	systemPrompt := buildSystemPrompt(e.cfg, args.depth, args.objective, args.acceptanceCriteria, args.ec.Render())

	conv, err := provider.CreateConversation(ctx, systemPrompt, r.registry.GenerateToolDefinitions())
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}

	var onDelta llm.OnContentDelta
	if args.depth == 0 {
		onDelta = func(d llm.StreamDelta) {
			if d.Text != "" {
				r.emit(Event{Type: EventAssistantTextDelta, Depth: args.depth, Text: d.Text})
			}
		}
	}
	onRetry := func(msg string) {
		defer func() { recover() }() // OnRetry callers must never die from a panicking sink
		r.emit(Event{Type: EventRateLimit, Depth: args.depth, Text: msg})
	}

	for step := 1; step <= e.engineMaxSteps(); step++ {
		r.emit(Event{Type: EventStepStart, Depth: args.depth, Step: step})

		turn, err := provider.Complete(ctx, conv, onDelta, onRetry)
		if err != nil {
			r.emit(Event{Type: EventError, Depth: args.depth, Step: step, Error: err.Error()})
			return "", fmt.Errorf("model call failed at depth %d step %d: %w", args.depth, step, err)
		}
		r.recordReplay(step, turn)

		conv, err = provider.AppendAssistantTurn(conv, turn)
		if err != nil {
			return "", fmt.Errorf("append assistant turn: %w", err)
		}

		if needsCondensation(turn, provider, e.cfg.CondensationThreshold) {
			if r.condensedOnce {
				modelErr := llm.NewModelError(llm.ErrContextOverflow,
					fmt.Sprintf("context pressure recurred after condensation at depth %d step %d", args.depth, step), "")
				r.emit(Event{Type: EventError, Depth: args.depth, Step: step, Error: modelErr.Error()})
				return "", modelErr
			}
			conv, err = provider.Condense(conv)
			if err != nil {
				return "", fmt.Errorf("condense conversation: %w", err)
			}
			r.condensedOnce = true
		}

		if len(turn.ToolCalls) == 0 {
			r.emit(Event{Type: EventAssistantText, Depth: args.depth, Step: step, Text: turn.Text})
			r.emit(Event{Type: EventFinal, Depth: args.depth, Step: step, Text: turn.Text})
			return turn.Text, nil
		}
		if turn.Text != "" {
			r.emit(Event{Type: EventAssistantText, Depth: args.depth, Step: step, Text: turn.Text})
		}

		results := e.dispatch(ctx, r, turn.ToolCalls, step)

		tagBudgetWarning(results, turn, provider, step, e.engineMaxSteps(), r, args.depth)
		if step == e.engineMaxSteps() {
			appendFinalInstruction(results)
		}

		conv, err = provider.AppendToolResults(conv, results)
		if err != nil {
			return "", fmt.Errorf("append tool results: %w", err)
		}

		if done, answer := r.finished(); done {
			r.emit(Event{Type: EventFinal, Depth: args.depth, Step: step, Text: answer})
			return answer, nil
		}
	}

	// max_steps exhausted without a finish call: one last completion,
	// forced by the synthetic instruction tagged onto the final step's
	// tool results above, returning whatever text comes back regardless
	// of further tool calls (spec.md §4.3 step 8).
	finalStep := e.engineMaxSteps() + 1
	r.emit(Event{Type: EventStepStart, Depth: args.depth, Step: finalStep})
	turn, err := provider.Complete(ctx, conv, onDelta, onRetry)
	if err != nil {
		r.emit(Event{Type: EventError, Depth: args.depth, Step: finalStep, Error: err.Error()})
		return "", &BudgetExhaustedErr{Depth: args.depth, Steps: e.engineMaxSteps()}
	}
	r.recordReplay(finalStep, turn)
	if _, err := provider.AppendAssistantTurn(conv, turn); err != nil {
		return "", fmt.Errorf("append final assistant turn: %w", err)
	}
	r.emit(Event{Type: EventAssistantText, Depth: args.depth, Step: finalStep, Text: turn.Text})
	r.emit(Event{Type: EventFinal, Depth: args.depth, Step: finalStep, Text: turn.Text})
	return turn.Text, nil
}

// appendFinalInstruction tags the first tool result of the last regular
// step with an explicit demand for a plain-text final answer, so the
// forced completion call above does not produce yet another tool call.
func appendFinalInstruction(results []llm.ToolResult) {
	if len(results) == 0 {
		return
	}
	results[0].Content += "\n\n[max_steps reached: no further tool calls will be dispatched — respond now with your best final answer as plain text]"
}

func (e *Engine) engineMaxSteps() int {
	if e.cfg.MaxSteps <= 0 {
		return 1
	}
	return e.cfg.MaxSteps
}

// needsCondensation reports whether the turn's reported input-token
// count has crossed condensationThreshold of the provider's context
// window (spec.md §4.3 step 3).
func needsCondensation(turn llm.Turn, provider llm.Provider, threshold float64) bool {
	window := provider.ContextWindow()
	if window <= 0 || turn.InputTokens <= 0 {
		return false
	}
	return float64(turn.InputTokens)/float64(window) >= threshold
}

// tagBudgetWarning injects the budget tags of spec.md §4.3 step 2 as a
// prefix on the first tool result of the step only (spec.md §5: "budget
// tags injected ONLY on first tool result of each step to avoid
// redundancy under parallel dispatch"). The timestamp/step/context_used%
// triple is unconditional on every step; the warning/critical text is
// layered on top of it once the remaining-steps fraction crosses the
// configured thresholds.
func tagBudgetWarning(results []llm.ToolResult, turn llm.Turn, provider llm.Provider, step, maxSteps int, r *run, depth int) {
	if len(results) == 0 || maxSteps <= 0 {
		return
	}
	cfg := r.engine.cfg

	contextUsedPct := 0
	if window := provider.ContextWindow(); window > 0 && turn.InputTokens > 0 {
		contextUsedPct = int(float64(turn.InputTokens) / float64(window) * 100)
	}
	prefix := fmt.Sprintf("[%s] [step %d/%d] [context_used: %d%%]",
		time.Now().UTC().Format(time.RFC3339), step, maxSteps, contextUsedPct)

	remaining := float64(maxSteps-step) / float64(maxSteps)
	var warning string
	switch {
	case remaining <= cfg.BudgetCriticalThreshold:
		warning = fmt.Sprintf(" [budget: critical — %d/%d steps remaining, respond now]", maxSteps-step, maxSteps)
	case remaining <= cfg.BudgetWarningThreshold:
		warning = fmt.Sprintf(" [budget: warning — %d/%d steps remaining]", maxSteps-step, maxSteps)
	}

	results[0].Content = prefix + warning + "\n\n" + results[0].Content
	if warning != "" {
		r.emit(Event{Type: EventBudgetWarning, Depth: depth, Step: step, Text: prefix + warning})
	}
}

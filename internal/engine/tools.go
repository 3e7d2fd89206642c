package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openplanter/core/internal/llm"
	"github.com/openplanter/core/internal/plan"
	"github.com/openplanter/core/internal/tool"
)

// buildRegistry composes the tool catalog available to one run: the
// workspace-bound builtin tools from registryFactory, plus the
// engine-special-cased tools (think/finish, and subtask/execute/
// plan_assemble/plan_inject when enabled) that need a closure over this
// run to recurse back into the engine — grounded on tool_node.go's
// registry-resolution-then-execute shape, generalized so Execute can
// signal "spawn child engine" instead of "run workspace op".
func (e *Engine) buildRegistry(r *run) *tool.Registry {
	base := e.registryFactory(r.ws, r.depth)

	extras := []tool.Tool{
		newThinkTool(r),
		newFinishTool(r),
		newPlanAssembleTool(e, r),
		newPlanInjectTool(e, r),
		newPlanUpdateTool(e, r),
	}
	if e.cfg.RecursiveMode {
		extras = append(extras, newSubtaskTool(e, r), newExecuteTool(e, r))
	}
	return base.WithExtra(extras...)
}

// ── think ──

func newThinkTool(r *run) tool.Tool {
	schema := tool.BuildSchema(tool.SchemaParam{Name: "thought", Type: "string", Description: "reasoning to record without dispatching any action", Required: true})
	return tool.NewFuncTool("think", "Record a reasoning note as an observation; never dispatched to a model or the workspace.", schema,
		func(_ context.Context, args json.RawMessage) (tool.ToolResult, error) {
			var a struct {
				Thought string `json:"thought"`
			}
			if err := json.Unmarshal(args, &a); err != nil {
				return tool.ToolResult{Error: fmt.Sprintf("invalid arguments: %v", err)}, nil
			}
			r.ec.AppendObservation(Observation{Depth: r.depth, Source: "think", Content: a.Thought})
			return tool.ToolResult{Output: "noted"}, nil
		})
}

// ── finish ──

func newFinishTool(r *run) tool.Tool {
	schema := tool.BuildSchema(tool.SchemaParam{Name: "answer", Type: "string", Description: "the final answer to the current objective", Required: true})
	return tool.NewFuncTool("finish", "Conclude the current solve with a final answer, short-circuiting the step loop.", schema,
		func(_ context.Context, args json.RawMessage) (tool.ToolResult, error) {
			var a struct {
				Answer string `json:"answer"`
			}
			if err := json.Unmarshal(args, &a); err != nil {
				return tool.ToolResult{Error: fmt.Sprintf("invalid arguments: %v", err)}, nil
			}
			r.markFinished(a.Answer)
			return tool.ToolResult{Output: "final answer recorded"}, nil
		})
}

// ── subtask / execute ──

type spawnArgs struct {
	Objective          string `json:"objective"`
	ModelName          string `json:"model_name"`
	AcceptanceCriteria string `json:"acceptance_criteria"`
}

func newSubtaskTool(e *Engine, r *run) tool.Tool {
	schema := tool.BuildSchema(
		tool.SchemaParam{Name: "objective", Type: "string", Description: "the sub-objective to investigate in a fresh conversation", Required: true},
		tool.SchemaParam{Name: "model_name", Type: "string", Description: "model to run the sub-agent with; must not be more capable than the current model", Required: false},
		tool.SchemaParam{Name: "acceptance_criteria", Type: "string", Description: "optional criteria a judge model checks the sub-agent's answer against", Required: false},
	)
	return tool.NewFuncTool("subtask", "Spawn a sub-agent with its own conversation, sharing the accumulated external context, to investigate an independent sub-objective.", schema,
		func(ctx context.Context, args json.RawMessage) (tool.ToolResult, error) {
			var a spawnArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return tool.ToolResult{Error: fmt.Sprintf("invalid arguments: %v", err)}, nil
			}
			if strings.TrimSpace(a.Objective) == "" {
				return tool.ToolResult{Error: "objective must not be empty"}, nil
			}
			childModel := a.ModelName
			if childModel == "" {
				childModel = r.modelName
			}
			if tier, parentTier := llm.DetectTier(childModel), llm.DetectTier(r.modelName); tier < parentTier {
				return tool.ToolResult{Error: fmt.Sprintf(
					"subtask model %q (tier %d) is more capable than the parent model %q (tier %d); sub-agents may not escalate tier",
					childModel, tier, r.modelName, parentTier)}, nil
			}
			return e.spawnChild(ctx, r, a.Objective, childModel, r.engine.cfg.ReasoningEffort, a.AcceptanceCriteria)
		})
}

func newExecuteTool(e *Engine, r *run) tool.Tool {
	schema := tool.BuildSchema(
		tool.SchemaParam{Name: "objective", Type: "string", Description: "the mechanical step to execute with the cheapest available model", Required: true},
	)
	return tool.NewFuncTool("execute", "Spawn a leaf-tier sub-agent (always the cheapest configured model) for a mechanical, low-judgment step.", schema,
		func(ctx context.Context, args json.RawMessage) (tool.ToolResult, error) {
			var a struct {
				Objective string `json:"objective"`
			}
			if err := json.Unmarshal(args, &a); err != nil {
				return tool.ToolResult{Error: fmt.Sprintf("invalid arguments: %v", err)}, nil
			}
			if strings.TrimSpace(a.Objective) == "" {
				return tool.ToolResult{Error: "objective must not be empty"}, nil
			}
			return e.spawnChild(ctx, r, a.Objective, e.cfg.LeafModelName, e.cfg.ReasoningEffort, "")
		})
}

// spawnChild dispatches one sub-agent solve at depth+1, forking the
// workspace (fresh FileReadSet, shared write-conflict registry) and
// passing the same ExternalContext by reference. Runs the
// acceptance-criteria judge afterward when configured and a criteria
// string was supplied.
func (e *Engine) spawnChild(ctx context.Context, r *run, objective, childModel, reasoningEffort, acceptanceCriteria string) (tool.ToolResult, error) {
	r.emit(Event{Type: EventSubSpawn, Depth: r.depth, Text: objective})

	answer, err := e.solveAt(ctx, solveArgs{
		depth:              r.depth + 1,
		objective:          objective,
		ws:                 r.ws.Fork(),
		ec:                 r.ec,
		modelName:          childModel,
		reasoningEffort:    reasoningEffort,
		parentCallID:       r.parentCallID,
		acceptanceCriteria: acceptanceCriteria,
		sessionID:          r.sessionID,
		sessions:           r.sessions,
	})
	if err != nil {
		r.emit(Event{Type: EventSubReturn, Depth: r.depth, Error: err.Error()})
		return tool.ToolResult{Error: err.Error()}, nil
	}

	output := answer
	if e.cfg.AcceptanceCriteriaMode && acceptanceCriteria != "" {
		verdict := e.judge(ctx, acceptanceCriteria, answer)
		output = fmt.Sprintf("%s\n\n[acceptance: %s]", answer, verdict)
	}

	r.ec.AppendObservation(Observation{Depth: r.depth + 1, Source: "subtask", Content: output})
	r.emit(Event{Type: EventSubReturn, Depth: r.depth, Text: output})
	return tool.ToolResult{Output: output}, nil
}

// judge runs the acceptance-criteria check: the lowest-tier model, no
// tools, prompt = criteria + the child's output, returns PASS or FAIL.
func (e *Engine) judge(ctx context.Context, criteria, output string) string {
	provider, err := e.provider(e.cfg.LeafModelName, e.cfg.ReasoningEffort)
	if err != nil {
		return "FAIL (judge unavailable: " + err.Error() + ")"
	}
	prompt := fmt.Sprintf(
		"You are an acceptance-criteria judge. Reply with exactly one word, PASS or FAIL.\n\nCriteria:\n%s\n\nOutput to judge:\n%s",
		criteria, output)
	conv, err := provider.CreateConversation(ctx, prompt, nil)
	if err != nil {
		return "FAIL (judge error: " + err.Error() + ")"
	}
	turn, err := provider.Complete(ctx, conv, nil, nil)
	if err != nil {
		return "FAIL (judge error: " + err.Error() + ")"
	}
	verdict := strings.ToUpper(strings.TrimSpace(turn.Text))
	if strings.HasPrefix(verdict, "PASS") {
		return "PASS"
	}
	return "FAIL"
}

// ── plan_assemble / plan_update / plan_inject ──

// planStepArg is one step as supplied by the model to plan_assemble,
// mirroring plan.PlanStep but keeping status optional on input (it
// defaults to "pending" in PlanStore.Set).
type planStepArg struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status,omitempty"`
}

func newPlanAssembleTool(e *Engine, r *run) tool.Tool {
	schema := tool.BuildSchema(
		tool.SchemaParam{Name: "title", Type: "string", Description: "plan title", Required: true},
		tool.SchemaParam{Name: "steps", Type: "array", Description: "ordered list of {id, title} steps", Required: true},
	)
	return tool.NewFuncTool("plan_assemble", "Replace the current investigation plan with a structured list of steps, and persist it as a markdown artifact for the next solve to pick up.", schema,
		func(_ context.Context, args json.RawMessage) (tool.ToolResult, error) {
			var a struct {
				Title string        `json:"title"`
				Steps []planStepArg `json:"steps"`
			}
			if err := json.Unmarshal(args, &a); err != nil {
				return tool.ToolResult{Error: fmt.Sprintf("invalid arguments: %v", err)}, nil
			}
			if len(a.Steps) == 0 {
				return tool.ToolResult{Error: "steps must not be empty"}, nil
			}
			steps := make([]plan.PlanStep, len(a.Steps))
			for i, s := range a.Steps {
				steps[i] = plan.PlanStep{ID: s.ID, Title: s.Title, Status: s.Status}
			}
			e.plans.Set(r.sessionID, steps)
			rendered := renderPlanMarkdown(a.Title, steps)
			if err := r.sessions.WritePlan(r.sessionID, "plan", []byte(rendered)); err != nil {
				return tool.ToolResult{Error: fmt.Sprintf("write plan artifact: %v", err)}, nil
			}
			return tool.ToolResult{Output: "plan assembled: " + fmt.Sprint(len(steps)) + " steps"}, nil
		})
}

func newPlanUpdateTool(e *Engine, r *run) tool.Tool {
	schema := tool.BuildSchema(
		tool.SchemaParam{Name: "step_id", Type: "string", Description: "ID of the step to update", Required: true},
		tool.SchemaParam{Name: "status", Type: "string", Description: "one of pending|in_progress|done|error|skipped", Required: true},
		tool.SchemaParam{Name: "detail", Type: "string", Description: "optional detail or error message", Required: false},
	)
	return tool.NewFuncTool("plan_update", "Update the status of a single step in the current plan.", schema,
		func(_ context.Context, args json.RawMessage) (tool.ToolResult, error) {
			var a struct {
				StepID string `json:"step_id"`
				Status string `json:"status"`
				Detail string `json:"detail"`
			}
			if err := json.Unmarshal(args, &a); err != nil {
				return tool.ToolResult{Error: fmt.Sprintf("invalid arguments: %v", err)}, nil
			}
			if !e.plans.Update(r.sessionID, a.StepID, a.Status, a.Detail) {
				return tool.ToolResult{Error: fmt.Sprintf("no step %q in the current plan", a.StepID)}, nil
			}
			steps := e.plans.Get(r.sessionID)
			rendered := renderPlanMarkdown("", steps)
			if err := r.sessions.WritePlan(r.sessionID, "plan", []byte(rendered)); err != nil {
				return tool.ToolResult{Error: fmt.Sprintf("write plan artifact: %v", err)}, nil
			}
			return tool.ToolResult{Output: fmt.Sprintf("step %q -> %s", a.StepID, a.Status)}, nil
		})
}

func newPlanInjectTool(e *Engine, r *run) tool.Tool {
	return tool.NewFuncTool("plan_inject", "Retrieve the current plan for this session, if any.", tool.BuildSchema(),
		func(_ context.Context, _ json.RawMessage) (tool.ToolResult, error) {
			steps := e.plans.Get(r.sessionID)
			if len(steps) == 0 {
				return tool.ToolResult{Output: "(no plan assembled yet)"}, nil
			}
			return tool.ToolResult{Output: renderPlanMarkdown("", steps)}, nil
		})
}

// renderPlanMarkdown formats a plan as a checklist, [x]/[ ] keyed off
// Status == "done", matching plan_assemble's original fixed-format
// steps-as-markdown convention.
func renderPlanMarkdown(title string, steps []plan.PlanStep) string {
	var sb strings.Builder
	if title != "" {
		sb.WriteString("# " + title + "\n\n")
	}
	for _, s := range steps {
		box := "[ ]"
		if s.Status == "done" {
			box = "[x]"
		}
		sb.WriteString(fmt.Sprintf("- %s %s (%s)", box, s.Title, s.Status))
		if s.Detail != "" {
			sb.WriteString(": " + s.Detail)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// Package engine implements the Recursive Step Engine (spec.md §4.3):
// the loop that turns one objective into a sequence of model calls and
// tool dispatches, recursing into fresh child engines for subtask/execute
// and bottoming out at a final answer or a terminal failure state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/openplanter/core/internal/config"
	"github.com/openplanter/core/internal/llm"
	"github.com/openplanter/core/internal/plan"
	"github.com/openplanter/core/internal/session"
	"github.com/openplanter/core/internal/tool"
	"github.com/openplanter/core/internal/walkthrough"
)

// ProviderFactory builds a Provider for a given model name and
// reasoning effort. The engine caches instances by (model, effort) per
// spec.md §4.3 ("model_factory cached by (model_name, reasoning_effort),
// guarded by a mutex").
type ProviderFactory func(modelName, reasoningEffort string) (llm.Provider, error)

// RegistryFactory builds the tool catalog available at a given depth,
// bound to that depth's Workspace. Separated from Engine construction
// because subtask/execute children fork a new Workspace (tool.Workspace.Fork)
// and need their own registry bound to it; think/finish/subtask/execute
// are engine-special-cased and added by the engine itself, not by this
// factory (see tools.go).
type RegistryFactory func(ws *tool.Workspace, depth int) *tool.Registry

// Engine is the Recursive Step Engine. One Engine value is shared by a
// top-level solve and every descendant it spawns; only the per-depth
// run state (conversation, workspace, step counters) differs between
// levels, held in the unexported run type (step.go).
type Engine struct {
	cfg             *config.Configuration
	providerFactory ProviderFactory
	registryFactory RegistryFactory
	onEvent         OnEvent

	factoryMu     sync.Mutex
	providerCache map[string]llm.Provider

	// plans and walkthroughs are shared across every session this
	// Engine ever solves, each internally keyed by session ID — the
	// same sessionID-keyed-map shape as the session Manager's own disk
	// layout, just held in memory for the life of the process.
	plans        *plan.PlanStore
	walkthroughs *walkthrough.Store
}

// New builds an Engine. onEvent may be nil (no event stream consumed).
func New(cfg *config.Configuration, providerFactory ProviderFactory, registryFactory RegistryFactory, onEvent OnEvent) *Engine {
	return &Engine{
		cfg:             cfg,
		providerFactory: providerFactory,
		registryFactory: registryFactory,
		onEvent:         onEvent,
		providerCache:   map[string]llm.Provider{},
		plans:           plan.NewPlanStore(),
		walkthroughs:    walkthrough.NewStore(),
	}
}

// provider returns a cached Provider for (modelName, reasoningEffort),
// building one via providerFactory on first use.
func (e *Engine) provider(modelName, reasoningEffort string) (llm.Provider, error) {
	key := modelName + "|" + reasoningEffort
	e.factoryMu.Lock()
	defer e.factoryMu.Unlock()
	if p, ok := e.providerCache[key]; ok {
		return p, nil
	}
	p, err := e.providerFactory(modelName, reasoningEffort)
	if err != nil {
		return nil, fmt.Errorf("build provider for %s/%s: %w", modelName, reasoningEffort, err)
	}
	e.providerCache[key] = p
	return p, nil
}

// Solve runs a top-level investigation in a freshly created session:
// depth 0, a fresh ExternalContext, the configured flagship model.
// Returns the final answer text or a terminal error (spec.md §4.3 state
// machine: Done/BudgetExhausted/Fatal).
func (e *Engine) Solve(ctx context.Context, objective string, ws *tool.Workspace) (string, error) {
	return e.solveSession(ctx, "", objective, ws)
}

// ResumeSession continues a previously created session (spec.md §4.4's
// resume(id) -> session) with a fresh objective, picking up its newest
// *.plan.md artifact as an initial observation, if any was left behind.
func (e *Engine) ResumeSession(ctx context.Context, sessionID, objective string, ws *tool.Workspace) (string, error) {
	return e.solveSession(ctx, sessionID, objective, ws)
}

func (e *Engine) solveSession(ctx context.Context, sessionID, objective string, ws *tool.Workspace) (string, error) {
	sessions := session.NewManager(ws.Root())

	var rec *session.SessionRecord
	var err error
	resuming := sessionID != ""
	if resuming {
		rec, err = sessions.Resume(sessionID)
		if err != nil {
			return "", fmt.Errorf("resume session: %w", err)
		}
	} else {
		rec, err = sessions.Create(ws.Root())
		if err != nil {
			return "", fmt.Errorf("create session: %w", err)
		}
	}
	verb := "created"
	if resuming {
		verb = "resumed"
	}
	logf("session %s %s under %s", rec.ID, verb, ws.Root())

	ec := NewExternalContext(objective, rec.ID, e.walkthroughs)

	objEvent := Event{Type: EventObjective, Depth: 0, Text: objective}
	emit(e.onEvent, objEvent)
	e.recordEvent(sessions, rec.ID, objEvent)

	if planText, ok := sessions.LatestPlan(rec.ID); ok {
		ec.AppendObservation(Observation{Depth: 0, Source: "plan_inject", Content: planText})
	}

	answer, solveErr := e.solveAt(ctx, solveArgs{
		depth:           0,
		objective:       objective,
		ws:              ws,
		ec:              ec,
		modelName:       e.cfg.ModelName,
		reasoningEffort: e.cfg.ReasoningEffort,
		parentCallID:    "",
		sessionID:       rec.ID,
		sessions:        sessions,
	})

	var budgetErr *BudgetExhaustedErr
	status := session.StatusDone
	switch {
	case solveErr == nil:
		status = session.StatusDone
	case errors.As(solveErr, &budgetErr):
		status = session.StatusBudgetExhausted
	default:
		status = session.StatusFatal
	}
	if serr := sessions.SetStatus(rec.ID, status); serr != nil {
		logf("set session %s status: %v", rec.ID, serr)
	}
	if serr := sessions.SnapshotState(rec.ID, ec.Snapshot()); serr != nil {
		logf("snapshot session %s state: %v", rec.ID, serr)
	}
	return answer, solveErr
}

// recordEvent mirrors an engine Event into the session's append-only
// events.jsonl. Persistence failures are logged, not propagated: the
// event has already reached any live on_event observer, and a disk
// error here must not abort an otherwise-healthy solve.
func (e *Engine) recordEvent(sessions *session.Manager, sessionID string, ev Event) {
	if err := sessions.AppendEvent(sessionID, session.EventRecord{
		Type:     string(ev.Type),
		Depth:    ev.Depth,
		Step:     ev.Step,
		Text:     ev.Text,
		ToolName: ev.ToolName,
		Error:    ev.Error,
	}); err != nil {
		logf("record event: %v", err)
	}
}

// logf logs with the engine's bracketed component tag, matching the
// teacher's [Config]/[LLM]/[ToolNode] convention.
func logf(format string, args ...any) {
	log.Printf("[Engine] "+format, args...)
}

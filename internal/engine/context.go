package engine

import (
	"fmt"

	"github.com/openplanter/core/internal/walkthrough"
)

// ExternalContext is the accumulated, engine-wide observation record
// shared by a solve and every descendant it spawns (spec.md §3, §5).
// Storage is delegated to a walkthrough.Store keyed by this context's
// session ID: a FIFO-bounded memo rather than an unbounded slice, so a
// long-running multi-child investigation never grows its prompt-visible
// context past walkthrough.MaxEntries. The permanent, unbounded record
// of everything that happened lives in the session's events.jsonl
// (internal/session), which this type does not duplicate.
//
// Concurrency: walkthrough.Store is itself mutex-guarded per session ID,
// so AppendObservation needs no locking of its own here (spec.md §5:
// "ExternalContext mutated only by the owning engine thread", with the
// store's lock covering the overlap from sibling children appending
// concurrently under parallel_dispatch).
type ExternalContext struct {
	Objective string
	sessionID string
	store     *walkthrough.Store
}

// Observation is one finding recorded into ExternalContext, distinct
// from a StepRecord: observations survive condensation and recursion
// boundaries, step records do not.
type Observation struct {
	Depth   int
	Source  string // tool name or "think" or a child's return summary
	Content string
}

// NewExternalContext seeds a fresh context for one session, backed by
// the engine's shared walkthrough store.
func NewExternalContext(objective, sessionID string, store *walkthrough.Store) *ExternalContext {
	return &ExternalContext{Objective: objective, sessionID: sessionID, store: store}
}

// AppendObservation records a finding. Safe for concurrent callers
// (sibling sub-agents dispatched under parallel_dispatch).
func (c *ExternalContext) AppendObservation(o Observation) {
	c.store.Append(c.sessionID, walkthrough.Entry{
		StepNumber: o.Depth,
		Source:     walkthrough.SourceAuto,
		Content:    fmt.Sprintf("[%s] %s", o.Source, o.Content),
	})
}

// Snapshot returns the accumulated entries, for persisting into the
// session's state.json.
func (c *ExternalContext) Snapshot() []walkthrough.Entry {
	return c.store.Get(c.sessionID)
}

// Render formats the accumulated observations as a markdown memo for
// injection into the next solve's (or a child's) system prompt, so
// spawned sub-agents actually see the parent's accumulated findings
// instead of only the bare objective string.
func (c *ExternalContext) Render() string {
	return c.store.Render(c.sessionID)
}

// Package session implements the Session Layer (spec.md §4.4): durable
// metadata, append-only event/replay logs, and artifact storage for one
// investigation, rooted at {workspace}/.openplanter/sessions/{id}/.
package session

import (
	"encoding/json"
	"time"
)

// Status is a session's lifecycle state, set by the engine as a solve
// reaches one of its terminal states (spec.md §4.3).
type Status string

const (
	StatusActive          Status = "active"
	StatusDone            Status = "done"
	StatusBudgetExhausted Status = "budget_exhausted"
	StatusFatal           Status = "fatal"
	StatusCancelled       Status = "cancelled"
)

// SessionRecord is metadata.json: the durable identity of one session.
type SessionRecord struct {
	ID            string    `json:"session_id"`
	WorkspaceRoot string    `json:"workspace_path"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Status        Status    `json:"status"`
}

// EventRecord is one line of events.jsonl. It mirrors engine.Event
// structurally rather than importing internal/engine: internal/engine
// imports internal/session, never the reverse, so the engine converts
// its own Event values into EventRecord at the call site.
type EventRecord struct {
	Type      string          `json:"type"`
	Depth     int             `json:"depth"`
	Step      int             `json:"step,omitempty"`
	Text      string          `json:"text,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Error     string          `json:"error,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// TurnRecord is one line of replay.jsonl: a captured model call. Each
// record holds its data whole rather than as a diff against the
// previous call. The engine (run.recordReplay) fills only Response;
// Request stays empty because providers do not expose their outgoing
// request.
type TurnRecord struct {
	ParentCallID string          `json:"parent_call_id,omitempty"`
	Depth        int             `json:"depth"`
	Step         int             `json:"step"`
	Request      json.RawMessage `json:"request,omitempty"`
	Response     json.RawMessage `json:"response,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Package llm is the provider-neutral Model Abstraction: a uniform
// contract over chat/completion providers that hides SSE streaming,
// tool-call serialization, token accounting, and per-provider quirks.
package llm

import (
	"context"
	"encoding/json"
)

// Role constants for Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// StopReason describes why a model turn ended.
type StopReason string

const (
	StopEndTurn    StopReason = "end_turn"
	StopToolUse    StopReason = "tool_use"
	StopMaxTokens  StopReason = "max_tokens"
	StopCondensed  StopReason = "condensed"
	StopRateLimited StopReason = "rate_limited"
)

// ToolDefinition is the engine-neutral shape of one tool's schema,
// converted to provider-specific form by each Provider implementation.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON Schema: type, properties, required, enums
}

// ToolCall is one call the model asked the engine to dispatch.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolResult is the outcome of dispatching one ToolCall, appended back
// into the conversation against the same ToolCallID.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// Message is a provider-neutral chat message, retained for callers
// that want to inspect turn content (e.g. session snapshotting); the
// Conversation itself stays opaque per spec.
type Message struct {
	Role             string
	Content          string
	ReasoningContent string // native thinking output, when the provider surfaces it
	ToolCalls        []ToolCall
}

// Turn is one assistant response produced by Provider.Complete.
type Turn struct {
	ToolCalls    []ToolCall
	Text         string
	Reasoning    string // native thinking/reasoning content, when the provider surfaces it
	StopReason   StopReason
	InputTokens  int
	OutputTokens int
	Raw          any // raw provider response, for session replay capture
}

// Conversation is an opaque, provider-specific message list. Callers
// never inspect its structure; they thread it through the four
// operations below plus Condense.
type Conversation interface {
	// Clone returns a deep-enough copy so callers can branch (used by
	// condensation and by sub-agent conversations built from a shared
	// system prompt template).
	Clone() Conversation
}

// StreamDelta is fired for each incremental piece of assistant output.
type StreamDelta struct {
	Text      string // incremental visible text
	Reasoning string // incremental thinking/reasoning text, if any
}

// OnContentDelta is installed only at recursion depth zero (spec.md §4.2).
type OnContentDelta func(StreamDelta)

// OnRetry is invoked once per second during a rate-limit sleep with a
// human-readable countdown message. Always installed, even at depth > 0
// (non-streaming callers simply retry silently if they choose not to
// use it). Panics from OnRetry must never kill the retry loop — callers
// wrap the invocation in a recover.
type OnRetry func(message string)

// Provider is the contract every Model Abstraction variant implements.
// Capability set per spec.md §4.2: openai-compatible, anthropic-native,
// scripted-for-tests.
type Provider interface {
	// CreateConversation builds a fresh Conversation seeded with the
	// system prompt and the tool schema catalog translated to this
	// provider's wire format.
	CreateConversation(ctx context.Context, systemPrompt string, tools []ToolDefinition) (Conversation, error)

	// Complete performs one LLM call. May stream textual/reasoning
	// deltas via onDelta (best-effort; nil is acceptable). May block on
	// network I/O and rate-limit retry sleeps; onRetry fires during
	// those sleeps.
	Complete(ctx context.Context, conv Conversation, onDelta OnContentDelta, onRetry OnRetry) (Turn, error)

	// AppendAssistantTurn returns a new Conversation with the turn's
	// tool-call structures recorded so later tool results can be
	// associated with them per the provider's protocol.
	AppendAssistantTurn(conv Conversation, turn Turn) (Conversation, error)

	// AppendToolResults appends results in order. Every result's
	// ToolCallID must match a call in the most recently appended
	// assistant turn, or this returns ModelError{Kind: DanglingToolResult}.
	AppendToolResults(conv Conversation, results []ToolResult) (Conversation, error)

	// Condense replaces old tool-result contents with a placeholder to
	// relieve context pressure, preserving every ID the protocol needs
	// and leaving the most recent assistant turn untouched.
	Condense(conv Conversation) (Conversation, error)

	// ListModels optionally enumerates known models; may return nil.
	ListModels() []ModelInfo

	// ContextWindow returns this provider's configured model's context
	// window in tokens.
	ContextWindow() int

	// Name identifies the provider for logging ("openai-compatible (gpt-4o)").
	Name() string
}

// ModelInfo is one entry from Provider.ListModels.
type ModelInfo struct {
	Name     string
	TierHint Tier
}

// CondensedPlaceholder is substituted for condensed tool-result content.
const CondensedPlaceholder = "[earlier tool output condensed]"

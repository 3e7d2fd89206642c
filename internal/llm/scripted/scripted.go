// Package scripted implements the "scripted-for-tests" Model
// Abstraction variant: a deterministic Provider driven by a pre-loaded
// sequence of turns, used by the engine's own tests. No code in this
// module reads replay.jsonl back into a scripted Provider.
package scripted

import (
	"context"
	"fmt"
	"sync"

	"github.com/openplanter/core/internal/llm"
)

// Provider replays a fixed []llm.Turn sequence, one per Complete call,
// in order. It never performs network I/O and never rate-limits.
type Provider struct {
	mu      sync.Mutex
	turns   []llm.Turn
	calls   int
	window  int
	name    string
}

// New builds a scripted provider that returns turns in order on
// successive Complete calls. contextWindow feeds Provider.ContextWindow.
func New(name string, contextWindow int, turns ...llm.Turn) *Provider {
	return &Provider{turns: turns, window: contextWindow, name: name}
}

func (p *Provider) Name() string              { return p.name }
func (p *Provider) ContextWindow() int        { return p.window }
func (p *Provider) ListModels() []llm.ModelInfo { return nil }

func (p *Provider) CreateConversation(_ context.Context, systemPrompt string, tools []llm.ToolDefinition) (llm.Conversation, error) {
	return &conversation{systemPrompt: systemPrompt, tools: tools}, nil
}

func (p *Provider) Complete(_ context.Context, _ llm.Conversation, _ llm.OnContentDelta, _ llm.OnRetry) (llm.Turn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls >= len(p.turns) {
		return llm.Turn{}, fmt.Errorf("scripted: no turn scripted for call %d (only %d scripted)", p.calls, len(p.turns))
	}
	turn := p.turns[p.calls]
	p.calls++
	return turn, nil
}

func (p *Provider) AppendAssistantTurn(convI llm.Conversation, turn llm.Turn) (llm.Conversation, error) {
	conv := convI.(*conversation).clone()
	ids := map[string]bool{}
	for _, tc := range turn.ToolCalls {
		ids[tc.ID] = true
	}
	conv.history = append(conv.history, historyEntry{assistant: &turn})
	conv.lastToolCallIDs = ids
	return conv, nil
}

func (p *Provider) AppendToolResults(convI llm.Conversation, results []llm.ToolResult) (llm.Conversation, error) {
	conv := convI.(*conversation).clone()
	for _, r := range results {
		if !conv.lastToolCallIDs[r.ToolCallID] {
			return nil, &llm.ModelError{Kind: llm.ErrDanglingToolResult,
				Message: fmt.Sprintf("tool result references unknown tool_call_id %q", r.ToolCallID)}
		}
	}
	conv.history = append(conv.history, historyEntry{results: results})
	return conv, nil
}

func (p *Provider) Condense(convI llm.Conversation) (llm.Conversation, error) {
	conv := convI.(*conversation).clone()
	lastIdx := len(conv.history) - 1
	for i := range conv.history {
		if i == lastIdx || conv.history[i].results == nil || conv.condensed[i] {
			continue
		}
		for j := range conv.history[i].results {
			conv.history[i].results[j].Content = llm.CondensedPlaceholder
		}
		if conv.condensed == nil {
			conv.condensed = map[int]bool{}
		}
		conv.condensed[i] = true
	}
	return conv, nil
}

// historyEntry is either an assistant turn or a tool-result batch, kept
// in append order purely so tests can assert on conversation shape.
type historyEntry struct {
	assistant *llm.Turn
	results   []llm.ToolResult
}

type conversation struct {
	systemPrompt    string
	tools           []llm.ToolDefinition
	history         []historyEntry
	lastToolCallIDs map[string]bool
	condensed       map[int]bool
}

func (c *conversation) clone() *conversation {
	cp := &conversation{
		systemPrompt: c.systemPrompt,
		tools:        c.tools,
		history:      append([]historyEntry(nil), c.history...),
	}
	if c.lastToolCallIDs != nil {
		cp.lastToolCallIDs = make(map[string]bool, len(c.lastToolCallIDs))
		for k, v := range c.lastToolCallIDs {
			cp.lastToolCallIDs[k] = v
		}
	}
	if c.condensed != nil {
		cp.condensed = make(map[int]bool, len(c.condensed))
		for k, v := range c.condensed {
			cp.condensed[k] = v
		}
	}
	return cp
}

func (c *conversation) Clone() llm.Conversation { return c.clone() }

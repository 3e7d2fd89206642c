package openaicompat

import (
	openailib "github.com/sashabaranov/go-openai"

	"github.com/openplanter/core/internal/llm"
)

// conversation is the openai-compatible Conversation implementation: an
// ordered OpenAI chat-message list plus enough bookkeeping to validate
// tool-result correspondence and to know which tool-result messages are
// eligible for condensation.
type conversation struct {
	messages     []openailib.ChatCompletionMessage
	tools        []openailib.Tool // non-nil only in "fc" mode
	toolCallMode string           // "fc" or "yaml", fixed at CreateConversation time

	// lastAssistantToolCallIDs is the set of tool_call_id values the most
	// recently appended assistant turn introduced; AppendToolResults
	// validates every incoming result against it.
	lastAssistantToolCallIDs map[string]bool

	// condensedIdx marks the message indices already condensed, so
	// Condense never re-touches them (spec.md L2).
	condensedIdx map[int]bool
}

func newConversation(systemPrompt, toolCallMode string) *conversation {
	return &conversation{
		messages: []openailib.ChatCompletionMessage{
			{Role: openailib.ChatMessageRoleSystem, Content: systemPrompt},
		},
		toolCallMode: toolCallMode,
		condensedIdx: map[int]bool{},
	}
}

func (c *conversation) Clone() llm.Conversation {
	cp := &conversation{
		messages:     append([]openailib.ChatCompletionMessage(nil), c.messages...),
		tools:        c.tools,
		toolCallMode: c.toolCallMode,
		condensedIdx: make(map[int]bool, len(c.condensedIdx)),
	}
	for k, v := range c.condensedIdx {
		cp.condensedIdx[k] = v
	}
	if c.lastAssistantToolCallIDs != nil {
		cp.lastAssistantToolCallIDs = make(map[string]bool, len(c.lastAssistantToolCallIDs))
		for k, v := range c.lastAssistantToolCallIDs {
			cp.lastAssistantToolCallIDs[k] = v
		}
	}
	return cp
}

// asConversation asserts a llm.Conversation came from this package;
// every Provider method receives back exactly what it produced.
func asConversation(c llm.Conversation) *conversation {
	return c.(*conversation)
}

package anthropicnative

import (
	"github.com/anthropics/anthropic-sdk-go"

	"github.com/openplanter/core/internal/llm"
)

// conversation is the anthropic-native Conversation implementation: a
// system prompt plus an ordered anthropic.MessageParam list. Anthropic's
// API keeps tool_use/tool_result pairing inside message content blocks
// rather than flat role messages, so AppendToolResults emits one
// "user"-role message whose content is the ordered tool_result blocks.
type conversation struct {
	systemPrompt string
	messages     []anthropic.MessageParam
	tools        []anthropic.ToolParam

	lastAssistantToolUseIDs map[string]bool
	condensedBlocks         map[blockRef]bool
}

type blockRef struct {
	messageIdx int
	blockIdx   int
}

func newConversation(systemPrompt string, tools []anthropic.ToolParam) *conversation {
	return &conversation{
		systemPrompt:    systemPrompt,
		tools:           tools,
		condensedBlocks: map[blockRef]bool{},
	}
}

func (c *conversation) Clone() llm.Conversation {
	cp := &conversation{
		systemPrompt:   c.systemPrompt,
		messages:       append([]anthropic.MessageParam(nil), c.messages...),
		tools:          c.tools,
		condensedBlocks: make(map[blockRef]bool, len(c.condensedBlocks)),
	}
	for k, v := range c.condensedBlocks {
		cp.condensedBlocks[k] = v
	}
	if c.lastAssistantToolUseIDs != nil {
		cp.lastAssistantToolUseIDs = make(map[string]bool, len(c.lastAssistantToolUseIDs))
		for k, v := range c.lastAssistantToolUseIDs {
			cp.lastAssistantToolUseIDs[k] = v
		}
	}
	return cp
}

func asConversation(c llm.Conversation) *conversation {
	return c.(*conversation)
}

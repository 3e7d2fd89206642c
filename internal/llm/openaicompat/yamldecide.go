package openaicompat

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/openplanter/core/internal/llm"
)

// yamlDecision is the structured decision block models without native
// function-calling emit instead of an API-level tool_calls array. The
// tool schema catalog is rendered into the system prompt as text by the
// engine's prompt assembly; this package only parses the model's reply.
type yamlDecision struct {
	Action     string         `yaml:"action"` // "tool" or "answer"
	ToolName   string         `yaml:"tool_name"`
	ToolParams map[string]any `yaml:"tool_params"`
	Answer     string         `yaml:"answer"`
}

var yamlBlockPattern = regexp.MustCompile("(?s)```ya?ml\\s*\\n(.*?)\\n```")

// parseYAMLToolCalls extracts tool calls embedded in a fenced ```yaml
// code block in the model's text reply. Returns the remaining free text
// (for Turn.Text when action=answer) and any tool calls found. A
// synthetic ID is minted per call since the yaml protocol has no
// API-level call correlation of its own.
func parseYAMLToolCalls(text string) (remaining string, calls []llm.ToolCall) {
	m := yamlBlockPattern.FindStringSubmatchIndex(text)
	if m == nil {
		return text, nil
	}
	block := text[m[2]:m[3]]
	var dec yamlDecision
	if err := yaml.Unmarshal([]byte(block), &dec); err != nil {
		return text, nil
	}
	if dec.Action != "tool" || dec.ToolName == "" {
		return strings.TrimSpace(dec.Answer), nil
	}
	args, err := json.Marshal(dec.ToolParams)
	if err != nil {
		args = []byte("{}")
	}
	return "", []llm.ToolCall{{
		ID:        "yaml-" + uuid.NewString(),
		Name:      dec.ToolName,
		Arguments: args,
	}}
}

package llm

import "strings"

// ThinkingCapability describes a model's native thinking support.
type ThinkingCapability struct {
	SupportsNativeThinking bool   // Whether the model supports native thinking
	ReasoningEffortParam   string // API parameter name ("reasoning_effort" for OpenAI-compat)
}

// DetectThinkingCapability determines if a model supports native thinking
// based on model name patterns and a known model list.
//
// Detection strategy (priority order):
//  1. Known model list — exact prefix matches for confirmed models
//  2. Keyword matching — model name contains thinking-related keywords
//  3. Default — assume no native thinking support
func DetectThinkingCapability(modelName string) ThinkingCapability {
	lower := strings.ToLower(modelName)

	// Strip common provider prefixes (e.g., "Pro/deepseek-ai/DeepSeek-R1")
	parts := strings.Split(lower, "/")
	baseName := parts[len(parts)-1]

	// 1. Known models with confirmed native thinking support
	knownThinkingModels := []string{
		"deepseek-reasoner",
		"deepseek-r1",
		"deepseek-r2",
		"o1-mini",
		"o1-preview",
		"o1",
		"o3-mini",
		"o3",
		"o4-mini",
		"claude-opus-4",     // Claude Opus 4 extended thinking
		"claude-sonnet-4-5", // Claude with extended thinking
		"claude-3-7-sonnet", // Claude 3.7 Sonnet extended thinking
		"glm-5",             // Zhipu GLM-5 with deep thinking (reasoning_content)
	}

	for _, known := range knownThinkingModels {
		if strings.HasPrefix(baseName, known) {
			return ThinkingCapability{
				SupportsNativeThinking: true,
				ReasoningEffortParam:   "reasoning_effort",
			}
		}
	}

	// 2. Keyword-based detection for unknown/new models
	thinkingKeywords := []string{
		"-r1", "-r2", "reasoner", "thinking",
		"-o1", "-o3", "-o4",
	}

	for _, kw := range thinkingKeywords {
		if strings.Contains(baseName, kw) {
			return ThinkingCapability{
				SupportsNativeThinking: true,
				ReasoningEffortParam:   "reasoning_effort",
			}
		}
	}

	// 3. Default: no native thinking
	return ThinkingCapability{
		SupportsNativeThinking: false,
	}
}

// DetectToolCallingCapability reports whether a model is expected to
// support OpenAI-style function calling ("fc" protocol) versus needing
// the YAML structured-decision fallback. Same known-list-then-default
// shape as DetectThinkingCapability; the known list here is an
// exclusion list since function calling is now the common case.
func DetectToolCallingCapability(modelName string) bool {
	lower := strings.ToLower(modelName)
	parts := strings.Split(lower, "/")
	baseName := parts[len(parts)-1]

	noFunctionCalling := []string{"llama-2", "vicuna", "alpaca"}
	for _, k := range noFunctionCalling {
		if strings.Contains(baseName, k) {
			return false
		}
	}
	return true
}

// contextWindows maps model-name prefixes to their context window in
// tokens, most-specific prefixes first.
var contextWindows = []struct {
	prefix string
	tokens int
}{
	{"gpt-4.1", 1_000_000},
	{"gpt-4o", 128_000},
	{"gpt-4-turbo", 128_000},
	{"gpt-4", 8_192},
	{"gpt-3.5", 16_385},
	{"o1", 200_000},
	{"o3", 200_000},
	{"o4", 200_000},
	{"claude-opus-4", 200_000},
	{"claude-sonnet-4", 200_000},
	{"claude-3-7-sonnet", 200_000},
	{"claude-3-5", 200_000},
	{"claude-3", 200_000},
	{"deepseek-reasoner", 64_000},
	{"deepseek-r1", 64_000},
	{"deepseek", 64_000},
	{"gemini-2.5-pro", 1_000_000},
	{"gemini-1.5-pro", 2_000_000},
	{"gemini", 1_000_000},
	{"glm", 128_000},
}

// GetContextWindow returns a model's known context window in tokens, or
// 0 if unrecognized — callers fall back to a safe default (32K in
// openaicompat's Config.ResolveContextWindow).
func GetContextWindow(modelName string) int {
	lower := strings.ToLower(modelName)
	parts := strings.Split(lower, "/")
	baseName := parts[len(parts)-1]
	for _, e := range contextWindows {
		if strings.HasPrefix(baseName, e.prefix) {
			return e.tokens
		}
	}
	return 0
}

package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
)

// Configuration is the engine's full parameter record (spec.md §3/§6).
// Loaded once at startup via Load() and never mutated afterward; every
// engine and sub-agent invocation threads the same value through.
type Configuration struct {
	ModelName       string  // flagship model name used at depth 0
	LeafModelName   string  // cheapest/leaf-tier model name; execute() always resolves to this
	ReasoningEffort string  // "low", "medium", "high" — passed through to the provider
	MaxSteps        int     // synthetic final-answer instruction fires at this step count
	MaxDepth        int     // subtask/execute recursion ceiling; ErrMaxDepth beyond it
	MaxObservationChars int // per-tool-result clipping applied before append

	MaxContextTokens          int     // loaded but not read by the engine: context checks always use provider.ContextWindow()
	CondensationThreshold     float64 // fraction of context window that triggers Condense
	BudgetWarningThreshold    float64 // fraction of max_steps remaining that tags budget_warning
	BudgetCriticalThreshold   float64 // fraction of max_steps remaining that tags budget critical

	RecursiveMode          bool // enables subtask/execute tools in the catalog
	AcceptanceCriteriaMode bool // enables the post-subtask acceptance-criteria judge
	DemoMode               bool // appends the demo system-prompt section (no live tool I/O expected)

	ToolTimeouts         map[string]int // tool name → timeout seconds override
	DefaultToolTimeout   int
	ShellBans            []string // program basenames rejected by run_shell
	ShellHeredocForbidden bool
	RepetitionLimit      int // identical shell command occurrences allowed before reject (default 2)
	ParallelDispatch     bool // dispatch sibling subtask/execute calls through a worker pool

	WorkspaceRoot string

	// Web-search / fetch_url provider selection, not named in spec.md's
	// Configuration table but required to construct those tools.
	WebSearchProvider string // "brave" or "tavily"
	BraveAPIKey       string
	TavilyAPIKey      string
	AllowInternalFetch bool

	// Model Abstraction variant selection.
	ProviderKind string // "openai-compatible", "anthropic-native", "scripted"
}

// Load builds a Configuration from environment variables, following the
// teacher's getEnvOrDefault/getEnvIntOrDefault helpers and eager
// Validate() idiom (internal/llm/openaicompat.Config).
func Load() (*Configuration, error) {
	cfg := &Configuration{
		ModelName:           getEnvOrDefault("ENGINE_MODEL_NAME", "gpt-4o"),
		LeafModelName:       getEnvOrDefault("ENGINE_LEAF_MODEL_NAME", "gpt-4o-mini"),
		ReasoningEffort:     getEnvOrDefault("ENGINE_REASONING_EFFORT", "medium"),
		MaxSteps:            getEnvIntOrDefault("ENGINE_MAX_STEPS", 40),
		MaxDepth:            getEnvIntOrDefault("ENGINE_MAX_DEPTH", 4),
		MaxObservationChars: getEnvIntOrDefault("ENGINE_MAX_OBSERVATION_CHARS", 8000),

		MaxContextTokens:        getEnvIntOrDefault("ENGINE_MAX_CONTEXT_TOKENS", 0),
		CondensationThreshold:   getEnvFloatOrDefault("ENGINE_CONDENSATION_THRESHOLD", 0.75),
		BudgetWarningThreshold:  getEnvFloatOrDefault("ENGINE_BUDGET_WARNING_THRESHOLD", 0.50),
		BudgetCriticalThreshold: getEnvFloatOrDefault("ENGINE_BUDGET_CRITICAL_THRESHOLD", 0.25),

		RecursiveMode:          getEnvBoolOrDefault("ENGINE_RECURSIVE_MODE", true),
		AcceptanceCriteriaMode: getEnvBoolOrDefault("ENGINE_ACCEPTANCE_CRITERIA_MODE", true),
		DemoMode:               getEnvBoolOrDefault("ENGINE_DEMO_MODE", false),

		DefaultToolTimeout:    getEnvIntOrDefault("ENGINE_DEFAULT_TOOL_TIMEOUT", 30),
		ShellBans:             getEnvListOrDefault("ENGINE_SHELL_BANS", nil),
		ShellHeredocForbidden: getEnvBoolOrDefault("ENGINE_SHELL_HEREDOC_FORBIDDEN", true),
		RepetitionLimit:       getEnvIntOrDefault("ENGINE_REPETITION_LIMIT", 2),
		ParallelDispatch:      getEnvBoolOrDefault("ENGINE_PARALLEL_DISPATCH", true),

		WorkspaceRoot: getEnvOrDefault("ENGINE_WORKSPACE_ROOT", "."),

		WebSearchProvider:  getEnvOrDefault("ENGINE_WEB_SEARCH_PROVIDER", "brave"),
		BraveAPIKey:        os.Getenv("BRAVE_API_KEY"),
		TavilyAPIKey:       os.Getenv("TAVILY_API_KEY"),
		AllowInternalFetch: getEnvBoolOrDefault("ENGINE_ALLOW_INTERNAL_FETCH", false),

		ProviderKind: getEnvOrDefault("ENGINE_PROVIDER_KIND", "openai-compatible"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants the engine relies on without further
// defensive checks at call sites (spec.md §7's fail-fast-at-boundary
// discipline).
func (c *Configuration) Validate() error {
	if c.ModelName == "" {
		return fmt.Errorf("ENGINE_MODEL_NAME cannot be empty")
	}
	if c.MaxSteps < 1 {
		return fmt.Errorf("ENGINE_MAX_STEPS must be >= 1, got %d", c.MaxSteps)
	}
	if c.MaxDepth < 0 {
		return fmt.Errorf("ENGINE_MAX_DEPTH cannot be negative, got %d", c.MaxDepth)
	}
	if c.CondensationThreshold <= 0 || c.CondensationThreshold > 1 {
		return fmt.Errorf("ENGINE_CONDENSATION_THRESHOLD must be in (0,1], got %f", c.CondensationThreshold)
	}
	if c.BudgetWarningThreshold <= c.BudgetCriticalThreshold {
		return fmt.Errorf("ENGINE_BUDGET_WARNING_THRESHOLD (%f) must exceed ENGINE_BUDGET_CRITICAL_THRESHOLD (%f)",
			c.BudgetWarningThreshold, c.BudgetCriticalThreshold)
	}
	if c.RepetitionLimit < 1 {
		return fmt.Errorf("ENGINE_REPETITION_LIMIT must be >= 1, got %d", c.RepetitionLimit)
	}
	switch c.ProviderKind {
	case "openai-compatible", "anthropic-native", "scripted":
	default:
		return fmt.Errorf("ENGINE_PROVIDER_KIND must be one of openai-compatible/anthropic-native/scripted, got %q", c.ProviderKind)
	}
	switch c.WebSearchProvider {
	case "brave", "tavily":
	default:
		return fmt.Errorf("ENGINE_WEB_SEARCH_PROVIDER must be brave or tavily, got %q", c.WebSearchProvider)
	}
	return nil
}

// ToolTimeout returns the configured timeout for a tool, falling back
// to DefaultToolTimeout when no override is set.
func (c *Configuration) ToolTimeout(toolName string) int {
	if c.ToolTimeouts != nil {
		if v, ok := c.ToolTimeouts[toolName]; ok {
			return v
		}
	}
	return c.DefaultToolTimeout
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
		log.Printf("[Config] WARNING: invalid value for %s=%q, using default %d", key, v, defaultValue)
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
		log.Printf("[Config] WARNING: invalid value for %s=%q, using default %v", key, v, defaultValue)
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
		log.Printf("[Config] WARNING: invalid value for %s=%q, using default %v", key, v, defaultValue)
	}
	return defaultValue
}

func getEnvListOrDefault(key string, defaultValue []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

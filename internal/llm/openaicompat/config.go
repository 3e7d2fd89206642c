// Package openaicompat implements the "openai-compatible" Model
// Abstraction variant: any endpoint speaking the OpenAI chat
// completions wire protocol (OpenAI itself, Azure, vLLM, Ollama,
// litellm, etc.).
package openaicompat

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/openplanter/core/internal/llm"
)

// Config holds OpenAI-compatible provider configuration.
type Config struct {
	APIKey          string
	BaseURL         string
	Model           string
	Temperature     *float32
	MaxTokens       int
	MaxRetries      int // retries for any failed call other than rate-limit exhaustion (default: 3, independent of rate-limit retry)
	HTTPTimeout     int // seconds
	ThinkingMode    string // "auto", "native", or "app"
	ToolCallMode    string // "auto", "fc", or "yaml"
	ContextWindow   int    // 0 = auto-detect from model name
	ReasoningEffort string // "low", "medium", or "high"
}

// NewConfigFromEnv creates Config from environment variables.
func NewConfigFromEnv() (*Config, error) {
	config := &Config{
		APIKey:          getEnvOrDefault("LLM_API_KEY", ""),
		BaseURL:         getEnvOrDefault("LLM_BASE_URL", "https://api.openai.com/v1"),
		Model:           getEnvOrDefault("LLM_MODEL", "gpt-4o"),
		Temperature:     getEnvFloat32Ptr("LLM_TEMPERATURE"),
		MaxTokens:       getEnvIntOrDefault("LLM_MAX_TOKENS", 0),
		MaxRetries:      getEnvIntOrDefault("LLM_MAX_RETRIES", 3),
		HTTPTimeout:     getEnvIntOrDefault("LLM_HTTP_TIMEOUT", 300),
		ThinkingMode:    getEnvOrDefault("LLM_THINKING_MODE", "auto"),
		ToolCallMode:    getEnvOrDefault("LLM_TOOL_CALL_MODE", "auto"),
		ContextWindow:   getEnvIntOrDefault("LLM_CONTEXT_WINDOW", 0),
		ReasoningEffort: getEnvOrDefault("LLM_REASONING_EFFORT", "medium"),
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("LLM_API_KEY is required. Set it in .env or environment")
	}
	if c.Model == "" {
		return fmt.Errorf("LLM_MODEL cannot be empty")
	}
	if c.Temperature != nil && (*c.Temperature < 0.0 || *c.Temperature > 2.0) {
		return fmt.Errorf("LLM_TEMPERATURE must be between 0.0 and 2.0, got %f", *c.Temperature)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("LLM_MAX_RETRIES cannot be negative, got %d", c.MaxRetries)
	}
	if c.ThinkingMode != "auto" && c.ThinkingMode != "native" && c.ThinkingMode != "app" {
		return fmt.Errorf("LLM_THINKING_MODE must be 'auto', 'native', or 'app', got %q", c.ThinkingMode)
	}
	if c.ToolCallMode != "auto" && c.ToolCallMode != "fc" && c.ToolCallMode != "yaml" {
		return fmt.Errorf("LLM_TOOL_CALL_MODE must be 'auto', 'fc', or 'yaml', got %q", c.ToolCallMode)
	}
	if c.ReasoningEffort != "low" && c.ReasoningEffort != "medium" && c.ReasoningEffort != "high" {
		return fmt.Errorf("LLM_REASONING_EFFORT must be 'low', 'medium', or 'high', got %q", c.ReasoningEffort)
	}
	return nil
}

// ResolveThinkingMode returns the effective thinking mode, auto-detecting
// from the model name when set to "auto".
func (c *Config) ResolveThinkingMode() string {
	if c.ThinkingMode == "native" || c.ThinkingMode == "app" {
		return c.ThinkingMode
	}
	cap := llm.DetectThinkingCapability(c.Model)
	if cap.SupportsNativeThinking {
		log.Printf("[Config] Auto-detected native thinking for model %q", c.Model)
		return "native"
	}
	return "app"
}

// ResolveToolCallMode returns the effective tool call mode, auto-detecting
// from the model name when set to "auto".
func (c *Config) ResolveToolCallMode() string {
	if c.ToolCallMode == "fc" || c.ToolCallMode == "yaml" {
		return c.ToolCallMode
	}
	if llm.DetectToolCallingCapability(c.Model) {
		return "fc"
	}
	return "yaml"
}

// ResolveContextWindow returns the effective context window in tokens.
// Priority: explicit LLM_CONTEXT_WINDOW > auto-detect from model name > 32K safe default.
func (c *Config) ResolveContextWindow() int {
	if c.ContextWindow > 0 {
		return c.ContextWindow
	}
	if w := llm.GetContextWindow(c.Model); w > 0 {
		return w
	}
	const defaultContextWindow = 32_000
	log.Printf("[Config] Unknown model %q, using default context window %d tokens", c.Model, defaultContextWindow)
	return defaultContextWindow
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvFloat32Ptr(key string) *float32 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 32); err == nil {
			f := float32(parsed)
			return &f
		}
		log.Printf("[Config] WARNING: invalid value for %s=%q, ignoring", key, v)
	}
	return nil
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

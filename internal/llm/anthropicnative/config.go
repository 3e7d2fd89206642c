// Package anthropicnative implements the "anthropic-native" Model
// Abstraction variant: Anthropic's Messages API, consumed directly via
// anthropic-sdk-go rather than through an OpenAI-compatibility shim, so
// extended-thinking blocks and native tool-use streaming are available.
package anthropicnative

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds Anthropic-native provider configuration.
type Config struct {
	APIKey          string
	Model           string
	MaxTokens       int // required by the Messages API; default 4096
	Temperature     *float32
	MaxRetries      int // connection-level retry budget, independent of rate-limit retry
	HTTPTimeout     int // seconds
	ThinkingEnabled bool
	ThinkingBudget  int // tokens reserved for extended thinking, when enabled
	ContextWindow   int // 0 = auto-detect from model name
}

// NewConfigFromEnv creates Config from environment variables.
func NewConfigFromEnv() (*Config, error) {
	cfg := &Config{
		APIKey:          os.Getenv("ANTHROPIC_API_KEY"),
		Model:           getEnvOrDefault("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
		MaxTokens:       getEnvIntOrDefault("ANTHROPIC_MAX_TOKENS", 4096),
		MaxRetries:      getEnvIntOrDefault("ANTHROPIC_MAX_RETRIES", 3),
		HTTPTimeout:     getEnvIntOrDefault("ANTHROPIC_HTTP_TIMEOUT", 300),
		ThinkingEnabled: os.Getenv("ANTHROPIC_THINKING") == "true",
		ThinkingBudget:  getEnvIntOrDefault("ANTHROPIC_THINKING_BUDGET", 8000),
		ContextWindow:   getEnvIntOrDefault("ANTHROPIC_CONTEXT_WINDOW", 0),
	}
	if t := getEnvFloat32Ptr("ANTHROPIC_TEMPERATURE"); t != nil {
		cfg.Temperature = t
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	if c.Model == "" {
		return fmt.Errorf("ANTHROPIC_MODEL cannot be empty")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("ANTHROPIC_MAX_TOKENS must be positive, got %d", c.MaxTokens)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("ANTHROPIC_MAX_RETRIES cannot be negative")
	}
	return nil
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat32Ptr(key string) *float32 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			f32 := float32(f)
			return &f32
		}
	}
	return nil
}

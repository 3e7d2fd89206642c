package anthropicnative

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/openplanter/core/internal/llm"
)

// Client implements llm.Provider against Anthropic's Messages API
// directly, grounded on the teacher pack's anthropic-native provider
// (haasonsaas-nexus): SSE streaming via the SDK's accumulating stream
// helper, extended-thinking block reconstruction, incremental tool-call
// JSON reassembly across delta events, and typed retryable-error
// classification.
type Client struct {
	sdk    anthropic.Client
	config *Config
}

const (
	rateLimitMaxAttempts = 5
	rateLimitDefaultWait = 5
	rateLimitMinWait     = 1
	rateLimitMaxWait     = 120
)

func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	httpClient := &http.Client{Timeout: time.Duration(cfg.HTTPTimeout) * time.Second}
	sdk := anthropic.NewClient(option.WithAPIKey(cfg.APIKey), option.WithHTTPClient(httpClient))
	return &Client{sdk: sdk, config: cfg}, nil
}

func NewClientFromEnv() (*Client, error) {
	cfg, err := NewConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return NewClient(cfg)
}

func (c *Client) Name() string            { return fmt.Sprintf("anthropic-native (%s)", c.config.Model) }
func (c *Client) ListModels() []llm.ModelInfo { return nil }

func (c *Client) ContextWindow() int {
	if c.config.ContextWindow > 0 {
		return c.config.ContextWindow
	}
	if w := llm.GetContextWindow(c.config.Model); w > 0 {
		return w
	}
	return 200_000
}

func (c *Client) CreateConversation(_ context.Context, systemPrompt string, tools []llm.ToolDefinition) (llm.Conversation, error) {
	return newConversation(systemPrompt, toAnthropicTools(tools)), nil
}

func toAnthropicTools(tools []llm.ToolDefinition) []anthropic.ToolParam {
	out := make([]anthropic.ToolParam, len(tools))
	for i, t := range tools {
		out[i] = anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{Properties: schemaProperties(t.Parameters)},
		}
	}
	return out
}

// schemaProperties degrades our JSON-Schema RawMessage into the loosely
// typed map the SDK's ToolInputSchemaParam expects. Only the schema's
// "properties" object is forwarded; its "required" list and
// "additionalProperties" are not passed to the SDK.
func schemaProperties(raw []byte) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{}
	}
	if m, ok := v.(map[string]any); ok {
		if props, ok := m["properties"]; ok {
			return props
		}
	}
	return map[string]any{}
}

func (c *Client) Complete(ctx context.Context, convI llm.Conversation, onDelta llm.OnContentDelta, onRetry llm.OnRetry) (llm.Turn, error) {
	conv := asConversation(convI)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.config.Model),
		MaxTokens: int64(c.config.MaxTokens),
		System:    []anthropic.TextBlockParam{{Text: conv.systemPrompt}},
		Messages:  conv.messages,
		Tools:     toolUnionParams(conv.tools),
	}
	if c.config.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*c.config.Temperature))
	}
	if c.config.ThinkingEnabled {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(c.config.ThinkingBudget))
	}

	return c.completeWithRetry(ctx, params, onDelta, onRetry)
}

func toolUnionParams(tools []anthropic.ToolParam) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, t := range tools {
		out[i] = anthropic.ToolUnionParam{OfTool: &t}
	}
	return out
}

// completeWithRetry runs connection-level retry (exponential backoff,
// MaxRetries retries) around the rate-limit retry loop (5 retries,
// Retry-After clamped to [1,120]s, 5s default) — spec.md §4.2, P5.
func (c *Client) completeWithRetry(ctx context.Context, params anthropic.MessageNewParams, onDelta llm.OnContentDelta, onRetry llm.OnRetry) (llm.Turn, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		turn, err := c.callOnceWithRateLimitRetry(ctx, params, onDelta, onRetry)
		if err == nil {
			return turn, nil
		}
		var merr *llm.ModelError
		if errors.As(err, &merr) && merr.Kind == llm.ErrRateLimitExhausted {
			return llm.Turn{}, err
		}
		lastErr = err
		if attempt < c.config.MaxRetries {
			wait := time.Duration(math.Pow(2, float64(attempt))) * time.Second
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return llm.Turn{}, ctx.Err()
			}
		}
	}
	return llm.Turn{}, llm.NewModelError(llm.ErrNetwork,
		fmt.Sprintf("anthropic call failed after %d retries: %v", c.config.MaxRetries, lastErr), "")
}

func (c *Client) callOnceWithRateLimitRetry(ctx context.Context, params anthropic.MessageNewParams, onDelta llm.OnContentDelta, onRetry llm.OnRetry) (llm.Turn, error) {
	for attempt := 1; ; attempt++ {
		turn, retryAfter, err := c.callOnce(ctx, params, onDelta)
		if err == nil {
			return turn, nil
		}
		if retryAfter < 0 {
			return llm.Turn{}, err // not a rate-limit error
		}
		if attempt > rateLimitMaxAttempts {
			return llm.Turn{}, &llm.ModelError{
				Kind: llm.ErrRateLimitExhausted, Message: "rate limit retries exhausted",
				Attempts: attempt - 1, Err: err,
			}
		}
		wait := retryAfter
		if wait == 0 {
			wait = rateLimitDefaultWait
		}
		if wait < rateLimitMinWait {
			wait = rateLimitMinWait
		}
		if wait > rateLimitMaxWait {
			wait = rateLimitMaxWait
		}
		if serr := sleepWithCountdown(ctx, wait, onRetry); serr != nil {
			return llm.Turn{}, serr
		}
	}
}

// callOnce issues one streamed or non-streamed Messages call. retryAfter
// is -1 when the error (if any) is not a 429; otherwise it is the
// parsed Retry-After seconds (0 = header absent/malformed).
func (c *Client) callOnce(ctx context.Context, params anthropic.MessageNewParams, onDelta llm.OnContentDelta) (llm.Turn, int, error) {
	stream := c.sdk.Messages.NewStreaming(ctx, params)

	var message anthropic.Message

	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return llm.Turn{}, -1, llm.NewModelError(llm.ErrMalformedResponse, err.Error(), "")
		}

		// Tool-call argument JSON is reassembled by message.Accumulate
		// above (InputJSONDelta events land in the matching ToolUseBlock);
		// only text and thinking deltas need surfacing live here.
		if variant, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			switch delta := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if onDelta != nil {
					onDelta(llm.StreamDelta{Text: delta.Text})
				}
			case anthropic.ThinkingDelta:
				if onDelta != nil {
					onDelta(llm.StreamDelta{Reasoning: delta.Thinking})
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		retryAfter, status := classifyRetry(err)
		if status == http.StatusTooManyRequests {
			return llm.Turn{}, retryAfter, err
		}
		return llm.Turn{}, -1, wrapAnthropicError(err)
	}

	return turnFromMessage(message), -1, nil
}

func turnFromMessage(message anthropic.Message) llm.Turn {
	turn := llm.Turn{
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
		StopReason:   llm.StopEndTurn,
		Raw:          message,
	}
	var reasoning string
	for _, block := range message.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			turn.Text += b.Text
		case anthropic.ThinkingBlock:
			reasoning += b.Thinking
		case anthropic.ToolUseBlock:
			turn.ToolCalls = append(turn.ToolCalls, llm.ToolCall{
				ID: b.ID, Name: b.Name, Arguments: b.Input,
			})
		}
	}
	turn.Reasoning = reasoning
	switch message.StopReason {
	case anthropic.StopReasonToolUse:
		turn.StopReason = llm.StopToolUse
	case anthropic.StopReasonMaxTokens:
		turn.StopReason = llm.StopMaxTokens
	}
	return turn
}

// classifyRetry reports the Retry-After seconds (0 if absent/malformed)
// and HTTP status of a streaming error, when the SDK's typed error
// exposes its underlying *http.Response.
func classifyRetry(err error) (retryAfterSeconds int, status int) {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) || apiErr.Response == nil {
		return 0, 0
	}
	status = apiErr.Response.StatusCode
	if status != http.StatusTooManyRequests {
		return 0, status
	}
	raw := apiErr.Response.Header.Get("Retry-After")
	if raw == "" {
		return 0, status
	}
	var secs int
	if _, err := fmt.Sscanf(raw, "%d", &secs); err == nil {
		return secs, status
	}
	return 0, status
}

func wrapAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr.Response != nil {
		return &llm.ModelError{Kind: llm.ErrHTTPStatus, Message: err.Error(), Status: apiErr.Response.StatusCode, Err: err}
	}
	return &llm.ModelError{Kind: llm.ErrNetwork, Message: err.Error(), Err: err}
}

func sleepWithCountdown(ctx context.Context, seconds int, onRetry llm.OnRetry) error {
	for remaining := seconds; remaining > 0; remaining-- {
		if onRetry != nil {
			func() {
				defer func() { _ = recover() }()
				onRetry(fmt.Sprintf("rate limited, retrying in %ds...", remaining))
			}()
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

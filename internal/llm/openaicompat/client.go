package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openailib "github.com/sashabaranov/go-openai"

	"github.com/openplanter/core/internal/llm"
)

// Client implements llm.Provider using the OpenAI-compatible protocol.
// Works with any endpoint that supports the OpenAI chat completions API.
type Client struct {
	client    *openailib.Client
	config    *Config
	transport *headerCapturingTransport
}

// Rate-limit retry budget, independent of Config.MaxRetries (the
// retry budget for every other kind of failure) — spec.md §4.2, P5.
const (
	rateLimitMaxAttempts  = 5
	rateLimitDefaultWait  = 5
	rateLimitMinWait      = 1
	rateLimitMaxWait      = 120
)

// NewClient creates a new OpenAI-compatible client.
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	clientConfig := openailib.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	transport := &headerCapturingTransport{base: http.DefaultTransport}
	httpTimeout := time.Duration(config.HTTPTimeout) * time.Second
	clientConfig.HTTPClient = &http.Client{Timeout: httpTimeout, Transport: transport}

	return &Client{
		client:    openailib.NewClientWithConfig(clientConfig),
		config:    config,
		transport: transport,
	}, nil
}

// NewClientFromEnv creates a client using environment variables.
func NewClientFromEnv() (*Client, error) {
	config, err := NewConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	return NewClient(config)
}

func (c *Client) Name() string {
	return fmt.Sprintf("openai-compatible (%s)", c.config.Model)
}

func (c *Client) ContextWindow() int {
	return c.config.ResolveContextWindow()
}

func (c *Client) ListModels() []llm.ModelInfo { return nil }

func (c *Client) CreateConversation(_ context.Context, systemPrompt string, tools []llm.ToolDefinition) (llm.Conversation, error) {
	conv := newConversation(systemPrompt, c.config.ResolveToolCallMode())
	if conv.toolCallMode == "fc" && len(tools) > 0 {
		conv.tools = toOpenAITools(tools)
	}
	return conv, nil
}

func toOpenAITools(tools []llm.ToolDefinition) []openailib.Tool {
	out := make([]openailib.Tool, len(tools))
	for i, t := range tools {
		out[i] = openailib.Tool{
			Type: openailib.ToolTypeFunction,
			Function: &openailib.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		}
	}
	return out
}

// Complete performs one LLM call, retrying any failure other than
// rate-limit exhaustion per Config.MaxRetries and 429s per the spec's
// independent rate-limit budget (up to 5 retries, Retry-After clamped to [1,120]s, 5s default,
// on_retry fired once per second of the sleep).
func (c *Client) Complete(ctx context.Context, convI llm.Conversation, onDelta llm.OnContentDelta, onRetry llm.OnRetry) (llm.Turn, error) {
	conv := asConversation(convI)

	req := openailib.ChatCompletionRequest{
		Model:    c.config.Model,
		Messages: conv.messages,
	}
	if c.config.Temperature != nil {
		req.Temperature = *c.config.Temperature
	}
	if c.config.MaxTokens > 0 {
		req.MaxTokens = c.config.MaxTokens
	}
	if c.config.ResolveThinkingMode() == "native" {
		req.ReasoningEffort = c.config.ReasoningEffort
	}
	if conv.tools != nil {
		req.Tools = conv.tools
	}

	resp, turn, err := c.completeWithRetry(ctx, req, onDelta, onRetry)
	if err != nil {
		return llm.Turn{}, err
	}

	if conv.toolCallMode == "yaml" {
		remaining, calls := parseYAMLToolCalls(turn.Text)
		turn.Text = remaining
		turn.ToolCalls = calls
		if len(calls) > 0 {
			turn.StopReason = llm.StopToolUse
		}
	}
	turn.Raw = resp
	return turn, nil
}

// completeWithRetry runs the general retry loop (MaxRetries, linear
// backoff) around the rate-limit retry loop (5 retries, Retry-After).
func (c *Client) completeWithRetry(ctx context.Context, req openailib.ChatCompletionRequest, onDelta llm.OnContentDelta, onRetry llm.OnRetry) (openailib.ChatCompletionResponse, llm.Turn, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		resp, turn, err := c.callOnceWithRateLimitRetry(ctx, req, onDelta, onRetry)
		if err == nil {
			return resp, turn, nil
		}
		var merr *llm.ModelError
		if errors.As(err, &merr) && merr.Kind == llm.ErrRateLimitExhausted {
			return openailib.ChatCompletionResponse{}, llm.Turn{}, err
		}
		lastErr = err
		if attempt < c.config.MaxRetries {
			wait := time.Duration(attempt+1) * time.Second
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return openailib.ChatCompletionResponse{}, llm.Turn{}, ctx.Err()
			}
		}
	}
	return openailib.ChatCompletionResponse{}, llm.Turn{}, llm.NewModelError(llm.ErrNetwork,
		fmt.Sprintf("LLM call failed after %d retries: %v", c.config.MaxRetries, lastErr), "")
}

// callOnceWithRateLimitRetry performs the underlying HTTP call, looping
// on 429 responses per spec.md §4.2 up to rateLimitMaxAttempts times.
func (c *Client) callOnceWithRateLimitRetry(ctx context.Context, req openailib.ChatCompletionRequest, onDelta llm.OnContentDelta, onRetry llm.OnRetry) (openailib.ChatCompletionResponse, llm.Turn, error) {
	for attempt := 1; ; attempt++ {
		var resp openailib.ChatCompletionResponse
		var err error
		var text, reasoning string

		if onDelta != nil {
			text, reasoning, resp, err = c.streamOnce(ctx, req, onDelta)
		} else {
			resp, err = c.client.CreateChatCompletion(ctx, req)
		}

		if err == nil {
			if onDelta != nil {
				return resp, llm.Turn{Text: text, Reasoning: reasoning, StopReason: llm.StopEndTurn,
					InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}, nil
			}
			return resp, turnFromResponse(resp, reasoning), nil
		}

		var apiErr *openailib.APIError
		isRateLimit := errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests
		if !isRateLimit {
			return openailib.ChatCompletionResponse{}, llm.Turn{}, err
		}
		if attempt > rateLimitMaxAttempts {
			return openailib.ChatCompletionResponse{}, llm.Turn{}, &llm.ModelError{
				Kind: llm.ErrRateLimitExhausted, Message: "rate limit retries exhausted", Attempts: attempt - 1, Err: err,
			}
		}

		wait := rateLimitDefaultWait
		if secs, ok := c.transport.lastRetryAfterSeconds(); ok {
			wait = secs
		}
		if wait < rateLimitMinWait {
			wait = rateLimitMinWait
		}
		if wait > rateLimitMaxWait {
			wait = rateLimitMaxWait
		}

		if err := sleepWithCountdown(ctx, wait, onRetry); err != nil {
			return openailib.ChatCompletionResponse{}, llm.Turn{}, err
		}
	}
}

// sleepWithCountdown sleeps for `seconds`, invoking onRetry once per
// second with a countdown message. Panics from onRetry are swallowed
// (spec.md §4.2: "on_retry callbacks that raise must be swallowed").
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

func (c *Client) streamOnce(ctx context.Context, req openailib.ChatCompletionRequest, onDelta llm.OnContentDelta) (text, reasoning string, resp openailib.ChatCompletionResponse, err error) {
	req.Stream = true
	stream, serr := c.client.CreateChatCompletionStream(ctx, req)
	if serr != nil {
		return "", "", openailib.ChatCompletionResponse{}, serr
	}
	defer stream.Close()

	var sb, reasoningSB strings.Builder
	for {
		chunk, rerr := stream.Recv()
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			if sb.Len() > 0 {
				break
			}
			return "", "", openailib.ChatCompletionResponse{}, rerr
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.ReasoningContent != "" {
			reasoningSB.WriteString(delta.ReasoningContent)
			onDelta(llm.StreamDelta{Reasoning: delta.ReasoningContent})
		}
		if delta.Content != "" {
			sb.WriteString(delta.Content)
			onDelta(llm.StreamDelta{Text: delta.Content})
		}
	}
	return sb.String(), reasoningSB.String(), openailib.ChatCompletionResponse{}, nil
}

func turnFromResponse(resp openailib.ChatCompletionResponse, reasoning string) llm.Turn {
	if len(resp.Choices) == 0 {
		return llm.Turn{StopReason: llm.StopEndTurn}
	}
	choice := resp.Choices[0]
	turn := llm.Turn{
		Text:         choice.Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		StopReason:   llm.StopEndTurn,
	}
	if reasoning == "" {
		reasoning = choice.Message.ReasoningContent
	}
	turn.Reasoning = reasoning
	if len(choice.Message.ToolCalls) > 0 {
		turn.StopReason = llm.StopToolUse
		turn.ToolCalls = make([]llm.ToolCall, len(choice.Message.ToolCalls))
		for i, tc := range choice.Message.ToolCalls {
			turn.ToolCalls[i] = llm.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: []byte(tc.Function.Arguments)}
		}
	}
	if choice.FinishReason == openailib.FinishReasonLength {
		turn.StopReason = llm.StopMaxTokens
	}
	return turn
}

func (c *Client) AppendAssistantTurn(convI llm.Conversation, turn llm.Turn) (llm.Conversation, error) {
	conv := asConversation(convI).Clone().(*conversation)
	msg := openailib.ChatCompletionMessage{Role: openailib.ChatMessageRoleAssistant, Content: turn.Text}

	ids := map[string]bool{}
	if conv.toolCallMode == "fc" {
		for _, tc := range turn.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openailib.ToolCall{
				ID: tc.ID, Type: openailib.ToolTypeFunction,
				Function: openailib.FunctionCall{Name: tc.Name, Arguments: string(tc.Arguments)},
			})
			ids[tc.ID] = true
		}
	} else {
		for _, tc := range turn.ToolCalls {
			ids[tc.ID] = true
		}
	}
	conv.messages = append(conv.messages, msg)
	conv.lastAssistantToolCallIDs = ids
	return conv, nil
}

func (c *Client) AppendToolResults(convI llm.Conversation, results []llm.ToolResult) (llm.Conversation, error) {
	conv := asConversation(convI).Clone().(*conversation)
	for _, r := range results {
		if !conv.lastAssistantToolCallIDs[r.ToolCallID] {
			return nil, &llm.ModelError{Kind: llm.ErrDanglingToolResult,
				Message: fmt.Sprintf("tool result references unknown tool_call_id %q", r.ToolCallID)}
		}
		if conv.toolCallMode == "fc" {
			conv.messages = append(conv.messages, openailib.ChatCompletionMessage{
				Role: openailib.ChatMessageRoleTool, Content: r.Content, ToolCallID: r.ToolCallID,
			})
		} else {
			// yaml mode has no API-level tool role linkage; the result is
			// folded into a user-role message the model can read as the
			// continuation of its own tool_name("...") call.
			conv.messages = append(conv.messages, openailib.ChatCompletionMessage{
				Role: openailib.ChatMessageRoleUser, Content: r.Content,
			})
		}
	}
	return conv, nil
}

func (c *Client) Condense(convI llm.Conversation) (llm.Conversation, error) {
	conv := asConversation(convI).Clone().(*conversation)
	lastIdx := len(conv.messages) - 1
	for i, m := range conv.messages {
		if i == lastIdx {
			continue // never touch the most recent assistant turn
		}
		if m.Role != openailib.ChatMessageRoleTool || conv.condensedIdx[i] {
			continue
		}
		conv.messages[i].Content = llm.CondensedPlaceholder
		conv.condensedIdx[i] = true
	}
	return conv, nil
}

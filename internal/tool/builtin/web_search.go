package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openplanter/core/internal/tool"
)

const (
	searchHTTPTimeout   = 15 * time.Second
	searchMaxBody       = 5 << 20 // 5MB success response limit
	searchErrMaxBody    = 1 << 20 // 1MB error response limit
	searchErrBodyShow   = 200     // max chars of error body shown to caller
	searchDefaultCount  = 5
	searchMaxCount      = 10
)

// searchBackend is one provider's HTTP call, isolated behind an interface
// so WebSearchTool itself only knows about query/num_results and result
// formatting. Grounded on the teacher's two independent provider tools
// (search_brave.go/search_tavily.go), generalized into pluggable backends
// of one spec-named web_search tool instead of two separately-registered
// tools racing for the same catalog slot.
type searchBackend interface {
	Name() string
	ready() error
	search(ctx context.Context, query string, numResults int) (answer string, results []searchResult, err error)
}

// ── Brave backend ──

const braveAPIURL = "https://api.search.brave.com/res/v1/web/search"

type braveBackend struct {
	apiKey  string
	baseURL string // injectable for tests; defaults to braveAPIURL
	client  *http.Client
}

func NewBraveBackend(apiKey string) *braveBackend {
	return &braveBackend{apiKey: apiKey, baseURL: braveAPIURL, client: &http.Client{}}
}

func (b *braveBackend) Name() string { return "brave" }

func (b *braveBackend) ready() error {
	if b.apiKey == "" {
		return fmt.Errorf("brave API key is not configured")
	}
	return nil
}

type braveResponse struct {
	Web struct {
		Results []braveResult `json:"results"`
	} `json:"web"`
}

type braveResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

func (b *braveBackend) search(ctx context.Context, query string, numResults int) (string, []searchResult, error) {
	u, err := url.Parse(b.baseURL)
	if err != nil {
		return "", nil, fmt.Errorf("invalid request URL: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("count", fmt.Sprintf("%d", numResults))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", nil, fmt.Errorf("request creation failed: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, searchErrMaxBody))
		bodyStr := truncateRunes(strings.TrimSpace(string(body)), searchErrBodyShow)
		return "", nil, fmt.Errorf("brave API error (HTTP %d): %s", resp.StatusCode, bodyStr)
	}

	var braveResp braveResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, searchMaxBody)).Decode(&braveResp); err != nil {
		return "", nil, fmt.Errorf("response parse failed: %w", err)
	}

	results := make([]searchResult, len(braveResp.Web.Results))
	for i, r := range braveResp.Web.Results {
		results[i] = searchResult{Title: r.Title, URL: r.URL, Description: r.Description}
	}
	return "", results, nil
}

// ── Tavily backend ──

const tavilyAPIURL = "https://api.tavily.com/search"

type tavilyBackend struct {
	apiKey  string
	baseURL string // injectable for tests; defaults to tavilyAPIURL
	client  *http.Client
}

func NewTavilyBackend(apiKey string) *tavilyBackend {
	return &tavilyBackend{apiKey: apiKey, baseURL: tavilyAPIURL, client: &http.Client{}}
}

func (b *tavilyBackend) Name() string { return "tavily" }

func (b *tavilyBackend) ready() error {
	if b.apiKey == "" {
		return fmt.Errorf("tavily API key is not configured")
	}
	return nil
}

type tavilyRequest struct {
	APIKey     string `json:"api_key"`
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

// String masks the API key, preventing accidental exposure via fmt/log.
func (r tavilyRequest) String() string {
	return fmt.Sprintf("tavilyRequest{Query: %q, MaxResults: %d}", r.Query, r.MaxResults)
}

type tavilyResponse struct {
	Results []tavilyResult `json:"results"`
	Answer  string         `json:"answer,omitempty"`
}

type tavilyResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

func (b *tavilyBackend) search(ctx context.Context, query string, numResults int) (string, []searchResult, error) {
	reqBody := tavilyRequest{APIKey: b.apiKey, Query: query, MaxResults: numResults}
	// SECURITY: bodyBytes contains the plaintext API key — never log it.
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", nil, fmt.Errorf("request build failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", nil, fmt.Errorf("request creation failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, searchErrMaxBody))
		bodyStr := truncateRunes(strings.TrimSpace(string(body)), searchErrBodyShow)
		return "", nil, fmt.Errorf("tavily API error (HTTP %d): %s", resp.StatusCode, bodyStr)
	}

	var tavilyResp tavilyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, searchMaxBody)).Decode(&tavilyResp); err != nil {
		return "", nil, fmt.Errorf("response parse failed: %w", err)
	}

	results := make([]searchResult, len(tavilyResp.Results))
	for i, r := range tavilyResp.Results {
		results[i] = searchResult{Title: r.Title, URL: r.URL, Description: r.Content}
	}
	return tavilyResp.Answer, results, nil
}

// ── web_search tool ──

// WebSearchTool is the spec's provider-neutral web_search catalog entry.
// The provider is chosen at construction (config-selectable), not per call.
type WebSearchTool struct {
	backend searchBackend
}

func NewWebSearchTool(backend searchBackend) *WebSearchTool {
	return &WebSearchTool{backend: backend}
}

func (t *WebSearchTool) Name() string { return "web_search" }
func (t *WebSearchTool) Description() string {
	return fmt.Sprintf("Search the web via the %s provider. Returns a ranked list of title/url/description results.", t.backend.Name())
}

func (t *WebSearchTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(
		tool.SchemaParam{Name: "query", Type: "string", Description: "search query", Required: true},
		tool.SchemaParam{Name: "num_results", Type: "integer", Description: "number of results to return (default 5, max 10)", Required: false},
	)
}

func (t *WebSearchTool) Init(_ context.Context) error { return t.backend.ready() }
func (t *WebSearchTool) Close() error                 { return nil }

type webSearchArgs struct {
	Query      string `json:"query"`
	NumResults int    `json:"num_results"`
}

func (t *WebSearchTool) Execute(ctx context.Context, args json.RawMessage) (tool.ToolResult, error) {
	var a webSearchArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("invalid arguments: %v", err)}, nil
	}
	query := strings.TrimSpace(a.Query)
	if query == "" {
		return tool.ToolResult{Error: "query must not be empty"}, nil
	}
	if len([]rune(query)) > searchQueryMaxRunes {
		return tool.ToolResult{Error: fmt.Sprintf("query too long (max %d characters)", searchQueryMaxRunes)}, nil
	}

	numResults := a.NumResults
	if numResults <= 0 {
		numResults = searchDefaultCount
	}
	if numResults > searchMaxCount {
		numResults = searchMaxCount
	}

	httpCtx, cancel := context.WithTimeout(ctx, searchHTTPTimeout)
	defer cancel()

	answer, results, err := t.backend.search(httpCtx, query, numResults)
	if err != nil {
		return tool.ToolResult{Error: err.Error()}, nil
	}

	var sb strings.Builder
	if answer != "" {
		sb.WriteString(fmt.Sprintf("summary: %s\n\n", answer))
	}
	sb.WriteString(formatSearchResults(results))
	return tool.ToolResult{Output: sb.String()}, nil
}

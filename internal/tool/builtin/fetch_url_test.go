package builtin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestExtractPageContentBasic(t *testing.T) {
	html := `<html><head><title>My Page</title></head><body><p>Hello world.</p></body></html>`
	title, _, content, err := extractPageContent(strings.NewReader(html))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if title != "My Page" {
		t.Errorf("title = %q, want %q", title, "My Page")
	}
	if !strings.Contains(content, "Hello world.") {
		t.Errorf("content = %q, want to contain %q", content, "Hello world.")
	}
}

func TestExtractPageContentSkipScriptStyle(t *testing.T) {
	html := `<html><body><script>alert(1)</script><style>.a{color:red}</style><p>Real content</p></body></html>`
	_, _, content, err := extractPageContent(strings.NewReader(html))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(content, "alert(1)") || strings.Contains(content, "color:red") {
		t.Errorf("script/style content leaked into output: %q", content)
	}
	if !strings.Contains(content, "Real content") {
		t.Errorf("expected real content to survive, got: %q", content)
	}
}

func TestExtractPageContentMetaDescription(t *testing.T) {
	html := `<html><head><meta name="description" content="A nice summary"></head><body><p>Body</p></body></html>`
	_, description, _, err := extractPageContent(strings.NewReader(html))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if description != "A nice summary" {
		t.Errorf("description = %q, want %q", description, "A nice summary")
	}
}

func TestExtractPageContentOGDescription(t *testing.T) {
	html := `<html><head><meta property="og:description" content="OG summary"></head><body><p>Body</p></body></html>`
	_, description, _, err := extractPageContent(strings.NewReader(html))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if description != "OG summary" {
		t.Errorf("description = %q, want %q", description, "OG summary")
	}
}

func TestExtractPageContentArticleHeader(t *testing.T) {
	html := `<html><body><header>Site nav</header><article><header>Article title</header><p>Article body</p></article></body></html>`
	_, _, content, err := extractPageContent(strings.NewReader(html))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(content, "Site nav") {
		t.Errorf("page-level header should be skipped, got: %q", content)
	}
	if !strings.Contains(content, "Article title") || !strings.Contains(content, "Article body") {
		t.Errorf("header inside <article> should be preserved, got: %q", content)
	}
}

func TestCollapseBlankLinesReducesRuns(t *testing.T) {
	in := "a\n\n\n\nb\n\nc"
	out := collapseBlankLines(in)
	if strings.Contains(out, "\n\n\n") {
		t.Errorf("expected blank-line runs collapsed, got: %q", out)
	}
}

func TestFetchURLTool_HTMLEndToEnd(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head><title>Example</title><meta name="description" content="desc"></head><body><article><p>Main text here.</p></article></body></html>`))
	}))
	defer server.Close()

	tool := NewFetchURLTool(true)
	args, _ := json.Marshal(fetchURLArgs{URL: server.URL})
	result, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error != "" {
		t.Fatalf("unexpected tool error: %s", result.Error)
	}
	if !strings.Contains(result.Output, "Example") || !strings.Contains(result.Output, "Main text here.") {
		t.Errorf("expected title and body in output, got: %q", result.Output)
	}
}

func TestFetchURLTool_JSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"a":1}`))
	}))
	defer server.Close()

	tool := NewFetchURLTool(true)
	args, _ := json.Marshal(fetchURLArgs{URL: server.URL})
	result, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error != "" {
		t.Fatalf("unexpected tool error: %s", result.Error)
	}
	if !strings.Contains(result.Output, `"a": 1`) {
		t.Errorf("expected pretty-printed JSON, got: %q", result.Output)
	}
}

func TestFetchURLTool_PlainText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("raw text body"))
	}))
	defer server.Close()

	tool := NewFetchURLTool(true)
	args, _ := json.Marshal(fetchURLArgs{URL: server.URL})
	result, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Output != "raw text body" {
		t.Errorf("output = %q, want %q", result.Output, "raw text body")
	}
}

func TestFetchURLTool_UnsupportedContentType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.4"))
	}))
	defer server.Close()

	tool := NewFetchURLTool(true)
	args, _ := json.Marshal(fetchURLArgs{URL: server.URL})
	result, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error == "" {
		t.Error("expected error for unsupported content type")
	}
}

func TestFetchURLTool_Non200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("not found"))
	}))
	defer server.Close()

	tool := NewFetchURLTool(true)
	args, _ := json.Marshal(fetchURLArgs{URL: server.URL})
	result, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error == "" || !strings.Contains(result.Error, "404") {
		t.Errorf("expected 404 error, got: %+v", result)
	}
}

func TestFetchURLTool_InvalidURL(t *testing.T) {
	tool := NewFetchURLTool(false)
	args, _ := json.Marshal(fetchURLArgs{URL: "ftp://example.com/file"})
	result, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error == "" {
		t.Error("expected error for non-http(s) URL")
	}
}

func TestFetchURLTool_EmptyURL(t *testing.T) {
	tool := NewFetchURLTool(false)
	args, _ := json.Marshal(fetchURLArgs{URL: ""})
	result, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error == "" {
		t.Error("expected error for empty url")
	}
}

func TestFetchURLTool_BadJSON(t *testing.T) {
	tool := NewFetchURLTool(false)
	result, err := tool.Execute(context.Background(), []byte(`not json`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error == "" {
		t.Error("expected error for malformed JSON")
	}
}

func TestFetchURLTool_BlocksInternalByDefault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("should not reach here"))
	}))
	defer server.Close()

	tool := NewFetchURLTool(false)
	args, _ := json.Marshal(fetchURLArgs{URL: server.URL})
	result, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error == "" {
		t.Error("expected internal address to be blocked")
	}
}

func TestFetchURLTool_AllowInternalWhenEnabled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("internal ok"))
	}))
	defer server.Close()

	tool := NewFetchURLTool(true)
	args, _ := json.Marshal(fetchURLArgs{URL: server.URL})
	result, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error != "" {
		t.Errorf("internal should be allowed when enabled, got: %s", result.Error)
	}
	if result.Output != "internal ok" {
		t.Errorf("output = %q, want %q", result.Output, "internal ok")
	}
}

func TestFetchURLTool_Truncation(t *testing.T) {
	largeBody := strings.Repeat("x", fetchMaxRunes+500)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(largeBody))
	}))
	defer server.Close()

	tool := NewFetchURLTool(true)
	args, _ := json.Marshal(fetchURLArgs{URL: server.URL})
	result, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result.Output, "[content truncated]") {
		t.Errorf("expected truncation marker, got output length %d", len(result.Output))
	}
}

func TestFetchURLTool_Name(t *testing.T) {
	tool := NewFetchURLTool(false)
	if tool.Name() != "fetch_url" {
		t.Errorf("expected name fetch_url, got %s", tool.Name())
	}
}

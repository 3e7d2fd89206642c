package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"

	"github.com/openplanter/core/internal/tool"
)

const (
	fetchTimeout      = 15 * time.Second
	fetchMaxBody      = 2 << 20 // 2MB raw read cap
	fetchMaxRunes     = 8000    // output rune cap, avoids LLM context overflow
	fetchUserAgent    = "OpenPlanter/1.0 (+fetch_url tool)"
	fetchMaxRedirects = 10
)

// FetchURLTool fetches a URL and returns extracted text content.
// Internal/private network addresses are blocked unless allowInternal is set,
// reusing the same guard as http_request (blockInternalHost, privateNetworks).
type FetchURLTool struct {
	allowInternal bool
}

func NewFetchURLTool(allowInternal bool) *FetchURLTool {
	return &FetchURLTool{allowInternal: allowInternal}
}

func (t *FetchURLTool) Name() string { return "fetch_url" }
func (t *FetchURLTool) Description() string {
	return "Fetch a URL and return its extracted text content (title, summary, body for HTML; " +
		"pretty-printed for JSON; raw for plain text). Blocks internal/private network addresses by default."
}

func (t *FetchURLTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(
		tool.SchemaParam{Name: "url", Type: "string", Description: "URL to fetch (must start with http:// or https://)", Required: true},
	)
}

func (t *FetchURLTool) Init(_ context.Context) error { return nil }
func (t *FetchURLTool) Close() error                 { return nil }

type fetchURLArgs struct {
	URL string `json:"url"`
}

func (t *FetchURLTool) Execute(ctx context.Context, args json.RawMessage) (tool.ToolResult, error) {
	var a fetchURLArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("invalid arguments: %v", err)}, nil
	}

	target := strings.TrimSpace(a.URL)
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		return tool.ToolResult{Error: "url must start with http:// or https://"}, nil
	}

	client := t.client()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("request creation failed: %v", err)}, nil
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := client.Do(req)
	if err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("request failed: %v", err)}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return tool.ToolResult{Error: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, resp.Status)}, nil
	}

	limitedReader := io.LimitReader(resp.Body, fetchMaxBody)
	contentType := resp.Header.Get("Content-Type")
	ctLower := strings.ToLower(contentType)

	if strings.Contains(ctLower, "application/json") {
		raw, _ := io.ReadAll(limitedReader)
		var prettyBuf bytes.Buffer
		if err := json.Indent(&prettyBuf, raw, "", "  "); err == nil {
			return tool.ToolResult{Output: truncateFetchedContent(prettyBuf.String())}, nil
		}
		return tool.ToolResult{Output: truncateFetchedContent(string(raw))}, nil
	}
	if strings.Contains(ctLower, "text/plain") {
		raw, _ := io.ReadAll(limitedReader)
		return tool.ToolResult{Output: truncateFetchedContent(string(raw))}, nil
	}
	if !strings.Contains(ctLower, "text/html") && !strings.Contains(ctLower, "application/xhtml") {
		return tool.ToolResult{Error: fmt.Sprintf("unsupported content type: %s", contentType)}, nil
	}

	// charset.NewReader sniffs in priority order: BOM, Content-Type header's
	// charset param, <meta charset>, then UTF-8 if the bytes are valid UTF-8
	// and windows-1252 otherwise.
	utf8Reader, err := charset.NewReader(limitedReader, contentType)
	if err != nil {
		utf8Reader = limitedReader
	}

	title, description, content, err := extractPageContent(utf8Reader)
	if err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("content parse failed: %v", err)}, nil
	}

	var sb strings.Builder
	if title != "" {
		sb.WriteString(fmt.Sprintf("Title: %s\n\n", title))
	}
	if description != "" {
		sb.WriteString(fmt.Sprintf("Summary: %s\n\n", description))
	}
	if content == "" {
		sb.WriteString("(no extractable body content)")
	} else {
		sb.WriteString(truncateFetchedContent(content))
	}

	return tool.ToolResult{Output: sb.String()}, nil
}

// client builds an http.Client whose dialer and redirect check both reject
// internal network addresses, unless allowInternal is set. Mirrors
// http_request's SSRF guard (blockInternalHost, privateNetworks).
func (t *FetchURLTool) client() *http.Client {
	baseDialer := &net.Dialer{Timeout: fetchTimeout}
	transport := &http.Transport{
		DialContext: func(dialCtx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				host = addr
			}
			if !t.allowInternal {
				if err := blockInternalHost(host); err != nil {
					return nil, err
				}
			}
			return baseDialer.DialContext(dialCtx, network, addr)
		},
	}
	return &http.Client{
		Timeout:   fetchTimeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= fetchMaxRedirects {
				return fmt.Errorf("too many redirects (%d)", fetchMaxRedirects)
			}
			if !t.allowInternal {
				if err := blockInternalHost(req.URL.Hostname()); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// truncateFetchedContent limits content to fetchMaxRunes runes.
func truncateFetchedContent(content string) string {
	runes := []rune(content)
	if len(runes) > fetchMaxRunes {
		return string(runes[:fetchMaxRunes]) + "\n\n...[content truncated]"
	}
	return content
}

// extractPageContent parses HTML and extracts the <title>, meta description,
// and body text, skipping non-content elements like <script>, <style>, <nav>.
// <header> is only skipped at page level (depth 0), preserved inside <article>.
func extractPageContent(r io.Reader) (title string, description string, content string, err error) {
	tokenizer := html.NewTokenizer(r)

	var sb strings.Builder
	var inTitle, inSkip bool
	skipDepth := 0
	articleDepth := 0

	skipTags := map[string]bool{
		"script": true, "style": true, "noscript": true,
		"nav": true, "footer": true, "form": true,
		"aside": true, "iframe": true, "svg": true,
	}

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			parseErr := tokenizer.Err()
			result := collapseBlankLines(strings.TrimSpace(sb.String()))
			if parseErr == io.EOF {
				return title, description, result, nil
			}
			return title, description, result, parseErr

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			tagName := string(tn)

			if tagName == "meta" && hasAttr && description == "" {
				var nameVal, propertyVal, contentVal string
				for {
					key, val, more := tokenizer.TagAttr()
					switch string(key) {
					case "name":
						nameVal = strings.ToLower(string(val))
					case "property":
						propertyVal = strings.ToLower(string(val))
					case "content":
						contentVal = string(val)
					}
					if !more {
						break
					}
				}
				if nameVal == "description" && contentVal != "" {
					description = contentVal
				} else if propertyVal == "og:description" && contentVal != "" {
					description = contentVal
				}
				continue
			}

			if tt == html.SelfClosingTagToken {
				continue
			}

			if tagName == "title" {
				inTitle = true
			}
			if tagName == "article" {
				articleDepth++
			}
			if tagName == "header" && articleDepth == 0 {
				inSkip = true
				skipDepth++
			}
			if skipTags[tagName] {
				inSkip = true
				skipDepth++
			}
			if !inSkip && isBlockElement(tagName) && sb.Len() > 0 {
				s := sb.String()
				if s[len(s)-1] != '\n' {
					sb.WriteString("\n")
				}
			}
			if !inSkip && (tagName == "td" || tagName == "th") && sb.Len() > 0 {
				s := sb.String()
				if s[len(s)-1] != '\n' && s[len(s)-1] != '|' {
					sb.WriteString(" | ")
				}
			}

		case html.EndTagToken:
			tn, _ := tokenizer.TagName()
			tagName := string(tn)

			if tagName == "title" {
				inTitle = false
			}
			if tagName == "article" && articleDepth > 0 {
				articleDepth--
			}
			isPageHeader := tagName == "header" && articleDepth == 0
			if (skipTags[tagName] || isPageHeader) && skipDepth > 0 {
				skipDepth--
				if skipDepth == 0 {
					inSkip = false
				}
			}

		case html.TextToken:
			text := strings.TrimSpace(string(tokenizer.Text()))
			if text == "" {
				continue
			}
			if inTitle && title == "" {
				title = text
				continue
			}
			if !inSkip {
				sb.WriteString(text)
				sb.WriteString(" ")
			}
		}
	}
}

// collapseBlankLines reduces consecutive blank lines down to at most one.
func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	var result []string
	blankCount := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			blankCount++
			if blankCount <= 1 {
				result = append(result, line)
			}
		} else {
			blankCount = 0
			result = append(result, line)
		}
	}
	return strings.Join(result, "\n")
}

// isBlockElement returns true for HTML block-level elements
// that should have line breaks between them.
func isBlockElement(tag string) bool {
	switch tag {
	case "p", "div", "h1", "h2", "h3", "h4", "h5", "h6",
		"li", "tr", "br", "hr", "blockquote", "pre",
		"article", "section", "main",
		"table", "thead", "tbody", "tfoot":
		return true
	}
	return false
}

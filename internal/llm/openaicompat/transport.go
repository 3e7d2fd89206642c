package openaicompat

import (
	"net/http"
	"strconv"
	"sync"
)

// headerCapturingTransport wraps an http.RoundTripper to remember the
// Retry-After header (and status code) of the most recent response, so
// callOnceWithRateLimitRetry can read it after go-openai's client has already
// consumed and discarded the http.Response. go-openai's APIError type
// does not surface response headers, so this is the only way to observe
// Retry-After without forking the client.
type headerCapturingTransport struct {
	base http.RoundTripper

	mu         sync.Mutex
	lastStatus int
	lastRetry  string
}

func (t *headerCapturingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if resp != nil {
		t.mu.Lock()
		t.lastStatus = resp.StatusCode
		t.lastRetry = resp.Header.Get("Retry-After")
		t.mu.Unlock()
	}
	return resp, err
}

// lastRetryAfterSeconds returns the parsed Retry-After value from the
// most recent 429 response, or (0, false) if none was captured / it
// didn't parse as an integer.
func (t *headerCapturingTransport) lastRetryAfterSeconds() (int, bool) {
	t.mu.Lock()
	status, raw := t.lastStatus, t.lastRetry
	t.mu.Unlock()
	if status != http.StatusTooManyRequests || raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

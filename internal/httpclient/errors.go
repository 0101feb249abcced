package httpclient

import (
	"fmt"
	"strings"
)

const maxBodyInError = 256

// UpstreamError represents a non-2xx answer from an upstream service
type UpstreamError struct {
	StatusCode int
	Body       []byte
	URL        string
}

func (e *UpstreamError) Error() string {
	body := strings.TrimSpace(string(e.Body))
	if body == "" {
		return fmt.Sprintf("upstream error: status %d from %s", e.StatusCode, e.URL)
	}
	if len(body) > maxBodyInError {
		body = body[:maxBodyInError] + "..."
	}
	return fmt.Sprintf("upstream error: status %d from %s: %s", e.StatusCode, e.URL, body)
}

// Temporary reports whether the upstream signalled a server-side condition.
func (e *UpstreamError) Temporary() bool {
	return e.StatusCode >= 500
}

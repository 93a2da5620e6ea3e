package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPChecker reports healthy when an HTTP endpoint answers with a status
// in the accepted range. Used for graph services that expose a health URL.
type HTTPChecker struct {
	name      string
	url       string
	method    string
	headers   map[string]string
	statusMin int
	statusMax int
	client    *http.Client
}

// NewHTTPChecker creates an HTTP health checker for url
func NewHTTPChecker(name, url string) *HTTPChecker {
	return &HTTPChecker{
		name:      name,
		url:       url,
		method:    http.MethodGet,
		headers:   make(map[string]string),
		statusMin: 200,
		statusMax: 399,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// WithMethod overrides the request method
func (h *HTTPChecker) WithMethod(method string) *HTTPChecker {
	h.method = method
	return h
}

// WithHeader adds a request header
func (h *HTTPChecker) WithHeader(key, value string) *HTTPChecker {
	h.headers[key] = value
	return h
}

// WithStatusRange overrides the accepted status code range, inclusive
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.statusMin = min
	h.statusMax = max
	return h
}

// WithTimeout overrides the request timeout
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.client.Timeout = timeout
	return h
}

// Name identifies the dependency
func (h *HTTPChecker) Name() string { return h.name }

// Check performs the HTTP probe
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, h.method, h.url, nil)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("failed to create request: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("request failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < h.statusMin || resp.StatusCode > h.statusMax {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("status %d outside [%d,%d]", resp.StatusCode, h.statusMin, h.statusMax),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	return Result{Healthy: true, CheckedAt: start, Duration: time.Since(start)}
}

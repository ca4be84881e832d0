package services

import (
	"net/http"
	"strings"
	"time"

	"neurochat/internal/logger"
)

// DebugTransport logs every provider HTTP exchange at debug level. Bodies are
// not read, so streamed responses pass through untouched.
type DebugTransport struct {
	base http.RoundTripper
}

// NewDebugTransport wraps base, or http.DefaultTransport when base is nil.
func NewDebugTransport(base http.RoundTripper) *DebugTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &DebugTransport{base: base}
}

// NewDebugHTTPClient returns a client whose transport is a DebugTransport.
func NewDebugHTTPClient() *http.Client {
	return &http.Client{Transport: NewDebugTransport(nil)}
}

// RoundTrip implements http.RoundTripper.
func (d *DebugTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := d.base.RoundTrip(req)
	elapsed := time.Since(start)

	// the query may carry request ids or keys, so only the path is logged
	target := req.URL.Scheme + "://" + req.URL.Host + req.URL.Path
	if err != nil {
		logger.Debug("HTTP request failed", "method", req.Method, "url", target, "duration", elapsed, "error", err)
		return resp, err
	}
	logger.Debug("HTTP exchange",
		"method", req.Method,
		"url", target,
		"status", resp.StatusCode,
		"duration", elapsed,
		"request_headers", sanitizeHeaders(req.Header),
	)
	return resp, nil
}

// sanitizeHeaders masks credentials, keeping the first few characters.
func sanitizeHeaders(headers http.Header) map[string]string {
	sanitized := make(map[string]string, len(headers))
	for name, values := range headers {
		value := strings.Join(values, ", ")
		lower := strings.ToLower(name)
		if lower == "cookie" ||
			strings.Contains(lower, "authorization") ||
			strings.Contains(lower, "api-key") ||
			strings.Contains(lower, "token") {
			if len(value) > 10 {
				value = value[:10] + "..."
			} else {
				value = "***"
			}
		}
		sanitized[name] = value
	}
	return sanitized
}

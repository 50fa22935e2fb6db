// Package httputil provides shared HTTP client construction utilities
// for the UMDF UI backend. It centralizes timeout defaults and client
// creation so that every caller uses consistent configuration.
package httputil

import (
	"net/http"
	"time"
)

// Standard timeout defaults used across the project.
const (
	// DefaultProbeTimeout is the HTTP timeout for liveness and readiness
	// probes against a running backend. Probes hit in-process handlers
	// and should answer quickly.
	DefaultProbeTimeout = 5 * time.Second

	// DefaultRequestTimeout is the HTTP timeout for ordinary API calls
	// made by tooling around the backend (smoke tests, scripts).
	DefaultRequestTimeout = 30 * time.Second
)

// NewHTTPClient returns an *http.Client configured with the given timeout.
// Pass one of the Default*Timeout constants, or a custom duration.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

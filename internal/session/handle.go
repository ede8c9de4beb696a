package session

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// ErrHandleClosed is returned when a handle is closed twice.
var ErrHandleClosed = errors.New("session handle already closed")

// Outcome is one attempt as seen by the session that carried it.
type Outcome struct {
	StatusCode int
	Err        error
	Elapsed    time.Duration
}

// Failed reports whether the outcome counts against the session.
func (o Outcome) Failed() bool {
	return o.Err != nil || o.StatusCode >= http.StatusBadRequest
}

// Stats is the per-handle record.
type Stats struct {
	RequestsMade        int64         `json:"requests_made"`
	Failures            int64         `json:"failures"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	AvgResponseTime     time.Duration `json:"avg_response_time"`
	CreatedAt           time.Time     `json:"created_at"`
	LastFailureAt       time.Time     `json:"last_failure_at,omitzero"`
}

// FailureRate is failures over requests, 0 with no requests.
func (s Stats) FailureRate() float64 {
	if s.RequestsMade == 0 {
		return 0
	}
	return float64(s.Failures) / float64(s.RequestsMade)
}

// HealthThresholds decide whether a session is reported healthy.
type HealthThresholds struct {
	MaxFailureRate         float64
	MaxConsecutiveFailures int
	MaxAvgResponseTime     time.Duration
}

// Healthy applies t to s.
func (t HealthThresholds) Healthy(s Stats) bool {
	return s.FailureRate() < t.MaxFailureRate &&
		s.ConsecutiveFailures < t.MaxConsecutiveFailures &&
		s.AvgResponseTime < t.MaxAvgResponseTime
}

// Handle is a pooled client bound to one session id.
type Handle struct {
	id        string
	client    *http.Client
	transport *http.Transport
	ema       float64

	mu     sync.Mutex
	stats  Stats
	closed bool
}

// ID returns the session id.
func (h *Handle) ID() string { return h.id }

// Client returns the pooled client. Per-request proxies travel in the request context.
func (h *Handle) Client() *http.Client { return h.client }

// Stats returns a copy of the handle's record.
func (h *Handle) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Handle) record(o Outcome, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stats.RequestsMade++
	if h.stats.RequestsMade == 1 {
		h.stats.AvgResponseTime = o.Elapsed
	} else {
		h.stats.AvgResponseTime = time.Duration((1-h.ema)*float64(h.stats.AvgResponseTime) + h.ema*float64(o.Elapsed))
	}
	if o.Failed() {
		h.stats.Failures++
		h.stats.ConsecutiveFailures++
		h.stats.LastFailureAt = now
		return
	}
	h.stats.ConsecutiveFailures = 0
}

func (h *Handle) counts() (requests, failures int64, avg time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats.RequestsMade, h.stats.Failures, h.stats.AvgResponseTime
}

// Close releases pooled connections.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHandleClosed
	}
	h.closed = true
	h.transport.CloseIdleConnections()
	return nil
}

type proxyKey struct{}

// WithProxy routes requests made with ctx through proxyURL.
func WithProxy(ctx context.Context, proxyURL *url.URL) context.Context {
	if proxyURL == nil {
		return ctx
	}
	return context.WithValue(ctx, proxyKey{}, proxyURL)
}

func proxyFromContext(req *http.Request) (*url.URL, error) {
	if u, ok := req.Context().Value(proxyKey{}).(*url.URL); ok {
		return u, nil
	}
	return nil, nil
}

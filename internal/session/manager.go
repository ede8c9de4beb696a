// Package session owns pooled HTTP client handles keyed by session id, tracks their
// health, and turns the aggregate failure rate into retry and backoff parameters.
package session

import (
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetchcore/internal/fetch"
	"github.com/JakeFAU/fetchcore/internal/metrics"
)

// ErrClosed is returned by Handle after CloseAll.
var ErrClosed = errors.New("session manager closed")

// Config sizes the pools and the adaptive policy.
type Config struct {
	MaxConnections      int
	MaxConnsPerHost     int
	KeepAlive           time.Duration
	ConnectTimeout      time.Duration
	TLSHandshakeTimeout time.Duration
	IdleConnTimeout     time.Duration
	DNSCacheTTL         time.Duration
	RecomputeInterval   time.Duration
	// EMAWeight is the weight given to the newest sample in avg_response_time.
	EMAWeight float64
	// BaseRetries is the budget reported in Stats; callers pass their own base to RetryPolicy.
	BaseRetries      int
	Tiers            Tiers
	Health           HealthThresholds
	ConcurrencyLimit int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections:      50,
		MaxConnsPerHost:     30,
		KeepAlive:           60 * time.Second,
		ConnectTimeout:      10 * time.Second,
		TLSHandshakeTimeout: 15 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		DNSCacheTTL:         300 * time.Second,
		RecomputeInterval:   30 * time.Second,
		EMAWeight:           0.3,
		BaseRetries:         3,
		Tiers:               ConcurrentTiers(),
		Health: HealthThresholds{
			MaxFailureRate:         0.5,
			MaxConsecutiveFailures: 5,
			MaxAvgResponseTime:     30 * time.Second,
		},
		ConcurrencyLimit: 100,
	}
}

// Validate rejects unusable pool sizes and policy tiers.
func (c Config) Validate() error {
	if c.MaxConnections <= 0 {
		return fetch.Configf("session.max_connections", "must be > 0")
	}
	if c.MaxConnsPerHost <= 0 {
		return fetch.Configf("session.max_conns_per_host", "must be > 0")
	}
	if c.RecomputeInterval <= 0 {
		return fetch.Configf("session.recompute_interval", "must be > 0")
	}
	if c.EMAWeight <= 0 || c.EMAWeight > 1 {
		return fetch.Configf("session.ema_weight", "must be in (0, 1]")
	}
	return c.Tiers.Validate()
}

// SessionStatus is a handle's stats plus its health verdict.
type SessionStatus struct {
	Stats
	FailureRate float64 `json:"failure_rate"`
	Healthy     bool    `json:"healthy"`
}

// PerformanceStats summarises every open handle.
type PerformanceStats struct {
	GlobalFailureRate float64                  `json:"global_failure_rate"`
	ActiveSessions    int                      `json:"active_sessions"`
	HealthySessions   int                      `json:"healthy_sessions"`
	TotalRequests     int64                    `json:"total_requests"`
	AvgResponseTime   time.Duration            `json:"avg_response_time"`
	ConcurrencyLimit  int                      `json:"concurrency_limit"`
	RetryPolicy       RetryPolicy              `json:"retry_policy"`
	Sessions          map[string]SessionStatus `json:"sessions"`
}

// Manager is the shared, lock-guarded session state injected into the engine.
type Manager struct {
	cfg    Config
	clock  fetch.Clock
	logger *zap.Logger

	mu      sync.RWMutex
	handles map[string]*Handle
	closed  bool

	rateBits      atomic.Uint64
	lastRecompute atomic.Int64
}

// New builds a Manager.
func New(cfg Config, clock fetch.Clock, logger *zap.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = wallClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		handles: make(map[string]*Handle),
	}
	m.lastRecompute.Store(clock.Now().UnixNano())
	return m, nil
}

// Handle returns the handle for id, creating it on first use. An empty id
// selects the default session.
func (m *Manager) Handle(id string) (*Handle, error) {
	if id == "" {
		id = fetch.DefaultSessionID
	}
	m.mu.RLock()
	h, ok := m.handles[id]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return h, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if h, ok := m.handles[id]; ok {
		return h, nil
	}
	h = m.newHandle(id)
	m.handles[id] = h
	metrics.SetActiveSessions(len(m.handles))
	m.logger.Debug("session created", zap.String("session_id", id))
	return h, nil
}

func (m *Manager) newHandle(id string) *Handle {
	dialer := &net.Dialer{
		Timeout:   m.cfg.ConnectTimeout,
		KeepAlive: m.cfg.KeepAlive,
	}
	transport := &http.Transport{
		Proxy:                 proxyFromContext,
		DialContext:           newDNSCache(m.cfg.DNSCacheTTL, dialer).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          m.cfg.MaxConnections,
		MaxIdleConnsPerHost:   min(m.cfg.MaxConnsPerHost, m.cfg.MaxConnections),
		MaxConnsPerHost:       min(m.cfg.MaxConnsPerHost, m.cfg.MaxConnections),
		IdleConnTimeout:       m.cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   m.cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout: time.Second,
	}
	return &Handle{
		id:        id,
		transport: transport,
		// No client-wide Timeout: each attempt carries its own deadline on the context.
		client:    &http.Client{Transport: transport},
		ema:       m.cfg.EMAWeight,
		stats:     Stats{CreatedAt: m.clock.Now()},
	}
}

// RecordOutcome updates the session's stats and periodically recomputes the
// global failure rate. Outcomes for unknown or closed sessions are dropped.
func (m *Manager) RecordOutcome(id string, o Outcome) {
	if id == "" {
		id = fetch.DefaultSessionID
	}
	m.mu.RLock()
	h, ok := m.handles[id]
	m.mu.RUnlock()
	if !ok {
		m.logger.Debug("outcome for unknown session dropped", zap.String("session_id", id))
		return
	}
	now := m.clock.Now()
	h.record(o, now)

	last := m.lastRecompute.Load()
	if now.UnixNano()-last < int64(m.cfg.RecomputeInterval) {
		return
	}
	if m.lastRecompute.CompareAndSwap(last, now.UnixNano()) {
		m.Recompute()
	}
}

// Recompute sums every handle's counters into the global failure rate.
func (m *Manager) Recompute() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var requests, failures int64
	for _, h := range m.handles {
		r, f, _ := h.counts()
		requests += r
		failures += f
	}
	rate := 0.0
	if requests > 0 {
		rate = math.Min(1, float64(failures)/float64(requests))
	}
	m.rateBits.Store(math.Float64bits(rate))
	metrics.SetGlobalFailureRate(rate)
	m.logger.Debug("global failure rate recomputed",
		zap.Float64("rate", rate),
		zap.Int64("requests", requests),
	)
	return rate
}

// FailureRate returns the rate from the last recompute.
func (m *Manager) FailureRate() float64 {
	return math.Float64frombits(m.rateBits.Load())
}

// RetryPolicy derives retries and backoff for base from the current failure rate.
func (m *Manager) RetryPolicy(base int) RetryPolicy {
	return m.cfg.Tiers.Policy(m.FailureRate(), base)
}

// CloseHandle releases the handle for id and forgets it.
func (m *Manager) CloseHandle(id string) error {
	if id == "" {
		id = fetch.DefaultSessionID
	}
	m.mu.Lock()
	h, ok := m.handles[id]
	delete(m.handles, id)
	metrics.SetActiveSessions(len(m.handles))
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("close session %q: not found", id)
	}
	if err := h.Close(); err != nil {
		return fmt.Errorf("close session %q: %w", id, err)
	}
	return nil
}

// CloseAll releases every handle. It never fails and may be called repeatedly.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	handles := m.handles
	m.handles = make(map[string]*Handle)
	m.closed = true
	m.mu.Unlock()
	metrics.SetActiveSessions(0)

	for id, h := range handles {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("panic closing session", zap.String("session_id", id), zap.Any("panic", r))
				}
			}()
			if err := h.Close(); err != nil {
				m.logger.Warn("error closing session", zap.String("session_id", id), zap.Error(err))
			}
		}()
	}
}

// SessionIDs lists open sessions in sorted order.
func (m *Manager) SessionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats reports the performance picture across sessions.
func (m *Manager) Stats() PerformanceStats {
	m.mu.RLock()
	handles := make(map[string]*Handle, len(m.handles))
	for id, h := range m.handles {
		handles[id] = h
	}
	m.mu.RUnlock()

	out := PerformanceStats{
		GlobalFailureRate: m.FailureRate(),
		ActiveSessions:    len(handles),
		ConcurrencyLimit:  m.cfg.ConcurrencyLimit,
		RetryPolicy:       m.RetryPolicy(m.cfg.BaseRetries),
		Sessions:          make(map[string]SessionStatus, len(handles)),
	}
	var totalAvg time.Duration
	for id, h := range handles {
		s := h.Stats()
		healthy := m.cfg.Health.Healthy(s)
		if healthy {
			out.HealthySessions++
		}
		out.TotalRequests += s.RequestsMade
		totalAvg += s.AvgResponseTime
		out.Sessions[id] = SessionStatus{Stats: s, FailureRate: s.FailureRate(), Healthy: healthy}
	}
	if len(handles) > 0 {
		out.AvgResponseTime = totalAvg / time.Duration(len(handles))
	}
	return out
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Package proxy keeps a pool of upstream proxies partitioned by health and hands
// out a random healthy one per request.
package proxy

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/fetchcore/internal/fetch"
	"github.com/JakeFAU/fetchcore/internal/metrics"
)

// Config controls validation cadence.
type Config struct {
	Proxies            []string
	ValidationInterval time.Duration
	ProbeConcurrency   int
	// ProbeTimeout bounds one probe; a shared validation pass is bounded by
	// enough of them to cover every wave of ProbeConcurrency probes.
	ProbeTimeout time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		ValidationInterval: 5 * time.Minute,
		ProbeConcurrency:   16,
		ProbeTimeout:       10 * time.Second,
	}
}

// Stats is a snapshot of the pool.
type Stats struct {
	Total          int       `json:"total"`
	HealthyCount   int       `json:"healthy_count"`
	UnhealthyCount int       `json:"unhealthy_count"`
	LastChecked    time.Time `json:"last_checked"`
	Healthy        []string  `json:"healthy"`
	Unhealthy      []string  `json:"unhealthy"`
}

// Rotator owns the proxy pool. Partitions are swapped wholesale after each
// validation pass so readers never see a half-built split.
type Rotator struct {
	cfg    Config
	prober Prober
	clock  fetch.Clock
	logger *zap.Logger
	group  singleflight.Group
	intn   func(int) int

	mu          sync.RWMutex
	all         []string
	healthy     []string
	unhealthy   []string
	lastChecked time.Time
}

// New validates every configured URI and builds a Rotator. No probe runs until
// the first Get or an explicit Validate.
func New(cfg Config, prober Prober, clock fetch.Clock, logger *zap.Logger) (*Rotator, error) {
	if cfg.ValidationInterval <= 0 {
		return nil, fetch.Configf("proxy.validation_interval", "must be > 0")
	}
	if cfg.ProbeConcurrency <= 0 {
		cfg.ProbeConcurrency = 1
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	if prober == nil {
		prober = NewHTTPProber("", 0)
	}
	if clock == nil {
		clock = wallClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Rotator{
		cfg:    cfg,
		prober: prober,
		clock:  clock,
		logger: logger,
		intn:   rand.IntN,
	}
	for _, raw := range cfg.Proxies {
		if _, err := r.Add(raw); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Get returns a uniformly random healthy proxy. It re-validates first when the
// last pass is older than the configured interval.
func (r *Rotator) Get(ctx context.Context) (string, bool) {
	if r.stale() {
		if _, err := r.Validate(ctx); err != nil {
			r.logger.Warn("proxy validation failed", zap.Error(err))
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.healthy) == 0 {
		return "", false
	}
	return r.healthy[r.intn(len(r.healthy))], true
}

func (r *Rotator) stale() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.all) == 0 {
		return false
	}
	return r.lastChecked.IsZero() || r.clock.Now().Sub(r.lastChecked) > r.cfg.ValidationInterval
}

// Validate probes every proxy and repartitions the pool. Concurrent calls share
// one pass, which runs detached from any single caller; ctx only bounds how long
// this caller waits for it.
func (r *Rotator) Validate(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, fmt.Errorf("validate proxies: %w", err)
	}
	ch := r.group.DoChan("validate", func() (any, error) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.passTimeout())
		defer cancel()
		return nil, r.validate(pctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Stats{}, res.Err
		}
		return r.Stats(), nil
	case <-ctx.Done():
		return Stats{}, fmt.Errorf("validate proxies: %w", ctx.Err())
	}
}

func (r *Rotator) passTimeout() time.Duration {
	r.mu.RLock()
	n := len(r.all)
	r.mu.RUnlock()
	waves := (n + r.cfg.ProbeConcurrency - 1) / r.cfg.ProbeConcurrency
	return time.Duration(waves+1) * r.cfg.ProbeTimeout
}

func (r *Rotator) validate(ctx context.Context) error {
	r.mu.RLock()
	snapshot := slices.Clone(r.all)
	r.mu.RUnlock()

	healthy := make([]bool, len(snapshot))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.ProbeConcurrency)
	for i, raw := range snapshot {
		g.Go(func() error {
			u, err := url.Parse(raw)
			if err != nil {
				return nil
			}
			if err := r.prober.Probe(gctx, u); err != nil {
				r.logger.Debug("proxy unhealthy", zap.String("proxy", u.Redacted()), zap.Error(err))
				return nil
			}
			healthy[i] = true
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("validate proxies: %w", err)
	}

	probed := make(map[string]bool, len(snapshot))
	for i, raw := range snapshot {
		probed[raw] = healthy[i]
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	nextHealthy := make([]string, 0, len(r.all))
	nextUnhealthy := make([]string, 0, len(r.all))
	complete := true
	for _, raw := range r.all {
		ok, seen := probed[raw]
		switch {
		case !seen:
			complete = false
			nextUnhealthy = append(nextUnhealthy, raw)
		case ok:
			nextHealthy = append(nextHealthy, raw)
		default:
			nextUnhealthy = append(nextUnhealthy, raw)
		}
	}
	r.healthy, r.unhealthy = nextHealthy, nextUnhealthy
	if complete {
		r.lastChecked = r.clock.Now()
	}
	metrics.SetProxyHealth(len(r.healthy), len(r.unhealthy))
	r.logger.Info("proxy validation complete",
		zap.Int("healthy", len(r.healthy)),
		zap.Int("unhealthy", len(r.unhealthy)),
	)
	return nil
}

// Add puts a proxy into the pool. It starts unhealthy and forces the next Get
// to validate. It reports false for duplicates.
func (r *Rotator) Add(raw string) (bool, error) {
	raw = strings.TrimSpace(raw)
	if err := fetch.ValidateProxyURI(raw); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if slices.Contains(r.all, raw) {
		return false, nil
	}
	r.all = append(r.all, raw)
	r.unhealthy = append(slices.Clone(r.unhealthy), raw)
	r.lastChecked = time.Time{}
	return true, nil
}

// Remove drops a proxy from the pool and both partitions.
func (r *Rotator) Remove(raw string) bool {
	raw = strings.TrimSpace(raw)

	r.mu.Lock()
	defer r.mu.Unlock()
	idx := slices.Index(r.all, raw)
	if idx < 0 {
		return false
	}
	r.all = slices.Delete(slices.Clone(r.all), idx, idx+1)
	r.healthy = without(r.healthy, raw)
	r.unhealthy = without(r.unhealthy, raw)
	return true
}

func without(list []string, v string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

// Stats returns a snapshot of the pool.
func (r *Rotator) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Total:          len(r.all),
		HealthyCount:   len(r.healthy),
		UnhealthyCount: len(r.unhealthy),
		LastChecked:    r.lastChecked,
		Healthy:        slices.Clone(r.healthy),
		Unhealthy:      slices.Clone(r.unhealthy),
	}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Package ratelimit paces outgoing requests to a target rate with burst protection
// and an optional failure-driven adaptive interval.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/fetchcore/internal/fetch"
	"github.com/JakeFAU/fetchcore/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// RequestsPerSecond sets the target interval. Zero or negative disables pacing.
	RequestsPerSecond float64
	// BurstLimit is the number of requests tolerated inside Window before BurstPenalty applies.
	BurstLimit   int
	BurstPenalty time.Duration
	Window       time.Duration

	Adaptive bool
	// AdaptiveSeed is the delay adopted on the first failure when the interval is zero.
	AdaptiveSeed   time.Duration
	MaxDelay       time.Duration
	SuccessStreak  int
	RecoveryFactor float64
	// ThrottledFactor applies to 429, UnavailableFactor to 502/503/504, FailureFactor to the rest.
	ThrottledFactor   float64
	UnavailableFactor float64
	FailureFactor     float64
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 1.0,
		BurstLimit:        5,
		BurstPenalty:      500 * time.Millisecond,
		Window:            time.Second,
		AdaptiveSeed:      100 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		SuccessStreak:     5,
		RecoveryFactor:    0.9,
		ThrottledFactor:   2.0,
		UnavailableFactor: 1.5,
		FailureFactor:     1.2,
	}
}

// Validate rejects factor combinations that would break monotonic adaptation.
func (c Config) Validate() error {
	if c.BurstLimit <= 0 {
		return fetch.Configf("ratelimit.burst_limit", "must be > 0")
	}
	if c.BurstPenalty < 0 || c.Window <= 0 {
		return fetch.Configf("ratelimit.window", "window must be > 0 and penalty >= 0")
	}
	if c.MaxDelay <= 0 {
		return fetch.Configf("ratelimit.max_delay", "must be > 0")
	}
	if c.SuccessStreak <= 0 {
		return fetch.Configf("ratelimit.success_streak", "must be > 0")
	}
	if c.RecoveryFactor <= 0 || c.RecoveryFactor > 1 {
		return fetch.Configf("ratelimit.recovery_factor", "must be in (0, 1]")
	}
	if c.ThrottledFactor < 1 || c.UnavailableFactor < 1 || c.FailureFactor < 1 {
		return fetch.Configf("ratelimit.failure_factors", "must be >= 1")
	}
	return nil
}

// Stats is a point-in-time view of the limiter.
type Stats struct {
	RequestsPerSecond float64       `json:"requests_per_second"`
	Interval          time.Duration `json:"interval"`
	CurrentDelay      time.Duration `json:"current_delay"`
	Adaptive          bool          `json:"adaptive"`
	SuccessStreak     int           `json:"success_streak"`
	WindowCount       int           `json:"window_count"`
}

// Limiter paces callers. All state sits behind mu; sleeps never hold it.
type Limiter struct {
	cfg    Config
	clock  fetch.Clock
	logger *zap.Logger
	pacer  *rate.Limiter

	mu       sync.Mutex
	rps      float64
	interval time.Duration
	delay    time.Duration
	adaptive bool
	streak   int
	window   *ring
}

// New creates a Limiter. clock drives the burst window; nil uses wall time.
func New(cfg Config, clock fetch.Clock, logger *zap.Logger) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = wallClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := intervalFor(cfg.RequestsPerSecond)
	return &Limiter{
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
		pacer:    rate.NewLimiter(limitFor(interval), 1),
		rps:      cfg.RequestsPerSecond,
		interval: interval,
		delay:    interval,
		adaptive: cfg.Adaptive,
		window:   newRing(cfg.BurstLimit * 2),
	}, nil
}

// Wait blocks until one more request is permitted, then records it.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.pacer.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	if penalty := l.admit(); penalty > 0 {
		l.logger.Debug("burst limit reached", zap.Duration("penalty", penalty))
		if err := sleep(ctx, penalty); err != nil {
			return fmt.Errorf("rate limit burst penalty: %w", err)
		}
	}

	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(waited)
	}
	return nil
}

// admit trims the window, decides the burst penalty and records the release time.
func (l *Limiter) admit() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.window.trimBefore(now.Add(-l.cfg.Window))
	var penalty time.Duration
	if l.window.len() >= l.cfg.BurstLimit {
		penalty = l.cfg.BurstPenalty
	}
	l.window.push(now.Add(penalty))
	return penalty
}

// SetRate updates the target rate without a restart. In adaptive mode the
// current delay is reset to the new interval.
func (l *Limiter) SetRate(rps float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rps = rps
	l.interval = intervalFor(rps)
	l.delay = l.interval
	l.streak = 0
	l.pacer.SetLimit(limitFor(l.interval))
	l.logger.Debug("rate updated", zap.Float64("rps", rps), zap.Duration("interval", l.interval))
}

// SetAdaptive toggles adaptive mode. Disabling restores the fixed interval.
func (l *Limiter) SetAdaptive(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.adaptive = enabled
	l.delay = l.interval
	l.streak = 0
	l.pacer.SetLimit(limitFor(l.interval))
}

// ReportSuccess feeds a success into adaptive mode.
func (l *Limiter) ReportSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.adaptive {
		return
	}
	l.streak++
	if l.streak < l.cfg.SuccessStreak {
		return
	}
	l.streak = 0
	next := time.Duration(float64(l.delay) * l.cfg.RecoveryFactor)
	if next < l.interval {
		next = l.interval
	}
	l.setDelayLocked(next)
}

// ReportFailure feeds a failed attempt into adaptive mode. statusCode is 0 for
// failures without a response.
func (l *Limiter) ReportFailure(statusCode int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.adaptive {
		return
	}
	l.streak = 0

	factor := l.cfg.FailureFactor
	switch statusCode {
	case 429:
		factor = l.cfg.ThrottledFactor
	case 502, 503, 504:
		factor = l.cfg.UnavailableFactor
	}
	base := l.delay
	if base <= 0 {
		base = l.cfg.AdaptiveSeed
	}
	next := time.Duration(float64(base) * factor)
	if next > l.cfg.MaxDelay {
		next = l.cfg.MaxDelay
	}
	l.setDelayLocked(next)
}

func (l *Limiter) setDelayLocked(d time.Duration) {
	if d == l.delay {
		return
	}
	l.logger.Debug("adaptive delay changed", zap.Duration("from", l.delay), zap.Duration("to", d))
	l.delay = d
	l.pacer.SetLimit(limitFor(d))
}

// CurrentDelay returns the effective interval between requests.
func (l *Limiter) CurrentDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.adaptive {
		return l.delay
	}
	return l.interval
}

// Stats returns a snapshot of the limiter state.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.window.trimBefore(l.clock.Now().Add(-l.cfg.Window))
	current := l.interval
	if l.adaptive {
		current = l.delay
	}
	return Stats{
		RequestsPerSecond: l.rps,
		Interval:          l.interval,
		CurrentDelay:      current,
		Adaptive:          l.adaptive,
		SuccessStreak:     l.streak,
		WindowCount:       l.window.len(),
	}
}

func intervalFor(rps float64) time.Duration {
	if rps <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / rps)
}

func limitFor(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return rate.Inf
	}
	return rate.Every(interval)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

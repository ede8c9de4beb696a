// Package batch fans a list of URLs out to a fetcher and collects one result per
// URL in input order, isolating each URL's failure from its siblings.
package batch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/fetchcore/internal/fetch"
	"github.com/JakeFAU/fetchcore/internal/metrics"
)

// Strategy selects how URLs are scheduled.
type Strategy string

const (
	// StrategyBlocking fetches one URL at a time on the caller's goroutine.
	StrategyBlocking Strategy = "blocking"
	// StrategyConcurrent runs one task per URL, optionally in fixed-size batches.
	StrategyConcurrent Strategy = "concurrent"
)

// ParseStrategy maps a config string onto a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyBlocking, StrategyConcurrent:
		return Strategy(s), nil
	case "":
		return StrategyConcurrent, nil
	default:
		return "", fetch.Configf("fetch.strategy", "unknown strategy %q", s)
	}
}

// Config controls scheduling.
type Config struct {
	Strategy Strategy
	// BatchSize of zero submits every URL at once.
	BatchSize  int
	BatchPause time.Duration
	// Timeout bounds when new attempts may start. In-flight attempts finish on their own.
	Timeout time.Duration
}

// DefaultConfig returns unbounded concurrent fan-out.
func DefaultConfig() Config {
	return Config{
		Strategy:   StrategyConcurrent,
		BatchPause: 500 * time.Millisecond,
	}
}

// Coordinator runs batches against a fetcher.
type Coordinator struct {
	fetcher fetch.Fetcher
	cfg     Config
	logger  *zap.Logger
	pause   func(ctx context.Context, d time.Duration)
}

// New builds a Coordinator.
func New(fetcher fetch.Fetcher, cfg Config, logger *zap.Logger) (*Coordinator, error) {
	if fetcher == nil {
		return nil, fetch.Configf("batch.fetcher", "is required")
	}
	strategy, err := ParseStrategy(string(cfg.Strategy))
	if err != nil {
		return nil, err
	}
	cfg.Strategy = strategy
	if cfg.BatchSize < 0 {
		return nil, fetch.Configf("batch.size", "must be >= 0")
	}
	if cfg.BatchPause < 0 || cfg.Timeout < 0 {
		return nil, fetch.Configf("batch.timeout", "durations must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{fetcher: fetcher, cfg: cfg, logger: logger, pause: pause}, nil
}

// Strategy returns the configured scheduling strategy.
func (c *Coordinator) Strategy() Strategy {
	return c.cfg.Strategy
}

// Run fetches every URL and returns results indexed like urls.
func (c *Coordinator) Run(ctx context.Context, urls []string, opts fetch.Options) []fetch.Result {
	start := time.Now()
	results := make([]fetch.Result, len(urls))
	if len(urls) == 0 {
		return results
	}
	if c.cfg.Timeout > 0 {
		ctx = fetch.WithAdmissionDeadline(ctx, start.Add(c.cfg.Timeout))
	}

	switch c.cfg.Strategy {
	case StrategyBlocking:
		for i, u := range urls {
			results[i] = c.safeFetch(ctx, u, opts)
		}
	default:
		size := c.cfg.BatchSize
		if size <= 0 || size > len(urls) {
			size = len(urls)
		}
		for lo := 0; lo < len(urls); lo += size {
			hi := min(lo+size, len(urls))
			var g errgroup.Group
			for i := lo; i < hi; i++ {
				g.Go(func() error {
					results[i] = c.safeFetch(ctx, urls[i], opts)
					return nil
				})
			}
			_ = g.Wait()
			if hi < len(urls) && c.cfg.BatchPause > 0 {
				c.pause(ctx, c.cfg.BatchPause)
			}
		}
	}

	elapsed := time.Since(start)
	metrics.ObserveBatch(string(c.cfg.Strategy), elapsed)
	summary := Summarize(results)
	c.logger.Info("batch complete",
		zap.String("strategy", string(c.cfg.Strategy)),
		zap.Int("total", summary.Total),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Duration("elapsed", elapsed),
	)
	return results
}

// safeFetch converts a panicking task into a failure result.
func (c *Coordinator) safeFetch(ctx context.Context, url string, opts fetch.Options) (res fetch.Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("fetch task panicked", zap.String("url", url), zap.Any("panic", r))
			res = fetch.Result{
				URL:       url,
				Outcome:   fetch.OutcomeFailure,
				Elapsed:   time.Since(start),
				ErrorKind: fetch.KindInternal,
				Message:   fmt.Sprintf("fetch task panicked: %v", r),
			}
		}
	}()
	return c.fetcher.Fetch(ctx, url, opts)
}

// Summary counts outcomes in a batch.
type Summary struct {
	Total     int            `json:"total"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	ByKind    map[string]int `json:"by_kind,omitempty"`
}

// Summarize tallies results.
func Summarize(results []fetch.Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		if r.OK() {
			s.Succeeded++
			continue
		}
		s.Failed++
		if s.ByKind == nil {
			s.ByKind = make(map[string]int)
		}
		s.ByKind[string(r.ErrorKind)]++
	}
	return s
}

func pause(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

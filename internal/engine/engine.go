// Package engine runs single fetches through the rate limiter, proxy pool,
// user-agent pool and session manager, retrying transient failures with backoff.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/fetchcore/internal/fetch"
	"github.com/JakeFAU/fetchcore/internal/metrics"
	"github.com/JakeFAU/fetchcore/internal/session"
	"github.com/JakeFAU/fetchcore/internal/useragent"
)

const tracerName = "github.com/JakeFAU/fetchcore/internal/engine"

// RateLimiter paces attempts and takes adaptive feedback.
type RateLimiter interface {
	Wait(ctx context.Context) error
	SetRate(rps float64)
	ReportSuccess()
	ReportFailure(statusCode int)
}

// ProxySource hands out proxies and accepts new ones.
type ProxySource interface {
	Get(ctx context.Context) (string, bool)
	Add(raw string) (bool, error)
}

// AgentSource supplies user-agent strings.
type AgentSource interface {
	Random() string
	Filtered(family useragent.Family) string
}

// Sessions is the connection manager as seen by the engine.
type Sessions interface {
	Handle(id string) (*session.Handle, error)
	RecordOutcome(id string, o session.Outcome)
	RetryPolicy(base int) session.RetryPolicy
}

// DefaultRetryableStatuses are retried rather than returned.
var DefaultRetryableStatuses = []int{408, 429, 500, 502, 503, 504}

// Config tunes the engine.
type Config struct {
	ConcurrencyLimit  int
	RetryableStatuses []int
	MaxBackoff        time.Duration
	// InitialRate is the rate the limiter was built with; per-call rates that differ trigger SetRate.
	InitialRate  float64
	OnTransition TransitionFunc
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		ConcurrencyLimit:  100,
		RetryableStatuses: DefaultRetryableStatuses,
		MaxBackoff:        30 * time.Second,
		InitialRate:       1.0,
	}
}

// Engine executes fetches. It is safe for concurrent use.
type Engine struct {
	cfg        Config
	sem        *semaphore.Weighted
	limiter    RateLimiter
	proxies    ProxySource
	agents     AgentSource
	sessions   Sessions
	dispatcher Dispatcher
	logger     *zap.Logger
	tracer     trace.Tracer
	retryable  map[int]struct{}
	pause      func(ctx context.Context, d time.Duration) error

	rateMu sync.Mutex
	rate   float64
}

// New wires an Engine. proxies may be nil when no proxy pool is configured.
func New(
	cfg Config,
	limiter RateLimiter,
	proxies ProxySource,
	agents AgentSource,
	sessions Sessions,
	dispatcher Dispatcher,
	logger *zap.Logger,
) (*Engine, error) {
	if cfg.ConcurrencyLimit <= 0 {
		return nil, fetch.Configf("fetch.concurrency_limit", "must be > 0")
	}
	if limiter == nil || agents == nil || sessions == nil {
		return nil, errors.New("engine requires a rate limiter, agent source and session manager")
	}
	if dispatcher == nil {
		dispatcher = NewHTTPDispatcher()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig().MaxBackoff
	}
	statuses := cfg.RetryableStatuses
	if statuses == nil {
		statuses = DefaultRetryableStatuses
	}
	retryable := make(map[int]struct{}, len(statuses))
	for _, s := range statuses {
		retryable[s] = struct{}{}
	}
	return &Engine{
		cfg:        cfg,
		sem:        semaphore.NewWeighted(int64(cfg.ConcurrencyLimit)),
		limiter:    limiter,
		proxies:    proxies,
		agents:     agents,
		sessions:   sessions,
		dispatcher: dispatcher,
		logger:     logger,
		tracer:     otel.Tracer(tracerName),
		retryable:  retryable,
		pause:      pause,
		rate:       cfg.InitialRate,
	}, nil
}

// Fetch runs one URL to a terminal Result. It never panics on network errors
// and never returns without a Result.
func (e *Engine) Fetch(ctx context.Context, rawURL string, opts fetch.Options) fetch.Result {
	opts = opts.WithDefaults()
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine.Fetch", trace.WithAttributes(
		attribute.String("url.full", rawURL),
		attribute.String("fetch.session_id", opts.SessionID),
	))
	defer span.End()

	e.transition(rawURL, 0, StatePending)
	if err := e.prepare(opts); err != nil {
		return e.finish(span, fetch.NewFailure(rawURL, err, time.Since(start), 0))
	}
	if err := validateTarget(rawURL); err != nil {
		return e.finish(span, fetch.NewFailure(rawURL, err, time.Since(start), 0))
	}

	policy := e.sessions.RetryPolicy(opts.MaxRetries)
	budget := opts.MaxRetries
	if opts.AdaptiveRetries {
		budget = policy.Retries
	}
	span.SetAttributes(attribute.Int("fetch.retry_budget", budget), attribute.String("fetch.retry_tier", policy.Tier))

	for attempt := 1; ; attempt++ {
		if deadline, ok := fetch.AdmissionDeadline(ctx); ok && !time.Now().Before(deadline) {
			return e.fail(span, rawURL, attempt-1, start, &fetch.TimeoutError{URL: rawURL, Err: fetch.ErrBatchDeadline})
		}

		resp, err := e.attempt(ctx, rawURL, opts, attempt)
		if errors.Is(err, fetch.ErrBatchDeadline) {
			return e.fail(span, rawURL, attempt-1, start, err)
		}
		if err == nil {
			e.transition(rawURL, attempt, StateSucceeded)
			return e.finish(span, fetch.NewSuccess(rawURL, resp, time.Since(start), attempt))
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return e.fail(span, rawURL, attempt, start, fmt.Errorf("fetch canceled: %w", ctxErr))
		}
		if !fetch.Retryable(err) {
			return e.fail(span, rawURL, attempt, start, err)
		}
		if attempt > budget {
			return e.fail(span, rawURL, attempt, start, &fetch.ExhaustedRetriesError{URL: rawURL, Attempts: attempt, Last: err})
		}

		delay := e.backoff(policy.Backoff, attempt)
		e.transition(rawURL, attempt, StateRetrying)
		metrics.ObserveRetry(string(fetch.KindOf(err)))
		e.logger.Warn("retrying fetch",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := e.pause(ctx, delay); err != nil {
			return e.fail(span, rawURL, attempt, start, fmt.Errorf("fetch canceled during backoff: %w", err))
		}
	}
}

// attempt holds an engine slot for exactly one limiter wait and one dispatch.
func (e *Engine) attempt(ctx context.Context, rawURL string, opts fetch.Options, n int) (fetch.Response, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return fetch.Response{}, fmt.Errorf("acquire engine slot: %w", err)
	}
	defer e.sem.Release(1)
	// The slot may have been granted after the admission deadline passed.
	if deadline, ok := fetch.AdmissionDeadline(ctx); ok && !time.Now().Before(deadline) {
		return fetch.Response{}, &fetch.TimeoutError{URL: rawURL, Err: fetch.ErrBatchDeadline}
	}
	metrics.IncInFlight()
	defer metrics.DecInFlight()

	ctx, span := e.tracer.Start(ctx, "engine.attempt", trace.WithAttributes(attribute.Int("fetch.attempt", n)))
	defer span.End()

	handle, err := e.sessions.Handle(opts.SessionID)
	if err != nil {
		err = fmt.Errorf("session %q: %w", opts.SessionID, err)
		e.sessions.RecordOutcome(opts.SessionID, session.Outcome{Err: err})
		return fetch.Response{}, err
	}

	e.transition(rawURL, n, StateRateLimited)
	if err := e.limiter.Wait(ctx); err != nil {
		if ctx.Err() == nil {
			err = &fetch.TimeoutError{URL: rawURL, Timeout: opts.Timeout, Err: err}
		}
		e.sessions.RecordOutcome(opts.SessionID, session.Outcome{Err: err})
		return fetch.Response{}, err
	}

	req := fetch.Request{
		URL:       rawURL,
		Method:    opts.Method,
		Header:    opts.Header,
		Body:      opts.Body,
		Timeout:   opts.Timeout,
		SessionID: opts.SessionID,
		UserAgent: e.userAgent(opts),
	}
	if opts.UseProxy && e.proxies != nil {
		if p, ok := e.proxies.Get(ctx); ok {
			req.Proxy = p
		} else {
			e.logger.Debug("no healthy proxy, dispatching direct", zap.String("url", rawURL))
		}
	}

	attemptCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	e.transition(rawURL, n, StateDispatched)
	began := time.Now()
	resp, err := e.dispatcher.Dispatch(attemptCtx, handle.Client(), req)
	elapsed := time.Since(began)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) && fetch.KindOf(err) != fetch.KindTimeout {
		err = &fetch.TimeoutError{URL: rawURL, Timeout: opts.Timeout, Err: err}
	}

	e.sessions.RecordOutcome(opts.SessionID, session.Outcome{StatusCode: resp.StatusCode, Err: err, Elapsed: elapsed})
	if err == nil {
		if _, retry := e.retryable[resp.StatusCode]; retry {
			err = &fetch.HTTPStatusError{URL: rawURL, StatusCode: resp.StatusCode}
		}
	}

	outcome := string(fetch.OutcomeSuccess)
	if err != nil || resp.StatusCode >= 400 {
		e.limiter.ReportFailure(resp.StatusCode)
		outcome = string(fetch.OutcomeFailure)
	} else {
		e.limiter.ReportSuccess()
	}
	metrics.ObserveAttempt(rawURL, outcome, len(resp.Body))
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return resp, err
}

func (e *Engine) prepare(opts fetch.Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	if len(opts.ProxyList) > 0 {
		if e.proxies == nil {
			return fetch.Configf("proxy_list", "no proxy pool configured")
		}
		for _, p := range opts.ProxyList {
			if _, err := e.proxies.Add(p); err != nil {
				return err
			}
		}
	}
	if opts.RateLimit > 0 {
		e.rateMu.Lock()
		if opts.RateLimit != e.rate {
			e.rate = opts.RateLimit
			e.limiter.SetRate(opts.RateLimit)
		}
		e.rateMu.Unlock()
	}
	return nil
}

func (e *Engine) userAgent(opts fetch.Options) string {
	if opts.UserAgentOverride != "" {
		return opts.UserAgentOverride
	}
	if opts.UserAgentFamily != "" {
		return e.agents.Filtered(useragent.Family(opts.UserAgentFamily))
	}
	return e.agents.Random()
}

// backoff returns base * 2^attempt, capped.
func (e *Engine) backoff(base time.Duration, attempt int) time.Duration {
	d := float64(base) * math.Pow(2, float64(attempt))
	if d > float64(e.cfg.MaxBackoff) {
		return e.cfg.MaxBackoff
	}
	return time.Duration(d)
}

func (e *Engine) fail(span trace.Span, rawURL string, attempts int, start time.Time, err error) fetch.Result {
	e.transition(rawURL, attempts, StateFailed)
	e.logger.Debug("fetch failed", zap.String("url", rawURL), zap.Int("attempts", attempts), zap.Error(err))
	return e.finish(span, fetch.NewFailure(rawURL, err, time.Since(start), attempts))
}

func (e *Engine) finish(span trace.Span, res fetch.Result) fetch.Result {
	metrics.ObserveResult(string(res.Outcome), string(res.ErrorKind))
	span.SetAttributes(
		attribute.String("fetch.outcome", string(res.Outcome)),
		attribute.Int("fetch.attempts", res.Attempts),
	)
	if !res.OK() {
		span.SetStatus(codes.Error, res.Message)
	}
	return res
}

func (e *Engine) transition(rawURL string, attempt int, s State) {
	if ce := e.logger.Check(zap.DebugLevel, "fetch state"); ce != nil {
		ce.Write(zap.String("url", rawURL), zap.Int("attempt", attempt), zap.Stringer("state", s))
	}
	if e.cfg.OnTransition != nil {
		e.cfg.OnTransition(rawURL, attempt, s)
	}
}

func validateTarget(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &fetch.ProtocolError{URL: rawURL, Err: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &fetch.ProtocolError{URL: rawURL, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
	if u.Host == "" {
		return &fetch.ProtocolError{URL: rawURL, Err: errors.New("missing host")}
	}
	return nil
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

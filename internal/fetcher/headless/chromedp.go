// Package headless renders pages in headless Chrome. Dispatcher plugs into the
// fetch engine in place of the net/http strategy, so retries, pacing, proxy
// rotation and session statistics apply unchanged.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchcore/internal/engine"
	"github.com/JakeFAU/fetchcore/internal/fetch"
)

// Config controls the headless dispatcher.
type Config struct {
	// MaxParallel caps concurrent browser tabs. Zero means no cap.
	MaxParallel       int
	NavigationTimeout time.Duration
	// Settle is how long to wait after the body is ready for late scripts.
	Settle time.Duration
}

// Dispatcher implements engine.Dispatcher with chromedp.
type Dispatcher struct {
	cfg     Config
	limiter chan struct{}
	logger  *zap.Logger

	mu         sync.Mutex
	allocators map[string]allocator
	closed     bool
}

type allocator struct {
	ctx    context.Context
	cancel context.CancelFunc
}

var _ engine.Dispatcher = (*Dispatcher)(nil)

// New creates a headless dispatcher. Browsers start lazily, one per proxy.
func New(cfg Config, logger *zap.Logger) (*Dispatcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fetch.Configf("headless.max_parallel", "must be >= 0")
	}
	if cfg.NavigationTimeout < 0 || cfg.Settle < 0 {
		return nil, fetch.Configf("headless.navigation_timeout", "durations must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	return &Dispatcher{
		cfg:        cfg,
		limiter:    limiter,
		logger:     logger,
		allocators: make(map[string]allocator),
	}, nil
}

// Close shuts down every browser.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, a := range d.allocators {
		a.cancel()
		delete(d.allocators, key)
	}
	d.closed = true
}

// Dispatch navigates to req.URL and returns the rendered DOM. The pooled
// client is unused; the browser owns its own connections.
func (d *Dispatcher) Dispatch(ctx context.Context, _ *http.Client, req fetch.Request) (fetch.Response, error) {
	if err := d.acquire(ctx); err != nil {
		return fetch.Response{}, err
	}
	defer d.release()

	allocCtx, err := d.allocator(req.Proxy)
	if err != nil {
		return fetch.Response{}, err
	}
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	defer tabCancel()

	// The tab derives from the allocator, so the caller's deadline and
	// cancellation are bridged in explicitly.
	timeout := d.navTimeout()
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	tabCtx, cancel := context.WithTimeout(tabCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	html, finalURL, err := d.run(tabCtx, req)
	if err != nil {
		if ctx.Err() != nil {
			return fetch.Response{}, ctx.Err()
		}
		return fetch.Response{}, classify(req, err)
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(req.URL, finalURL)
	if headers == nil {
		headers = http.Header{}
	}
	return fetch.Response{
		StatusCode: status,
		Header:     headers,
		Body:       []byte(html),
		FinalURL:   responseURL,
	}, nil
}

func (d *Dispatcher) run(ctx context.Context, req fetch.Request) (string, string, error) {
	var html, finalURL string
	actions := []chromedp.Action{
		d.networkSetup(req),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if d.cfg.Settle > 0 {
		actions = append(actions, chromedp.Sleep(d.cfg.Settle))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (d *Dispatcher) networkSetup(req fetch.Request) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if req.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(req.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(req.Header) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(req.Header)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// allocator returns the browser for proxy, starting it on first use.
func (d *Dispatcher) allocator(proxy string) (context.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.New("headless dispatcher is closed")
	}
	if a, ok := d.allocators[proxy]; ok {
		return a.ctx, nil
	}
	ctx, cancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(proxy)...)
	d.allocators[proxy] = allocator{ctx: ctx, cancel: cancel}
	d.logger.Debug("started headless browser", zap.String("proxy", proxy))
	return ctx, nil
}

func allocatorOptions(proxy string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if proxy != "" {
		opts = append(opts, chromedp.ProxyServer(proxy))
	}
	return opts
}

func (d *Dispatcher) acquire(ctx context.Context) error {
	if d.limiter == nil {
		return nil
	}
	select {
	case d.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (d *Dispatcher) release() {
	if d.limiter == nil {
		return
	}
	select {
	case <-d.limiter:
	default:
	}
}

func (d *Dispatcher) navTimeout() time.Duration {
	if d.cfg.NavigationTimeout > 0 {
		return d.cfg.NavigationTimeout
	}
	return 45 * time.Second
}

func classify(req fetch.Request, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &fetch.TimeoutError{URL: req.URL, Timeout: req.Timeout, Err: err}
	}
	return &fetch.TransportError{URL: req.URL, Err: err}
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

// capture keeps the first document response. Later ones belong to subframes.
func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != 0 {
		return
	}
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, url := m.status, m.headers.Clone(), m.url
	m.mu.RUnlock()

	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}

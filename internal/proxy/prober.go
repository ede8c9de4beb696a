package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DefaultProbeURL is the cheap endpoint requested through each proxy.
const DefaultProbeURL = "http://httpbin.org/ip"

// Prober checks whether a proxy can carry a request.
type Prober interface {
	Probe(ctx context.Context, proxyURL *url.URL) error
}

// HTTPProber issues a GET to TargetURL through the proxy; only 2xx counts as healthy.
type HTTPProber struct {
	TargetURL string
	Timeout   time.Duration
}

// NewHTTPProber returns a prober with defaults applied.
func NewHTTPProber(targetURL string, timeout time.Duration) *HTTPProber {
	if targetURL == "" {
		targetURL = DefaultProbeURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProber{TargetURL: targetURL, Timeout: timeout}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, proxyURL *url.URL) error {
	transport := &http.Transport{
		Proxy:             http.ProxyURL(proxyURL),
		DisableKeepAlives: true,
	}
	defer transport.CloseIdleConnections()
	client := &http.Client{Transport: transport, Timeout: p.Timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.TargetURL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe via %s: %w", proxyURL.Redacted(), err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probe via %s returned status %d", proxyURL.Redacted(), resp.StatusCode)
	}
	return nil
}

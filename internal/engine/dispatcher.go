package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/JakeFAU/fetchcore/internal/fetch"
	"github.com/JakeFAU/fetchcore/internal/session"
)

// DefaultMaxBodyBytes caps how much of a response body is kept.
const DefaultMaxBodyBytes int64 = 10 << 20

// Dispatcher performs one attempt on the given pooled client.
type Dispatcher interface {
	Dispatch(ctx context.Context, client *http.Client, req fetch.Request) (fetch.Response, error)
}

// HTTPDispatcher is the default net/http strategy.
type HTTPDispatcher struct {
	MaxBodyBytes int64
}

// NewHTTPDispatcher returns a dispatcher with the default body cap.
func NewHTTPDispatcher() *HTTPDispatcher {
	return &HTTPDispatcher{MaxBodyBytes: DefaultMaxBodyBytes}
}

// Dispatch implements Dispatcher.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, client *http.Client, req fetch.Request) (fetch.Response, error) {
	if req.Proxy != "" {
		proxyURL, err := url.Parse(req.Proxy)
		if err != nil {
			return fetch.Response{}, &fetch.ProtocolError{URL: req.URL, Err: fmt.Errorf("parse proxy: %w", err)}
		}
		ctx = session.WithProxy(ctx, proxyURL)
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return fetch.Response{}, &fetch.ProtocolError{URL: req.URL, Err: err}
	}
	httpReq.Header = req.Header.Clone()
	if httpReq.Header == nil {
		httpReq.Header = make(http.Header)
	}
	if req.UserAgent != "" {
		httpReq.Header.Set("User-Agent", req.UserAgent)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fetch.Response{}, classifyTransport(req, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	limit := d.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return fetch.Response{}, classifyTransport(req, fmt.Errorf("read body: %w", err))
	}
	if int64(len(data)) > limit {
		return fetch.Response{}, &fetch.ProtocolError{URL: req.URL, Err: fmt.Errorf("body exceeds %d bytes", limit)}
	}

	return fetch.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
		FinalURL:   resp.Request.URL.String(),
	}, nil
}

func classifyTransport(req fetch.Request, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &fetch.TimeoutError{URL: req.URL, Timeout: req.Timeout, Err: err}
	}
	return &fetch.TransportError{URL: req.URL, Err: err}
}

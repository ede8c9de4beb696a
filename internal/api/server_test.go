package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchcore/internal/app"
	"github.com/JakeFAU/fetchcore/internal/batch"
	"github.com/JakeFAU/fetchcore/internal/config"
	"github.com/JakeFAU/fetchcore/internal/fetch"
	"github.com/JakeFAU/fetchcore/internal/policy/ratelimit"
	"github.com/JakeFAU/fetchcore/internal/proxy"
	"github.com/JakeFAU/fetchcore/internal/render"
	"github.com/JakeFAU/fetchcore/internal/session"
	"github.com/JakeFAU/fetchcore/internal/useragent"
)

type fakeService struct {
	mu        sync.Mutex
	lastOpts  fetch.Options
	lastURLs  []string
	exportURI string
	exportErr error
	validErr  error
	panicOn   string
}

func (f *fakeService) DefaultOptions() fetch.Options { return fetch.DefaultOptions() }

func (f *fakeService) DefaultFormat() string { return "json" }

func (f *fakeService) FetchOne(_ context.Context, url string, opts fetch.Options) fetch.Result {
	f.mu.Lock()
	f.lastOpts = opts
	f.mu.Unlock()
	if url == f.panicOn {
		panic("boom")
	}
	return fetch.NewSuccess(url, fetch.Response{StatusCode: http.StatusOK, Body: []byte("hello")}, time.Millisecond, 1)
}

func (f *fakeService) FetchMany(_ context.Context, urls []string, opts fetch.Options) (app.Batch, error) {
	f.mu.Lock()
	f.lastOpts = opts
	f.lastURLs = urls
	f.mu.Unlock()
	results := make([]fetch.Result, len(urls))
	for i, u := range urls {
		results[i] = fetch.NewSuccess(u, fetch.Response{StatusCode: http.StatusOK}, time.Millisecond, 1)
	}
	return app.Batch{ID: "batch-1", Strategy: "concurrent", Summary: batch.Summarize(results), Results: results}, nil
}

func (f *fakeService) Render(data any, format string) ([]byte, error) {
	return render.New().Render(data, format)
}

func (f *fakeService) Export(context.Context, []fetch.Result, string) (string, error) {
	return f.exportURI, f.exportErr
}

func (f *fakeService) SessionStats() session.PerformanceStats {
	return session.PerformanceStats{ActiveSessions: 2}
}

func (f *fakeService) RateLimitStats() ratelimit.Stats {
	return ratelimit.Stats{RequestsPerSecond: 1}
}

func (f *fakeService) ProxyStats() proxy.Stats {
	return proxy.Stats{Total: 3, HealthyCount: 2, UnhealthyCount: 1}
}

func (f *fakeService) ValidateProxies(context.Context) (proxy.Stats, error) {
	return proxy.Stats{Total: 3, HealthyCount: 3}, f.validErr
}

func (f *fakeService) AgentStats() useragent.Stats {
	return useragent.Stats{Total: 7, Custom: 1, Defaults: 6}
}

func newTestServer(svc Service, mutate ...func(*config.Config)) *Server {
	cfg := config.Config{}
	for _, m := range mutate {
		m(&cfg)
	}
	return NewServer(svc, cfg, zap.NewNop())
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(&fakeService{}), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.True(t, validRequestID(rec.Header().Get(RequestIDHeader)))
}

func validRequestID(id string) bool {
	return len(id) == 36 && strings.Count(id, "-") == 4
}

func TestServer_RequestIDIsEchoedWhenValid(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeService{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "0190b6b2-8f4e-7c3a-9d2e-1a2b3c4d5e6f")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, "0190b6b2-8f4e-7c3a-9d2e-1a2b3c4d5e6f", rec.Header().Get(RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "not a uuid\r\n")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.NotEqual(t, "not a uuid\r\n", rec.Header().Get(RequestIDHeader))
	require.True(t, validRequestID(rec.Header().Get(RequestIDHeader)))
}

func TestServer_FetchOne_AppliesOverrides(t *testing.T) {
	t.Parallel()

	svc := &fakeService{}
	body := `{"url":"https://example.com","include_body":true,"options":{"max_retries":1,"timeout_seconds":2.5,"adaptive_retries":false,"method":"head","headers":{"accept":"text/html"}}}`
	rec := do(t, newTestServer(svc), http.MethodPost, "/v1/fetch", body)

	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "https://example.com", got["url"])
	require.Equal(t, "success", got["outcome"])
	require.Equal(t, "hello", got["body"])

	require.Equal(t, 1, svc.lastOpts.MaxRetries)
	require.Equal(t, 2500*time.Millisecond, svc.lastOpts.Timeout)
	require.False(t, svc.lastOpts.AdaptiveRetries)
	require.Equal(t, http.MethodHead, svc.lastOpts.Method)
	require.Equal(t, "text/html", svc.lastOpts.Header.Get("Accept"))
	require.Equal(t, fetch.DefaultSessionID, svc.lastOpts.SessionID)
}

func TestServer_FetchOne_BadRequests(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeService{})
	cases := map[string]string{
		"invalid json":     `{invalid`,
		"missing url":      `{"url":"  "}`,
		"negative retries": `{"url":"https://a","options":{"max_retries":-1}}`,
		"bad proxy":        `{"url":"https://a","options":{"proxy_list":["ftp://p:1"]}}`,
	}
	for name, body := range cases {
		rec := do(t, s, http.MethodPost, "/v1/fetch", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, name)
		require.Contains(t, rec.Body.String(), "error", name)
	}

	rec := do(t, s, http.MethodPost, "/v1/fetch?format=pdf", `{"url":"https://a"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_FetchOne_RendersFormat(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(&fakeService{}), http.MethodPost, "/v1/fetch?format=csv", `{"url":"https://a"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Body.String(), "https://a")
}

func TestServer_Batch(t *testing.T) {
	t.Parallel()

	svc := &fakeService{}
	rec := do(t, newTestServer(svc), http.MethodPost, "/v1/batch", `{"urls":["https://a","https://b"]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "batch-1", rec.Header().Get("X-Batch-ID"))
	var got struct {
		ID      string         `json:"batch_id"`
		Summary batch.Summary  `json:"summary"`
		Results []fetch.Result `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "batch-1", got.ID)
	require.Equal(t, 2, got.Summary.Succeeded)
	require.Len(t, got.Results, 2)
	require.Equal(t, "https://b", got.Results[1].URL)
	require.Equal(t, []string{"https://a", "https://b"}, svc.lastURLs)
}

func TestServer_BatchLimits(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeService{}, func(c *config.Config) { c.Server.MaxBatchURLs = 1 })
	rec := do(t, s, http.MethodPost, "/v1/batch", `{"urls":["https://a","https://b"]}`)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/batch", `{"urls":[]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "urls required")
}

func TestServer_BatchExport(t *testing.T) {
	t.Parallel()

	svc := &fakeService{exportURI: "memory://exports/x.json"}
	rec := do(t, newTestServer(svc), http.MethodPost, "/v1/batch?export=true", `{"urls":["https://a"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "memory://exports/x.json", rec.Header().Get("X-Export-URI"))
	require.Contains(t, rec.Body.String(), `"export_uri":"memory://exports/x.json"`)

	svc = &fakeService{exportErr: app.ErrExportDisabled}
	rec = do(t, newTestServer(svc), http.MethodPost, "/v1/batch?export=1", `{"urls":["https://a"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "export is disabled")
}

func TestServer_StatsEndpoints(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeService{})

	rec := do(t, s, http.MethodGet, "/v1/proxies", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"healthy_count":2`)

	rec = do(t, s, http.MethodGet, "/v1/agents", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"custom":1`)

	rec = do(t, s, http.MethodGet, "/v1/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"rate_limit"`)

	rec = do(t, s, http.MethodPost, "/v1/proxies/validate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"healthy_count":3`)
}

func TestServer_ValidateProxiesError(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(&fakeService{validErr: errors.New("probe failed")}), http.MethodPost, "/v1/proxies/validate", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "probe failed")
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(&fakeService{panicOn: "https://panic"}), http.MethodPost, "/v1/fetch", `{"url":"https://panic"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeService{}, func(c *config.Config) {
		c.Auth.Enabled = true
		c.Auth.APIKey = "secret"
	})

	rec := do(t, s, http.MethodGet, "/v1/agents", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
	req.Header.Set("X-API-Key", "secret")
	ok := httptest.NewRecorder()
	s.Handler().ServeHTTP(ok, req)
	require.Equal(t, http.StatusOK, ok.Code)

	rec = do(t, s, http.MethodGet, "/v1/agents?api_key=secret", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(&fakeService{}), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

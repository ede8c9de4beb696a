package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchcore/internal/app"
	"github.com/JakeFAU/fetchcore/internal/config"
	"github.com/JakeFAU/fetchcore/internal/fetch"
	"github.com/JakeFAU/fetchcore/internal/metrics"
	"github.com/JakeFAU/fetchcore/internal/policy/ratelimit"
	"github.com/JakeFAU/fetchcore/internal/proxy"
	"github.com/JakeFAU/fetchcore/internal/render"
	"github.com/JakeFAU/fetchcore/internal/session"
	"github.com/JakeFAU/fetchcore/internal/useragent"
)

// DefaultMaxBatchURLs caps POST /v1/batch when server.max_batch_urls is unset.
const DefaultMaxBatchURLs = 1000

// Service is the slice of *app.App the handlers need.
type Service interface {
	DefaultOptions() fetch.Options
	DefaultFormat() string
	FetchOne(ctx context.Context, url string, opts fetch.Options) fetch.Result
	FetchMany(ctx context.Context, urls []string, opts fetch.Options) (app.Batch, error)
	Render(data any, format string) ([]byte, error)
	Export(ctx context.Context, results []fetch.Result, format string) (string, error)
	SessionStats() session.PerformanceStats
	RateLimitStats() ratelimit.Stats
	ProxyStats() proxy.Stats
	ValidateProxies(ctx context.Context) (proxy.Stats, error)
	AgentStats() useragent.Stats
}

// Server wires HTTP handlers to the fetch service.
type Server struct {
	router   chi.Router
	svc      Service
	logger   *zap.Logger
	maxBatch int
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Service, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		svc:      svc,
		logger:   logger,
		maxBatch: cfg.Server.MaxBatchURLs,
	}
	if s.maxBatch <= 0 {
		s.maxBatch = DefaultMaxBatchURLs
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/fetch", s.fetchOne)
		r.Post("/batch", s.fetchBatch)
		r.Get("/sessions", s.sessions)
		r.Get("/proxies", s.proxies)
		r.Post("/proxies/validate", s.validateProxies)
		r.Get("/agents", s.agents)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// optionsRequest overrides per-call defaults. Nil fields keep the configured value.
type optionsRequest struct {
	UseProxy          *bool             `json:"use_proxy"`
	ProxyList         []string          `json:"proxy_list"`
	RateLimit         *float64          `json:"rate_limit"`
	TimeoutSeconds    *float64          `json:"timeout_seconds"`
	MaxRetries        *int              `json:"max_retries"`
	ConcurrencyLimit  *int              `json:"concurrency_limit"`
	SessionID         string            `json:"session_id"`
	UserAgentOverride string            `json:"user_agent_override"`
	UserAgentFamily   string            `json:"user_agent_family"`
	AdaptiveRetries   *bool             `json:"adaptive_retries"`
	Method            string            `json:"method"`
	Headers           map[string]string `json:"headers"`
}

type fetchRequest struct {
	URL         string         `json:"url"`
	Options     optionsRequest `json:"options"`
	IncludeBody bool           `json:"include_body"`
}

type batchRequest struct {
	URLs    []string       `json:"urls"`
	Options optionsRequest `json:"options"`
}

type fetchResponse struct {
	fetch.Result
	Body string `json:"body,omitempty"`
}

type batchResponse struct {
	app.Batch
	ExportURI   string `json:"export_uri,omitempty"`
	ExportError string `json:"export_error,omitempty"`
}

func (s *Server) fetchOne(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		s.writeError(w, http.StatusBadRequest, "url required")
		return
	}
	opts, err := s.options(req.Options)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	format, ok := s.format(w, r)
	if !ok {
		return
	}

	res := s.svc.FetchOne(r.Context(), req.URL, opts)
	if format != render.FormatJSON {
		s.writeRendered(w, []fetch.Result{res}, format)
		return
	}
	out := fetchResponse{Result: res}
	if req.IncludeBody {
		out.Body = string(res.Body)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) fetchBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		s.writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	if len(req.URLs) > s.maxBatch {
		s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("at most %d urls per batch", s.maxBatch))
		return
	}
	opts, err := s.options(req.Options)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	format, ok := s.format(w, r)
	if !ok {
		return
	}
	export, _ := strconv.ParseBool(r.URL.Query().Get("export"))

	b, err := s.svc.FetchMany(r.Context(), req.URLs, opts)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := batchResponse{Batch: b}
	if export {
		uri, err := s.svc.Export(r.Context(), b.Results, string(format))
		if err != nil {
			s.logger.Warn("export batch", zap.String("batch_id", b.ID), zap.Error(err))
			out.ExportError = err.Error()
		} else {
			out.ExportURI = uri
			w.Header().Set("X-Export-URI", uri)
		}
	}
	w.Header().Set("X-Batch-ID", b.ID)
	if format != render.FormatJSON {
		s.writeRendered(w, b.Results, format)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) sessions(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"sessions":   s.svc.SessionStats(),
		"rate_limit": s.svc.RateLimitStats(),
	})
}

func (s *Server) proxies(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.svc.ProxyStats())
}

func (s *Server) validateProxies(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()
	stats, err := s.svc.ValidateProxies(ctx)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) agents(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.svc.AgentStats())
}

func (s *Server) options(req optionsRequest) (fetch.Options, error) {
	opts := s.svc.DefaultOptions()
	if req.UseProxy != nil {
		opts.UseProxy = *req.UseProxy
	}
	if len(req.ProxyList) > 0 {
		opts.ProxyList = req.ProxyList
	}
	if req.RateLimit != nil {
		opts.RateLimit = *req.RateLimit
	}
	if req.TimeoutSeconds != nil {
		opts.Timeout = time.Duration(*req.TimeoutSeconds * float64(time.Second))
	}
	if req.MaxRetries != nil {
		opts.MaxRetries = *req.MaxRetries
	}
	if req.ConcurrencyLimit != nil {
		opts.ConcurrencyLimit = *req.ConcurrencyLimit
	}
	if req.SessionID != "" {
		opts.SessionID = req.SessionID
	}
	if req.UserAgentOverride != "" {
		opts.UserAgentOverride = req.UserAgentOverride
	}
	if req.UserAgentFamily != "" {
		opts.UserAgentFamily = req.UserAgentFamily
	}
	if req.AdaptiveRetries != nil {
		opts.AdaptiveRetries = *req.AdaptiveRetries
	}
	if req.Method != "" {
		opts.Method = strings.ToUpper(req.Method)
	}
	if len(req.Headers) > 0 {
		opts.Header = make(http.Header, len(req.Headers))
		for k, v := range req.Headers {
			opts.Header.Set(k, v)
		}
	}
	if err := opts.Validate(); err != nil {
		return fetch.Options{}, err
	}
	return opts, nil
}

// format reads ?format=, falling back to the configured default.
func (s *Server) format(w http.ResponseWriter, r *http.Request) (render.Format, bool) {
	name := r.URL.Query().Get("format")
	if name == "" {
		name = s.svc.DefaultFormat()
	}
	f, err := render.ParseFormat(name)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return f, true
}

func (s *Server) writeRendered(w http.ResponseWriter, results []fetch.Result, format render.Format) {
	data, err := s.svc.Render(results, string(format))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Error("write rendered response", zap.Error(err))
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

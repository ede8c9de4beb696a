// Package app builds the long-lived fetching services from configuration and
// exposes the operations the CLI and HTTP API call into.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	pubsubapi "cloud.google.com/go/pubsub/v2"
	gcsapi "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchcore/internal/batch"
	"github.com/JakeFAU/fetchcore/internal/clock/system"
	"github.com/JakeFAU/fetchcore/internal/config"
	"github.com/JakeFAU/fetchcore/internal/engine"
	"github.com/JakeFAU/fetchcore/internal/fetch"
	"github.com/JakeFAU/fetchcore/internal/fetcher/headless"
	"github.com/JakeFAU/fetchcore/internal/hash/sha256"
	"github.com/JakeFAU/fetchcore/internal/id/uuid"
	"github.com/JakeFAU/fetchcore/internal/metrics"
	"github.com/JakeFAU/fetchcore/internal/policy/ratelimit"
	"github.com/JakeFAU/fetchcore/internal/progress"
	"github.com/JakeFAU/fetchcore/internal/progress/sinks"
	"github.com/JakeFAU/fetchcore/internal/proxy"
	"github.com/JakeFAU/fetchcore/internal/publisher"
	pubsubpublisher "github.com/JakeFAU/fetchcore/internal/publisher/pubsub"
	"github.com/JakeFAU/fetchcore/internal/render"
	"github.com/JakeFAU/fetchcore/internal/session"
	"github.com/JakeFAU/fetchcore/internal/storage"
	"github.com/JakeFAU/fetchcore/internal/storage/gcs"
	"github.com/JakeFAU/fetchcore/internal/storage/local"
	"github.com/JakeFAU/fetchcore/internal/storage/memory"
	"github.com/JakeFAU/fetchcore/internal/storage/postgres"
	"github.com/JakeFAU/fetchcore/internal/useragent"
)

// ErrExportDisabled is returned by Export when no blob store is configured.
var ErrExportDisabled = errors.New("export is disabled (storage.backend=none)")

// Deps overrides collaborators that would otherwise be built from config.
// Zero fields are constructed from config.
type Deps struct {
	Dispatcher engine.Dispatcher
	Prober     proxy.Prober
	Blobs      storage.BlobStore
	Results    storage.ResultStore
	Publisher  publisher.Publisher
	Clock      fetch.Clock
	IDs        fetch.IDGenerator
	Hasher     fetch.Hasher
}

// App holds the shared services. It is safe for concurrent use.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	limiter  *ratelimit.Limiter
	proxies  *proxy.Rotator
	agents   *useragent.Pool
	sessions *session.Manager
	engine   *engine.Engine
	batch    *batch.Coordinator
	renderer *render.Renderer
	hub      *progress.Hub

	blobs     storage.BlobStore
	results   storage.ResultStore
	publisher publisher.Publisher
	clock     fetch.Clock
	ids       fetch.IDGenerator
	hasher    fetch.Hasher

	closers []func()
}

// Batch is the outcome of FetchMany.
type Batch struct {
	ID          string         `json:"batch_id"`
	Strategy    string         `json:"strategy"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Summary     batch.Summary  `json:"summary"`
	Results     []fetch.Result `json:"results"`
}

// New wires every component. It fails fast on configuration errors.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, deps Deps) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:       cfg,
		logger:    logger,
		renderer:  render.New(),
		clock:     deps.Clock,
		ids:       deps.IDs,
		hasher:    deps.Hasher,
		blobs:     deps.Blobs,
		results:   deps.Results,
		publisher: deps.Publisher,
	}
	if a.clock == nil {
		a.clock = system.New()
	}
	if a.ids == nil {
		a.ids = uuid.New()
	}
	if a.hasher == nil {
		a.hasher = sha256.New()
	}

	if err := a.build(ctx, deps); err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("fetch services ready",
		zap.String("strategy", string(a.batch.Strategy())),
		zap.Int("proxies", a.proxies.Stats().Total),
		zap.Int("user_agents", a.agents.Len()),
		zap.Bool("export", a.blobs != nil),
		zap.Bool("persist", a.results != nil),
		zap.Bool("publish", a.publisher != nil),
	)
	return a, nil
}

func (a *App) build(ctx context.Context, deps Deps) error {
	cfg := a.cfg
	var err error

	a.limiter, err = ratelimit.New(cfg.RateLimiter(), a.clock, a.logger.Named("ratelimit"))
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	prober := deps.Prober
	if prober == nil {
		prober = proxy.NewHTTPProber(cfg.Proxy.ProbeURL, cfg.ProbeTimeout())
	}
	a.proxies, err = proxy.New(cfg.ProxyRotator(), prober, a.clock, a.logger.Named("proxy"))
	if err != nil {
		return fmt.Errorf("proxy rotator: %w", err)
	}

	a.agents = useragent.New(cfg.UserAgent.Agents)

	a.sessions, err = session.New(cfg.Session(), a.clock, a.logger.Named("session"))
	if err != nil {
		return fmt.Errorf("session manager: %w", err)
	}
	a.closers = append(a.closers, a.sessions.CloseAll)

	if cfg.Progress.Enabled {
		if err := a.startProgress(); err != nil {
			return err
		}
	}

	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher, err = a.dispatcher()
		if err != nil {
			return err
		}
	}

	engCfg := engine.DefaultConfig()
	engCfg.ConcurrencyLimit = cfg.Fetch.ConcurrencyLimit
	engCfg.InitialRate = cfg.Fetch.RateLimit
	engCfg.OnTransition = a.onTransition
	if cfg.Fetch.MaxBackoffSeconds > 0 {
		engCfg.MaxBackoff = time.Duration(cfg.Fetch.MaxBackoffSeconds) * time.Second
	}
	a.engine, err = engine.New(engCfg, a.limiter, a.proxies, a.agents, a.sessions, dispatcher, a.logger.Named("engine"))
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	a.batch, err = batch.New(a.engine, cfg.Batch(), a.logger.Named("batch"))
	if err != nil {
		return fmt.Errorf("batch coordinator: %w", err)
	}

	if a.blobs == nil {
		if a.blobs, err = a.blobStore(ctx); err != nil {
			return err
		}
	}
	if a.results == nil && cfg.DB.DSN != "" {
		if a.results, err = a.resultStore(ctx); err != nil {
			return err
		}
	}
	if a.publisher == nil && cfg.PubSub.ProjectID != "" {
		if a.publisher, err = a.pubsub(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) startProgress() error {
	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		return fmt.Errorf("progress metrics: %w", err)
	}
	hubSinks := []progress.Sink{promSink}
	if a.cfg.Progress.LogEvents {
		hubSinks = append(hubSinks, sinks.NewLogSink(a.logger.Named("progress")))
	}
	hubCfg := a.cfg.ProgressHub()
	hubCfg.Logger = a.logger.Named("progress")
	a.hub = progress.NewHub(hubCfg, hubSinks...)
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("close progress hub", zap.Error(err))
		}
	})
	return nil
}

// onTransition forwards engine state changes to the progress hub.
func (a *App) onTransition(url string, attempt int, s engine.State) {
	if a.hub == nil {
		return
	}
	a.hub.Emit(progress.Event{
		TS:      a.clock.Now(),
		Stage:   progress.Stage(s.String()),
		URL:     url,
		Site:    metrics.SanitizeSite(url),
		Attempt: attempt,
	})
}

func (a *App) dispatcher() (engine.Dispatcher, error) {
	if !a.cfg.Headless.Enabled {
		d := engine.NewHTTPDispatcher()
		if a.cfg.Fetch.MaxBodyBytes > 0 {
			d.MaxBodyBytes = a.cfg.Fetch.MaxBodyBytes
		}
		return d, nil
	}
	d, err := headless.New(a.cfg.HeadlessDispatcher(), a.logger.Named("headless"))
	if err != nil {
		return nil, fmt.Errorf("headless dispatcher: %w", err)
	}
	a.closers = append(a.closers, d.Close)
	return d, nil
}

func (a *App) blobStore(ctx context.Context) (storage.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendNone:
		return nil, nil
	case config.BackendMemory:
		return memory.NewBlobStore(), nil
	case config.BackendGCS:
		client, err := gcsapi.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := client.Close(); err != nil {
				a.logger.Error("close gcs client", zap.Error(err))
			}
		})
		store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket, Prefix: a.cfg.Storage.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store: %w", err)
		}
		return store, nil
	default:
		store, err := local.New(local.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store: %w", err)
		}
		return store, nil
	}
}

func (a *App) resultStore(ctx context.Context) (storage.ResultStore, error) {
	store, err := postgres.New(ctx, postgres.Config{
		DSN:             a.cfg.DB.DSN,
		Table:           a.cfg.DB.Table,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(a.cfg.DB.MaxConnLifetimeMinutes) * time.Minute,
	}, a.ids)
	if err != nil {
		return nil, fmt.Errorf("result store: %w", err)
	}
	a.closers = append(a.closers, store.Close)
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (a *App) pubsub(ctx context.Context) (publisher.Publisher, error) {
	client, err := pubsubapi.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	pub := pubsubpublisher.New(client.Publisher(a.cfg.PubSub.TopicName))
	// Stop must flush before the client closes.
	a.closers = append(a.closers, func() {
		pub.Stop()
		if err := client.Close(); err != nil {
			a.logger.Error("close pubsub client", zap.Error(err))
		}
	})
	return pub, nil
}

// DefaultOptions returns per-call options seeded from configuration.
func (a *App) DefaultOptions() fetch.Options {
	return a.cfg.FetchOptions()
}

// DefaultFormat is the configured render format.
func (a *App) DefaultFormat() string {
	return a.cfg.Output.Format
}

// FetchOne fetches a single URL.
func (a *App) FetchOne(ctx context.Context, url string, opts fetch.Options) fetch.Result {
	return a.engine.Fetch(ctx, url, opts)
}

// FetchMany fetches every URL with the configured strategy, then persists the
// rows and announces the batch. Persistence and publish failures are logged;
// the results are still returned.
func (a *App) FetchMany(ctx context.Context, urls []string, opts fetch.Options) (Batch, error) {
	id, err := a.ids.NewID()
	if err != nil {
		return Batch{}, fmt.Errorf("generate batch id: %w", err)
	}
	started := a.clock.Now()
	a.hub.Emit(progress.Event{TS: started, Stage: progress.StageBatchStart, BatchID: id, Total: len(urls)})
	results := a.batch.Run(ctx, urls, opts)
	b := Batch{
		ID:          id,
		Strategy:    string(a.batch.Strategy()),
		StartedAt:   started,
		CompletedAt: a.clock.Now(),
		Summary:     batch.Summarize(results),
		Results:     results,
	}
	a.hub.Emit(progress.Event{
		TS:      b.CompletedAt,
		Stage:   progress.StageBatchDone,
		BatchID: id,
		Total:   b.Summary.Total,
		Failed:  b.Summary.Failed,
		Dur:     b.CompletedAt.Sub(started),
	})
	logger := a.logger.With(zap.String("batch_id", id))

	// Downstream writes outlive a caller that gave up while fetching.
	sideCtx := context.WithoutCancel(ctx)
	if a.results != nil {
		if err := a.results.StoreResults(sideCtx, id, b.CompletedAt, results); err != nil {
			logger.Error("persist batch results", zap.Error(err))
		}
	}
	if a.publisher != nil {
		msgID, err := a.publisher.Publish(sideCtx, publisher.BatchCompleted{
			BatchID:     id,
			Strategy:    b.Strategy,
			Total:       b.Summary.Total,
			Succeeded:   b.Summary.Succeeded,
			Failed:      b.Summary.Failed,
			ByKind:      b.Summary.ByKind,
			StartedAt:   b.StartedAt,
			CompletedAt: b.CompletedAt,
		})
		if err != nil {
			logger.Error("publish batch event", zap.Error(err))
		} else {
			logger.Debug("published batch event", zap.String("message_id", msgID))
		}
	}
	return b, nil
}

// Render serializes data in the named format.
func (a *App) Render(data any, format string) ([]byte, error) {
	return a.renderer.Render(data, format)
}

// Export renders results and writes them to the blob store under a key that
// embeds a content hash. It returns the stored object's URI.
func (a *App) Export(ctx context.Context, results []fetch.Result, format string) (string, error) {
	if a.blobs == nil {
		return "", ErrExportDisabled
	}
	f, err := render.ParseFormat(format)
	if err != nil {
		return "", err
	}
	data, err := a.renderer.Render(results, string(f))
	if err != nil {
		return "", err
	}
	digest, err := a.hasher.Hash(data)
	if err != nil {
		return "", fmt.Errorf("hash export: %w", err)
	}
	id, err := a.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate export id: %w", err)
	}
	obj := storage.Object{
		Key:         storage.ExportKey(id, digest, f.Extension(), a.clock.Now()),
		ContentType: f.ContentType(),
		Metadata:    map[string]string{"sha256": digest, "format": string(f), "results": fmt.Sprint(len(results))},
	}
	uri, err := a.blobs.Put(ctx, obj, data)
	if err != nil {
		return "", fmt.Errorf("store export: %w", err)
	}
	a.logger.Info("exported results", zap.String("uri", uri), zap.Int("bytes", len(data)))
	return uri, nil
}

// SessionStats reports connection manager performance.
func (a *App) SessionStats() session.PerformanceStats {
	return a.sessions.Stats()
}

// RateLimitStats reports the limiter state.
func (a *App) RateLimitStats() ratelimit.Stats {
	return a.limiter.Stats()
}

// ProxyStats reports the proxy pool without triggering validation.
func (a *App) ProxyStats() proxy.Stats {
	return a.proxies.Stats()
}

// ValidateProxies probes every proxy now.
func (a *App) ValidateProxies(ctx context.Context) (proxy.Stats, error) {
	return a.proxies.Validate(ctx)
}

// AgentStats reports user-agent usage.
func (a *App) AgentStats() useragent.Stats {
	return a.agents.Stats()
}

// Close releases pooled connections and external clients in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

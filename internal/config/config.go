// Package config loads and validates fetchcore configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/fetchcore/internal/batch"
	"github.com/JakeFAU/fetchcore/internal/fetch"
	"github.com/JakeFAU/fetchcore/internal/fetcher/headless"
	"github.com/JakeFAU/fetchcore/internal/policy/ratelimit"
	"github.com/JakeFAU/fetchcore/internal/progress"
	"github.com/JakeFAU/fetchcore/internal/proxy"
	"github.com/JakeFAU/fetchcore/internal/render"
	"github.com/JakeFAU/fetchcore/internal/session"
	"github.com/JakeFAU/fetchcore/internal/telemetry"
)

// EnvPrefix namespaces environment overrides, e.g. FETCHCORE_FETCH_RATE_LIMIT.
const EnvPrefix = "FETCHCORE"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	UserAgent UserAgentConfig `mapstructure:"useragent"`
	Session   SessionConfig   `mapstructure:"session"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Output    OutputConfig    `mapstructure:"output"`
	Progress  ProgressConfig  `mapstructure:"progress"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
	MaxBatchURLs           int `mapstructure:"max_batch_urls"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// FetchConfig holds per-call option defaults and engine settings.
type FetchConfig struct {
	RateLimit         float64 `mapstructure:"rate_limit"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	MaxRetries        int     `mapstructure:"max_retries"`
	ConcurrencyLimit  int     `mapstructure:"concurrency_limit"`
	Strategy          string  `mapstructure:"strategy"`
	AdaptiveRetries   bool    `mapstructure:"adaptive_retries"`
	UseProxy          bool    `mapstructure:"use_proxy"`
	SessionID         string  `mapstructure:"session_id"`
	MaxBackoffSeconds int     `mapstructure:"max_backoff_seconds"`
	MaxBodyBytes      int64   `mapstructure:"max_body_bytes"`
}

// RateLimitConfig tunes burst protection and adaptive pacing.
type RateLimitConfig struct {
	BurstLimit      int  `mapstructure:"burst_limit"`
	BurstPenaltyMs  int  `mapstructure:"burst_penalty_ms"`
	Adaptive        bool `mapstructure:"adaptive"`
	MaxDelaySeconds int  `mapstructure:"max_delay_seconds"`
}

// ProxyConfig seeds and validates the proxy pool.
type ProxyConfig struct {
	Proxies                   []string `mapstructure:"proxies"`
	ValidationIntervalSeconds int      `mapstructure:"validation_interval_seconds"`
	ProbeURL                  string   `mapstructure:"probe_url"`
	ProbeTimeoutSeconds       int      `mapstructure:"probe_timeout_seconds"`
	ProbeConcurrency          int      `mapstructure:"probe_concurrency"`
}

// UserAgentConfig adds custom agents and pins a default family.
type UserAgentConfig struct {
	Agents []string `mapstructure:"agents"`
	Family string   `mapstructure:"family"`
}

// SessionConfig sizes the pooled transports.
type SessionConfig struct {
	MaxConnections           int `mapstructure:"max_connections"`
	MaxConnsPerHost          int `mapstructure:"max_conns_per_host"`
	DNSTTLSeconds            int `mapstructure:"dns_ttl_seconds"`
	KeepaliveSeconds         int `mapstructure:"keepalive_seconds"`
	ConnectTimeoutSeconds    int `mapstructure:"connect_timeout_seconds"`
	RecomputeIntervalSeconds int `mapstructure:"recompute_interval_seconds"`
}

// BatchConfig controls batched fan-out.
type BatchConfig struct {
	Size           int `mapstructure:"size"`
	PauseMs        int `mapstructure:"pause_ms"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// HeadlessConfig switches the engine to the chromedp dispatcher.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
	SettleMs      int  `mapstructure:"settle_ms"`
}

// StorageConfig picks the export backend.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls result persistence. An empty DSN disables it.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	Table                  string `mapstructure:"table"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
}

// PubSubConfig holds the batch-completed topic. Empty values disable publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// OutputConfig sets the default render format.
type OutputConfig struct {
	Format string `mapstructure:"format"`
}

// ProgressConfig controls the lifecycle event hub.
type ProgressConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
	LogEvents      bool `mapstructure:"log_events"`
}

// Storage backends.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("server.max_batch_urls", 1000)
	v.SetDefault("fetch.rate_limit", 1.0)
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.concurrency_limit", 100)
	v.SetDefault("fetch.strategy", string(batch.StrategyConcurrent))
	v.SetDefault("fetch.adaptive_retries", true)
	v.SetDefault("fetch.use_proxy", false)
	v.SetDefault("fetch.session_id", fetch.DefaultSessionID)
	v.SetDefault("fetch.max_backoff_seconds", 30)
	v.SetDefault("fetch.max_body_bytes", 10<<20)
	v.SetDefault("ratelimit.burst_limit", 5)
	v.SetDefault("ratelimit.burst_penalty_ms", 500)
	v.SetDefault("ratelimit.adaptive", false)
	v.SetDefault("ratelimit.max_delay_seconds", 30)
	v.SetDefault("proxy.proxies", []string{})
	v.SetDefault("proxy.validation_interval_seconds", 300)
	v.SetDefault("proxy.probe_url", "http://httpbin.org/ip")
	v.SetDefault("proxy.probe_timeout_seconds", 10)
	v.SetDefault("proxy.probe_concurrency", 16)
	v.SetDefault("useragent.agents", []string{})
	v.SetDefault("useragent.family", "")
	v.SetDefault("session.max_connections", 50)
	v.SetDefault("session.max_conns_per_host", 30)
	v.SetDefault("session.dns_ttl_seconds", 300)
	v.SetDefault("session.keepalive_seconds", 60)
	v.SetDefault("session.connect_timeout_seconds", 10)
	v.SetDefault("session.recompute_interval_seconds", 30)
	v.SetDefault("batch.size", 0)
	v.SetDefault("batch.pause_ms", 500)
	v.SetDefault("batch.timeout_seconds", 0)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.settle_ms", 500)
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.local_dir", "exports")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "fetch_results")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("tracing.service_name", "fetchcore")
	v.SetDefault("tracing.project_id", "")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("output.format", string(render.FormatJSON))
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 500)
	v.SetDefault("progress.max_batch_wait_ms", 250)
	v.SetDefault("progress.log_events", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.MaxBatchURLs <= 0 {
		return fmt.Errorf("server.max_batch_urls must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Fetch.RateLimit < 0 {
		return fmt.Errorf("fetch.rate_limit must be >= 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries must be >= 0")
	}
	if c.Fetch.ConcurrencyLimit <= 0 {
		return fmt.Errorf("fetch.concurrency_limit must be > 0")
	}
	if _, err := batch.ParseStrategy(c.Fetch.Strategy); err != nil {
		return fmt.Errorf("fetch.strategy must be blocking or concurrent")
	}
	if c.RateLimit.BurstLimit <= 0 {
		return fmt.Errorf("ratelimit.burst_limit must be > 0")
	}
	if c.RateLimit.BurstPenaltyMs < 0 {
		return fmt.Errorf("ratelimit.burst_penalty_ms must be >= 0")
	}
	for _, p := range c.Proxy.Proxies {
		if err := fetch.ValidateProxyURI(p); err != nil {
			return fmt.Errorf("proxy.proxies: %w", err)
		}
	}
	if c.Proxy.ValidationIntervalSeconds <= 0 {
		return fmt.Errorf("proxy.validation_interval_seconds must be > 0")
	}
	if c.Session.MaxConnections <= 0 || c.Session.MaxConnsPerHost <= 0 {
		return fmt.Errorf("session.max_connections and session.max_conns_per_host must be > 0")
	}
	if c.Batch.Size < 0 {
		return fmt.Errorf("batch.size must be >= 0")
	}
	if c.Batch.PauseMs < 0 || c.Batch.TimeoutSeconds < 0 {
		return fmt.Errorf("batch.pause_ms and batch.timeout_seconds must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Storage.Backend {
	case BackendNone, BackendMemory:
	case BackendLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of none, memory, local, gcs")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	if c.Progress.BufferSize < 0 || c.Progress.MaxBatchEvents < 0 || c.Progress.MaxBatchWaitMs < 0 {
		return fmt.Errorf("progress buffer and batch settings must be >= 0")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}
	if _, err := render.ParseFormat(c.Output.Format); err != nil {
		return fmt.Errorf("output.format: %w", err)
	}
	return nil
}

// FetchOptions converts fetch defaults into per-call options.
func (c Config) FetchOptions() fetch.Options {
	opts := fetch.DefaultOptions()
	opts.UseProxy = c.Fetch.UseProxy
	opts.RateLimit = c.Fetch.RateLimit
	opts.Timeout = seconds(c.Fetch.TimeoutSeconds)
	opts.MaxRetries = c.Fetch.MaxRetries
	opts.ConcurrencyLimit = c.Fetch.ConcurrencyLimit
	opts.AdaptiveRetries = c.Fetch.AdaptiveRetries
	opts.UserAgentFamily = c.UserAgent.Family
	if c.Fetch.SessionID != "" {
		opts.SessionID = c.Fetch.SessionID
	}
	return opts
}

// Strategy returns the parsed batch strategy.
func (c Config) Strategy() batch.Strategy {
	s, err := batch.ParseStrategy(c.Fetch.Strategy)
	if err != nil {
		return batch.StrategyConcurrent
	}
	return s
}

// RateLimiter converts rate limit settings.
func (c Config) RateLimiter() ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	cfg.RequestsPerSecond = c.Fetch.RateLimit
	cfg.BurstLimit = c.RateLimit.BurstLimit
	cfg.BurstPenalty = time.Duration(c.RateLimit.BurstPenaltyMs) * time.Millisecond
	cfg.Adaptive = c.RateLimit.Adaptive
	if c.RateLimit.MaxDelaySeconds > 0 {
		cfg.MaxDelay = seconds(c.RateLimit.MaxDelaySeconds)
	}
	return cfg
}

// ProxyRotator converts proxy pool settings.
func (c Config) ProxyRotator() proxy.Config {
	cfg := proxy.DefaultConfig()
	cfg.Proxies = append([]string(nil), c.Proxy.Proxies...)
	cfg.ValidationInterval = seconds(c.Proxy.ValidationIntervalSeconds)
	if t := c.ProbeTimeout(); t > 0 {
		cfg.ProbeTimeout = t
	}
	if c.Proxy.ProbeConcurrency > 0 {
		cfg.ProbeConcurrency = c.Proxy.ProbeConcurrency
	}
	return cfg
}

// ProbeTimeout is the per-proxy health check timeout.
func (c Config) ProbeTimeout() time.Duration {
	return seconds(c.Proxy.ProbeTimeoutSeconds)
}

// Session converts pool settings. Backoff tiers follow the strategy.
func (c Config) Session() session.Config {
	cfg := session.DefaultConfig()
	cfg.MaxConnections = c.Session.MaxConnections
	cfg.MaxConnsPerHost = c.Session.MaxConnsPerHost
	cfg.DNSCacheTTL = seconds(c.Session.DNSTTLSeconds)
	cfg.KeepAlive = seconds(c.Session.KeepaliveSeconds)
	cfg.ConnectTimeout = seconds(c.Session.ConnectTimeoutSeconds)
	cfg.RecomputeInterval = seconds(c.Session.RecomputeIntervalSeconds)
	cfg.BaseRetries = c.Fetch.MaxRetries
	cfg.ConcurrencyLimit = c.Fetch.ConcurrencyLimit
	if c.Strategy() == batch.StrategyBlocking {
		cfg.Tiers = session.BlockingTiers()
	} else {
		cfg.Tiers = session.ConcurrentTiers()
	}
	return cfg
}

// Batch converts batch coordinator settings.
func (c Config) Batch() batch.Config {
	return batch.Config{
		Strategy:   c.Strategy(),
		BatchSize:  c.Batch.Size,
		BatchPause: time.Duration(c.Batch.PauseMs) * time.Millisecond,
		Timeout:    seconds(c.Batch.TimeoutSeconds),
	}
}

// HeadlessDispatcher converts chromedp settings.
func (c Config) HeadlessDispatcher() headless.Config {
	return headless.Config{
		MaxParallel:       c.Headless.MaxParallel,
		NavigationTimeout: seconds(c.Headless.NavTimeoutSec),
		Settle:            time.Duration(c.Headless.SettleMs) * time.Millisecond,
	}
}

// ProgressHub converts event hub settings.
func (c Config) ProgressHub() progress.Config {
	return progress.Config{
		BufferSize:     c.Progress.BufferSize,
		MaxBatchEvents: c.Progress.MaxBatchEvents,
		MaxBatchWait:   time.Duration(c.Progress.MaxBatchWaitMs) * time.Millisecond,
	}
}

// Telemetry converts tracing settings.
func (c Config) Telemetry(version string) telemetry.Config {
	return telemetry.Config{
		ServiceName: c.Tracing.ServiceName,
		Version:     version,
		ProjectID:   c.Tracing.ProjectID,
		SampleRatio: c.Tracing.SampleRatio,
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

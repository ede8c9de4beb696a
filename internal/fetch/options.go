package fetch

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Options is the full set of knobs recognised by FetchOne and FetchMany.
type Options struct {
	UseProxy          bool          `json:"use_proxy" mapstructure:"use_proxy"`
	ProxyList         []string      `json:"proxy_list,omitempty" mapstructure:"proxy_list"`
	RateLimit         float64       `json:"rate_limit" mapstructure:"rate_limit"`
	Timeout           time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxRetries        int           `json:"max_retries" mapstructure:"max_retries"`
	ConcurrencyLimit  int           `json:"concurrency_limit" mapstructure:"concurrency_limit"`
	SessionID         string        `json:"session_id,omitempty" mapstructure:"session_id"`
	UserAgentOverride string        `json:"user_agent_override,omitempty" mapstructure:"user_agent_override"`

	// UserAgentFamily narrows the rotated agent to chrome, firefox, safari or mobile.
	UserAgentFamily string `json:"user_agent_family,omitempty" mapstructure:"user_agent_family"`
	// AdaptiveRetries derives the retry budget from the global failure rate,
	// treating MaxRetries as the base. When false MaxRetries is used verbatim.
	AdaptiveRetries bool        `json:"adaptive_retries" mapstructure:"adaptive_retries"`
	Method          string      `json:"method,omitempty" mapstructure:"method"`
	Header          http.Header `json:"headers,omitempty" mapstructure:"-"`
	Body            []byte      `json:"-" mapstructure:"-"`
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		RateLimit:        1.0,
		Timeout:          30 * time.Second,
		MaxRetries:       3,
		ConcurrencyLimit: 100,
		SessionID:        DefaultSessionID,
		AdaptiveRetries:  true,
		Method:           http.MethodGet,
	}
}

// WithDefaults fills zero-valued fields from DefaultOptions. Booleans are left alone.
func (o Options) WithDefaults() Options {
	def := DefaultOptions()
	if o.Timeout == 0 {
		o.Timeout = def.Timeout
	}
	if o.ConcurrencyLimit == 0 {
		o.ConcurrencyLimit = def.ConcurrencyLimit
	}
	if o.SessionID == "" {
		o.SessionID = def.SessionID
	}
	if o.Method == "" {
		o.Method = def.Method
	}
	return o
}

// Validate rejects values that can never produce a working fetch.
func (o Options) Validate() error {
	if o.RateLimit < 0 {
		return Configf("rate_limit", "must be >= 0, got %v", o.RateLimit)
	}
	if o.Timeout < 0 {
		return Configf("timeout", "must be >= 0, got %s", o.Timeout)
	}
	if o.MaxRetries < 0 {
		return Configf("max_retries", "must be >= 0, got %d", o.MaxRetries)
	}
	if o.ConcurrencyLimit < 0 {
		return Configf("concurrency_limit", "must be >= 0, got %d", o.ConcurrencyLimit)
	}
	for _, p := range o.ProxyList {
		if err := ValidateProxyURI(p); err != nil {
			return err
		}
	}
	return nil
}

// ValidateProxyURI checks that raw is an absolute proxy URI with a supported scheme.
func ValidateProxyURI(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Configf("proxy", "parse %q: %v", raw, err)
	}
	switch u.Scheme {
	case "http", "https", "socks5":
	default:
		return Configf("proxy", "unsupported scheme in %q", raw)
	}
	if u.Host == "" {
		return Configf("proxy", "missing host in %q", raw)
	}
	return nil
}

package fetch

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	assert.InDelta(t, 1.0, opts.RateLimit, 0)
	assert.Equal(t, 30*time.Second, opts.Timeout)
	assert.Equal(t, 3, opts.MaxRetries)
	assert.Equal(t, 100, opts.ConcurrencyLimit)
	assert.Equal(t, DefaultSessionID, opts.SessionID)
	assert.Equal(t, http.MethodGet, opts.Method)
	require.NoError(t, opts.Validate())
}

func TestOptionsWithDefaultsKeepsExplicitValues(t *testing.T) {
	t.Parallel()

	opts := Options{SessionID: "alpha", Timeout: time.Second}.WithDefaults()
	assert.Equal(t, "alpha", opts.SessionID)
	assert.Equal(t, time.Second, opts.Timeout)
	assert.Equal(t, 100, opts.ConcurrencyLimit)
	assert.Equal(t, http.MethodGet, opts.Method)
}

func TestOptionsValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts Options
		want string
	}{
		{name: "negative rate", opts: Options{RateLimit: -1}, want: "rate_limit"},
		{name: "negative timeout", opts: Options{Timeout: -time.Second}, want: "timeout"},
		{name: "negative retries", opts: Options{MaxRetries: -1}, want: "max_retries"},
		{name: "negative concurrency", opts: Options{ConcurrencyLimit: -2}, want: "concurrency_limit"},
		{name: "bad proxy scheme", opts: Options{ProxyList: []string{"ftp://proxy:21"}}, want: "proxy"},
		{name: "proxy without host", opts: Options{ProxyList: []string{"http://"}}, want: "proxy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.opts.Validate()
			require.Error(t, err)
			assert.Equal(t, KindConfiguration, KindOf(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestAdmissionDeadlineRoundTrip(t *testing.T) {
	t.Parallel()

	deadline := time.Unix(1700000000, 0)
	ctx := WithAdmissionDeadline(t.Context(), deadline)
	got, ok := AdmissionDeadline(ctx)
	require.True(t, ok)
	assert.Equal(t, deadline, got)

	_, ok = AdmissionDeadline(t.Context())
	assert.False(t, ok)
}

package headless

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fetchcore/internal/fetch"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{MaxParallel: -1}, nil)
	require.Error(t, err)
	assert.Equal(t, fetch.KindConfiguration, fetch.KindOf(err))

	d, err := New(Config{MaxParallel: 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, cap(d.limiter))
}

func TestNavTimeoutDefault(t *testing.T) {
	t.Parallel()

	d := &Dispatcher{}
	assert.Equal(t, 45*time.Second, d.navTimeout())
	d.cfg.NavigationTimeout = time.Second
	assert.Equal(t, time.Second, d.navTimeout())
}

func TestAcquireRespectsContext(t *testing.T) {
	t.Parallel()

	d, err := New(Config{MaxParallel: 1}, nil)
	require.NoError(t, err)
	require.NoError(t, d.acquire(t.Context()))

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	err = d.acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	d.release()
	require.NoError(t, d.acquire(t.Context()))
}

func TestAllocatorPerProxyAndClose(t *testing.T) {
	t.Parallel()

	d, err := New(Config{}, nil)
	require.NoError(t, err)

	direct, err := d.allocator("")
	require.NoError(t, err)
	again, err := d.allocator("")
	require.NoError(t, err)
	assert.Equal(t, direct, again)

	_, err = d.allocator("http://proxy:8080")
	require.NoError(t, err)
	assert.Len(t, d.allocators, 2)

	d.Close()
	assert.Empty(t, d.allocators)
	_, err = d.allocator("")
	require.Error(t, err)
}

func TestClassify(t *testing.T) {
	t.Parallel()
	req := fetch.Request{URL: "https://example.com", Timeout: time.Second}

	assert.Equal(t, fetch.KindTimeout, fetch.KindOf(classify(req, context.DeadlineExceeded)))
	assert.Equal(t, fetch.KindTransport, fetch.KindOf(classify(req, errors.New("net::ERR_NAME_NOT_RESOLVED"))))
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	h := toNetworkHeaders(http.Header{"X-Multi": {"a", "b"}, "X-One": {"v"}, "X-None": {}})
	assert.Equal(t, "v", h["X-One"])
	assert.Equal(t, []string{"a", "b"}, h["X-Multi"])
	assert.NotContains(t, h, "X-None")
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  204,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200, URL: "https://frame.example.com"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500, URL: "https://cdn.example.com/app.js"},
	})

	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	assert.Equal(t, 204, status)
	assert.Equal(t, "abc", headers.Get("X-Request-ID"))
	assert.Equal(t, "https://example.com/rendered", url)

	meta = newResponseMeta()
	status, _, url = meta.snapshotWithFallbacks("https://req", "https://final")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "https://final", url)

	_, _, url = newResponseMeta().snapshotWithFallbacks("https://req", "")
	assert.Equal(t, "https://req", url)
}

package session

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingResolver struct {
	calls atomic.Int32
	addrs []string
}

func (r *countingResolver) LookupHost(context.Context, string) ([]string, error) {
	r.calls.Add(1)
	return r.addrs, nil
}

func TestDNSCacheHonoursTTL(t *testing.T) {
	t.Parallel()

	now := time.Unix(0, 0)
	res := &countingResolver{addrs: []string{"127.0.0.1"}}
	cache := newDNSCache(time.Minute, &net.Dialer{})
	cache.resolver = res
	cache.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		addrs, err := cache.lookup(context.Background(), "example.test")
		require.NoError(t, err)
		assert.Equal(t, []string{"127.0.0.1"}, addrs)
	}
	assert.Equal(t, int32(1), res.calls.Load())

	now = now.Add(2 * time.Minute)
	_, err := cache.lookup(context.Background(), "example.test")
	require.NoError(t, err)
	assert.Equal(t, int32(2), res.calls.Load())
}

func TestDNSCacheSkipsLiteralIPs(t *testing.T) {
	t.Parallel()

	res := &countingResolver{}
	cache := newDNSCache(time.Minute, &net.Dialer{})
	cache.resolver = res

	addrs, err := cache.lookup(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1"}, addrs)
	assert.Zero(t, res.calls.Load())
}

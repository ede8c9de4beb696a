package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// resolver is the subset of net.Resolver used by dnsCache.
type resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

type dnsEntry struct {
	addrs   []string
	expires time.Time
}

// dnsCache memoises host lookups for ttl and dials the first reachable address.
type dnsCache struct {
	ttl      time.Duration
	resolver resolver
	dialer   *net.Dialer
	now      func() time.Time

	mu      sync.RWMutex
	entries map[string]dnsEntry
}

func newDNSCache(ttl time.Duration, dialer *net.Dialer) *dnsCache {
	return &dnsCache{
		ttl:      ttl,
		resolver: net.DefaultResolver,
		dialer:   dialer,
		now:      time.Now,
		entries:  make(map[string]dnsEntry),
	}
}

func (c *dnsCache) lookup(ctx context.Context, host string) ([]string, error) {
	if net.ParseIP(host) != nil {
		return []string{host}, nil
	}
	c.mu.RLock()
	entry, ok := c.entries[host]
	c.mu.RUnlock()
	if ok && c.now().Before(entry.expires) {
		return entry.addrs, nil
	}

	addrs, err := c.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", host, err)
	}
	c.mu.Lock()
	c.entries[host] = dnsEntry{addrs: addrs, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return addrs, nil
}

// DialContext satisfies http.Transport.DialContext.
func (c *dnsCache) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if c.ttl <= 0 {
		return c.dialer.DialContext(ctx, network, address)
	}
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("split address %q: %w", address, err)
	}
	addrs, err := c.lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, addr := range addrs {
		conn, err := c.dialer.DialContext(ctx, network, net.JoinHostPort(addr, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses for %s", host)
	}
	return nil, lastErr
}

package session

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fetchcore/internal/fetch"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newManager(t *testing.T, clock fetch.Clock) *Manager {
	t.Helper()
	m, err := New(DefaultConfig(), clock, nil)
	require.NoError(t, err)
	t.Cleanup(m.CloseAll)
	return m
}

func TestHandleIdentity(t *testing.T) {
	t.Parallel()

	m := newManager(t, nil)
	a1, err := m.Handle("a")
	require.NoError(t, err)
	a2, err := m.Handle("a")
	require.NoError(t, err)
	b, err := m.Handle("b")
	require.NoError(t, err)

	assert.Same(t, a1, a2)
	assert.NotSame(t, a1, b)
	assert.NotSame(t, a1.Client(), b.Client())
	assert.Equal(t, "a", a1.ID())
}

func TestHandleDefaultsToDefaultSession(t *testing.T) {
	t.Parallel()

	m := newManager(t, nil)
	h, err := m.Handle("")
	require.NoError(t, err)
	d, err := m.Handle(fetch.DefaultSessionID)
	require.NoError(t, err)
	assert.Same(t, h, d)
}

func TestHandleConcurrentCreation(t *testing.T) {
	t.Parallel()

	m := newManager(t, nil)
	handles := make([]*Handle, 32)
	var wg sync.WaitGroup
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := m.Handle("shared")
			if err == nil {
				handles[i] = h
			}
		}(i)
	}
	wg.Wait()

	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
	assert.Equal(t, []string{"shared"}, m.SessionIDs())
}

func TestRecordOutcomeStats(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := newManager(t, clock)
	h, err := m.Handle("s")
	require.NoError(t, err)

	m.RecordOutcome("s", Outcome{StatusCode: 200, Elapsed: 100 * time.Millisecond})
	m.RecordOutcome("s", Outcome{StatusCode: 503, Elapsed: 200 * time.Millisecond})
	m.RecordOutcome("s", Outcome{Err: errors.New("reset"), Elapsed: 200 * time.Millisecond})

	s := h.Stats()
	assert.Equal(t, int64(3), s.RequestsMade)
	assert.Equal(t, int64(2), s.Failures)
	assert.Equal(t, 2, s.ConsecutiveFailures)
	assert.Equal(t, clock.Now(), s.LastFailureAt)
	// 100 -> 0.7*100+0.3*200 = 130 -> 0.7*130+0.3*200 = 151
	assert.InDelta(t, float64(151*time.Millisecond), float64(s.AvgResponseTime), float64(time.Millisecond))

	m.RecordOutcome("s", Outcome{StatusCode: 404})
	assert.Equal(t, 3, h.Stats().ConsecutiveFailures)
	m.RecordOutcome("s", Outcome{StatusCode: 204})
	assert.Zero(t, h.Stats().ConsecutiveFailures)
}

func TestFailureRateRecomputedPeriodically(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := newManager(t, clock)
	_, err := m.Handle("a")
	require.NoError(t, err)
	_, err = m.Handle("b")
	require.NoError(t, err)

	assert.Zero(t, m.FailureRate(), "no requests recorded")

	m.RecordOutcome("a", Outcome{StatusCode: 500})
	m.RecordOutcome("b", Outcome{StatusCode: 200})
	assert.Zero(t, m.FailureRate(), "not recomputed before the interval")

	clock.Advance(31 * time.Second)
	m.RecordOutcome("b", Outcome{StatusCode: 200})
	assert.InDelta(t, 1.0/3.0, m.FailureRate(), 1e-9)
}

func TestFailureRateBounded(t *testing.T) {
	t.Parallel()

	m := newManager(t, nil)
	_, err := m.Handle("x")
	require.NoError(t, err)
	assert.Zero(t, m.Recompute())

	for i := 0; i < 50; i++ {
		o := Outcome{StatusCode: 200}
		if i%3 == 0 {
			o = Outcome{Err: errors.New("boom")}
		}
		m.RecordOutcome("x", o)
		rate := m.Recompute()
		require.GreaterOrEqual(t, rate, 0.0)
		require.LessOrEqual(t, rate, 1.0)
	}
}

func TestRetryPolicyTiers(t *testing.T) {
	t.Parallel()

	tiers := ConcurrentTiers()
	tests := []struct {
		rate    float64
		base    int
		retries int
		backoff time.Duration
	}{
		{rate: 0, base: 3, retries: 2, backoff: 300 * time.Millisecond},
		{rate: 0.05, base: 1, retries: 1, backoff: 300 * time.Millisecond},
		{rate: 0.1, base: 3, retries: 3, backoff: 500 * time.Millisecond},
		{rate: 0.29, base: 3, retries: 3, backoff: 500 * time.Millisecond},
		{rate: 0.3, base: 3, retries: 5, backoff: time.Second},
		{rate: 0.9, base: 9, retries: 10, backoff: time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("rate=%v/base=%d", tt.rate, tt.base), func(t *testing.T) {
			t.Parallel()
			p := tiers.Policy(tt.rate, tt.base)
			assert.Equal(t, tt.retries, p.Retries)
			assert.Equal(t, tt.backoff, p.Backoff)
		})
	}
}

func TestBackoffMonotonicInFailureRate(t *testing.T) {
	t.Parallel()

	for _, tiers := range []Tiers{ConcurrentTiers(), BlockingTiers()} {
		prev := time.Duration(0)
		for rate := 0.0; rate <= 1.0; rate += 0.05 {
			b := tiers.Policy(rate, 3).Backoff
			assert.GreaterOrEqual(t, b, prev)
			prev = b
		}
		assert.GreaterOrEqual(t, tiers.Policy(0.5, 3).Backoff, tiers.Policy(0.05, 3).Backoff)
	}
}

func TestTiersValidate(t *testing.T) {
	t.Parallel()

	bad := ConcurrentTiers()
	bad.Conservative = time.Millisecond
	require.Error(t, bad.Validate())

	bad = ConcurrentTiers()
	bad.HighThreshold = 0.05
	require.Error(t, bad.Validate())

	cfg := DefaultConfig()
	cfg.Tiers = bad
	_, err := New(cfg, nil, nil)
	require.Error(t, err)
	assert.Equal(t, fetch.KindConfiguration, fetch.KindOf(err))
}

func TestCloseHandleAndCloseAll(t *testing.T) {
	t.Parallel()

	m, err := New(DefaultConfig(), nil, nil)
	require.NoError(t, err)

	first, err := m.Handle("a")
	require.NoError(t, err)
	require.NoError(t, m.CloseHandle("a"))
	require.Error(t, m.CloseHandle("a"))

	second, err := m.Handle("a")
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	assert.NotPanics(t, m.CloseAll)
	assert.NotPanics(t, m.CloseAll)
	assert.Empty(t, m.SessionIDs())

	_, err = m.Handle("a")
	require.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, first.Close(), ErrHandleClosed)
}

func TestStatsHealth(t *testing.T) {
	t.Parallel()

	m := newManager(t, nil)
	_, err := m.Handle("good")
	require.NoError(t, err)
	_, err = m.Handle("bad")
	require.NoError(t, err)

	m.RecordOutcome("good", Outcome{StatusCode: 200, Elapsed: 10 * time.Millisecond})
	for i := 0; i < 6; i++ {
		m.RecordOutcome("bad", Outcome{Err: errors.New("refused"), Elapsed: 10 * time.Millisecond})
	}

	stats := m.Stats()
	assert.Equal(t, 2, stats.ActiveSessions)
	assert.Equal(t, 1, stats.HealthySessions)
	assert.Equal(t, int64(7), stats.TotalRequests)
	assert.Equal(t, 100, stats.ConcurrencyLimit)
	assert.True(t, stats.Sessions["good"].Healthy)
	assert.False(t, stats.Sessions["bad"].Healthy)
	assert.InDelta(t, 1.0, stats.Sessions["bad"].FailureRate, 0)
}

func TestHandleClientServesRequests(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	m := newManager(t, nil)
	h, err := m.Handle("http")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		resp, err := h.Client().Get(srv.URL)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.NoError(t, resp.Body.Close())
	}
}

func TestHandleClientLeavesDeadlineToCaller(t *testing.T) {
	t.Parallel()

	m := newManager(t, nil)
	h, err := m.Handle("slow")
	require.NoError(t, err)
	assert.Zero(t, h.Client().Timeout)
}

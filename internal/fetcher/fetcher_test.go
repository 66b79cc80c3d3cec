package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trenchcoat/enricher/internal/core"
	"github.com/trenchcoat/enricher/internal/provider"
)

const testMint = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"

func nopNormalizer([]byte) (core.Fields, error) { return core.Fields{}, nil }

func testSpec(name, baseURL string, rl provider.RateLimit) provider.Spec {
	return provider.Spec{
		Name:    name,
		BaseURL: baseURL,
		Request: provider.RequestTemplate{
			Path:       "/tokens/{address}",
			Query:      map[string]string{"chain": "solana"},
			Headers:    map[string]string{"x-chain": "solana"},
			AuthHeader: "X-API-KEY",
		},
		RateLimit:    rl,
		Capabilities: []core.Field{core.FieldPrice},
		Priority:     1,
		Normalize:    nopNormalizer,
	}
}

func newTestFetcher(t *testing.T, baseURL string, cfg Config, opts ...Option) *Fetcher {
	t.Helper()
	reg := provider.NewRegistry()
	reg.MustRegister(testSpec("dex", baseURL, provider.RateLimit{RequestsPerSecond: 100, Burst: 10}))
	return New(reg, cfg, opts...)
}

func countingServer(t *testing.T, status int, body string) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestFetch_SuccessThenCache(t *testing.T) {
	var (
		mu                                  sync.Mutex
		gotKey, gotChain, gotQuery, gotPath string
		hits                                int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		mu.Lock()
		gotKey = r.Header.Get("X-API-KEY")
		gotChain = r.Header.Get("x-chain")
		gotQuery = r.URL.Query().Get("chain")
		gotPath = r.URL.Path
		mu.Unlock()
		w.Write([]byte(`{"price": 1.5}`))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Keys = map[string]string{"dex": "secret"}
	f := newTestFetcher(t, srv.URL, cfg)

	res, err := f.FetchToken(context.Background(), "dex", testMint, "")
	require.NoError(t, err)
	require.True(t, res.OK, res.Err)
	assert.Equal(t, core.SourceNetwork, res.Source)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.JSONEq(t, `{"price": 1.5}`, string(res.Payload))
	mu.Lock()
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "solana", gotChain)
	assert.Equal(t, "solana", gotQuery)
	assert.Equal(t, "/tokens/"+testMint, gotPath)
	mu.Unlock()

	res, err = f.FetchToken(context.Background(), "dex", testMint, "")
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, core.SourceCache, res.Source)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestFetch_NoKeyOmitsAuthHeader(t *testing.T) {
	present := make(chan bool, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := r.Header["X-Api-Key"]
		present <- ok
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL, DefaultConfig())
	res, err := f.Fetch(context.Background(), "dex", "/x", nil)
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.False(t, <-present)
}

func TestFetch_CacheExpiresAfterTTL(t *testing.T) {
	srv, hits := countingServer(t, http.StatusOK, `{"ok":true}`)
	mock := clock.NewMock()

	cfg := DefaultConfig()
	cfg.CacheTTL = 300 * time.Second
	f := newTestFetcher(t, srv.URL, cfg, WithClock(mock))
	ctx := context.Background()

	_, err := f.Fetch(ctx, "dex", "/p", map[string]string{"a": "1"})
	require.NoError(t, err)

	mock.Add(299 * time.Second)
	res, _ := f.Fetch(ctx, "dex", "/p", map[string]string{"a": "1"})
	assert.Equal(t, core.SourceCache, res.Source)

	mock.Add(2 * time.Second)
	res, _ = f.Fetch(ctx, "dex", "/p", map[string]string{"a": "1"})
	assert.Equal(t, core.SourceNetwork, res.Source)
	assert.Equal(t, int32(2), atomic.LoadInt32(hits))
}

func TestFetch_DistinctParamsAreDistinctEntries(t *testing.T) {
	srv, hits := countingServer(t, http.StatusOK, `{}`)
	f := newTestFetcher(t, srv.URL, DefaultConfig())
	ctx := context.Background()

	f.Fetch(ctx, "dex", "/p", map[string]string{"a": "1"})
	f.Fetch(ctx, "dex", "/p", map[string]string{"a": "2"})
	f.Fetch(ctx, "dex", "/p", map[string]string{"a": "1"})

	assert.Equal(t, int32(2), atomic.LoadInt32(hits))
}

func TestFetch_RateLimitedEntersCooldown(t *testing.T) {
	srv, hits := countingServer(t, http.StatusTooManyRequests, `{"error":"slow down"}`)
	mock := clock.NewMock()

	cfg := DefaultConfig()
	cfg.Cooldown = 60 * time.Second
	f := newTestFetcher(t, srv.URL, cfg, WithClock(mock))
	ctx := context.Background()

	res, err := f.Fetch(ctx, "dex", "/p", nil)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, core.FetchErrRateLimited, res.ErrKind)
	assert.Equal(t, http.StatusTooManyRequests, res.Status)

	// During cooldown the provider is not contacted
	res, _ = f.Fetch(ctx, "dex", "/p", nil)
	assert.Equal(t, core.FetchErrCooldown, res.ErrKind)
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))

	st, err := f.LimiterState("dex")
	require.NoError(t, err)
	assert.Equal(t, mock.Now().Add(60*time.Second), st.CooldownUntil)

	mock.Add(61 * time.Second)
	res, _ = f.Fetch(ctx, "dex", "/p", nil)
	assert.Equal(t, core.FetchErrRateLimited, res.ErrKind)
	assert.Equal(t, int32(2), atomic.LoadInt32(hits))
}

func TestFetch_ErrorStatusNotCached(t *testing.T) {
	srv, hits := countingServer(t, http.StatusNotFound, `{"error":"unknown token"}`)
	f := newTestFetcher(t, srv.URL, DefaultConfig())
	ctx := context.Background()

	res, err := f.Fetch(ctx, "dex", "/p", nil)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, core.FetchErrHTTPStatus, res.ErrKind)
	assert.Equal(t, http.StatusNotFound, res.Status)
	assert.Contains(t, res.Err, "unknown token")

	f.Fetch(ctx, "dex", "/p", nil)
	assert.Equal(t, int32(2), atomic.LoadInt32(hits))
}

func TestFetch_InvalidJSON(t *testing.T) {
	srv, _ := countingServer(t, http.StatusOK, `<html>not json</html>`)
	f := newTestFetcher(t, srv.URL, DefaultConfig())

	res, err := f.Fetch(context.Background(), "dex", "/p", nil)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, core.FetchErrDecode, res.ErrKind)
}

func TestFetch_UnknownProvider(t *testing.T) {
	f := newTestFetcher(t, "http://unused.test", DefaultConfig())

	_, err := f.Fetch(context.Background(), "nope", "/p", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrProviderNotFound))

	_, err = f.LimiterState("nope")
	assert.True(t, errors.Is(err, core.ErrProviderNotFound))
}

func TestFetch_Cancelled(t *testing.T) {
	srv, hits := countingServer(t, http.StatusOK, `{}`)
	f := newTestFetcher(t, srv.URL, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.Fetch(ctx, "dex", "/p", nil)
	require.NoError(t, err)
	assert.Equal(t, core.FetchErrCancelled, res.ErrKind)
	assert.Equal(t, int32(0), atomic.LoadInt32(hits))
}

func TestFetch_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL, DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := f.Fetch(ctx, "dex", "/p", nil)
	require.NoError(t, err)
	assert.Equal(t, core.FetchErrTimeout, res.ErrKind)
	assert.Less(t, time.Since(start), time.Second)
}

func TestFetch_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	f := newTestFetcher(t, url, DefaultConfig())
	res, err := f.Fetch(context.Background(), "dex", "/p", nil)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, core.FetchErrNetwork, res.ErrKind)
}

func TestFetch_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv, hits := countingServer(t, http.StatusBadGateway, `{}`)

	cfg := DefaultConfig()
	cfg.Breaker = BreakerConfig{Enabled: true, ConsecutiveFailures: 2, OpenTimeout: time.Minute}
	f := newTestFetcher(t, srv.URL, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, _ := f.Fetch(ctx, "dex", "/p", nil)
		assert.Equal(t, core.FetchErrHTTPStatus, res.ErrKind)
	}

	res, _ := f.Fetch(ctx, "dex", "/p", nil)
	assert.Equal(t, core.FetchErrCircuitOpen, res.ErrKind)
	assert.Equal(t, int32(2), atomic.LoadInt32(hits))
}

func TestFetch_ClientErrorsDoNotTripBreaker(t *testing.T) {
	srv, hits := countingServer(t, http.StatusNotFound, `{}`)

	cfg := DefaultConfig()
	cfg.Breaker = BreakerConfig{Enabled: true, ConsecutiveFailures: 1, OpenTimeout: time.Minute}
	f := newTestFetcher(t, srv.URL, cfg)

	for i := 0; i < 3; i++ {
		res, _ := f.Fetch(context.Background(), "dex", "/p", nil)
		assert.Equal(t, core.FetchErrHTTPStatus, res.ErrKind)
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(hits))
}

func TestFetch_ConcurrentCallers(t *testing.T) {
	srv, _ := countingServer(t, http.StatusOK, `{"v":1}`)
	f := newTestFetcher(t, srv.URL, DefaultConfig())

	var wg sync.WaitGroup
	var ok int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.Fetch(context.Background(), "dex", "/p", nil)
			if err == nil && res.OK {
				atomic.AddInt32(&ok, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(20), ok)
}

func TestFetch_ProvidersDoNotBlockEachOther(t *testing.T) {
	srv, _ := countingServer(t, http.StatusOK, `{}`)
	mock := clock.NewMock()

	reg := provider.NewRegistry()
	reg.MustRegister(testSpec("slow", srv.URL, provider.RateLimit{RequestsPerSecond: 0.01, Burst: 1}))
	reg.MustRegister(testSpec("fast", srv.URL, provider.RateLimit{RequestsPerSecond: 100, Burst: 10}))
	cfg := DefaultConfig()
	cfg.CacheTTL = -1
	f := New(reg, cfg, WithClock(mock))

	res, err := f.Fetch(context.Background(), "slow", "/a", nil)
	require.NoError(t, err)
	require.True(t, res.OK)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	blocked := make(chan core.FetchResult, 1)
	go func() {
		res, _ := f.Fetch(ctx, "slow", "/b", nil)
		blocked <- res
	}()

	for i := 0; i < 5; i++ {
		res, err := f.Fetch(context.Background(), "fast", "/c", nil)
		require.NoError(t, err)
		assert.True(t, res.OK)
	}

	select {
	case <-blocked:
		t.Fatal("slow provider should still be waiting for a token")
	default:
	}

	cancel()
	select {
	case res := <-blocked:
		assert.False(t, res.OK)
	case <-time.After(time.Second):
		t.Fatal("cancelled fetch did not return")
	}
}

func TestLimiterState_ReflectsConsumption(t *testing.T) {
	srv, _ := countingServer(t, http.StatusOK, `{}`)
	mock := clock.NewMock()

	reg := provider.NewRegistry()
	reg.MustRegister(testSpec("dex", srv.URL, provider.RateLimit{RequestsPerSecond: 1, Burst: 3}))
	cfg := DefaultConfig()
	cfg.CacheTTL = -1 // disable caching
	f := New(reg, cfg, WithClock(mock))

	st, err := f.LimiterState("dex")
	require.NoError(t, err)
	assert.InDelta(t, 3, st.Available, 0.001)
	assert.Equal(t, float64(1), st.Rate)
	assert.Equal(t, 3, st.Burst)

	f.Fetch(context.Background(), "dex", "/a", nil)
	f.Fetch(context.Background(), "dex", "/b", nil)

	st, _ = f.LimiterState("dex")
	assert.InDelta(t, 1, st.Available, 0.001)
	assert.Equal(t, mock.Now(), st.LastRefill)

	mock.Add(time.Second)
	st, _ = f.LimiterState("dex")
	assert.InDelta(t, 2, st.Available, 0.001)
}

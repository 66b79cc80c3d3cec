// Package fetcher performs rate-limited, cached HTTP GETs against the
// registered data providers.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/trenchcoat/enricher/internal/core"
	"github.com/trenchcoat/enricher/internal/metrics"
	"github.com/trenchcoat/enricher/internal/provider"
)

const (
	defaultCacheTTL       = 300 * time.Second
	defaultCooldown       = 60 * time.Second
	defaultRequestTimeout = 10 * time.Second
	defaultMaxBodyBytes   = 4 << 20
	defaultUserAgent      = "trenchcoat/1.0"
)

// Config tunes fetch behaviour
type Config struct {
	CacheTTL       time.Duration
	Cooldown       time.Duration
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	UserAgent      string
	Keys           map[string]string // provider name -> API key
	Breaker        BreakerConfig
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		CacheTTL:       defaultCacheTTL,
		Cooldown:       defaultCooldown,
		RequestTimeout: defaultRequestTimeout,
		MaxBodyBytes:   defaultMaxBodyBytes,
		UserAgent:      defaultUserAgent,
		Breaker:        DefaultBreakerConfig(),
	}
}

// Option configures a Fetcher
type Option func(*Fetcher)

// WithClock replaces the wall clock, for tests
func WithClock(c clock.Clock) Option {
	return func(f *Fetcher) { f.clock = c }
}

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithCache replaces the default in-memory cache
func WithCache(c Cache) Option {
	return func(f *Fetcher) { f.cache = c }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// WithMetrics sets the metrics registry
func WithMetrics(m *metrics.Registry) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// Fetcher issues GET requests on behalf of the aggregator. Provider
// failures never surface as Go errors; they are folded into the returned
// FetchResult.
type Fetcher struct {
	registry *provider.Registry
	cfg      Config
	client   *http.Client
	cache    Cache
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *metrics.Registry

	mu       sync.RWMutex
	limiters map[string]*limiter
	breakers map[string]*gobreaker.CircuitBreaker
}

// New creates a Fetcher for the providers in registry
func New(registry *provider.Registry, cfg Config, opts ...Option) *Fetcher {
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}

	f := &Fetcher{
		registry: registry,
		cfg:      cfg,
		logger:   zap.NewNop(),
		limiters: make(map[string]*limiter),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.clock == nil {
		f.clock = clock.New()
	}
	if f.client == nil {
		f.client = &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: metrics.Transport(f.metrics, nil),
		}
	}
	if f.cache == nil {
		f.cache = NewMemoryCache(0, f.clock)
	}
	return f
}

// FetchToken builds the provider's request for a token and fetches it
func (f *Fetcher) FetchToken(ctx context.Context, name, address, symbol string) (core.FetchResult, error) {
	spec, err := f.registry.Get(name)
	if err != nil {
		return core.FetchResult{}, err
	}
	path, params := spec.Request.Build(address, symbol)
	return f.Fetch(ctx, name, path, params)
}

// Fetch performs one GET against provider name. The only error returned is
// core.ErrProviderNotFound; everything else is reported in the result.
func (f *Fetcher) Fetch(ctx context.Context, name, path string, params map[string]string) (core.FetchResult, error) {
	spec, err := f.registry.Get(name)
	if err != nil {
		return core.FetchResult{}, err
	}

	key := CacheKey(name, path, params)
	if payload, ok := f.cache.Get(ctx, key); ok {
		f.metrics.RecordCacheLookup(name, true)
		f.metrics.RecordFetch(name, "ok")
		return core.FetchResult{
			Provider:  name,
			Payload:   payload,
			OK:        true,
			Status:    http.StatusOK,
			Source:    core.SourceCache,
			FetchedAt: f.clock.Now(),
		}, nil
	}
	f.metrics.RecordCacheLookup(name, false)

	lim := f.limiterFor(spec)
	if until, cooling := lim.inCooldown(); cooling {
		return f.fail(name, 0, core.FetchErrCooldown,
			fmt.Sprintf("provider cooling down until %s", until.Format(time.RFC3339))), nil
	}

	waited, err := lim.wait(ctx)
	if waited > 0 {
		f.metrics.RecordLimiterWait(name, waited.Seconds())
	}
	if err != nil {
		return f.fail(name, 0, contextKind(err), err.Error()), nil
	}

	res := f.execute(ctx, spec, path, params)
	if res.OK {
		f.cache.Set(ctx, key, res.Payload, f.cfg.CacheTTL)
		f.metrics.RecordFetch(name, "ok")
		return res, nil
	}

	if res.ErrKind == core.FetchErrRateLimited {
		until := lim.startCooldown(f.cfg.Cooldown)
		f.metrics.RecordCooldown(name)
		f.logger.Warn("provider rate limited, entering cooldown",
			zap.String("provider", name),
			zap.Time("until", until),
		)
	}
	f.metrics.RecordFetch(name, string(res.ErrKind))
	return res, nil
}

// LimiterState returns a snapshot of the provider's token bucket
func (f *Fetcher) LimiterState(name string) (core.RateLimiterState, error) {
	spec, err := f.registry.Get(name)
	if err != nil {
		return core.RateLimiterState{}, err
	}
	return f.limiterFor(spec).state(), nil
}

// errBreakerFailure marks responses the circuit breaker should count
type errBreakerFailure struct{ res core.FetchResult }

func (e *errBreakerFailure) Error() string { return e.res.Err }

func (f *Fetcher) execute(ctx context.Context, spec provider.Spec, path string, params map[string]string) core.FetchResult {
	breaker := f.breakerFor(spec.Name)
	if breaker == nil {
		return f.do(ctx, spec, path, params)
	}

	out, err := breaker.Execute(func() (interface{}, error) {
		res := f.do(ctx, spec, path, params)
		if countsAgainstBreaker(res) {
			return nil, &errBreakerFailure{res: res}
		}
		return res, nil
	})
	if err != nil {
		var bf *errBreakerFailure
		if errors.As(err, &bf) {
			return bf.res
		}
		// gobreaker.ErrOpenState or ErrTooManyRequests
		return f.fail(spec.Name, 0, core.FetchErrCircuitOpen, err.Error())
	}
	return out.(core.FetchResult)
}

// countsAgainstBreaker treats transport errors, 5xx and 429 as provider
// health failures. A 404 for an unknown token is not.
func countsAgainstBreaker(res core.FetchResult) bool {
	switch res.ErrKind {
	case core.FetchErrNetwork, core.FetchErrTimeout, core.FetchErrRateLimited:
		return true
	case core.FetchErrHTTPStatus:
		return res.Status >= 500
	}
	return false
}

func (f *Fetcher) do(ctx context.Context, spec provider.Spec, path string, params map[string]string) core.FetchResult {
	target, err := buildURL(spec.BaseURL, path, params)
	if err != nil {
		return f.fail(spec.Name, 0, core.FetchErrNetwork, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return f.fail(spec.Name, 0, core.FetchErrNetwork, err.Error())
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	for k, v := range spec.Request.Headers {
		req.Header.Set(k, v)
	}
	if spec.Request.AuthHeader != "" {
		if key := f.cfg.Keys[spec.Name]; key != "" {
			req.Header.Set(spec.Request.AuthHeader, spec.Request.AuthPrefix+key)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return f.fail(spec.Name, 0, transportKind(ctx, err), err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes))
	if err != nil {
		return f.fail(spec.Name, resp.StatusCode, transportKind(ctx, err), err.Error())
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return f.fail(spec.Name, resp.StatusCode, core.FetchErrRateLimited, "HTTP 429")
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return f.fail(spec.Name, resp.StatusCode, core.FetchErrHTTPStatus,
			fmt.Sprintf("HTTP %d: %s", resp.StatusCode, snippet(body)))
	}

	if !json.Valid(body) {
		return f.fail(spec.Name, resp.StatusCode, core.FetchErrDecode, "response body is not valid JSON")
	}

	return core.FetchResult{
		Provider:  spec.Name,
		Payload:   body,
		OK:        true,
		Status:    resp.StatusCode,
		Source:    core.SourceNetwork,
		FetchedAt: f.clock.Now(),
	}
}

func (f *Fetcher) fail(name string, status int, kind core.FetchErrorKind, msg string) core.FetchResult {
	f.logger.Debug("provider fetch failed",
		zap.String("provider", name),
		zap.Int("status", status),
		zap.String("kind", string(kind)),
		zap.String("error", msg),
	)
	return core.FetchResult{
		Provider:  name,
		Status:    status,
		ErrKind:   kind,
		Err:       msg,
		Source:    core.SourceNetwork,
		FetchedAt: f.clock.Now(),
	}
}

func (f *Fetcher) limiterFor(spec provider.Spec) *limiter {
	f.mu.RLock()
	l, ok := f.limiters[spec.Name]
	f.mu.RUnlock()
	if ok {
		return l
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.limiters[spec.Name]; ok {
		return l
	}
	l = newLimiter(spec.Name, spec.RateLimit, f.clock)
	f.limiters[spec.Name] = l
	return l
}

func (f *Fetcher) breakerFor(name string) *gobreaker.CircuitBreaker {
	if !f.cfg.Breaker.Enabled {
		return nil
	}

	f.mu.RLock()
	b, ok := f.breakers[name]
	f.mu.RUnlock()
	if ok {
		return b
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.breakers[name]; ok {
		return b
	}
	b = newBreaker(name, f.cfg.Breaker, f.logger, f.metrics)
	f.breakers[name] = b
	return b
}

func buildURL(base, path string, params map[string]string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + path)
	if err != nil {
		return "", fmt.Errorf("building url: %w", err)
	}
	if len(params) > 0 {
		q := u.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func contextKind(err error) core.FetchErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return core.FetchErrTimeout
	}
	return core.FetchErrCancelled
}

func transportKind(ctx context.Context, err error) core.FetchErrorKind {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return contextKind(ctxErr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return core.FetchErrTimeout
	}
	return core.FetchErrNetwork
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}

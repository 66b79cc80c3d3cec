package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/trenchcoat/enricher/internal/aggregator"
	"github.com/trenchcoat/enricher/internal/batch"
	"github.com/trenchcoat/enricher/internal/config"
	"github.com/trenchcoat/enricher/internal/core"
	"github.com/trenchcoat/enricher/internal/fetcher"
	"github.com/trenchcoat/enricher/internal/logger"
	"github.com/trenchcoat/enricher/internal/metrics"
	"github.com/trenchcoat/enricher/internal/notifier"
	"github.com/trenchcoat/enricher/internal/notifier/webhook"
	"github.com/trenchcoat/enricher/internal/provider"
	"github.com/trenchcoat/enricher/internal/provider/catalog"
	"github.com/trenchcoat/enricher/internal/storage/archive"
	"github.com/trenchcoat/enricher/internal/storage/token"
)

// ProviderStatus describes one registered provider and its bucket
type ProviderStatus struct {
	Name           string                `json:"name"`
	Priority       int                   `json:"priority"`
	Capabilities   []core.Field          `json:"capabilities"`
	RequiresSymbol bool                  `json:"requires_symbol"`
	Limiter        core.RateLimiterState `json:"limiter"`
}

// Option configures an App
type Option func(*options)

type options struct {
	clock      clock.Clock
	httpClient *http.Client
	store      token.Store
}

// WithClock replaces the wall clock in every component
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithHTTPClient replaces the provider HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithStore uses an already opened store instead of the configured one
func WithStore(s token.Store) Option {
	return func(o *options) { o.store = s }
}

// App owns the enrichment context: provider registry, fetcher,
// aggregator, batch orchestrator and persistence.
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Registry
	clock   clock.Clock

	registry     *provider.Registry
	skipped      []string
	fetcher      *fetcher.Fetcher
	aggregator   *aggregator.Aggregator
	orchestrator *batch.Orchestrator
	store        token.Store
	archiver     *archive.Archiver
	notifiers    *notifier.Registry
	redis        *redis.Client

	closeOnce sync.Once
}

// New builds every component from cfg. The config must already be valid.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}

	tracked, err := cfg.Tracked()
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:    cfg,
		logger: log,
		clock:  o.clock,
	}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.NewRegistry()
	}

	a.registry, a.skipped, err = catalog.Build(catalog.Options{
		Keys:      cfg.APIKeys(),
		Overrides: overrides(cfg.Providers),
	}, logger.Component(log, "catalog"))
	if err != nil {
		return nil, fmt.Errorf("building provider catalog: %w", err)
	}
	if a.registry.Len() == 0 {
		return nil, core.WrapError(core.ErrConfigInvalid, errors.New("no providers enabled"))
	}

	cache, err := a.openCache(ctx)
	if err != nil {
		return nil, err
	}

	e := cfg.Enrichment
	fetchOpts := []fetcher.Option{
		fetcher.WithClock(o.clock),
		fetcher.WithCache(cache),
		fetcher.WithLogger(logger.Component(log, "fetcher")),
		fetcher.WithMetrics(a.metrics),
	}
	if o.httpClient != nil {
		fetchOpts = append(fetchOpts, fetcher.WithHTTPClient(o.httpClient))
	}
	fetchCfg := fetcher.DefaultConfig()
	fetchCfg.CacheTTL = e.CacheTTL
	fetchCfg.Cooldown = e.Cooldown
	fetchCfg.RequestTimeout = e.RequestTimeout
	fetchCfg.Keys = cfg.APIKeys()
	fetchCfg.Breaker = fetcher.BreakerConfig{
		Enabled:             cfg.Breaker.Enabled,
		ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
		OpenTimeout:         cfg.Breaker.OpenTimeout,
	}
	a.fetcher = fetcher.New(a.registry, fetchCfg, fetchOpts...)

	a.aggregator = aggregator.New(a.registry, a.fetcher, aggregator.Config{
		FanoutTimeout:        e.FanoutTimeout,
		Tracked:              tracked,
		PriceSpreadThreshold: e.PriceSpreadThreshold,
	},
		aggregator.WithClock(o.clock),
		aggregator.WithLogger(logger.Component(log, "aggregator")),
		aggregator.WithMetrics(a.metrics),
	)

	if o.store != nil {
		a.store = o.store
	} else if a.store, err = openStore(ctx, cfg.Store, o.clock); err != nil {
		a.Close()
		return nil, err
	}

	storage, err := openArchive(cfg.Archive)
	if err != nil {
		a.Close()
		return nil, err
	}
	if storage != nil {
		a.archiver = archive.NewArchiver(storage, o.clock)
	}

	a.notifiers = notifier.NewRegistry()
	if cfg.Notify.WebhookURL != "" {
		hookOpts := []webhook.Option{
			webhook.WithHeaders(cfg.Notify.Headers),
			webhook.OnlyOnFailure(cfg.Notify.OnlyOnFailure),
		}
		if o.httpClient != nil {
			hookOpts = append(hookOpts, webhook.WithHTTPClient(o.httpClient))
		}
		hook, err := webhook.New(cfg.Notify.WebhookURL, hookOpts...)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.notifiers.Register(hook)
	}

	a.orchestrator = batch.New(a.aggregator, batch.Config{
		Concurrency: e.Concurrency,
		Pause:       e.BatchPause,
		Retry: batch.RetryPolicy{
			MaxRetries: e.MaxRetries,
			Initial:    e.BackoffInitial,
			Multiplier: e.BackoffMultiplier,
			MaxDelay:   e.BackoffMax,
		},
	},
		batch.WithSink(&recordSink{store: a.store, archiver: a.archiver, logger: log}),
		batch.WithClock(o.clock),
		batch.WithLogger(logger.Component(log, "batch")),
		batch.WithMetrics(a.metrics),
	)

	log.Info("enrichment context ready",
		zap.Strings("providers", a.registry.Names()),
		zap.Strings("skipped", a.skipped),
		zap.Int("tracked_fields", len(tracked)),
		zap.String("store", cfg.Store.Type),
		zap.String("cache", cfg.Cache.Backend),
	)
	return a, nil
}

// overrides translates provider config into catalog overrides. Rate and
// burst fall back to the catalog values when only one is set.
func overrides(providers map[string]config.ProviderConfig) map[string]catalog.Override {
	out := make(map[string]catalog.Override, len(providers))
	for name, p := range providers {
		ov := catalog.Override{
			Disabled: !p.IsEnabled(),
			BaseURL:  strings.TrimRight(p.BaseURL, "/"),
		}
		if p.Rate > 0 || p.Burst > 0 {
			rl := provider.RateLimit{RequestsPerSecond: p.Rate, Burst: p.Burst}
			if spec, ok := catalog.Lookup(name); ok {
				if rl.RequestsPerSecond <= 0 {
					rl.RequestsPerSecond = spec.RateLimit.RequestsPerSecond
				}
				if rl.Burst <= 0 {
					rl.Burst = spec.RateLimit.Burst
				}
			}
			ov.RateLimit = &rl
		}
		if p.Priority != 0 {
			priority := p.Priority
			ov.Priority = &priority
		}
		out[name] = ov
	}
	return out
}

func (a *App) openCache(ctx context.Context) (fetcher.Cache, error) {
	if a.cfg.Cache.Backend == "redis" {
		client, err := fetcher.DialRedis(ctx, a.cfg.Cache.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		a.redis = client
		return fetcher.NewRedisCache(client, logger.Component(a.logger, "cache")), nil
	}
	return fetcher.NewMemoryCache(a.cfg.Cache.MaxItems, a.clock), nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, clk clock.Clock) (token.Store, error) {
	if cfg.Type == "memory" {
		store := token.NewMemoryStore(clk)
		store.SetStaleAfter(cfg.StaleAfter)
		return store, nil
	}
	store, err := token.OpenSQLite(ctx, cfg.Path, clk)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	store.SetStaleAfter(cfg.StaleAfter)
	return store, nil
}

func openArchive(cfg config.ArchiveConfig) (archive.Storage, error) {
	switch cfg.Type {
	case "localfs":
		return archive.NewLocalFS(cfg.Path)
	case "s3":
		return archive.NewS3(archive.S3Config{
			Bucket:    cfg.S3.Bucket,
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Prefix:    cfg.S3.Prefix,
		}, nil)
	}
	return nil, nil
}

// Enrich enriches one token on demand and persists the result. Persistence
// failures are logged; the record is still returned.
func (a *App) Enrich(ctx context.Context, tokenID, symbol string) (core.UnifiedRecord, error) {
	tokenID = core.NormalizeAddress(tokenID)
	if err := core.ValidateAddress(tokenID); err != nil {
		return core.UnifiedRecord{}, err
	}

	rec, err := a.aggregator.Enrich(ctx, tokenID, core.NormalizeSymbol(symbol))
	if err != nil {
		return core.UnifiedRecord{}, err
	}

	sink := &recordSink{store: a.store, archiver: a.archiver, logger: a.logger}
	if err := sink.SaveRecord(ctx, rec, 0); err != nil {
		a.logger.Warn("failed to persist record",
			zap.String("token", tokenID),
			zap.Error(err),
		)
	}
	return rec, nil
}

// Enqueue adds or resets a token in the work queue
func (a *App) Enqueue(ctx context.Context, tokenID, symbol string, tier int) error {
	tokenID = core.NormalizeAddress(tokenID)
	if err := core.ValidateAddress(tokenID); err != nil {
		return err
	}
	return a.store.Enqueue(ctx, core.EnrichmentTask{
		TokenID: tokenID,
		Symbol:  core.NormalizeSymbol(symbol),
		Tier:    tier,
	})
}

// RunBatch processes up to limit pending tasks. concurrency <= 0 uses the
// configured value. The batch report is archived when an archive is set.
func (a *App) RunBatch(ctx context.Context, limit, concurrency int, progress batch.ProgressFunc) (core.BatchStats, error) {
	if limit <= 0 {
		limit = a.cfg.Enrichment.BatchLimit
	}
	if concurrency <= 0 {
		concurrency = a.cfg.Enrichment.Concurrency
	}

	tasks, err := a.store.Pending(ctx, limit)
	if err != nil {
		return core.BatchStats{}, fmt.Errorf("loading pending tasks: %w", err)
	}
	if len(tasks) == 0 {
		a.logger.Info("no pending tasks")
		return core.BatchStats{}, nil
	}

	stats := a.orchestrator.Run(ctx, tasks, concurrency, progress)

	// ctx may be cancelled already; the report still goes out
	reportCtx := context.WithoutCancel(ctx)
	if a.archiver != nil {
		report := archive.BatchReport{Stats: stats, Tasks: a.finalTasks(reportCtx, tasks)}
		p, err := a.archiver.SaveBatch(reportCtx, report)
		if err != nil {
			a.logger.Warn("failed to archive batch report", zap.String("run_id", stats.RunID), zap.Error(err))
		} else {
			a.logger.Info("batch report archived", zap.String("path", p))
		}
	}
	for name, err := range a.notifiers.NotifyAll(reportCtx, stats) {
		a.logger.Warn("batch notification failed", zap.String("notifier", name), zap.Error(err))
	}
	return stats, nil
}

func (a *App) finalTasks(ctx context.Context, tasks []core.EnrichmentTask) []core.EnrichmentTask {
	out := make([]core.EnrichmentTask, 0, len(tasks))
	for _, t := range tasks {
		current, err := a.store.Get(ctx, t.TokenID)
		if err != nil {
			out = append(out, t)
			continue
		}
		out = append(out, *current)
	}
	return out
}

// Record returns the last stored record for a token
func (a *App) Record(ctx context.Context, tokenID string) (*core.UnifiedRecord, error) {
	return a.store.Record(ctx, core.NormalizeAddress(tokenID))
}

// Tasks lists queue entries
func (a *App) Tasks(ctx context.Context, filter token.ListFilter) ([]core.EnrichmentTask, error) {
	return a.store.List(ctx, filter)
}

// Providers returns the registered providers in registry order
func (a *App) Providers() []ProviderStatus {
	specs := a.registry.All()
	out := make([]ProviderStatus, 0, len(specs))
	for _, s := range specs {
		state, _ := a.fetcher.LimiterState(s.Name)
		out = append(out, ProviderStatus{
			Name:           s.Name,
			Priority:       s.Priority,
			Capabilities:   s.Capabilities,
			RequiresSymbol: s.RequiresSymbol,
			Limiter:        state,
		})
	}
	return out
}

// Skipped returns providers left out of the registry
func (a *App) Skipped() []string {
	return a.skipped
}

// Tracked returns the tracked fields
func (a *App) Tracked() []core.Field {
	return a.aggregator.Tracked()
}

// Metrics returns the registry, or nil when metrics are disabled
func (a *App) Metrics() *metrics.Registry {
	return a.metrics
}

// Close releases the store and cache connections
func (a *App) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing store: %w", err))
			}
		}
		if a.redis != nil {
			if err := a.redis.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing redis: %w", err))
			}
		}
	})
	return errors.Join(errs...)
}

// recordSink persists task transitions to the store and snapshots
// completed records to the archive.
type recordSink struct {
	store    token.Store
	archiver *archive.Archiver
	logger   *zap.Logger
}

func (s *recordSink) MarkInProgress(ctx context.Context, tokenID string) error {
	return s.store.MarkInProgress(ctx, tokenID)
}

func (s *recordSink) SaveRecord(ctx context.Context, rec core.UnifiedRecord, retries int) error {
	if err := s.store.SaveRecord(ctx, rec, retries); err != nil {
		return err
	}
	if s.archiver == nil {
		return nil
	}
	if _, err := s.archiver.SaveRecord(ctx, rec); err != nil {
		return fmt.Errorf("archiving record: %w", err)
	}
	return nil
}

func (s *recordSink) MarkFailed(ctx context.Context, tokenID string, retries int, reason string) error {
	return s.store.MarkFailed(ctx, tokenID, retries, reason)
}

// Package aggregator fans a token out to every applicable provider and
// merges whatever comes back into one UnifiedRecord.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/trenchcoat/enricher/internal/core"
	"github.com/trenchcoat/enricher/internal/metrics"
	"github.com/trenchcoat/enricher/internal/provider"
)

// DefaultFanoutTimeout bounds one Enrich call
const DefaultFanoutTimeout = 30 * time.Second

// Fetcher retrieves one provider's payload for a token
type Fetcher interface {
	FetchToken(ctx context.Context, name, address, symbol string) (core.FetchResult, error)
}

// Config tunes the aggregator
type Config struct {
	FanoutTimeout        time.Duration
	Tracked              []core.Field
	PriceSpreadThreshold float64
}

// DefaultConfig tracks every canonical field
func DefaultConfig() Config {
	return Config{
		FanoutTimeout:        DefaultFanoutTimeout,
		Tracked:              append([]core.Field(nil), core.CanonicalFields...),
		PriceSpreadThreshold: DefaultPriceSpreadThreshold,
	}
}

// Option configures an Aggregator
type Option func(*Aggregator)

// WithClock replaces the wall clock used for timestamps
func WithClock(c clock.Clock) Option {
	return func(a *Aggregator) { a.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

// WithMetrics sets the metrics registry
func WithMetrics(m *metrics.Registry) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// Aggregator produces UnifiedRecords
type Aggregator struct {
	registry *provider.Registry
	fetcher  Fetcher
	cfg      Config
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *metrics.Registry
}

// New creates an Aggregator
func New(registry *provider.Registry, fetcher Fetcher, cfg Config, opts ...Option) *Aggregator {
	if cfg.FanoutTimeout <= 0 {
		cfg.FanoutTimeout = DefaultFanoutTimeout
	}
	if len(cfg.Tracked) == 0 {
		cfg.Tracked = append([]core.Field(nil), core.CanonicalFields...)
	}
	if cfg.PriceSpreadThreshold <= 0 {
		cfg.PriceSpreadThreshold = DefaultPriceSpreadThreshold
	}

	a := &Aggregator{
		registry: registry,
		fetcher:  fetcher,
		cfg:      cfg,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.clock == nil {
		a.clock = clock.New()
	}
	return a
}

// Tracked returns the fields completeness is measured against
func (a *Aggregator) Tracked() []core.Field {
	return append([]core.Field(nil), a.cfg.Tracked...)
}

type outcome struct {
	result core.FetchResult
	err    error
}

// Enrich queries every applicable provider concurrently and merges the
// responses that arrive before the fan-out deadline. Provider failures only
// lower completeness; the returned error is reserved for caller bugs.
func (a *Aggregator) Enrich(ctx context.Context, tokenID, symbol string) (core.UnifiedRecord, error) {
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return core.UnifiedRecord{}, core.WrapError(core.ErrInvalidToken, fmt.Errorf("token id is empty"))
	}

	start := a.clock.Now()
	specs := a.registry.Applicable(a.cfg.Tracked, symbol != "")

	fanCtx, cancel := context.WithTimeout(ctx, a.cfg.FanoutTimeout)
	defer cancel()

	// Buffered so abandoned fetches can still deliver and exit
	results := make(chan outcome, len(specs))
	for _, spec := range specs {
		go func(name string) {
			res, err := a.fetcher.FetchToken(fanCtx, name, tokenID, symbol)
			if res.Provider == "" {
				res.Provider = name
			}
			results <- outcome{result: res, err: err}
		}(spec.Name)
	}

	partials := make(map[string]core.Fields, len(specs))
	failures := make(map[string]core.FetchErrorKind)
	pending := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		pending[spec.Name] = struct{}{}
	}

collect:
	for len(pending) > 0 {
		select {
		case out := <-results:
			name := out.result.Provider
			delete(pending, name)
			if out.err != nil {
				return core.UnifiedRecord{}, fmt.Errorf("fetching %s: %w", name, out.err)
			}
			if !out.result.OK {
				failures[name] = out.result.ErrKind
				continue
			}
			fields, err := a.normalize(name, out.result.Payload)
			if err != nil {
				failures[name] = core.FetchErrMalformed
				a.logger.Warn("discarding malformed provider payload",
					zap.String("provider", name),
					zap.String("token", tokenID),
					zap.Error(err),
				)
				continue
			}
			partials[name] = fields
		case <-fanCtx.Done():
			break collect
		}
	}

	abandoned := core.FetchErrTimeout
	if errors.Is(ctx.Err(), context.Canceled) {
		abandoned = core.FetchErrCancelled
	}
	for name := range pending {
		failures[name] = abandoned
	}

	rec := Merge(a.registry, partials, a.cfg.Tracked, a.cfg.PriceSpreadThreshold)
	rec.TokenID = tokenID
	rec.Symbol = symbol
	rec.EnrichedAt = a.clock.Now()
	if len(failures) > 0 {
		rec.Failures = failures
	}

	a.metrics.RecordEnrichment(rec.Completeness, a.clock.Since(start).Seconds())
	a.logger.Debug("token enriched",
		zap.String("token", tokenID),
		zap.Int("providers", len(specs)),
		zap.Int("responded", len(partials)),
		zap.Int("failed", len(failures)),
		zap.Float64("completeness", rec.Completeness),
	)
	return rec, nil
}

// normalize runs the provider's normalizer, converting a panic into an error
func (a *Aggregator) normalize(name string, payload []byte) (fields core.Fields, err error) {
	spec, err := a.registry.Get(name)
	if err != nil {
		return core.Fields{}, err
	}

	defer func() {
		if r := recover(); r != nil {
			fields = core.Fields{}
			err = core.WrapError(core.ErrMalformedPayload, fmt.Errorf("normalizer panicked: %v", r))
		}
	}()
	return spec.Normalize(payload)
}

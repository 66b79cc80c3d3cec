// Package batch runs the aggregator over many tokens with bounded
// concurrency, pacing and per-token retries.
package batch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/trenchcoat/enricher/internal/core"
	"github.com/trenchcoat/enricher/internal/metrics"
)

const (
	DefaultConcurrency = 5
	DefaultPause       = time.Second
)

// Enricher produces one UnifiedRecord per token
type Enricher interface {
	Enrich(ctx context.Context, tokenID, symbol string) (core.UnifiedRecord, error)
}

// Sink persists task transitions. Errors are logged and never abort a run.
type Sink interface {
	MarkInProgress(ctx context.Context, tokenID string) error
	SaveRecord(ctx context.Context, rec core.UnifiedRecord, retries int) error
	MarkFailed(ctx context.Context, tokenID string, retries int, reason string) error
}

// ProgressFunc is called once per task after it reaches a terminal state.
// Calls are serialized; stats is a snapshot.
type ProgressFunc func(stats core.BatchStats, task core.EnrichmentTask)

// Config tunes the orchestrator
type Config struct {
	Concurrency int
	Pause       time.Duration // sleep after every Concurrency launches
	Retry       RetryPolicy
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		Concurrency: DefaultConcurrency,
		Pause:       DefaultPause,
		Retry:       DefaultRetryPolicy(),
	}
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithSink persists task transitions
func WithSink(s Sink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithClock replaces the wall clock used for pacing and backoff
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the metrics registry
func WithMetrics(m *metrics.Registry) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator drives batch enrichment
type Orchestrator struct {
	enricher Enricher
	sink     Sink
	cfg      Config
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *metrics.Registry
}

// New creates an Orchestrator
func New(enricher Enricher, cfg Config, opts ...Option) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Pause < 0 {
		cfg.Pause = 0
	}
	if cfg.Retry.Initial <= 0 {
		cfg.Retry.Initial = time.Second
	}
	if cfg.Retry.Multiplier < 1 {
		cfg.Retry.Multiplier = 2
	}
	if cfg.Retry.MaxDelay < cfg.Retry.Initial {
		cfg.Retry.MaxDelay = 30 * time.Second
	}

	o := &Orchestrator{
		enricher: enricher,
		cfg:      cfg,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	return o
}

// run tracks one batch's shared state
type run struct {
	mu       sync.Mutex
	stats    core.BatchStats
	inFlight int
	progress ProgressFunc
}

// Run enriches tasks, lowest tier first, with at most concurrency tokens in
// flight. A concurrency of zero or less uses the configured default. Run
// always returns stats; cancelling ctx stops new launches and tasks never
// started are left out of Processed.
func (o *Orchestrator) Run(ctx context.Context, tasks []core.EnrichmentTask, concurrency int, progress ProgressFunc) core.BatchStats {
	if concurrency <= 0 {
		concurrency = o.cfg.Concurrency
	}

	queue := make([]core.EnrichmentTask, len(tasks))
	copy(queue, tasks)
	sort.SliceStable(queue, func(i, j int) bool { return queue[i].Tier < queue[j].Tier })

	r := &run{
		stats: core.BatchStats{
			RunID:     uuid.NewString(),
			Total:     len(queue),
			StartedAt: o.clock.Now(),
		},
		progress: progress,
	}

	logger := o.logger.With(zap.String("run_id", r.stats.RunID))
	logger.Info("batch started",
		zap.Int("tasks", len(queue)),
		zap.Int("concurrency", concurrency),
	)

	sem := semaphore.NewWeighted(int64(concurrency))
	var wg sync.WaitGroup

launch:
	for i, task := range queue {
		if i > 0 && i%concurrency == 0 && o.cfg.Pause > 0 {
			if err := o.sleep(ctx, o.cfg.Pause); err != nil {
				break launch
			}
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break launch
		}

		wg.Add(1)
		go func(task core.EnrichmentTask) {
			defer wg.Done()
			defer sem.Release(1)
			o.process(ctx, r, logger, task)
		}(task)
	}
	wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.FinishedAt = o.clock.Now()
	r.stats.Elapsed = r.stats.FinishedAt.Sub(r.stats.StartedAt)
	o.metrics.RecordBatch(r.stats.Elapsed.Seconds())

	if ctx.Err() != nil && !r.stats.Done() {
		logger.Warn("batch interrupted",
			zap.Int("processed", r.stats.Processed),
			zap.Int("total", r.stats.Total),
		)
	}
	logger.Info("batch finished",
		zap.Int("succeeded", r.stats.Succeeded),
		zap.Int("failed", r.stats.Failed),
		zap.Int("retries", r.stats.Retries),
		zap.Duration("elapsed", r.stats.Elapsed),
	)
	return snapshot(r.stats)
}

func (o *Orchestrator) process(ctx context.Context, r *run, logger *zap.Logger, task core.EnrichmentTask) {
	r.mu.Lock()
	r.inFlight++
	o.metrics.SetTasksInFlight(r.inFlight)
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.inFlight--
		o.metrics.SetTasksInFlight(r.inFlight)
		r.mu.Unlock()
	}()

	// transitions are recorded even when the run is cancelled
	sinkCtx := context.WithoutCancel(ctx)

	task.Status = core.TaskInProgress
	task.LastAttempt = o.clock.Now()
	if o.sink != nil {
		if err := o.sink.MarkInProgress(sinkCtx, task.TokenID); err != nil {
			logger.Debug("sink rejected in-progress mark", zap.String("token", task.TokenID), zap.Error(err))
		}
	}

	rec, retries, err := o.enrichWithRetry(ctx, task, logger)
	task.Retries = retries
	task.LastAttempt = o.clock.Now()

	if err != nil {
		task.Status = core.TaskFailed
		task.LastError = err.Error()
		if o.sink != nil {
			if serr := o.sink.MarkFailed(sinkCtx, task.TokenID, retries, task.LastError); serr != nil {
				logger.Warn("failed to persist task failure", zap.String("token", task.TokenID), zap.Error(serr))
			}
		}
		logger.Warn("token enrichment failed",
			zap.String("token", task.TokenID),
			zap.Int("retries", retries),
			zap.Error(err),
		)
	} else {
		task.Status = core.TaskCompleted
		task.LastError = ""
		if o.sink != nil {
			if serr := o.sink.SaveRecord(sinkCtx, rec, retries); serr != nil {
				logger.Warn("failed to persist record", zap.String("token", task.TokenID), zap.Error(serr))
			}
		}
	}
	o.metrics.RecordTask(string(task.Status))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Processed++
	r.stats.Retries += retries
	if task.Status == core.TaskCompleted {
		r.stats.Succeeded++
	} else {
		r.stats.Failed++
		r.stats.FailedTokens = append(r.stats.FailedTokens, task.TokenID)
	}
	r.stats.Elapsed = o.clock.Since(r.stats.StartedAt)
	if r.progress != nil {
		r.progress(snapshot(r.stats), task)
	}
}

// enrichWithRetry retries when the record is empty or the aggregator
// errors. It returns the number of retries performed.
func (o *Orchestrator) enrichWithRetry(ctx context.Context, task core.EnrichmentTask, logger *zap.Logger) (core.UnifiedRecord, int, error) {
	var (
		rec      core.UnifiedRecord
		attempts int
	)

	operation := func() error {
		attempts++
		var err error
		rec, err = o.enricher.Enrich(ctx, task.TokenID, task.Symbol)
		if err != nil {
			return err
		}
		if !rec.Enriched() {
			return core.ErrEnrichmentEmpty
		}
		return nil
	}

	notify := func(err error, delay time.Duration) {
		o.metrics.RecordRetry()
		logger.Debug("retrying token",
			zap.String("token", task.TokenID),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}

	b := backoff.WithContext(o.cfg.Retry.newBackOff(), ctx)
	err := backoff.RetryNotifyWithTimer(operation, b, notify, &clockTimer{clock: o.clock})

	retries := attempts - 1
	if retries < 0 {
		retries = 0
	}
	if err != nil {
		return rec, retries, fmt.Errorf("after %d attempts: %w", attempts, err)
	}
	return rec, retries, nil
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	t := o.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func snapshot(s core.BatchStats) core.BatchStats {
	s.FailedTokens = append([]string(nil), s.FailedTokens...)
	return s
}

package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trenchcoat/enricher/internal/core"
	"github.com/trenchcoat/enricher/internal/storage/token"
)

// scriptedEnricher returns completeness values from a per-token script;
// once the script runs out the last entry repeats.
type scriptedEnricher struct {
	mu      sync.Mutex
	scripts map[string][]float64
	errs    map[string]int // number of leading attempts that error
	calls   map[string]int
	order   []string
	delay   time.Duration

	active    int32
	maxActive int32
}

func newScripted() *scriptedEnricher {
	return &scriptedEnricher{
		scripts: make(map[string][]float64),
		errs:    make(map[string]int),
		calls:   make(map[string]int),
	}
}

func (s *scriptedEnricher) Enrich(ctx context.Context, tokenID, symbol string) (core.UnifiedRecord, error) {
	n := atomic.AddInt32(&s.active, 1)
	defer atomic.AddInt32(&s.active, -1)
	for {
		max := atomic.LoadInt32(&s.maxActive)
		if n <= max || atomic.CompareAndSwapInt32(&s.maxActive, max, n) {
			break
		}
	}

	s.mu.Lock()
	attempt := s.calls[tokenID]
	s.calls[tokenID]++
	s.order = append(s.order, tokenID)
	script := s.scripts[tokenID]
	errCount := s.errs[tokenID]
	s.mu.Unlock()

	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if attempt < errCount {
		return core.UnifiedRecord{}, errors.New("aggregator exploded")
	}

	score := 1.0
	if len(script) > 0 {
		idx := attempt - errCount
		if idx >= len(script) {
			idx = len(script) - 1
		}
		score = script[idx]
	}
	return core.UnifiedRecord{TokenID: tokenID, Symbol: symbol, Completeness: score, Sources: []string{}}, nil
}

func (s *scriptedEnricher) callCount(tokenID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[tokenID]
}

func fastConfig() Config {
	return Config{
		Concurrency: 5,
		Pause:       0,
		Retry: RetryPolicy{
			MaxRetries: 3,
			Initial:    time.Millisecond,
			Multiplier: 2,
			MaxDelay:   10 * time.Millisecond,
		},
	}
}

func tasks(ids ...string) []core.EnrichmentTask {
	out := make([]core.EnrichmentTask, len(ids))
	for i, id := range ids {
		out[i] = core.EnrichmentTask{TokenID: id, Status: core.TaskPending}
	}
	return out
}

func TestRetryPolicy_DefaultSchedule(t *testing.T) {
	b := DefaultRetryPolicy().newBackOff()

	assert.Equal(t, time.Second, b.NextBackOff())
	assert.Equal(t, 2*time.Second, b.NextBackOff())
	assert.Equal(t, 4*time.Second, b.NextBackOff())
	assert.Equal(t, time.Duration(-1), b.NextBackOff(), "three retries then stop")
}

func TestRetryPolicy_NonDecreasing(t *testing.T) {
	p := RetryPolicy{MaxRetries: 8, Initial: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	b := p.newBackOff()

	prev := time.Duration(0)
	for i := 0; i < 8; i++ {
		next := b.NextBackOff()
		assert.GreaterOrEqual(t, next, prev)
		prev = next
	}
	assert.Equal(t, time.Second, prev, "capped at MaxDelay")
}

func TestRun_AllSucceed(t *testing.T) {
	e := newScripted()
	o := New(e, fastConfig())

	stats := o.Run(context.Background(), tasks("a", "b", "c"), 2, nil)

	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Processed)
	assert.Equal(t, 3, stats.Succeeded)
	assert.Zero(t, stats.Failed)
	assert.Zero(t, stats.Retries)
	assert.True(t, stats.Done())
	_, err := uuid.Parse(stats.RunID)
	assert.NoError(t, err)
	assert.False(t, stats.FinishedAt.Before(stats.StartedAt))
}

func TestRun_EmptyRecordRetriedThreeTimesThenFailed(t *testing.T) {
	e := newScripted()
	e.scripts["dead"] = []float64{0}
	o := New(e, fastConfig())

	var final core.EnrichmentTask
	stats := o.Run(context.Background(), tasks("dead"), 1, func(_ core.BatchStats, task core.EnrichmentTask) {
		final = task
	})

	assert.Equal(t, 4, e.callCount("dead"), "one attempt plus three retries")
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 3, stats.Retries)
	assert.Equal(t, []string{"dead"}, stats.FailedTokens)
	assert.Equal(t, core.TaskFailed, final.Status)
	assert.Equal(t, 3, final.Retries)
	assert.Contains(t, final.LastError, "ENRICHMENT_EMPTY")
}

func TestEnrichWithRetry_EmptyRecordError(t *testing.T) {
	e := newScripted()
	e.scripts["dead"] = []float64{0}
	o := New(e, fastConfig())

	_, retries, err := o.enrichWithRetry(context.Background(), core.EnrichmentTask{TokenID: "dead"}, o.logger)
	assert.True(t, errors.Is(err, core.ErrEnrichmentEmpty))
	assert.Equal(t, 3, retries)
}

func TestRun_SucceedsAfterRetry(t *testing.T) {
	e := newScripted()
	e.scripts["flaky"] = []float64{0, 0, 0.5}
	o := New(e, fastConfig())

	stats := o.Run(context.Background(), tasks("flaky"), 1, nil)

	assert.Equal(t, 3, e.callCount("flaky"))
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 2, stats.Retries)
}

func TestRun_AggregatorErrorRetried(t *testing.T) {
	e := newScripted()
	e.errs["boom"] = 1
	o := New(e, fastConfig())

	stats := o.Run(context.Background(), tasks("boom"), 1, nil)

	assert.Equal(t, 2, e.callCount("boom"))
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 1, stats.Retries)
}

func TestRun_RespectsConcurrencyLimit(t *testing.T) {
	e := newScripted()
	e.delay = 20 * time.Millisecond
	o := New(e, fastConfig())

	ids := make([]string, 12)
	for i := range ids {
		ids[i] = fmt.Sprintf("tok-%02d", i)
	}
	stats := o.Run(context.Background(), tasks(ids...), 3, nil)

	assert.Equal(t, 12, stats.Succeeded)
	assert.LessOrEqual(t, atomic.LoadInt32(&e.maxActive), int32(3))
	assert.Greater(t, atomic.LoadInt32(&e.maxActive), int32(1))
}

func TestRun_LowerTiersFirst(t *testing.T) {
	e := newScripted()
	o := New(e, fastConfig())

	in := []core.EnrichmentTask{
		{TokenID: "t3", Tier: 3},
		{TokenID: "t1-a", Tier: 1},
		{TokenID: "t2", Tier: 2},
		{TokenID: "t1-b", Tier: 1},
	}
	o.Run(context.Background(), in, 1, nil)

	assert.Equal(t, []string{"t1-a", "t1-b", "t2", "t3"}, e.order)
	assert.Equal(t, "t3", in[0].TokenID, "input slice is not reordered")
}

func TestRun_ProgressSerializedAndMonotonic(t *testing.T) {
	e := newScripted()
	e.delay = 5 * time.Millisecond
	e.scripts["bad"] = []float64{0}
	o := New(e, fastConfig())

	var (
		seen      []int
		inside    int32
		overlaps  int32
		completed = map[string]core.TaskStatus{}
	)
	stats := o.Run(context.Background(), tasks("a", "b", "bad", "c", "d", "e"), 4,
		func(s core.BatchStats, task core.EnrichmentTask) {
			if atomic.AddInt32(&inside, 1) > 1 {
				atomic.AddInt32(&overlaps, 1)
			}
			seen = append(seen, s.Processed)
			completed[task.TokenID] = task.Status
			assert.Equal(t, s.Processed, s.Succeeded+s.Failed)
			atomic.AddInt32(&inside, -1)
		})

	assert.Zero(t, overlaps)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, seen)
	assert.Equal(t, core.TaskFailed, completed["bad"])
	assert.Equal(t, core.TaskCompleted, completed["a"])
	assert.Equal(t, 5, stats.Succeeded)
	assert.Equal(t, 1, stats.Failed)
}

func TestRun_PausesBetweenGroups(t *testing.T) {
	e := newScripted()
	cfg := fastConfig()
	cfg.Pause = 30 * time.Millisecond
	o := New(e, cfg)

	start := time.Now()
	o.Run(context.Background(), tasks("a", "b", "c", "d", "e"), 2, nil)

	// Pauses before the third and fifth launch
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestRun_CancelledContext(t *testing.T) {
	e := newScripted()
	o := New(e, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats := o.Run(ctx, tasks("a", "b"), 1, nil)
	assert.Equal(t, 2, stats.Total)
	assert.Zero(t, stats.Processed)
	assert.False(t, stats.Done())
}

func TestRun_NoTasks(t *testing.T) {
	o := New(newScripted(), fastConfig())
	stats := o.Run(context.Background(), nil, 3, nil)
	assert.Zero(t, stats.Total)
	assert.True(t, stats.Done())
}

func TestRun_PersistsThroughSink(t *testing.T) {
	ctx := context.Background()
	store := token.NewMemoryStore(nil)
	require.NoError(t, store.Enqueue(ctx, core.EnrichmentTask{TokenID: "good"}))
	require.NoError(t, store.Enqueue(ctx, core.EnrichmentTask{TokenID: "dead"}))

	e := newScripted()
	e.scripts["good"] = []float64{0.5}
	e.scripts["dead"] = []float64{0}
	o := New(e, fastConfig(), WithSink(store))

	pending, err := store.Pending(ctx, 0)
	require.NoError(t, err)
	o.Run(ctx, pending, 2, nil)

	good, err := store.Get(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, core.TaskCompleted, good.Status)

	rec, err := store.Record(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, 0.5, rec.Completeness)

	dead, err := store.Get(ctx, "dead")
	require.NoError(t, err)
	assert.Equal(t, core.TaskFailed, dead.Status)
	assert.Equal(t, 3, dead.Retries)

	left, err := store.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, left)
}

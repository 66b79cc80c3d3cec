package token

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trenchcoat/enricher/internal/core"
)

type storeFactory func(t *testing.T, clk clock.Clock) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, clk clock.Clock) Store {
			return NewMemoryStore(clk)
		},
		"sqlite": func(t *testing.T, clk clock.Clock) Store {
			path := filepath.Join(t.TempDir(), "tokens.db")
			s, err := OpenSQLite(context.Background(), path, clk)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func newMock() *clock.Mock {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return mock
}

func TestStore_EnqueueAndPendingOrder(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			mock := newMock()
			s := factory(t, mock)
			ctx := context.Background()

			require.NoError(t, s.Enqueue(ctx, core.EnrichmentTask{TokenID: "tier2-old", Tier: 2}))
			mock.Add(time.Second)
			require.NoError(t, s.Enqueue(ctx, core.EnrichmentTask{TokenID: "tier1-new", Tier: 1}))
			mock.Add(time.Second)
			require.NoError(t, s.Enqueue(ctx, core.EnrichmentTask{TokenID: "tier2-new", Tier: 2}))
			mock.Add(time.Second)
			require.NoError(t, s.Enqueue(ctx, core.EnrichmentTask{TokenID: "tier1-newest", Tier: 1, Symbol: "BONK"}))

			pending, err := s.Pending(ctx, 0)
			require.NoError(t, err)
			ids := make([]string, len(pending))
			for i, p := range pending {
				ids[i] = p.TokenID
				assert.Equal(t, core.TaskPending, p.Status)
			}
			assert.Equal(t, []string{"tier1-new", "tier1-newest", "tier2-old", "tier2-new"}, ids)
			assert.Equal(t, "BONK", pending[1].Symbol)

			limited, err := s.Pending(ctx, 2)
			require.NoError(t, err)
			assert.Len(t, limited, 2)
		})
	}
}

func TestStore_PendingReclaimsStaleInProgress(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			mock := newMock()
			s := factory(t, mock)
			ctx := context.Background()

			require.NoError(t, s.Enqueue(ctx, core.EnrichmentTask{TokenID: "stuck", Tier: 1}))
			require.NoError(t, s.Enqueue(ctx, core.EnrichmentTask{TokenID: "waiting", Tier: 2}))
			require.NoError(t, s.Enqueue(ctx, core.EnrichmentTask{TokenID: "done", Tier: 0}))
			require.NoError(t, s.MarkInProgress(ctx, "stuck"))
			require.NoError(t, s.MarkInProgress(ctx, "done"))
			require.NoError(t, s.MarkFailed(ctx, "done", 3, "gave up"))

			ids := func() []string {
				pending, err := s.Pending(ctx, 0)
				require.NoError(t, err)
				out := make([]string, len(pending))
				for i, p := range pending {
					out[i] = p.TokenID
				}
				return out
			}

			assert.Equal(t, []string{"waiting"}, ids(), "fresh in_progress task is left alone")

			mock.Add(DefaultStaleAfter)
			assert.Equal(t, []string{"stuck", "waiting"}, ids())

			// A new attempt makes it fresh again
			require.NoError(t, s.MarkInProgress(ctx, "stuck"))
			assert.Equal(t, []string{"waiting"}, ids())

			s.(interface{ SetStaleAfter(time.Duration) }).SetStaleAfter(0)
			mock.Add(24 * time.Hour)
			assert.Equal(t, []string{"waiting"}, ids(), "reclaim disabled")
		})
	}
}

func TestStore_EnqueueResetsExisting(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			mock := newMock()
			s := factory(t, mock)
			ctx := context.Background()

			require.NoError(t, s.Enqueue(ctx, core.EnrichmentTask{TokenID: "tok", Symbol: "WIF", Tier: 3}))
			created := mock.Now()
			require.NoError(t, s.MarkInProgress(ctx, "tok"))
			require.NoError(t, s.MarkFailed(ctx, "tok", 3, "no provider responded"))

			mock.Add(time.Hour)
			require.NoError(t, s.Enqueue(ctx, core.EnrichmentTask{TokenID: "tok", Tier: 1}))

			task, err := s.Get(ctx, "tok")
			require.NoError(t, err)
			assert.Equal(t, core.TaskPending, task.Status)
			assert.Equal(t, 0, task.Retries)
			assert.Equal(t, 1, task.Tier)
			assert.Equal(t, "WIF", task.Symbol, "empty symbol keeps the stored one")
			assert.Empty(t, task.LastError)
			assert.True(t, task.CreatedAt.Equal(created))
		})
	}
}

func TestStore_LifecycleToCompleted(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			mock := newMock()
			s := factory(t, mock)
			ctx := context.Background()

			require.NoError(t, s.Enqueue(ctx, core.EnrichmentTask{TokenID: "tok"}))
			require.NoError(t, s.MarkInProgress(ctx, "tok"))

			task, err := s.Get(ctx, "tok")
			require.NoError(t, err)
			assert.Equal(t, core.TaskInProgress, task.Status)
			assert.True(t, task.LastAttempt.Equal(mock.Now()))

			pending, err := s.Pending(ctx, 0)
			require.NoError(t, err)
			assert.Empty(t, pending)

			rec := core.UnifiedRecord{
				TokenID:          "tok",
				Fields:           core.Fields{Price: core.Float(1.25), HolderCount: core.Int(40), RiskFlags: []string{}},
				Sources:          []string{"dexscreener", "rugcheck"},
				Provenance:       map[core.Field]string{core.FieldPrice: "dexscreener"},
				Tracked:          []core.Field{core.FieldPrice, core.FieldHolderCount, core.FieldRiskFlags, core.FieldLiquidity},
				PriceConsistency: core.PriceUnknown,
				EnrichedAt:       mock.Now(),
			}
			rec.Completeness = rec.ComputeCompleteness()
			require.NoError(t, s.SaveRecord(ctx, rec, 2))

			task, err = s.Get(ctx, "tok")
			require.NoError(t, err)
			assert.Equal(t, core.TaskCompleted, task.Status)
			assert.Equal(t, 2, task.Retries)

			got, err := s.Record(ctx, "tok")
			require.NoError(t, err)
			assert.Equal(t, 1.25, *got.Price)
			assert.Equal(t, int64(40), *got.HolderCount)
			assert.NotNil(t, got.RiskFlags)
			assert.Empty(t, got.RiskFlags)
			assert.Nil(t, got.Liquidity)
			assert.Equal(t, 0.75, got.Completeness)
			assert.Equal(t, got.ComputeCompleteness(), got.Completeness)
			assert.Equal(t, "dexscreener", got.Provenance[core.FieldPrice])
		})
	}
}

func TestStore_SaveRecordWithoutTask(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			s := factory(t, newMock())
			ctx := context.Background()

			rec := core.UnifiedRecord{TokenID: "adhoc", Symbol: "POPCAT", Sources: []string{}}
			require.NoError(t, s.SaveRecord(ctx, rec, 0))

			task, err := s.Get(ctx, "adhoc")
			require.NoError(t, err)
			assert.Equal(t, core.TaskCompleted, task.Status)
			assert.Equal(t, "POPCAT", task.Symbol)
		})
	}
}

func TestStore_NotFound(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			s := factory(t, newMock())
			ctx := context.Background()

			_, err := s.Get(ctx, "missing")
			assert.True(t, errors.Is(err, core.ErrTaskNotFound))

			_, err = s.Record(ctx, "missing")
			assert.True(t, errors.Is(err, core.ErrNoData))

			assert.True(t, errors.Is(s.MarkInProgress(ctx, "missing"), core.ErrTaskNotFound))
			assert.True(t, errors.Is(s.MarkFailed(ctx, "missing", 1, "x"), core.ErrTaskNotFound))

			err = s.Enqueue(ctx, core.EnrichmentTask{})
			assert.True(t, errors.Is(err, core.ErrInvalidToken))
		})
	}
}

func TestStore_ListFilter(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			mock := newMock()
			s := factory(t, mock)
			ctx := context.Background()

			for _, id := range []string{"a", "b", "c", "d"} {
				require.NoError(t, s.Enqueue(ctx, core.EnrichmentTask{TokenID: id}))
				mock.Add(time.Second)
			}
			require.NoError(t, s.MarkInProgress(ctx, "b"))
			require.NoError(t, s.MarkFailed(ctx, "b", 3, "boom"))

			all, err := s.List(ctx, ListFilter{})
			require.NoError(t, err)
			assert.Len(t, all, 4)

			failed, err := s.List(ctx, ListFilter{Status: core.TaskFailed})
			require.NoError(t, err)
			require.Len(t, failed, 1)
			assert.Equal(t, "boom", failed[0].LastError)
			assert.Equal(t, 3, failed[0].Retries)

			page, err := s.List(ctx, ListFilter{Limit: 2, Offset: 1})
			require.NoError(t, err)
			require.Len(t, page, 2)
			assert.Equal(t, "b", page[0].TokenID)
			assert.Equal(t, "c", page[1].TokenID)

			empty, err := s.List(ctx, ListFilter{Offset: 10})
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestOpenSQLite_RequiresPath(t *testing.T) {
	_, err := OpenSQLite(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestOpenSQLite_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.db")
	ctx := context.Background()

	s, err := OpenSQLite(ctx, path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(ctx, core.EnrichmentTask{TokenID: "persisted", Tier: 1}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path, nil)
	require.NoError(t, err)
	defer s.Close()

	task, err := s.Get(ctx, "persisted")
	require.NoError(t, err)
	assert.Equal(t, 1, task.Tier)
}

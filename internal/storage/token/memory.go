// internal/storage/token/memory.go
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/trenchcoat/enricher/internal/core"
)

// MemoryStore is an in-memory task store.
type MemoryStore struct {
	mu      sync.RWMutex
	tasks   map[string]core.EnrichmentTask
	records map[string][]byte
	clock   clock.Clock

	staleAfter time.Duration
}

// NewMemoryStore creates an empty store. A nil clock uses wall time.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryStore{
		tasks:      make(map[string]core.EnrichmentTask),
		records:    make(map[string][]byte),
		clock:      clk,
		staleAfter: DefaultStaleAfter,
	}
}

// SetStaleAfter changes the in_progress reclaim cutoff; zero disables it.
func (m *MemoryStore) SetStaleAfter(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staleAfter = d
}

// Enqueue adds or resets a task.
func (m *MemoryStore) Enqueue(ctx context.Context, task core.EnrichmentTask) error {
	if task.TokenID == "" {
		return core.WrapError(core.ErrInvalidToken, fmt.Errorf("token id is empty"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now().UTC()
	if existing, ok := m.tasks[task.TokenID]; ok {
		task.CreatedAt = existing.CreatedAt
		task.LastAttempt = existing.LastAttempt
		if task.Symbol == "" {
			task.Symbol = existing.Symbol
		}
	} else {
		task.CreatedAt = now
		task.LastAttempt = time.Time{}
	}
	task.Status = core.TaskPending
	task.Retries = 0
	task.LastError = ""
	m.tasks[task.TokenID] = task
	return nil
}

// Pending returns pending and stale in_progress tasks in queue order.
func (m *MemoryStore) Pending(ctx context.Context, limit int) ([]core.EnrichmentTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock.Now()
	var result []core.EnrichmentTask
	for _, t := range m.tasks {
		if t.Status.Terminal() {
			continue
		}
		if t.Status == core.TaskPending || m.stale(t, now) {
			result = append(result, t)
		}
	}
	sortQueue(result)

	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) stale(t core.EnrichmentTask, now time.Time) bool {
	if m.staleAfter <= 0 || t.Status != core.TaskInProgress || t.LastAttempt.IsZero() {
		return false
	}
	return now.Sub(t.LastAttempt) >= m.staleAfter
}

// MarkInProgress flags a task as being worked on.
func (m *MemoryStore) MarkInProgress(ctx context.Context, tokenID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[tokenID]
	if !ok {
		return core.ErrTaskNotFound
	}
	t.Status = core.TaskInProgress
	t.LastAttempt = m.clock.Now().UTC()
	m.tasks[tokenID] = t
	return nil
}

// SaveRecord stores the record and completes the task, creating it if the
// token was enriched outside the queue.
func (m *MemoryStore) SaveRecord(ctx context.Context, rec core.UnifiedRecord, retries int) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now().UTC()
	t, ok := m.tasks[rec.TokenID]
	if !ok {
		t = core.EnrichmentTask{TokenID: rec.TokenID, Symbol: rec.Symbol, CreatedAt: now}
	}
	t.Status = core.TaskCompleted
	t.Retries = retries
	t.LastAttempt = now
	t.LastError = ""
	m.tasks[rec.TokenID] = t
	m.records[rec.TokenID] = data
	return nil
}

// MarkFailed marks a task failed.
func (m *MemoryStore) MarkFailed(ctx context.Context, tokenID string, retries int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[tokenID]
	if !ok {
		return core.ErrTaskNotFound
	}
	t.Status = core.TaskFailed
	t.Retries = retries
	t.LastAttempt = m.clock.Now().UTC()
	t.LastError = reason
	m.tasks[tokenID] = t
	return nil
}

// Get retrieves a task by token id.
func (m *MemoryStore) Get(ctx context.Context, tokenID string) (*core.EnrichmentTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[tokenID]
	if !ok {
		return nil, core.ErrTaskNotFound
	}
	return &t, nil
}

// Record retrieves the stored record for a token.
func (m *MemoryStore) Record(ctx context.Context, tokenID string) (*core.UnifiedRecord, error) {
	m.mu.RLock()
	data, ok := m.records[tokenID]
	m.mu.RUnlock()
	if !ok {
		return nil, core.ErrNoData
	}

	var rec core.UnifiedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return &rec, nil
}

// List returns tasks matching the filter in queue order.
func (m *MemoryStore) List(ctx context.Context, filter ListFilter) ([]core.EnrichmentTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []core.EnrichmentTask
	for _, t := range m.tasks {
		if filter.Status == "" || t.Status == filter.Status {
			result = append(result, t)
		}
	}
	sortQueue(result)

	// Apply offset and limit
	if filter.Offset > 0 && filter.Offset < len(result) {
		result = result[filter.Offset:]
	} else if filter.Offset >= len(result) && filter.Offset > 0 {
		return []core.EnrichmentTask{}, nil
	}

	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}

	return result, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func sortQueue(tasks []core.EnrichmentTask) {
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Tier != b.Tier {
			return a.Tier < b.Tier
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.TokenID < b.TokenID
	})
}

var _ Store = (*MemoryStore)(nil)

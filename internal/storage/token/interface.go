// internal/storage/token/interface.go
package token

import (
	"context"
	"time"

	"github.com/trenchcoat/enricher/internal/core"
)

// DefaultStaleAfter is how long a task may sit in_progress without a new
// attempt before Pending hands it out again.
const DefaultStaleAfter = 15 * time.Minute

// Store persists the enrichment work queue and its results.
type Store interface {
	// Enqueue adds a token or resets an existing one to pending.
	Enqueue(ctx context.Context, task core.EnrichmentTask) error

	// Pending returns up to limit pending tasks, lowest tier first, then
	// oldest first. A limit of zero returns all of them. Tasks stuck
	// in_progress longer than the stale cutoff are returned as well.
	Pending(ctx context.Context, limit int) ([]core.EnrichmentTask, error)

	// MarkInProgress records the start of an attempt.
	MarkInProgress(ctx context.Context, tokenID string) error

	// SaveRecord stores a unified record and completes its task.
	SaveRecord(ctx context.Context, rec core.UnifiedRecord, retries int) error

	// MarkFailed marks a task failed after its retries ran out.
	MarkFailed(ctx context.Context, tokenID string, retries int, reason string) error

	// Get retrieves a task by token id.
	Get(ctx context.Context, tokenID string) (*core.EnrichmentTask, error)

	// Record retrieves the last stored record for a token.
	Record(ctx context.Context, tokenID string) (*core.UnifiedRecord, error)

	// List retrieves tasks matching the filter.
	List(ctx context.Context, filter ListFilter) ([]core.EnrichmentTask, error)

	// Close releases resources.
	Close() error
}

// ListFilter defines criteria for listing tasks.
type ListFilter struct {
	Status core.TaskStatus
	Limit  int
	Offset int
}

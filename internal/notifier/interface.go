package notifier

import (
	"context"

	"github.com/trenchcoat/enricher/internal/core"
)

// Notifier announces finished batch runs
type Notifier interface {
	// Name returns the unique identifier for this notifier
	Name() string

	// NotifyBatch reports the final stats of one run
	NotifyBatch(ctx context.Context, stats core.BatchStats) error
}

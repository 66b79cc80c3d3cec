package fetcher

import (
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/trenchcoat/enricher/internal/metrics"
)

// BreakerConfig controls the per-provider circuit breaker
type BreakerConfig struct {
	Enabled             bool
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// DefaultBreakerConfig trips after five consecutive failures and probes
// again after thirty seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:             true,
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
	}
}

func newBreaker(name string, cfg BreakerConfig, logger *zap.Logger, reg *metrics.Registry) *gobreaker.CircuitBreaker {
	threshold := cfg.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			reg.RecordBreakerState(name, to.String())
		},
	})
}

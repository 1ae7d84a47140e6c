package ports

import (
	"context"

	"github.com/alejandrodnm/lpbot/internal/domain"
)

// MetricsProvider devuelve el snapshot de telemetría de todos los pools seguidos.
type MetricsProvider interface {
	FetchPoolMetrics(ctx context.Context) ([]domain.PoolMetricsSnapshot, error)
}

// ProtectionPredicate reports whether a trade holds a position the strategy
// wants exempt from a forced kill-switch sweep.
type ProtectionPredicate func(tradeID string) bool

package ports

import (
	"context"

	"github.com/alejandrodnm/lpbot/internal/domain"
)

// EntryCandidate is a strategy's request to open a position in a pool.
type EntryCandidate struct {
	Pool             string
	SizingMode       domain.SizingMode
	RequestedSize    float64
	RiskTier         string
	Leverage         float64
	MigrationFlowPct float64 // signed liquidity migration signal; negative = outflow
}

// ExitSignal is a strategy's request to close a position.
type ExitSignal struct {
	TradeID string
	Reason  domain.ExitReason
	Caller  string
}

// Strategy is the scoring layer that sits on top of the safety core.
// Refresh runs first each cycle, so IsProtected answers for the current
// open trades and metrics.
type Strategy interface {
	Refresh(ctx context.Context, open []domain.Trade, metrics []domain.PoolMetricsSnapshot)
	EntryCandidates(ctx context.Context, metrics []domain.PoolMetricsSnapshot) []EntryCandidate
	ExitSignals(ctx context.Context, open []domain.Trade, metrics []domain.PoolMetricsSnapshot) []ExitSignal
	IsProtected(tradeID string) bool
}

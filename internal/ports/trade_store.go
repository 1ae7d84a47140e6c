package ports

import (
	"context"

	"github.com/alejandrodnm/lpbot/internal/domain"
)

// TradeStore persists the trade lifecycle.
type TradeStore interface {
	// InsertTrade persists a new open trade and returns its durable id.
	InsertTrade(ctx context.Context, t domain.Trade) (string, error)
	GetTrade(ctx context.Context, id string) (domain.Trade, error)
	GetOpenTrades(ctx context.Context) ([]domain.Trade, error)
	UpdateTradeStatus(ctx context.Context, id string, status domain.TradeStatus) error
	// CloseTrade writes the exit fill and sets status closed.
	CloseTrade(ctx context.Context, id string, rec domain.ExitRecord) error
}

// ExitStateStore holds the persisted single-exit marker of each trade.
type ExitStateStore interface {
	GetTrade(ctx context.Context, id string) (domain.Trade, error)
	// CompareAndSetExitState moves exit_state from -> to atomically and
	// reports whether this caller performed the transition.
	CompareAndSetExitState(ctx context.Context, id string, from, to domain.ExitState) (bool, error)
	GetTradesByExitState(ctx context.Context, state domain.ExitState) ([]domain.Trade, error)
}

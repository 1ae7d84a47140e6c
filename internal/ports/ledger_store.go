package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/lpbot/internal/domain"
)

// LedgerStore persists capital accounting rows. It gives per-row atomicity
// only; the ledger performs its own compensation across rows.
type LedgerStore interface {
	// LoadCapitalState returns the capital row and whether it exists.
	LoadCapitalState(ctx context.Context) (domain.CapitalState, bool, error)
	// InsertCapitalState creates the row if missing; it is a no-op when a
	// row is already there.
	InsertCapitalState(ctx context.Context, st domain.CapitalState) error
	// UpdateCapitalState writes next only if the stored version still equals
	// expectedVersion, and returns the new version. A lost race returns
	// domain.ErrStaleCapitalState.
	UpdateCapitalState(ctx context.Context, expectedVersion int64, next domain.CapitalState) (int64, error)

	GetCapitalLock(ctx context.Context, tradeID string) (domain.CapitalLock, bool, error)
	InsertCapitalLock(ctx context.Context, lock domain.CapitalLock) error
	DeleteCapitalLock(ctx context.Context, tradeID string) error
	DeleteAllCapitalLocks(ctx context.Context) (int, error)
	ListCapitalLocks(ctx context.Context) ([]domain.CapitalLock, error)
	// GetTrade returns the trade a lock belongs to, or domain.ErrTradeNotFound.
	GetTrade(ctx context.Context, id string) (domain.Trade, error)

	SaveRunEpoch(ctx context.Context, epoch domain.RunEpoch) error
	LatestRunEpoch(ctx context.Context) (domain.RunEpoch, bool, error)
	// SumRealizedPnLSince sums net P&L of trades closed at or after since.
	SumRealizedPnLSince(ctx context.Context, since time.Time) (float64, error)
	// CancelOpenTrades marks every open trade cancelled with zero P&L.
	CancelOpenTrades(ctx context.Context) (int, error)

	SaveCapitalAudit(ctx context.Context, a domain.CapitalAudit) error
	IsReconciliationSealed(ctx context.Context) (bool, error)
	SetReconciliationSeal(ctx context.Context) error
}

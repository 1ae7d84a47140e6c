// Package exitauth guarantees that each trade is closed at most once.
//
// The exit marker is the persisted trades.exit_state column, not an
// in-process mutex, so the single-winner property holds across goroutines
// and across restarts:
//
//	OPEN ──acquire──▶ CLOSING ──markClosed──▶ CLOSED
//	  ▲                  │
//	  └─────release──────┘  (persistence failure during close)
package exitauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/lpbot/internal/domain"
	"github.com/alejandrodnm/lpbot/internal/ports"
)

// Authority serializes exits through compare-and-set on the exit marker.
type Authority struct {
	store ports.ExitStateStore
}

// New creates an Authority backed by store.
func New(store ports.ExitStateStore) *Authority {
	return &Authority{store: store}
}

// CanExitTrade reports whether the trade is open with no exit in flight.
// A missing trade is not exitable.
func (a *Authority) CanExitTrade(ctx context.Context, tradeID string) (bool, error) {
	if a.store == nil {
		return false, domain.ErrExitAuthorityNotReady
	}
	t, err := a.store.GetTrade(ctx, tradeID)
	if errors.Is(err, domain.ErrTradeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, domain.Persistence("exitauth.CanExitTrade", err)
	}
	return t.Status == domain.TradeStatusOpen && t.ExitState == domain.ExitStateOpen, nil
}

// AcquireExitLock moves the trade OPEN → CLOSING. Among concurrent callers
// exactly one gets true.
func (a *Authority) AcquireExitLock(ctx context.Context, tradeID, caller string) (bool, error) {
	if a.store == nil {
		return false, domain.ErrExitAuthorityNotReady
	}
	won, err := a.store.CompareAndSetExitState(ctx, tradeID, domain.ExitStateOpen, domain.ExitStateClosing)
	if err != nil {
		return false, domain.Persistence("exitauth.AcquireExitLock", err)
	}
	if !won {
		slog.Debug("exitauth: exit lock denied", "trade", tradeID, "caller", caller)
		return false, nil
	}
	slog.Info("exitauth: exit lock acquired", "trade", tradeID, "caller", caller)
	return true, nil
}

// ReleaseExitLock moves the trade CLOSING → OPEN so a failed close can be
// retried. Releasing a trade that is not closing is a no-op.
func (a *Authority) ReleaseExitLock(ctx context.Context, tradeID string) error {
	if a.store == nil {
		return domain.ErrExitAuthorityNotReady
	}
	ok, err := a.store.CompareAndSetExitState(ctx, tradeID, domain.ExitStateClosing, domain.ExitStateOpen)
	if err != nil {
		return domain.Persistence("exitauth.ReleaseExitLock", err)
	}
	if ok {
		slog.Warn("exitauth: exit lock released, trade reopened", "trade", tradeID)
	}
	return nil
}

// MarkTradeClosed is the terminal CLOSING → CLOSED transition. It must run
// after every capital and persistence effect of the exit is durable.
func (a *Authority) MarkTradeClosed(ctx context.Context, tradeID string) error {
	if a.store == nil {
		return domain.ErrExitAuthorityNotReady
	}
	ok, err := a.store.CompareAndSetExitState(ctx, tradeID, domain.ExitStateClosing, domain.ExitStateClosed)
	if err != nil {
		return domain.Persistence("exitauth.MarkTradeClosed", err)
	}
	if !ok {
		return fmt.Errorf("exitauth.MarkTradeClosed %s: trade not closing", tradeID)
	}
	return nil
}

// Recover resolves trades left CLOSING by a crash. A trade whose close was
// persisted is finished; anything else is reopened for a later exit.
// Returns how many trades were touched.
func (a *Authority) Recover(ctx context.Context) (int, error) {
	if a.store == nil {
		return 0, domain.ErrExitAuthorityNotReady
	}
	stuck, err := a.store.GetTradesByExitState(ctx, domain.ExitStateClosing)
	if err != nil {
		return 0, domain.Persistence("exitauth.Recover", err)
	}

	n := 0
	for _, t := range stuck {
		to := domain.ExitStateOpen
		if t.Status == domain.TradeStatusClosed {
			to = domain.ExitStateClosed
		}
		ok, err := a.store.CompareAndSetExitState(ctx, t.ID, domain.ExitStateClosing, to)
		if err != nil {
			return n, domain.Persistence("exitauth.Recover", err)
		}
		if ok {
			n++
			slog.Warn("exitauth: recovered stuck exit", "trade", t.ID, "pool", t.Pool, "to", to.String())
		}
	}
	return n, nil
}

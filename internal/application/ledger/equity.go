package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/alejandrodnm/lpbot/internal/domain"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewRunID returns a time-sortable id for a run epoch.
func NewRunID(at time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at.UTC()), entropy).String()
}

// SetRunEpoch starts a new run epoch. Realized P&L for run-level reporting is
// summed only over trades closed at or after its start.
func (l *Ledger) SetRunEpoch(ctx context.Context, runID string, startingCapital float64) (domain.RunEpoch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.ready {
		return domain.RunEpoch{}, domain.ErrLedgerNotReady
	}
	now := l.now()
	if runID == "" {
		runID = NewRunID(now)
	}
	epoch := domain.RunEpoch{RunID: runID, StartingCapital: startingCapital, StartedAt: now}
	if err := l.store.SaveRunEpoch(ctx, epoch); err != nil {
		return epoch, domain.Persistence("ledger.SetRunEpoch", err)
	}
	l.epoch = &epoch
	slog.Info("ledger: run epoch started",
		"run_id", runID,
		"starting_capital", fmt.Sprintf("$%.2f", startingCapital))
	return epoch, nil
}

// Epoch returns the current run epoch, if set.
func (l *Ledger) Epoch() (domain.RunEpoch, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.epoch == nil {
		return domain.RunEpoch{}, false
	}
	return *l.epoch, true
}

// RunScopedRealizedPnL sums net P&L of trades closed during this run.
func (l *Ledger) RunScopedRealizedPnL(ctx context.Context) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runRealized(ctx)
}

// RunScopedNetEquity is startingCapital + runRealized + unrealizedPnL, the only
// equity figure used for run-level reporting.
func (l *Ledger) RunScopedNetEquity(ctx context.Context, unrealizedPnL float64) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	realized, err := l.runRealized(ctx)
	if err != nil {
		return 0, err
	}
	return l.epoch.StartingCapital + realized + unrealizedPnL, nil
}

// ValidateEquitySanity returns a fatal PhantomEquity error when netEquity is
// above what the run could have produced: starting capital plus run-scoped
// realized P&L plus the maximum possible unrealized P&L.
func (l *Ledger) ValidateEquitySanity(ctx context.Context, netEquity, maxUnrealizedPnL, epsilon float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	realized, err := l.runRealized(ctx)
	if err != nil {
		return err
	}
	if epsilon <= 0 {
		epsilon = l.cfg.Epsilon
	}
	ceiling := l.epoch.StartingCapital + realized + maxUnrealizedPnL
	if netEquity > ceiling+epsilon {
		slog.Error("ledger: PHANTOM EQUITY",
			"net_equity", fmt.Sprintf("$%.4f", netEquity),
			"ceiling", fmt.Sprintf("$%.4f", ceiling),
			"starting", fmt.Sprintf("$%.2f", l.epoch.StartingCapital),
			"run_realized", fmt.Sprintf("$%.4f", realized),
			"max_unrealized", fmt.Sprintf("$%.4f", maxUnrealizedPnL),
		)
		return domain.Fatal(domain.FatalPhantomEquity,
			"net equity $%.4f > starting $%.2f + realized $%.4f + max unrealized $%.4f",
			netEquity, l.epoch.StartingCapital, realized, maxUnrealizedPnL)
	}
	return nil
}

// ValidateRestartEquity checks that equity did not silently grow across a
// restart beyond the configured tolerance.
func (l *Ledger) ValidateRestartEquity(previousEquity, currentEquity float64) error {
	if currentEquity > previousEquity+l.cfg.RestartTolerance {
		slog.Error("ledger: equity increased across restart",
			"previous", fmt.Sprintf("$%.4f", previousEquity),
			"current", fmt.Sprintf("$%.4f", currentEquity))
		return domain.Fatal(domain.FatalRestartEquity,
			"equity grew from $%.4f to $%.4f across restart (tolerance $%.2f)",
			previousEquity, currentEquity, l.cfg.RestartTolerance)
	}
	return nil
}

// ResetCapital wipes trading state: open trades are cancelled, locks deleted
// and the capital row reset to balance. Refused with a fatal error once the
// reconciliation seal is set, unless Config.TestMode.
func (l *Ledger) ResetCapital(ctx context.Context, balance float64) (domain.CapitalAudit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if balance < 0 {
		return domain.CapitalAudit{}, fmt.Errorf("ledger.ResetCapital: negative balance %.2f", balance)
	}
	prior, err := l.load(ctx, "ledger.ResetCapital")
	if err != nil {
		return domain.CapitalAudit{}, err
	}
	sealed, err := l.store.IsReconciliationSealed(ctx)
	if err != nil {
		return domain.CapitalAudit{}, domain.Persistence("ledger.ResetCapital: seal", err)
	}
	if sealed && !l.cfg.TestMode {
		slog.Error("ledger: resetCapital refused, reconciliation sealed")
		return domain.CapitalAudit{}, domain.Fatal(domain.FatalReconciliationSealed,
			"resetCapital called after the ledger was sealed as authoritative")
	}

	locks, err := l.store.ListCapitalLocks(ctx)
	if err != nil {
		return domain.CapitalAudit{}, domain.Persistence("ledger.ResetCapital: list locks", err)
	}

	// capital row first: every later step can be undone against it
	now := l.now()
	next := domain.CapitalState{
		Available:      balance,
		InitialCapital: balance,
		UpdatedAt:      now,
	}
	applied, err := l.write(ctx, "ledger.ResetCapital: update balance", prior, next)
	if err != nil {
		return domain.CapitalAudit{}, err
	}

	deleted, err := l.store.DeleteAllCapitalLocks(ctx)
	if err != nil {
		if rbErr := l.rollback(ctx, applied, prior); rbErr != nil {
			return domain.CapitalAudit{}, rbErr
		}
		return domain.CapitalAudit{}, domain.Persistence("ledger.ResetCapital: delete locks", err)
	}
	cancelled, err := l.store.CancelOpenTrades(ctx)
	if err != nil {
		if rbErr := l.restoreLocks(ctx, locks); rbErr != nil {
			return domain.CapitalAudit{}, rbErr
		}
		if rbErr := l.rollback(ctx, applied, prior); rbErr != nil {
			return domain.CapitalAudit{}, rbErr
		}
		return domain.CapitalAudit{}, domain.Persistence("ledger.ResetCapital: cancel trades", err)
	}

	audit := domain.CapitalAudit{
		Action:          domain.AuditReset,
		Reason:          fmt.Sprintf("reset to $%.2f", balance),
		Amount:          balance,
		Before:          prior,
		After:           applied,
		TradesCancelled: cancelled,
		LocksDeleted:    deleted,
		CreatedAt:       now,
	}
	if err := l.store.SaveCapitalAudit(ctx, audit); err != nil {
		return audit, domain.Persistence("ledger.ResetCapital: audit", err)
	}

	slog.Warn("ledger: CAPITAL RESET",
		"balance", fmt.Sprintf("$%.2f", balance),
		"prior_equity", fmt.Sprintf("$%.2f", prior.Equity()),
		"trades_cancelled", cancelled,
		"locks_deleted", deleted,
	)
	l.recorder.CapitalSnapshot(applied)
	return audit, nil
}

// restoreLocks re-inserts locks removed by a reset that could not finish.
// Callers hold l.mu.
func (l *Ledger) restoreLocks(ctx context.Context, locks []domain.CapitalLock) error {
	for _, lk := range locks {
		if err := l.store.InsertCapitalLock(ctx, lk); err != nil {
			slog.Error("ledger: lock restore failed", "trade", lk.TradeID, "err", err)
			return domain.Fatal(domain.FatalLedgerInconsistent,
				"lock restore failed for %s after aborted reset: %v", lk.TradeID, err)
		}
	}
	return nil
}

// Seal declares the ledger authoritative. It cannot be undone.
func (l *Ledger) Seal(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.load(ctx, "ledger.Seal")
	if err != nil {
		return err
	}
	if err := l.store.SetReconciliationSeal(ctx); err != nil {
		return domain.Persistence("ledger.Seal", err)
	}
	if err := l.store.SaveCapitalAudit(ctx, domain.CapitalAudit{
		Action:    domain.AuditSeal,
		Reason:    "reconciliation sealed",
		Before:    st,
		After:     st,
		CreatedAt: l.now(),
	}); err != nil {
		slog.Warn("ledger: seal audit failed", "err", err)
	}
	slog.Info("ledger: reconciliation sealed")
	return nil
}

// IsSealed reports whether the reconciliation seal is set.
func (l *Ledger) IsSealed(ctx context.Context) (bool, error) {
	sealed, err := l.store.IsReconciliationSealed(ctx)
	if err != nil {
		return false, domain.Persistence("ledger.IsSealed", err)
	}
	return sealed, nil
}

// runRealized requires the ledger ready and an epoch. Callers hold l.mu.
func (l *Ledger) runRealized(ctx context.Context) (float64, error) {
	if !l.ready {
		return 0, domain.ErrLedgerNotReady
	}
	if l.epoch == nil {
		return 0, domain.ErrNoRunEpoch
	}
	realized, err := l.store.SumRealizedPnLSince(ctx, l.epoch.StartedAt)
	if err != nil {
		return 0, domain.Persistence("ledger.runRealized", err)
	}
	return realized, nil
}

// Package ledger is the durable capital accounting of the bot. Every balance
// read goes to the store; nothing is served from memory.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alejandrodnm/lpbot/internal/domain"
	"github.com/alejandrodnm/lpbot/internal/ports"
)

const (
	defaultEpsilon          = 0.01
	defaultRestartTolerance = 1.00
)

// Config holds ledger policy.
type Config struct {
	// TestMode allows ResetCapital after the reconciliation seal.
	TestMode bool
	// RestartTolerance is how much equity may grow across a restart (USD)
	// before it is treated as double counting.
	RestartTolerance float64
	// Epsilon is the rounding tolerance for conservation checks (USD).
	Epsilon float64
}

// Ledger allocates, releases and settles capital against trades.
type Ledger struct {
	store    ports.LedgerStore
	cfg      Config
	now      func() time.Time
	recorder ports.Recorder

	mu    sync.Mutex // serializes read-modify-write in this process
	ready bool
	epoch *domain.RunEpoch
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithRecorder sends capital snapshots to r after every mutation.
func WithRecorder(r ports.Recorder) Option {
	return func(l *Ledger) { l.recorder = r }
}

// New creates a ledger over store. Call Initialize before any other method.
func New(store ports.LedgerStore, cfg Config, opts ...Option) *Ledger {
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = defaultEpsilon
	}
	if cfg.RestartTolerance <= 0 {
		cfg.RestartTolerance = defaultRestartTolerance
	}
	l := &Ledger{
		store:    store,
		cfg:      cfg,
		now:      time.Now,
		recorder: ports.NopRecorder{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Initialize bootstraps the capital row with initialCapital if it does not
// exist yet. Idempotent: an existing row is never overwritten.
func (l *Ledger) Initialize(ctx context.Context, initialCapital float64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok, err := l.store.LoadCapitalState(ctx)
	if err != nil {
		return false, domain.Persistence("ledger.Initialize: load", err)
	}
	if !ok {
		if initialCapital <= 0 {
			return false, fmt.Errorf("ledger.Initialize: initial capital must be > 0, got %.2f", initialCapital)
		}
		now := l.now()
		if err := l.store.InsertCapitalState(ctx, domain.CapitalState{
			Available:      initialCapital,
			InitialCapital: initialCapital,
			UpdatedAt:      now,
		}); err != nil {
			return false, domain.Persistence("ledger.Initialize: insert", err)
		}
		slog.Info("ledger: capital bootstrapped", "initial", fmt.Sprintf("$%.2f", initialCapital))
	}

	st, ok, err := l.store.LoadCapitalState(ctx)
	if err != nil {
		return false, domain.Persistence("ledger.Initialize: verify", err)
	}
	if !ok {
		return false, domain.Persistence("ledger.Initialize: verify", errMissingRow)
	}
	l.ready = true
	slog.Info("ledger: ready",
		"available", fmt.Sprintf("$%.2f", st.Available),
		"locked", fmt.Sprintf("$%.2f", st.Locked),
		"realized", fmt.Sprintf("$%.2f", st.TotalRealizedPnL),
	)
	l.recorder.CapitalSnapshot(st)
	return true, nil
}

// Close marks the ledger not ready. The store is owned by the caller.
func (l *Ledger) Close() {
	l.mu.Lock()
	l.ready = false
	l.mu.Unlock()
}

// IsReady reports whether Initialize succeeded and Close was not called.
func (l *Ledger) IsReady() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}

// State returns the durable capital row.
func (l *Ledger) State(ctx context.Context) (domain.CapitalState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(ctx, "ledger.State")
}

// Balance returns the available balance, read from the store.
func (l *Ledger) Balance(ctx context.Context) (float64, error) {
	st, err := l.State(ctx)
	if err != nil {
		return 0, err
	}
	return st.Available, nil
}

// Equity returns available + locked, read from the store.
func (l *Ledger) Equity(ctx context.Context) (float64, error) {
	st, err := l.State(ctx)
	if err != nil {
		return 0, err
	}
	return st.Equity(), nil
}

// Allocate locks amount against tradeID. It returns false without touching
// the store when amount is not positive, exceeds the available balance, or
// the trade already holds a lock.
func (l *Ledger) Allocate(ctx context.Context, tradeID string, amount float64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.load(ctx, "ledger.Allocate")
	if err != nil {
		return false, err
	}
	if amount <= 0 || math.IsNaN(amount) {
		slog.Warn("ledger: allocate rejected, non-positive amount", "trade", tradeID, "amount", amount)
		return false, nil
	}
	if amount > st.Available {
		slog.Info("ledger: allocate rejected, insufficient balance",
			"trade", tradeID,
			"amount", fmt.Sprintf("$%.2f", amount),
			"available", fmt.Sprintf("$%.2f", st.Available),
		)
		return false, nil
	}
	_, exists, err := l.store.GetCapitalLock(ctx, tradeID)
	if err != nil {
		return false, domain.Persistence("ledger.Allocate: get lock", err)
	}
	if exists {
		slog.Warn("ledger: allocate rejected, trade already holds a lock", "trade", tradeID)
		return false, nil
	}

	now := l.now()
	next := st
	next.Available -= amount
	next.Locked += amount
	next.UpdatedAt = now
	applied, err := l.write(ctx, "ledger.Allocate: update balance", st, next)
	if err != nil {
		return false, err
	}

	if err := l.store.InsertCapitalLock(ctx, domain.CapitalLock{TradeID: tradeID, Amount: amount, LockedAt: now}); err != nil {
		if rbErr := l.rollback(ctx, applied, st); rbErr != nil {
			return false, rbErr
		}
		return false, domain.Persistence("ledger.Allocate: insert lock", err)
	}

	slog.Info("ledger: allocated",
		"trade", tradeID,
		"amount", fmt.Sprintf("$%.2f", amount),
		"available", fmt.Sprintf("$%.2f", applied.Available),
		"locked", fmt.Sprintf("$%.2f", applied.Locked),
	)
	l.recorder.CapitalSnapshot(applied)
	return true, nil
}

// Release returns a trade's locked capital to the available balance.
// A trade without a lock is a no-op.
func (l *Ledger) Release(ctx context.Context, tradeID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.load(ctx, "ledger.Release")
	if err != nil {
		return err
	}
	lock, exists, err := l.store.GetCapitalLock(ctx, tradeID)
	if err != nil {
		return domain.Persistence("ledger.Release: get lock", err)
	}
	if !exists {
		return nil
	}

	next := st
	next.Available += lock.Amount
	next.Locked = math.Max(0, st.Locked-lock.Amount)
	next.UpdatedAt = l.now()
	applied, err := l.write(ctx, "ledger.Release: update balance", st, next)
	if err != nil {
		return err
	}
	if err := l.store.DeleteCapitalLock(ctx, tradeID); err != nil {
		if rbErr := l.rollback(ctx, applied, st); rbErr != nil {
			return rbErr
		}
		return domain.Persistence("ledger.Release: delete lock", err)
	}

	slog.Info("ledger: released", "trade", tradeID, "amount", fmt.Sprintf("$%.2f", lock.Amount))
	l.recorder.CapitalSnapshot(applied)
	return nil
}

// ApplyPnL settles a trade: the locked amount plus pnl returns to available
// and pnl is added to realized P&L. This is the only path that records
// realized P&L. A trade without a lock is logged and ignored.
func (l *Ledger) ApplyPnL(ctx context.Context, tradeID string, pnl float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.load(ctx, "ledger.ApplyPnL")
	if err != nil {
		return err
	}
	lock, exists, err := l.store.GetCapitalLock(ctx, tradeID)
	if err != nil {
		return domain.Persistence("ledger.ApplyPnL: get lock", err)
	}
	if !exists {
		slog.Warn("ledger: applyPnL skipped, trade has no capital lock",
			"trade", tradeID, "pnl", fmt.Sprintf("$%.4f", pnl))
		return nil
	}

	next := st
	next.Available += lock.Amount + pnl
	next.Locked = math.Max(0, st.Locked-lock.Amount)
	next.TotalRealizedPnL += pnl
	next.UpdatedAt = l.now()
	applied, err := l.write(ctx, "ledger.ApplyPnL: update balance", st, next)
	if err != nil {
		return err
	}
	if err := l.store.DeleteCapitalLock(ctx, tradeID); err != nil {
		if rbErr := l.rollback(ctx, applied, st); rbErr != nil {
			return rbErr
		}
		return domain.Persistence("ledger.ApplyPnL: delete lock", err)
	}

	slog.Info("ledger: pnl applied",
		"trade", tradeID,
		"locked", fmt.Sprintf("$%.2f", lock.Amount),
		"pnl", fmt.Sprintf("$%.4f", pnl),
		"available", fmt.Sprintf("$%.2f", applied.Available),
		"realized_total", fmt.Sprintf("$%.4f", applied.TotalRealizedPnL),
	)
	l.recorder.CapitalSnapshot(applied)
	return nil
}

// Credit adjusts the available balance directly (refunds, reconciliation).
// Every credit is audited with reason.
func (l *Ledger) Credit(ctx context.Context, amount float64, reason string) error {
	if reason == "" {
		return errors.New("ledger.Credit: reason is required")
	}
	if amount == 0 || math.IsNaN(amount) {
		return fmt.Errorf("ledger.Credit: invalid amount %v", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.load(ctx, "ledger.Credit")
	if err != nil {
		return err
	}
	if st.Available+amount < 0 {
		return fmt.Errorf("ledger.Credit: debit $%.2f exceeds available $%.2f", -amount, st.Available)
	}

	now := l.now()
	next := st
	next.Available += amount
	next.UpdatedAt = now
	applied, err := l.write(ctx, "ledger.Credit: update balance", st, next)
	if err != nil {
		return err
	}
	audit := domain.CapitalAudit{
		Action:    domain.AuditCredit,
		Reason:    reason,
		Amount:    amount,
		Before:    st,
		After:     applied,
		CreatedAt: now,
	}
	if err := l.store.SaveCapitalAudit(ctx, audit); err != nil {
		if rbErr := l.rollback(ctx, applied, st); rbErr != nil {
			return rbErr
		}
		return domain.Persistence("ledger.Credit: audit", err)
	}

	slog.Info("ledger: credit", "amount", fmt.Sprintf("$%.2f", amount), "reason", reason)
	l.recorder.CapitalSnapshot(applied)
	return nil
}

// Locks lists open capital locks.
func (l *Ledger) Locks(ctx context.Context) ([]domain.CapitalLock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.ready {
		return nil, domain.ErrLedgerNotReady
	}
	locks, err := l.store.ListCapitalLocks(ctx)
	if err != nil {
		return nil, domain.Persistence("ledger.Locks", err)
	}
	return locks, nil
}

// Reconcile checks that the locks add up to the locked balance, that every
// lock belongs to a trade still open or closing, and that no balance is
// negative.
func (l *Ledger) Reconcile(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.load(ctx, "ledger.Reconcile")
	if err != nil {
		return err
	}
	locks, err := l.store.ListCapitalLocks(ctx)
	if err != nil {
		return domain.Persistence("ledger.Reconcile: list locks", err)
	}
	sum := 0.0
	for _, lk := range locks {
		sum += lk.Amount
	}
	if math.Abs(sum-st.Locked) > l.cfg.Epsilon {
		return domain.Fatal(domain.FatalLedgerInconsistent,
			"locks sum $%.4f != locked balance $%.4f (%d locks)", sum, st.Locked, len(locks))
	}
	if st.Available < -l.cfg.Epsilon {
		return domain.Fatal(domain.FatalLedgerInconsistent, "available balance negative: $%.4f", st.Available)
	}
	for _, lk := range locks {
		tr, err := l.store.GetTrade(ctx, lk.TradeID)
		if errors.Is(err, domain.ErrTradeNotFound) {
			return domain.Fatal(domain.FatalLedgerInconsistent,
				"lock $%.4f held by unknown trade %s", lk.Amount, lk.TradeID)
		}
		if err != nil {
			return domain.Persistence("ledger.Reconcile: get trade", err)
		}
		if tr.Status != domain.TradeStatusOpen && tr.Status != domain.TradeStatusClosing {
			return domain.Fatal(domain.FatalLedgerInconsistent,
				"lock $%.4f held by %s trade %s", lk.Amount, tr.Status, lk.TradeID)
		}
	}
	return nil
}

var errMissingRow = errors.New("capital row missing")

// load reads the capital row. Callers hold l.mu.
func (l *Ledger) load(ctx context.Context, op string) (domain.CapitalState, error) {
	if !l.ready {
		return domain.CapitalState{}, domain.ErrLedgerNotReady
	}
	st, ok, err := l.store.LoadCapitalState(ctx)
	if err != nil {
		return st, domain.Persistence(op, err)
	}
	if !ok {
		return st, domain.Persistence(op, errMissingRow)
	}
	return st, nil
}

// write applies next conditionally on prev.Version and returns next with
// its new version.
func (l *Ledger) write(ctx context.Context, op string, prev, next domain.CapitalState) (domain.CapitalState, error) {
	ver, err := l.store.UpdateCapitalState(ctx, prev.Version, next)
	if err != nil {
		return next, domain.Persistence(op, err)
	}
	next.Version = ver
	return next, nil
}

// rollback restores prior after a later step of the same operation failed.
// If the compensation itself fails the store shows money moved without its
// lock record, which is fatal.
func (l *Ledger) rollback(ctx context.Context, applied, prior domain.CapitalState) error {
	restore := prior
	restore.UpdatedAt = l.now()
	if _, err := l.store.UpdateCapitalState(ctx, applied.Version, restore); err != nil {
		slog.Error("ledger: rollback failed", "err", err,
			"available", applied.Available, "locked", applied.Locked)
		return domain.Fatal(domain.FatalLedgerInconsistent,
			"rollback of balance update failed: %v", err)
	}
	slog.Warn("ledger: balance update rolled back",
		"available", fmt.Sprintf("$%.2f", prior.Available),
		"locked", fmt.Sprintf("$%.2f", prior.Locked))
	return nil
}

package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/alejandrodnm/lpbot/internal/adapters/storage"
	"github.com/alejandrodnm/lpbot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 10, 9, 30, 0, 0, time.UTC)

func newDB(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func openTrade(pool string) domain.Trade {
	return domain.Trade{
		Pool: pool, Size: 50, SizingMode: domain.SizingStandard, RiskTier: "medium", Leverage: 1,
		EntryValueUSD: 49.95, EntryFeesUSD: 0.15, EntrySlippageUSD: 0.05, EntryPrice: 2, OpenedAt: t0,
	}
}

// ─── Capital ─────────────────────────────────────────────────────────────────

func TestCapitalState_InsertIsIdempotent(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	_, ok, err := db.LoadCapitalState(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.InsertCapitalState(ctx, domain.CapitalState{Available: 1000, InitialCapital: 1000, UpdatedAt: t0}))
	require.NoError(t, db.InsertCapitalState(ctx, domain.CapitalState{Available: 5, InitialCapital: 5}))

	st, ok, err := db.LoadCapitalState(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 1000, st.Available, 1e-9)
	assert.Equal(t, int64(1), st.Version)
	assert.WithinDuration(t, t0, st.UpdatedAt, time.Millisecond)
}

func TestCapitalState_ConditionalUpdate(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	require.NoError(t, db.InsertCapitalState(ctx, domain.CapitalState{Available: 1000, InitialCapital: 1000}))

	v, err := db.UpdateCapitalState(ctx, 1, domain.CapitalState{Available: 900, Locked: 100, InitialCapital: 1000})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	_, err = db.UpdateCapitalState(ctx, 1, domain.CapitalState{Available: 0, InitialCapital: 1000})
	assert.ErrorIs(t, err, domain.ErrStaleCapitalState)

	st, _, err := db.LoadCapitalState(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 900, st.Available, 1e-9)
	assert.InDelta(t, 100, st.Locked, 1e-9)
	assert.Equal(t, int64(2), st.Version)
}

func TestCapitalLocks_OnePerTrade(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	require.NoError(t, db.InsertCapitalLock(ctx, domain.CapitalLock{TradeID: "a", Amount: 40, LockedAt: t0}))
	assert.Error(t, db.InsertCapitalLock(ctx, domain.CapitalLock{TradeID: "a", Amount: 10}))
	require.NoError(t, db.InsertCapitalLock(ctx, domain.CapitalLock{TradeID: "b", Amount: 25}))

	l, ok, err := db.GetCapitalLock(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 40, l.Amount, 1e-9)
	assert.WithinDuration(t, t0, l.LockedAt, time.Millisecond)

	locks, err := db.ListCapitalLocks(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 2)
	assert.Equal(t, "a", locks[0].TradeID)

	require.NoError(t, db.DeleteCapitalLock(ctx, "a"))
	require.NoError(t, db.DeleteCapitalLock(ctx, "a"), "deleting a missing lock is a no-op")
	_, ok, err = db.GetCapitalLock(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := db.DeleteAllCapitalLocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunEpochs_Latest(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	_, ok, err := db.LatestRunEpoch(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.SaveRunEpoch(ctx, domain.RunEpoch{RunID: "r1", StartingCapital: 1000, StartedAt: t0}))
	require.NoError(t, db.SaveRunEpoch(ctx, domain.RunEpoch{RunID: "r2", StartingCapital: 980, StartedAt: t0.Add(time.Hour)}))

	e, ok, err := db.LatestRunEpoch(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r2", e.RunID)
	assert.InDelta(t, 980, e.StartingCapital, 1e-9)
	assert.WithinDuration(t, t0.Add(time.Hour), e.StartedAt, time.Millisecond)
}

func TestSumRealizedPnLSince(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	closeAt := func(pool string, pnl float64, at time.Time) {
		id, err := db.InsertTrade(ctx, openTrade(pool))
		require.NoError(t, err)
		require.NoError(t, db.CloseTrade(ctx, id, domain.ExitRecord{NetPnL: pnl, Reason: domain.ExitManual, ClosedAt: at}))
	}
	closeAt("A", -20, t0.Add(-time.Minute))
	closeAt("B", 5, t0)
	closeAt("C", 2.5, t0.Add(time.Hour))
	_, err := db.InsertTrade(ctx, openTrade("D"))
	require.NoError(t, err)

	sum, err := db.SumRealizedPnLSince(ctx, t0)
	require.NoError(t, err)
	assert.InDelta(t, 7.5, sum, 1e-9)
}

func TestCancelOpenTrades(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	a, err := db.InsertTrade(ctx, openTrade("A"))
	require.NoError(t, err)
	b, err := db.InsertTrade(ctx, openTrade("B"))
	require.NoError(t, err)
	require.NoError(t, db.CloseTrade(ctx, b, domain.ExitRecord{NetPnL: 1, ClosedAt: t0}))

	n, err := db.CancelOpenTrades(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := db.GetTrade(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusCancelled, got.Status)
	assert.Zero(t, got.NetPnL)

	open, err := db.GetOpenTrades(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestCapitalAudit_RoundTrip(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveCapitalAudit(ctx, domain.CapitalAudit{
		Action: domain.AuditCredit, Reason: "deposit", Amount: 250,
		Before: domain.CapitalState{Available: 1000}, After: domain.CapitalState{Available: 1250},
		CreatedAt: t0,
	}))
	require.NoError(t, db.SaveCapitalAudit(ctx, domain.CapitalAudit{
		Action: domain.AuditReset, Reason: "reset", TradesCancelled: 2, LocksDeleted: 2,
		CreatedAt: t0.Add(time.Minute),
	}))

	audits, err := db.ListCapitalAudits(ctx, 10)
	require.NoError(t, err)
	require.Len(t, audits, 2)
	assert.Equal(t, domain.AuditReset, audits[0].Action, "newest first")
	assert.Equal(t, 2, audits[0].TradesCancelled)
	assert.Equal(t, domain.AuditCredit, audits[1].Action)
	assert.InDelta(t, 1250, audits[1].After.Available, 1e-9)
	assert.WithinDuration(t, t0, audits[1].CreatedAt, time.Millisecond)
}

func TestCapitalAudit_CorruptRowIsAnError(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveCapitalAudit(ctx, domain.CapitalAudit{
		Action: domain.AuditCredit, Reason: "deposit", Amount: 250, CreatedAt: t0,
	}))
	require.NoError(t, storage.ExecRaw(ctx, db, `UPDATE capital_audit SET after_state='{"available":'`))

	_, err := db.ListCapitalAudits(ctx, 10)
	require.Error(t, err)
	assert.ErrorContains(t, err, "storage.ListCapitalAudits: decode")
}

func TestReconciliationSeal_OneWay(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	sealed, err := db.IsReconciliationSealed(ctx)
	require.NoError(t, err)
	assert.False(t, sealed)

	require.NoError(t, db.SetReconciliationSeal(ctx))
	require.NoError(t, db.SetReconciliationSeal(ctx))

	sealed, err = db.IsReconciliationSealed(ctx)
	require.NoError(t, err)
	assert.True(t, sealed)
}

// ─── Trades ──────────────────────────────────────────────────────────────────

func TestTrades_InsertGetClose(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	id, err := db.InsertTrade(ctx, openTrade("SOL-USDC"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := db.GetTrade(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "SOL-USDC", got.Pool)
	assert.Equal(t, domain.TradeStatusOpen, got.Status)
	assert.Equal(t, domain.ExitStateOpen, got.ExitState)
	assert.Equal(t, domain.SizingStandard, got.SizingMode)
	assert.InDelta(t, 49.95, got.EntryValueUSD, 1e-9)
	assert.WithinDuration(t, t0, got.OpenedAt, time.Millisecond)
	assert.Nil(t, got.ClosedAt)

	closedAt := t0.Add(2 * time.Hour)
	require.NoError(t, db.CloseTrade(ctx, id, domain.ExitRecord{
		ExitValueUSD: 52, ExitFeesUSD: 0.16, GrossPnL: 2.05, NetPnL: 1.74,
		Reason: domain.ExitTakeProfit, ClosedAt: closedAt,
	}))
	got, err = db.GetTrade(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusClosed, got.Status)
	assert.Equal(t, domain.ExitTakeProfit, got.ExitReason)
	assert.InDelta(t, 1.74, got.NetPnL, 1e-9)
	require.NotNil(t, got.ClosedAt)
	assert.WithinDuration(t, closedAt, *got.ClosedAt, time.Millisecond)

	err = db.CloseTrade(ctx, id, domain.ExitRecord{ClosedAt: closedAt})
	assert.ErrorIs(t, err, domain.ErrTradeNotFound, "closed trades cannot close twice")
}

func TestTrades_NotFound(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	_, err := db.GetTrade(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrTradeNotFound)
	assert.ErrorIs(t, db.UpdateTradeStatus(ctx, "missing", domain.TradeStatusCancelled), domain.ErrTradeNotFound)
}

func TestTrades_RecentNewestFirst(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	for _, p := range []string{"A", "B", "C"} {
		_, err := db.InsertTrade(ctx, openTrade(p))
		require.NoError(t, err)
	}

	recent, err := db.GetRecentTrades(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "C", recent[0].Pool)
	assert.Equal(t, "B", recent[1].Pool)
}

func TestExitState_Transitions(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	id, err := db.InsertTrade(ctx, openTrade("A"))
	require.NoError(t, err)

	ok, err := db.CompareAndSetExitState(ctx, id, domain.ExitStateOpen, domain.ExitStateClosing)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = db.CompareAndSetExitState(ctx, id, domain.ExitStateOpen, domain.ExitStateClosing)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire loses")

	got, err := db.GetTrade(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusClosing, got.Status)

	closing, err := db.GetTradesByExitState(ctx, domain.ExitStateClosing)
	require.NoError(t, err)
	require.Len(t, closing, 1)

	ok, err = db.CompareAndSetExitState(ctx, id, domain.ExitStateClosing, domain.ExitStateOpen)
	require.NoError(t, err)
	assert.True(t, ok)
	got, err = db.GetTrade(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusOpen, got.Status)
	assert.Equal(t, domain.ExitStateOpen, got.ExitState)

	_, err = db.CompareAndSetExitState(ctx, id, domain.ExitStateOpen, domain.ExitStateClosed)
	assert.Error(t, err, "open -> closed skips the lock")
}

// ─── Runtime ─────────────────────────────────────────────────────────────────

func TestKillSwitch_RoundTrip(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	st, err := db.LoadKillSwitch(ctx)
	require.NoError(t, err)
	assert.False(t, st.IsKilled)
	assert.Empty(t, st.ProtectedTradeIDs)

	want := domain.KillSwitchState{
		IsKilled:                  true,
		KillTimestamp:             t0,
		CooldownUntil:             t0.Add(10 * time.Minute),
		ConsecutiveKillConditions: 2,
		LastCheckTimestamp:        t0,
		Reason:                    "market health 20.0 < 25.0",
		ProtectedTradeIDs:         []string{"t1", "t2"},
	}
	require.NoError(t, db.SaveKillSwitch(ctx, want))

	got, err := db.LoadKillSwitch(ctx)
	require.NoError(t, err)
	assert.True(t, got.IsKilled)
	assert.WithinDuration(t, want.KillTimestamp, got.KillTimestamp, time.Millisecond)
	assert.WithinDuration(t, want.CooldownUntil, got.CooldownUntil, time.Millisecond)
	assert.WithinDuration(t, want.LastCheckTimestamp, got.LastCheckTimestamp, time.Millisecond)
	assert.Equal(t, 2, got.ConsecutiveKillConditions)
	assert.Equal(t, want.Reason, got.Reason)
	assert.Equal(t, []string{"t1", "t2"}, got.ProtectedTradeIDs)

	want.IsKilled = false
	want.ProtectedTradeIDs = nil
	require.NoError(t, db.SaveKillSwitch(ctx, want))
	got, err = db.LoadKillSwitch(ctx)
	require.NoError(t, err)
	assert.False(t, got.IsKilled)
	assert.Empty(t, got.ProtectedTradeIDs)
}

func TestEquitySnapshots_Latest(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	_, ok, err := db.LatestEquitySnapshot(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.SaveEquitySnapshot(ctx, "r1", 1000, time.Now()))
	require.NoError(t, db.SaveEquitySnapshot(ctx, "r1", 987.5, time.Now()))

	eq, ok, err := db.LatestEquitySnapshot(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 987.5, eq, 1e-9)
}

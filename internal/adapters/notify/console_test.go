package notify_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alejandrodnm/lpbot/internal/adapters/notify"
	"github.com/alejandrodnm/lpbot/internal/domain"
)

var reportNow = time.Date(2026, 4, 2, 15, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return reportNow }

func TestPrintLedgerReport_Full(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf, fixedNow)
	closedAt := reportNow.Add(-time.Hour)

	c.PrintLedgerReport(notify.LedgerReportInput{
		State:  domain.CapitalState{Available: 900, Locked: 80, TotalRealizedPnL: -20, InitialCapital: 1000, Version: 7},
		Sealed: true,
		Epoch:  &domain.RunEpoch{RunID: "01JRUN", StartingCapital: 990, StartedAt: reportNow.Add(-2 * time.Hour)},
		RunPnL: -10,
		Locks:  []domain.CapitalLock{{TradeID: "aaaaaaaa-1111", Amount: 50}},
		Open: []domain.Trade{
			{ID: "aaaaaaaa-1111", Pool: "SOL-USDC", SizingMode: domain.SizingStandard, Size: 50, OpenedAt: reportNow.Add(-30 * time.Minute)},
			{ID: "bbbbbbbb-2222", Pool: "JUP-USDC", SizingMode: domain.SizingExploration, Size: 30, OpenedAt: reportNow.Add(-5 * time.Minute)},
		},
		Recent: []domain.Trade{
			{ID: "cccccccc-3333", Pool: "BONK-SOL", Status: domain.TradeStatusClosed, Size: 100, NetPnL: -20.5, GrossPnL: -20, ExitReason: domain.ExitStopLoss, ClosedAt: &closedAt},
			{ID: "dddddddd-4444", Pool: "WIF-SOL", Status: domain.TradeStatusCancelled},
		},
		Audits: []domain.CapitalAudit{{
			Action: domain.AuditReset, Reason: "manual reset", CreatedAt: reportNow.Add(-24 * time.Hour),
			Before: domain.CapitalState{Available: 400}, After: domain.CapitalState{Available: 1000},
			TradesCancelled: 2, LocksDeleted: 2,
		}},
		KillSwitch: domain.KillSwitchState{
			IsKilled: true, KillTimestamp: reportNow.Add(-10 * time.Minute),
			CooldownUntil: reportNow.Add(90 * time.Second), Reason: "alive ratio 0.10 < 0.20",
			ProtectedTradeIDs: []string{"aaaaaaaa-1111"},
		},
	})

	out := buf.String()
	assert.Contains(t, out, "CAPITAL LEDGER REPORT")
	assert.Contains(t, out, "Equity:        $980.00 (initial $1000.00)")
	assert.Contains(t, out, "01JRUN")
	assert.Contains(t, out, "yes (resets forbidden)")
	assert.Contains(t, out, "OPEN POSITIONS (2)")
	assert.Contains(t, out, "SOL-USDC")
	assert.Contains(t, out, "MISSING", "open trade without lock is flagged")
	assert.Contains(t, out, "RECENT CLOSES (1)")
	assert.Contains(t, out, "stop_loss")
	assert.Contains(t, out, "wins 0/1")
	assert.NotContains(t, out, "WIF-SOL")
	assert.Contains(t, out, "$400.00 → $1000.00")
	assert.Contains(t, out, "cancelled 2 trades, 2 locks")
	assert.Contains(t, out, "KILLED")
	assert.Contains(t, out, "alive ratio 0.10 < 0.20")
	assert.Contains(t, out, "Next recheck in 1m30s")
	assert.Contains(t, out, "Protected trades: 1")
}

func TestPrintLedgerReport_Empty(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf, fixedNow)

	c.PrintLedgerReport(notify.LedgerReportInput{State: domain.CapitalState{Available: 1000, InitialCapital: 1000}})

	out := buf.String()
	assert.Equal(t, 3, strings.Count(out, "(none)"))
	assert.Contains(t, out, "Sealed:        no")
	assert.NotContains(t, out, "Run:")
	assert.Contains(t, out, "healthy (0 consecutive kill conditions)")
}

func TestPrintLedgerReport_FlagsStaleLocks(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf, fixedNow)

	c.PrintLedgerReport(notify.LedgerReportInput{
		State: domain.CapitalState{Available: 850, Locked: 150, InitialCapital: 1000},
		Locks: []domain.CapitalLock{
			{TradeID: "aaaaaaaa-1111", Amount: 50, LockedAt: reportNow.Add(-time.Hour)},
			{TradeID: "eeeeeeee-5555", Amount: 100, LockedAt: reportNow.Add(-3 * time.Hour)},
		},
		Open: []domain.Trade{
			{ID: "aaaaaaaa-1111", Pool: "SOL-USDC", SizingMode: domain.SizingStandard, Size: 50, OpenedAt: reportNow.Add(-time.Hour)},
		},
	})

	out := buf.String()
	assert.Contains(t, out, "STALE LOCKS (1)")
	assert.Contains(t, out, "eeeeeeee $100.00 locked since 2026-04-02 12:00, trade not open")
	assert.NotContains(t, out, "aaaaaaaa $50.00 locked")
}

package notify

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/lpbot/internal/domain"
)

// Console imprime informes del ledger en texto plano y tablas.
type Console struct {
	out io.Writer
	now func() time.Time
}

// NewConsole crea un Console que escribe a stdout.
func NewConsole() *Console {
	return &Console{out: os.Stdout, now: time.Now}
}

// NewConsoleWriter crea un Console para tests.
func NewConsoleWriter(w io.Writer, now func() time.Time) *Console {
	return &Console{out: w, now: now}
}

// LedgerReportInput agrupa los datos necesarios para imprimir el informe del ledger.
type LedgerReportInput struct {
	State      domain.CapitalState
	Sealed     bool
	Epoch      *domain.RunEpoch // nil si el proceso no ha abierto epoch
	RunPnL     float64
	Locks      []domain.CapitalLock
	Open       []domain.Trade
	Recent     []domain.Trade
	Audits     []domain.CapitalAudit
	KillSwitch domain.KillSwitchState
}

// PrintLedgerReport imprime el estado del capital, posiciones, histórico y kill switch.
func (c *Console) PrintLedgerReport(in LedgerReportInput) {
	now := c.now()
	fmt.Fprintf(c.out, "\n╔══════════════════════════════════════════════════════════════╗\n")
	fmt.Fprintf(c.out, "║                    CAPITAL LEDGER REPORT                     ║\n")
	fmt.Fprintf(c.out, "╚══════════════════════════════════════════════════════════════╝\n\n")

	st := in.State
	fmt.Fprintf(c.out, "  Available:     $%.2f\n", st.Available)
	fmt.Fprintf(c.out, "  Locked:        $%.2f\n", st.Locked)
	fmt.Fprintf(c.out, "  Equity:        $%.2f (initial $%.2f)\n", st.Equity(), st.InitialCapital)
	fmt.Fprintf(c.out, "  Realized P&L:  $%.2f lifetime\n", st.TotalRealizedPnL)
	if in.Epoch != nil {
		fmt.Fprintf(c.out, "  Run:           %s since %s ($%.2f start, $%.2f realized)\n",
			in.Epoch.RunID, in.Epoch.StartedAt.Format("2006-01-02 15:04"), in.Epoch.StartingCapital, in.RunPnL)
	}
	sealed := "no"
	if in.Sealed {
		sealed = "yes (resets forbidden)"
	}
	fmt.Fprintf(c.out, "  Sealed:        %s\n", sealed)
	fmt.Fprintf(c.out, "  Version:       %d, updated %s\n", st.Version, st.UpdatedAt.Format(time.RFC3339))

	fmt.Fprintf(c.out, "\n── OPEN POSITIONS (%d) ──\n", len(in.Open))
	if len(in.Open) > 0 {
		locks := make(map[string]float64, len(in.Locks))
		for _, l := range in.Locks {
			locks[l.TradeID] = l.Amount
		}
		table := tablewriter.NewWriter(c.out)
		table.Header("Trade", "Pool", "Mode", "Size$", "Lock$", "Entry$", "Fees$", "Age", "Exit")
		for _, t := range in.Open {
			lock := "MISSING"
			if amt, ok := locks[t.ID]; ok {
				lock = fmt.Sprintf("$%.2f", amt)
			}
			table.Append(
				shortID(t.ID),
				t.Pool,
				string(t.SizingMode),
				fmt.Sprintf("$%.2f", t.Size),
				lock,
				fmt.Sprintf("$%.4f", t.EntryValueUSD),
				fmt.Sprintf("$%.4f", t.EntryFeesUSD),
				t.HoldTime(now).Truncate(time.Minute).String(),
				t.ExitState.String(),
			)
		}
		table.Render()
	} else {
		fmt.Fprintln(c.out, "  (none)")
	}

	if stale := staleLocks(in.Locks, in.Open); len(stale) > 0 {
		fmt.Fprintf(c.out, "\n── STALE LOCKS (%d) ──\n", len(stale))
		for _, l := range stale {
			fmt.Fprintf(c.out, "  %s $%.2f locked since %s, trade not open\n",
				shortID(l.TradeID), l.Amount, l.LockedAt.Format("2006-01-02 15:04"))
		}
	}

	var closed []domain.Trade
	for _, t := range in.Recent {
		if t.Status == domain.TradeStatusClosed {
			closed = append(closed, t)
		}
	}
	fmt.Fprintf(c.out, "\n── RECENT CLOSES (%d) ──\n", len(closed))
	if len(closed) > 0 {
		table := tablewriter.NewWriter(c.out)
		table.Header("Trade", "Pool", "Size$", "Gross$", "Net$", "Reason", "Closed")
		var net float64
		wins := 0
		for _, t := range closed {
			net += t.NetPnL
			if t.NetPnL > 0 {
				wins++
			}
			closedAt := "-"
			if t.ClosedAt != nil {
				closedAt = t.ClosedAt.Format("01-02 15:04")
			}
			table.Append(
				shortID(t.ID),
				t.Pool,
				fmt.Sprintf("$%.2f", t.Size),
				fmt.Sprintf("$%.4f", t.GrossPnL),
				fmt.Sprintf("$%.4f", t.NetPnL),
				string(t.ExitReason),
				closedAt,
			)
		}
		table.Render()
		fmt.Fprintf(c.out, "  Net: $%.4f | wins %d/%d\n", net, wins, len(closed))
	} else {
		fmt.Fprintln(c.out, "  (none)")
	}

	fmt.Fprintf(c.out, "\n── CAPITAL AUDITS (%d) ──\n", len(in.Audits))
	if len(in.Audits) > 0 {
		for _, a := range in.Audits {
			fmt.Fprintf(c.out, "  %s %-6s $%.2f → $%.2f  %s",
				a.CreatedAt.Format("2006-01-02 15:04"), a.Action, a.Before.Equity(), a.After.Equity(), a.Reason)
			if a.TradesCancelled > 0 || a.LocksDeleted > 0 {
				fmt.Fprintf(c.out, " (cancelled %d trades, %d locks)", a.TradesCancelled, a.LocksDeleted)
			}
			fmt.Fprintln(c.out)
		}
	} else {
		fmt.Fprintln(c.out, "  (none)")
	}

	fmt.Fprintf(c.out, "\n── KILL SWITCH ──\n")
	ks := in.KillSwitch
	if ks.IsKilled {
		fmt.Fprintf(c.out, "  KILLED since %s: %s\n", ks.KillTimestamp.Format("2006-01-02 15:04"), ks.Reason)
		if ks.CooldownUntil.After(now) {
			fmt.Fprintf(c.out, "  Next recheck in %s\n", ks.CooldownUntil.Sub(now).Truncate(time.Second))
		}
		if len(ks.ProtectedTradeIDs) > 0 {
			fmt.Fprintf(c.out, "  Protected trades: %d\n", len(ks.ProtectedTradeIDs))
		}
	} else {
		fmt.Fprintf(c.out, "  healthy (%d consecutive kill conditions)\n", ks.ConsecutiveKillConditions)
	}
	fmt.Fprintln(c.out)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// staleLocks devuelve los locks cuyo trade ya no está abierto ni cerrando.
func staleLocks(locks []domain.CapitalLock, open []domain.Trade) []domain.CapitalLock {
	live := make(map[string]bool, len(open))
	for _, t := range open {
		live[t.ID] = true
	}
	var stale []domain.CapitalLock
	for _, l := range locks {
		if !live[l.TradeID] {
			stale = append(stale, l)
		}
	}
	return stale
}

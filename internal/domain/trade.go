package domain

import "time"

// TradeStatus is the lifecycle of a liquidity position row.
type TradeStatus string

const (
	TradeStatusOpen      TradeStatus = "open"
	TradeStatusClosing   TradeStatus = "closing"
	TradeStatusClosed    TradeStatus = "closed"
	TradeStatusCancelled TradeStatus = "cancelled"
)

// ExitState is the persisted single-exit marker. The zero value means the
// trade is open for exit (stored as NULL).
type ExitState string

const (
	ExitStateOpen    ExitState = ""
	ExitStateClosing ExitState = "closing"
	ExitStateClosed  ExitState = "closed"
)

// String returns a printable name; the open state has no stored value.
func (s ExitState) String() string {
	if s == ExitStateOpen {
		return "open"
	}
	return string(s)
}

// SizingMode selects the per-mode size caps applied on entry.
type SizingMode string

const (
	SizingExploration SizingMode = "exploration"
	SizingStandard    SizingMode = "standard"
	SizingAggressive  SizingMode = "aggressive"
)

// ExitReason classifies why a position is being closed.
type ExitReason string

const (
	ExitKillSwitch     ExitReason = "kill_switch"
	ExitHardStop       ExitReason = "hard_stop"
	ExitStopLoss       ExitReason = "stop_loss"
	ExitEmergency      ExitReason = "emergency"
	ExitManual         ExitReason = "manual"
	ExitTakeProfit     ExitReason = "take_profit"
	ExitRotation       ExitReason = "rotation"
	ExitScoreDecay     ExitReason = "score_decay"
	ExitMicrostructure ExitReason = "microstructure"
)

// IsRiskExit reports whether the reason bypasses noise suppression.
func (r ExitReason) IsRiskExit() bool {
	switch r {
	case ExitKillSwitch, ExitHardStop, ExitStopLoss, ExitEmergency, ExitManual:
		return true
	}
	return false
}

// Trade is a capital-backed LP position. Rows are never deleted; closed and
// cancelled trades stay for audit.
type Trade struct {
	ID         string
	Pool       string
	Size       float64 // USD locked in the ledger
	Status     TradeStatus
	ExitState  ExitState
	SizingMode SizingMode
	RiskTier   string
	Leverage   float64

	EntryValueUSD    float64 // entry notional after slippage
	EntryFeesUSD     float64
	EntrySlippageUSD float64
	EntryPrice       float64
	OpenedAt         time.Time

	ExitValueUSD    float64
	ExitFeesUSD     float64
	ExitSlippageUSD float64
	GrossPnL        float64
	NetPnL          float64
	ExitReason      ExitReason
	ClosedAt        *time.Time
}

// HoldTime returns how long the position has been open at now.
func (t Trade) HoldTime(now time.Time) time.Duration {
	if t.OpenedAt.IsZero() {
		return 0
	}
	return now.Sub(t.OpenedAt)
}

// CostBasis is the capital committed to the position: the locked Size, so
// entry slippage is charged against P&L. Rows without a size fall back to the
// entry notional.
func (t Trade) CostBasis() float64 {
	if t.Size > 0 {
		return t.Size
	}
	return t.EntryValueUSD
}

// EntryFill is the USD-normalized entry computed by the valuation collaborator.
type EntryFill struct {
	ValueUSD    float64
	FeesUSD     float64
	SlippageUSD float64
	Price       float64
}

// Valuation is the mark-to-market of an open position.
type Valuation struct {
	MTMValueUSD     float64
	ExitFeesUSD     float64
	ExitSlippageUSD float64
	Price           float64
	UnrealizedPnL   float64 // MTMValueUSD - CostBasis, before fees
}

// ExitRecord carries the true fill values persisted when a trade closes.
type ExitRecord struct {
	ExitValueUSD    float64
	ExitFeesUSD     float64
	ExitSlippageUSD float64
	GrossPnL        float64
	NetPnL          float64
	Reason          ExitReason
	ClosedAt        time.Time
}

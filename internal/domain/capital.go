package domain

import "time"

// CapitalState is the single durable capital row.
// Available + Locked is total equity at every observable instant.
type CapitalState struct {
	Available        float64
	Locked           float64
	TotalRealizedPnL float64
	InitialCapital   float64
	Version          int64 // bumped on every write; used for conditional updates
	UpdatedAt        time.Time
}

// Equity returns Available + Locked.
func (s CapitalState) Equity() float64 {
	return s.Available + s.Locked
}

// CapitalLock reserves Amount against a single trade.
type CapitalLock struct {
	TradeID  string
	Amount   float64
	LockedAt time.Time
}

// RunEpoch scopes realized P&L to the current process lifetime.
type RunEpoch struct {
	RunID           string
	StartingCapital float64
	StartedAt       time.Time
}

// Capital audit actions.
const (
	AuditCredit = "credit"
	AuditReset  = "reset"
	AuditSeal   = "seal"
)

// CapitalAudit is an append-only record of a direct capital correction.
type CapitalAudit struct {
	ID              int64
	Action          string
	Reason          string
	Amount          float64
	Before          CapitalState
	After           CapitalState
	TradesCancelled int
	LocksDeleted    int
	CreatedAt       time.Time
}

package domain

import "time"

// PoolMetricsSnapshot is the per-cycle telemetry of one tracked pool.
type PoolMetricsSnapshot struct {
	Pool                    string    `json:"pool" yaml:"pool"`
	SwapVelocity            float64   `json:"swap_velocity" yaml:"swap_velocity"`           // swaps/s
	LiquidityFlowPct        float64   `json:"liquidity_flow_pct" yaml:"liquidity_flow_pct"` // signed, % of TVL
	Entropy                 float64   `json:"entropy" yaml:"entropy"`
	FeeIntensity            float64   `json:"fee_intensity" yaml:"fee_intensity"`
	FeeIntensityBaseline60s float64   `json:"fee_intensity_baseline_60s" yaml:"fee_intensity_baseline_60s"`
	MicroScore              float64   `json:"micro_score" yaml:"micro_score"` // 0–100
	PriceUSD                float64   `json:"price_usd" yaml:"price_usd"`
	At                      time.Time `json:"at" yaml:"at"`
}

// KillSwitchState is the market-health governor state for one process.
type KillSwitchState struct {
	IsKilled                  bool
	KillTimestamp             time.Time
	CooldownUntil             time.Time
	ConsecutiveKillConditions int
	LastCheckTimestamp        time.Time
	Reason                    string
	ProtectedTradeIDs         []string
}

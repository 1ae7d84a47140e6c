package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/alejandrodnm/lpbot/internal/domain"
)

// RejectCode is the machine-checkable cause of a declined operation.
type RejectCode string

const (
	RejectLedgerNotReady    RejectCode = "ledger_not_ready"
	RejectPoolHasOpenTrade  RejectCode = "pool_has_open_trade"
	RejectLiquidFloor       RejectCode = "liquid_floor"
	RejectExposureCap       RejectCode = "exposure_cap"
	RejectAdverseMigration  RejectCode = "adverse_migration"
	RejectUnknownSizingMode RejectCode = "unknown_sizing_mode"
	RejectSizeBelowMin      RejectCode = "size_below_min"
	RejectNormalization     RejectCode = "normalization_failed"
	RejectPersistFailed     RejectCode = "persist_failed"
	RejectAllocation        RejectCode = "allocation_rejected"
	RejectReadFailed        RejectCode = "read_failed"
	RejectTradeNotFound     RejectCode = "trade_not_found"
	RejectAlreadyExiting    RejectCode = "already_exiting"
	RejectNoiseSuppressed   RejectCode = "noise_suppressed"
	RejectValuationFailed   RejectCode = "valuation_failed"
	RejectExitPersistFailed RejectCode = "exit_persist_failed"
)

// EntryRequest asks to open a position in Pool.
type EntryRequest struct {
	Pool          string
	SizingMode    domain.SizingMode
	RequestedSize float64
	// TotalCapital bounds the size from above when positive.
	TotalCapital float64
	RiskTier     string
	// Leverage is recorded on the trade; sizing does not scale with it.
	Leverage float64
	// MigrationFlowPct is the signed liquidity migration signal of the pool.
	MigrationFlowPct float64
}

// EntryResult describes the outcome of EnterPosition. A declined entry has
// Success false, a Code and a human Reason.
type EntryResult struct {
	Success bool
	TradeID string
	Size    float64
	Fill    domain.EntryFill
	Code    RejectCode
	Reason  string
}

// EnterPosition runs the entry pipeline. Guardrail rejections return a nil
// error; read, normalization and persistence failures return the typed error
// alongside the result. No capital stays locked unless Success is true.
func (o *Orchestrator) EnterPosition(ctx context.Context, req EntryRequest) (EntryResult, error) {
	// 1. ledger ready, balance and equity
	if !o.ledger.IsReady() {
		return o.reject(req, RejectLedgerNotReady, "capital ledger not initialized"), domain.ErrLedgerNotReady
	}
	balance, err := o.ledger.Balance(ctx)
	if err != nil {
		return o.reject(req, RejectReadFailed, "balance read failed"), err
	}
	equity, err := o.ledger.Equity(ctx)
	if err != nil {
		return o.reject(req, RejectReadFailed, "equity read failed"), err
	}
	open, err := o.trades.GetOpenTrades(ctx)
	if err != nil {
		return o.reject(req, RejectReadFailed, "open trades read failed"),
			domain.Persistence("orchestrator.EnterPosition: open trades", err)
	}

	// 2. one open trade per pool
	deployed := 0.0
	for _, t := range open {
		if t.Pool == req.Pool {
			return o.reject(req, RejectPoolHasOpenTrade,
				fmt.Sprintf("pool %s already has open trade %s", req.Pool, t.ID)), nil
		}
		deployed += t.Size
	}

	// 3. liquid-capital floor
	floor := math.Max(o.cfg.MinAbsoluteFloorUSD, o.cfg.MinBalancePct*equity)
	if balance < floor {
		return o.reject(req, RejectLiquidFloor,
			fmt.Sprintf("balance $%.2f < liquid floor $%.2f", balance, floor)), nil
	}

	// 4. portfolio exposure cap
	maxDeployed := o.cfg.MaxTotalDeployedPct * equity
	if deployed >= maxDeployed {
		exposure := 0.0
		if equity > 0 {
			exposure = deployed / equity * 100
		}
		return o.reject(req, RejectExposureCap,
			fmt.Sprintf("portfolio exposure %.1f%% >= %s%% max", exposure, pct(o.cfg.MaxTotalDeployedPct))), nil
	}

	// 5. severe adverse migration
	if o.cfg.SevereMigrationPct > 0 && req.MigrationFlowPct <= -o.cfg.SevereMigrationPct {
		return o.reject(req, RejectAdverseMigration,
			fmt.Sprintf("adverse liquidity migration %.1f%% <= -%.1f%%", req.MigrationFlowPct, o.cfg.SevereMigrationPct)), nil
	}

	// 6. clamp size
	caps, ok := o.cfg.Modes[req.SizingMode]
	if !ok {
		return o.reject(req, RejectUnknownSizingMode, fmt.Sprintf("unknown sizing mode %q", req.SizingMode)), nil
	}
	if !(req.RequestedSize > 0) {
		return o.reject(req, RejectSizeBelowMin,
			fmt.Sprintf("requested size $%.2f is not positive", req.RequestedSize)), nil
	}
	// hard bounds first: small requests are raised to the mode minimum, then
	// every cap and headroom limit can only lower the size again
	size := math.Max(req.RequestedSize, caps.MinUSD)
	size = math.Min(size, caps.MaxPctOfEquity*equity)
	size = math.Min(size, caps.MaxUSD)
	size = math.Min(size, maxDeployed-deployed)
	size = math.Min(size, balance-floor)
	if req.TotalCapital > 0 {
		size = math.Min(size, req.TotalCapital)
	}
	size = math.Floor(size*100) / 100
	if size < caps.MinUSD || size <= 0 {
		return o.reject(req, RejectSizeBelowMin,
			fmt.Sprintf("clamped size $%.2f < %s minimum $%.2f (requested $%.2f)",
				size, req.SizingMode, caps.MinUSD, req.RequestedSize)), nil
	}

	// 7. USD-normalized fill; failure is a hard abort
	fill, err := o.valuation.NormalizeEntry(ctx, req.Pool, size)
	if err != nil {
		slog.Error("orchestrator: entry normalization failed", "pool", req.Pool, "size", size, "err", err)
		return o.reject(req, RejectNormalization, err.Error()), err
	}

	// 8. persist first
	trade := domain.Trade{
		Pool:             req.Pool,
		Size:             size,
		Status:           domain.TradeStatusOpen,
		SizingMode:       req.SizingMode,
		RiskTier:         req.RiskTier,
		Leverage:         req.Leverage,
		EntryValueUSD:    fill.ValueUSD,
		EntryFeesUSD:     fill.FeesUSD,
		EntrySlippageUSD: fill.SlippageUSD,
		EntryPrice:       fill.Price,
		OpenedAt:         o.now(),
	}
	if trade.Leverage <= 0 {
		trade.Leverage = 1
	}
	id, err := o.trades.InsertTrade(ctx, trade)
	if err != nil {
		return o.reject(req, RejectPersistFailed, "trade row not persisted"),
			domain.Persistence("orchestrator.EnterPosition: insert trade", err)
	}
	trade.ID = id

	// 9. lock capital; a trade row never stays open without its lock
	allocated, err := o.ledger.Allocate(ctx, id, size)
	if err != nil || !allocated {
		if cErr := o.trades.UpdateTradeStatus(ctx, id, domain.TradeStatusCancelled); cErr != nil {
			slog.Error("orchestrator: could not cancel unallocated trade", "trade", id, "err", cErr)
		}
		reason := fmt.Sprintf("ledger refused $%.2f", size)
		if err != nil {
			reason = err.Error()
		}
		res := o.reject(req, RejectAllocation, reason)
		res.TradeID = id
		return res, err
	}

	// 10. cache
	o.track(trade)
	o.recorder.TradeOpened(trade)
	slog.Info("orchestrator: position opened",
		"trade", id,
		"pool", req.Pool,
		"mode", req.SizingMode,
		"size", fmt.Sprintf("$%.2f", size),
		"entry_value", fmt.Sprintf("$%.4f", fill.ValueUSD),
		"entry_fees", fmt.Sprintf("$%.4f", fill.FeesUSD),
		"slippage", fmt.Sprintf("$%.4f", fill.SlippageUSD),
		"risk_tier", req.RiskTier,
	)
	return EntryResult{Success: true, TradeID: id, Size: size, Fill: fill}, nil
}

func (o *Orchestrator) reject(req EntryRequest, code RejectCode, reason string) EntryResult {
	o.recorder.EntryRejected(string(code))
	slog.Info("orchestrator: entry rejected", "pool", req.Pool, "code", code, "reason", reason)
	return EntryResult{Code: code, Reason: reason}
}

// pct formats a fraction as a percentage with at most one decimal.
func pct(f float64) string {
	return strconv.FormatFloat(math.Round(f*1000)/10, 'f', -1, 64)
}

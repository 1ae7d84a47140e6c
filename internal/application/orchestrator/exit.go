package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/lpbot/internal/domain"
)

// ReasonAlreadyExiting is returned when another exit owns or finished the trade.
const ReasonAlreadyExiting = "already closing/closed"

// ExitData describes why and by whom a position is being closed.
type ExitData struct {
	Reason domain.ExitReason
	Caller string
}

// ExitResult describes the outcome of ExitPosition.
type ExitResult struct {
	Success  bool
	TradeID  string
	Code     RejectCode
	Reason   string
	GrossPnL float64
	NetPnL   float64
	Exit     domain.ExitRecord
	HoldTime time.Duration
}

// ExitPosition runs the exit pipeline. At most one caller closes a given
// trade; a losing or repeated call gets ReasonAlreadyExiting.
func (o *Orchestrator) ExitPosition(ctx context.Context, tradeID string, data ExitData) (ExitResult, error) {
	res := ExitResult{TradeID: tradeID}
	declined := func(code RejectCode, reason string) ExitResult {
		res.Code, res.Reason = code, reason
		slog.Debug("orchestrator: exit declined", "trade", tradeID, "caller", data.Caller, "code", code, "reason", reason)
		return res
	}

	// 1. look up
	trade, err := o.trades.GetTrade(ctx, tradeID)
	if errors.Is(err, domain.ErrTradeNotFound) {
		return declined(RejectTradeNotFound, "trade not found"), nil
	}
	if err != nil {
		return declined(RejectReadFailed, "trade read failed"), domain.Persistence("orchestrator.ExitPosition: get trade", err)
	}

	// 2. exit guard
	can, err := o.exits.CanExitTrade(ctx, tradeID)
	if err != nil {
		return declined(RejectReadFailed, "exit state read failed"), err
	}
	if !can {
		return declined(RejectAlreadyExiting, ReasonAlreadyExiting), nil
	}

	// 3. mark to market
	val, err := o.valuation.MarkToMarket(ctx, trade)
	if err != nil {
		slog.Error("orchestrator: mark-to-market failed", "trade", tradeID, "pool", trade.Pool, "err", err)
		return declined(RejectValuationFailed, err.Error()), err
	}

	// 4. noise filter, never applied to risk exits
	now := o.now()
	hold := trade.HoldTime(now)
	res.HoldTime = hold
	if !data.Reason.IsRiskExit() && hold < o.cfg.MinHoldTime {
		return declined(RejectNoiseSuppressed,
			fmt.Sprintf("hold time %s < min %s for %s exit", hold.Round(time.Second), o.cfg.MinHoldTime, data.Reason)), nil
	}

	// 5. single-exit lock
	won, err := o.exits.AcquireExitLock(ctx, tradeID, data.Caller)
	if err != nil {
		return declined(RejectReadFailed, "exit lock failed"), err
	}
	if !won {
		return declined(RejectAlreadyExiting, ReasonAlreadyExiting), nil
	}

	// 6. true P&L against the capital actually committed; entry slippage is
	// the gap between Size and EntryValueUSD
	gross := val.MTMValueUSD - trade.CostBasis()
	net := gross - (trade.EntryFeesUSD + val.ExitFeesUSD)
	rec := domain.ExitRecord{
		ExitValueUSD:    val.MTMValueUSD,
		ExitFeesUSD:     val.ExitFeesUSD,
		ExitSlippageUSD: val.ExitSlippageUSD,
		GrossPnL:        gross,
		NetPnL:          net,
		Reason:          data.Reason,
		ClosedAt:        now,
	}

	// 7. persist the exit; on failure the trade goes back to OPEN
	if err := o.trades.CloseTrade(ctx, tradeID, rec); err != nil {
		if rErr := o.exits.ReleaseExitLock(ctx, tradeID); rErr != nil {
			slog.Error("orchestrator: exit lock release failed", "trade", tradeID, "err", rErr)
		}
		return declined(RejectExitPersistFailed, "exit row not persisted"),
			domain.Persistence("orchestrator.ExitPosition: close trade", err)
	}

	// 8. settle capital; the close is already durable so a failure is only logged
	if err := o.ledger.ApplyPnL(ctx, tradeID, net); err != nil {
		slog.Error("orchestrator: applyPnL failed after durable close",
			"trade", tradeID, "net_pnl", fmt.Sprintf("$%.4f", net), "err", err)
	}

	// 9. audit
	trade.Status = domain.TradeStatusClosed
	trade.ExitValueUSD = rec.ExitValueUSD
	trade.ExitFeesUSD = rec.ExitFeesUSD
	trade.ExitSlippageUSD = rec.ExitSlippageUSD
	trade.GrossPnL = gross
	trade.NetPnL = net
	trade.ExitReason = data.Reason
	trade.ClosedAt = &now
	o.recorder.TradeClosed(trade)
	slog.Info("orchestrator: AUDIT position closed",
		"trade", tradeID,
		"pool", trade.Pool,
		"reason", data.Reason,
		"caller", data.Caller,
		"hold", hold.Round(time.Second),
		"size", fmt.Sprintf("$%.2f", trade.Size),
		"entry_value", fmt.Sprintf("$%.4f", trade.EntryValueUSD),
		"mtm_value", fmt.Sprintf("$%.4f", val.MTMValueUSD),
		"entry_fees", fmt.Sprintf("$%.4f", trade.EntryFeesUSD),
		"exit_fees", fmt.Sprintf("$%.4f", val.ExitFeesUSD),
		"exit_slippage", fmt.Sprintf("$%.4f", val.ExitSlippageUSD),
		"gross_pnl", fmt.Sprintf("$%.4f", gross),
		"net_pnl", fmt.Sprintf("$%.4f", net),
	)

	// 10. terminal marker, then cache
	if err := o.exits.MarkTradeClosed(ctx, tradeID); err != nil {
		slog.Error("orchestrator: markTradeClosed failed, recovered on next start", "trade", tradeID, "err", err)
	}
	o.untrack(tradeID)

	res.Success = true
	res.GrossPnL = gross
	res.NetPnL = net
	res.Exit = rec
	return res, nil
}

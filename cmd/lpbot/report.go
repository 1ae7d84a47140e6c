package main

import (
	"context"
	"log/slog"

	"github.com/alejandrodnm/lpbot/internal/adapters/notify"
	"github.com/alejandrodnm/lpbot/internal/adapters/storage"
	"github.com/alejandrodnm/lpbot/internal/application/ledger"
	"github.com/alejandrodnm/lpbot/internal/domain"
)

const (
	reportRecentTrades = 20
	reportAudits       = 10
)

// printReport lee el estado persistido y lo imprime; no abre run epoch ni toca capital.
func printReport(ctx context.Context, l *ledger.Ledger, store *storage.SQLiteStorage) error {
	st, err := l.State(ctx)
	if err != nil {
		return err
	}
	sealed, err := l.IsSealed(ctx)
	if err != nil {
		return err
	}
	locks, err := l.Locks(ctx)
	if err != nil {
		return err
	}
	open, err := store.GetOpenTrades(ctx)
	if err != nil {
		return domain.Persistence("main: open trades", err)
	}
	recent, err := store.GetRecentTrades(ctx, reportRecentTrades)
	if err != nil {
		return domain.Persistence("main: recent trades", err)
	}
	audits, err := store.ListCapitalAudits(ctx, reportAudits)
	if err != nil {
		return domain.Persistence("main: audits", err)
	}
	ks, err := store.LoadKillSwitch(ctx)
	if err != nil {
		return domain.Persistence("main: kill switch", err)
	}

	in := notify.LedgerReportInput{
		State:      st,
		Sealed:     sealed,
		Locks:      locks,
		Open:       open,
		Recent:     recent,
		Audits:     audits,
		KillSwitch: ks,
	}
	if epoch, ok, err := store.LatestRunEpoch(ctx); err != nil {
		slog.Warn("report: run epoch unavailable", "err", err)
	} else if ok {
		in.Epoch = &epoch
		if pnl, err := store.SumRealizedPnLSince(ctx, epoch.StartedAt); err == nil {
			in.RunPnL = pnl
		}
	}

	if err := l.Reconcile(ctx); err != nil {
		slog.Warn("report: ledger does not reconcile", "err", err)
	}

	notify.NewConsole().PrintLedgerReport(in)
	return nil
}

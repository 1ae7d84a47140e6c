package storage

// trades.go: SQLite persistence for the LP trade lifecycle and the
// single-exit marker (trades.exit_state).

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/alejandrodnm/lpbot/internal/domain"
	"github.com/google/uuid"
)

const tradeColumns = `id, pool, size, status, exit_state, sizing_mode, risk_tier, leverage,
	entry_value_usd, entry_fees_usd, entry_slippage_usd, entry_price, opened_at,
	exit_value_usd, exit_fees_usd, exit_slippage_usd, gross_pnl, net_pnl, exit_reason, closed_at`

// InsertTrade inserts a new open trade and returns its durable id.
// A missing id is generated here.
func (s *SQLiteStorage) InsertTrade(ctx context.Context, t domain.Trade) (string, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = domain.TradeStatusOpen
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades
		  (id, pool, size, status, exit_state, sizing_mode, risk_tier, leverage,
		   entry_value_usd, entry_fees_usd, entry_slippage_usd, entry_price, opened_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Pool, t.Size, string(t.Status), exitStateArg(t.ExitState),
		string(t.SizingMode), t.RiskTier, t.Leverage,
		t.EntryValueUSD, t.EntryFeesUSD, t.EntrySlippageUSD, t.EntryPrice, s.stamp(t.OpenedAt),
	)
	if err != nil {
		return "", fmt.Errorf("storage.InsertTrade: %w", err)
	}
	return t.ID, nil
}

// GetTrade returns a trade by id, or domain.ErrTradeNotFound.
func (s *SQLiteStorage) GetTrade(ctx context.Context, id string) (domain.Trade, error) {
	trades, err := s.queryTrades(ctx, `WHERE id=?`, id)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("storage.GetTrade: %w", err)
	}
	if len(trades) == 0 {
		return domain.Trade{}, domain.ErrTradeNotFound
	}
	return trades[0], nil
}

// GetOpenTrades returns trades still holding capital (open or closing).
func (s *SQLiteStorage) GetOpenTrades(ctx context.Context) ([]domain.Trade, error) {
	trades, err := s.queryTrades(ctx, `WHERE status IN ('open','closing')`)
	if err != nil {
		return nil, fmt.Errorf("storage.GetOpenTrades: %w", err)
	}
	return trades, nil
}

// GetRecentTrades returns the last limit trades in any status, newest first.
func (s *SQLiteStorage) GetRecentTrades(ctx context.Context, limit int) ([]domain.Trade, error) {
	q := `SELECT ` + tradeColumns + ` FROM trades ORDER BY rowid DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.GetRecentTrades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// GetTradesByExitState returns trades whose exit marker equals state.
func (s *SQLiteStorage) GetTradesByExitState(ctx context.Context, state domain.ExitState) ([]domain.Trade, error) {
	var (
		trades []domain.Trade
		err    error
	)
	if state == domain.ExitStateOpen {
		trades, err = s.queryTrades(ctx, `WHERE exit_state IS NULL`)
	} else {
		trades, err = s.queryTrades(ctx, `WHERE exit_state=?`, string(state))
	}
	if err != nil {
		return nil, fmt.Errorf("storage.GetTradesByExitState: %w", err)
	}
	return trades, nil
}

// UpdateTradeStatus updates only the status field.
func (s *SQLiteStorage) UpdateTradeStatus(ctx context.Context, id string, status domain.TradeStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE trades SET status=? WHERE id=?`, string(status), id)
	if err != nil {
		return fmt.Errorf("storage.UpdateTradeStatus: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage.UpdateTradeStatus %s: %w", id, domain.ErrTradeNotFound)
	}
	return nil
}

// CloseTrade writes the true exit fill and sets status closed. The exit
// marker is left to the exit authority.
func (s *SQLiteStorage) CloseTrade(ctx context.Context, id string, rec domain.ExitRecord) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE trades SET
		  status='closed', exit_value_usd=?, exit_fees_usd=?, exit_slippage_usd=?,
		  gross_pnl=?, net_pnl=?, exit_reason=?, closed_at=?
		WHERE id=? AND status IN ('open','closing')`,
		rec.ExitValueUSD, rec.ExitFeesUSD, rec.ExitSlippageUSD,
		rec.GrossPnL, rec.NetPnL, string(rec.Reason), s.stamp(rec.ClosedAt), id,
	)
	if err != nil {
		return fmt.Errorf("storage.CloseTrade: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage.CloseTrade %s: %w", id, domain.ErrTradeNotFound)
	}
	return nil
}

// CompareAndSetExitState moves exit_state from -> to in one UPDATE, so among
// concurrent callers exactly one sees a row affected. Status follows the
// marker: closing on acquire, back to open on release.
func (s *SQLiteStorage) CompareAndSetExitState(ctx context.Context, id string, from, to domain.ExitState) (bool, error) {
	var (
		q    string
		args []any
	)
	switch {
	case from == domain.ExitStateOpen && to == domain.ExitStateClosing:
		q = `UPDATE trades SET exit_state='closing', status='closing'
		     WHERE id=? AND exit_state IS NULL AND status='open'`
		args = []any{id}
	case from == domain.ExitStateClosing && to == domain.ExitStateOpen:
		q = `UPDATE trades SET exit_state=NULL,
		       status=CASE WHEN status='closing' THEN 'open' ELSE status END
		     WHERE id=? AND exit_state='closing'`
		args = []any{id}
	case from == domain.ExitStateClosing && to == domain.ExitStateClosed:
		q = `UPDATE trades SET exit_state='closed' WHERE id=? AND exit_state='closing'`
		args = []any{id}
	default:
		return false, fmt.Errorf("storage.CompareAndSetExitState: invalid transition %s -> %s", from, to)
	}

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("storage.CompareAndSetExitState: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage.CompareAndSetExitState: rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStorage) queryTrades(ctx context.Context, where string, args ...any) ([]domain.Trade, error) {
	q := `SELECT ` + tradeColumns + ` FROM trades ` + where + ` ORDER BY rowid ASC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

func scanTrades(rows *sql.Rows) ([]domain.Trade, error) {
	var trades []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func scanTrade(rows *sql.Rows) (domain.Trade, error) {
	var t domain.Trade
	var status, sizingMode, exitReason string
	var exitState, openedAt, closedAt sql.NullString

	err := rows.Scan(
		&t.ID, &t.Pool, &t.Size, &status, &exitState, &sizingMode, &t.RiskTier, &t.Leverage,
		&t.EntryValueUSD, &t.EntryFeesUSD, &t.EntrySlippageUSD, &t.EntryPrice, &openedAt,
		&t.ExitValueUSD, &t.ExitFeesUSD, &t.ExitSlippageUSD, &t.GrossPnL, &t.NetPnL, &exitReason, &closedAt,
	)
	if err != nil {
		return t, err
	}

	t.Status = domain.TradeStatus(status)
	t.SizingMode = domain.SizingMode(sizingMode)
	t.ExitReason = domain.ExitReason(exitReason)
	if exitState.Valid {
		t.ExitState = domain.ExitState(exitState.String)
	}
	t.OpenedAt = parseTime(openedAt)
	if ct := parseTime(closedAt); !ct.IsZero() {
		t.ClosedAt = &ct
	}
	return t, nil
}

func exitStateArg(s domain.ExitState) any {
	if s == domain.ExitStateOpen {
		return nil
	}
	return string(s)
}

// errNoRows reports sql.ErrNoRows through wrapping.
func errNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

package storage

// capital.go: filas de capital (estado, locks, epochs, auditoría y seal).

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/lpbot/internal/domain"
)

const sealFlag = "reconciliation_seal"

// ─── Capital state ───────────────────────────────────────────────────────────

// LoadCapitalState devuelve la fila de capital y si existe.
func (s *SQLiteStorage) LoadCapitalState(ctx context.Context) (domain.CapitalState, bool, error) {
	var st domain.CapitalState
	var updatedAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT available, locked, total_realized_pnl, initial_capital, version, updated_at
		FROM capital_state WHERE id=1`).Scan(
		&st.Available, &st.Locked, &st.TotalRealizedPnL, &st.InitialCapital, &st.Version, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return st, false, nil
	}
	if err != nil {
		return st, false, fmt.Errorf("storage.LoadCapitalState: %w", err)
	}
	st.UpdatedAt = parseTime(updatedAt)
	return st, true, nil
}

// InsertCapitalState crea la fila si no existe. Idempotente.
func (s *SQLiteStorage) InsertCapitalState(ctx context.Context, st domain.CapitalState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO capital_state
		  (id, available, locked, total_realized_pnl, initial_capital, version, updated_at)
		VALUES (1, ?, ?, ?, ?, 1, ?)`,
		st.Available, st.Locked, st.TotalRealizedPnL, st.InitialCapital, s.stamp(st.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("storage.InsertCapitalState: %w", err)
	}
	return nil
}

// UpdateCapitalState escribe next solo si la versión guardada sigue siendo
// expectedVersion. Devuelve la nueva versión.
func (s *SQLiteStorage) UpdateCapitalState(ctx context.Context, expectedVersion int64, next domain.CapitalState) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE capital_state SET
		  available=?, locked=?, total_realized_pnl=?, initial_capital=?,
		  version=version+1, updated_at=?
		WHERE id=1 AND version=?`,
		next.Available, next.Locked, next.TotalRealizedPnL, next.InitialCapital,
		s.stamp(next.UpdatedAt), expectedVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("storage.UpdateCapitalState: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage.UpdateCapitalState: rows affected: %w", err)
	}
	if n == 0 {
		return 0, domain.ErrStaleCapitalState
	}
	return expectedVersion + 1, nil
}

// ─── Locks ───────────────────────────────────────────────────────────────────

// GetCapitalLock devuelve el lock de un trade y si existe.
func (s *SQLiteStorage) GetCapitalLock(ctx context.Context, tradeID string) (domain.CapitalLock, bool, error) {
	l := domain.CapitalLock{TradeID: tradeID}
	var lockedAt sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT amount, locked_at FROM capital_locks WHERE trade_id=?`, tradeID,
	).Scan(&l.Amount, &lockedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return l, false, nil
	}
	if err != nil {
		return l, false, fmt.Errorf("storage.GetCapitalLock: %w", err)
	}
	l.LockedAt = parseTime(lockedAt)
	return l, true, nil
}

// InsertCapitalLock inserta un lock. Falla si el trade ya tiene uno.
func (s *SQLiteStorage) InsertCapitalLock(ctx context.Context, l domain.CapitalLock) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO capital_locks (trade_id, amount, locked_at) VALUES (?,?,?)`,
		l.TradeID, l.Amount, s.stamp(l.LockedAt))
	if err != nil {
		return fmt.Errorf("storage.InsertCapitalLock: %w", err)
	}
	return nil
}

// DeleteCapitalLock borra el lock de un trade (no-op si no existe).
func (s *SQLiteStorage) DeleteCapitalLock(ctx context.Context, tradeID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM capital_locks WHERE trade_id=?`, tradeID); err != nil {
		return fmt.Errorf("storage.DeleteCapitalLock: %w", err)
	}
	return nil
}

// DeleteAllCapitalLocks borra todos los locks y devuelve cuántos había.
func (s *SQLiteStorage) DeleteAllCapitalLocks(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM capital_locks`)
	if err != nil {
		return 0, fmt.Errorf("storage.DeleteAllCapitalLocks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListCapitalLocks devuelve todos los locks abiertos, los más antiguos primero.
func (s *SQLiteStorage) ListCapitalLocks(ctx context.Context) ([]domain.CapitalLock, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT trade_id, amount, locked_at FROM capital_locks ORDER BY rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage.ListCapitalLocks: query: %w", err)
	}
	defer rows.Close()

	var locks []domain.CapitalLock
	for rows.Next() {
		var l domain.CapitalLock
		var lockedAt sql.NullString
		if err := rows.Scan(&l.TradeID, &l.Amount, &lockedAt); err != nil {
			return nil, fmt.Errorf("storage.ListCapitalLocks: scan: %w", err)
		}
		l.LockedAt = parseTime(lockedAt)
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

// ─── Run epochs ──────────────────────────────────────────────────────────────

// SaveRunEpoch persiste el epoch del arranque actual.
func (s *SQLiteStorage) SaveRunEpoch(ctx context.Context, e domain.RunEpoch) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO run_epochs (run_id, starting_capital, started_at) VALUES (?,?,?)`,
		e.RunID, e.StartingCapital, s.stamp(e.StartedAt))
	if err != nil {
		return fmt.Errorf("storage.SaveRunEpoch: %w", err)
	}
	return nil
}

// LatestRunEpoch devuelve el último epoch registrado.
func (s *SQLiteStorage) LatestRunEpoch(ctx context.Context) (domain.RunEpoch, bool, error) {
	var e domain.RunEpoch
	var startedAt sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, starting_capital, started_at FROM run_epochs ORDER BY rowid DESC LIMIT 1`,
	).Scan(&e.RunID, &e.StartingCapital, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, false, nil
	}
	if err != nil {
		return e, false, fmt.Errorf("storage.LatestRunEpoch: %w", err)
	}
	e.StartedAt = parseTime(startedAt)
	return e, true, nil
}

// SumRealizedPnLSince suma el net P&L de los trades cerrados en o después de since.
// El filtro temporal se hace en Go: el texto DATETIME no ordena de forma fiable.
func (s *SQLiteStorage) SumRealizedPnLSince(ctx context.Context, since time.Time) (float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT net_pnl, closed_at FROM trades WHERE status='closed' AND closed_at IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("storage.SumRealizedPnLSince: query: %w", err)
	}
	defer rows.Close()

	total := 0.0
	for rows.Next() {
		var pnl float64
		var closedAt sql.NullString
		if err := rows.Scan(&pnl, &closedAt); err != nil {
			return 0, fmt.Errorf("storage.SumRealizedPnLSince: scan: %w", err)
		}
		if t := parseTime(closedAt); !t.IsZero() && !t.Before(since) {
			total += pnl
		}
	}
	return total, rows.Err()
}

// CancelOpenTrades marca como cancelled todos los trades abiertos, con P&L cero.
func (s *SQLiteStorage) CancelOpenTrades(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE trades SET status='cancelled', gross_pnl=0, net_pnl=0, closed_at=?
		WHERE status IN ('open','closing')`, s.stamp(time.Time{}))
	if err != nil {
		return 0, fmt.Errorf("storage.CancelOpenTrades: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ─── Audit & seal ────────────────────────────────────────────────────────────

// SaveCapitalAudit añade un registro de auditoría.
func (s *SQLiteStorage) SaveCapitalAudit(ctx context.Context, a domain.CapitalAudit) error {
	before, err := json.Marshal(a.Before)
	if err != nil {
		return fmt.Errorf("storage.SaveCapitalAudit: marshal before: %w", err)
	}
	after, err := json.Marshal(a.After)
	if err != nil {
		return fmt.Errorf("storage.SaveCapitalAudit: marshal after: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO capital_audit
		  (action, reason, amount, before_state, after_state, trades_cancelled, locks_deleted, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		a.Action, a.Reason, a.Amount, string(before), string(after),
		a.TradesCancelled, a.LocksDeleted, s.stamp(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("storage.SaveCapitalAudit: %w", err)
	}
	return nil
}

// ListCapitalAudits devuelve los últimos limit registros, el más reciente primero.
func (s *SQLiteStorage) ListCapitalAudits(ctx context.Context, limit int) ([]domain.CapitalAudit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, reason, amount, before_state, after_state,
		       trades_cancelled, locks_deleted, created_at
		FROM capital_audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.ListCapitalAudits: query: %w", err)
	}
	defer rows.Close()

	var audits []domain.CapitalAudit
	for rows.Next() {
		var a domain.CapitalAudit
		var before, after string
		var createdAt sql.NullString
		if err := rows.Scan(&a.ID, &a.Action, &a.Reason, &a.Amount, &before, &after,
			&a.TradesCancelled, &a.LocksDeleted, &createdAt); err != nil {
			return nil, fmt.Errorf("storage.ListCapitalAudits: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(before), &a.Before); err != nil {
			return nil, fmt.Errorf("storage.ListCapitalAudits: decode: audit %d before: %w", a.ID, err)
		}
		if err := json.Unmarshal([]byte(after), &a.After); err != nil {
			return nil, fmt.Errorf("storage.ListCapitalAudits: decode: audit %d after: %w", a.ID, err)
		}
		a.CreatedAt = parseTime(createdAt)
		audits = append(audits, a)
	}
	return audits, rows.Err()
}

// IsReconciliationSealed indica si el ledger fue declarado autoritativo.
func (s *SQLiteStorage) IsReconciliationSealed(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_flags WHERE name=?`, sealFlag).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("storage.IsReconciliationSealed: %w", err)
	}
	return n > 0, nil
}

// SetReconciliationSeal activa el seal. One-way: no existe la operación inversa.
func (s *SQLiteStorage) SetReconciliationSeal(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO ledger_flags (name, set_at) VALUES (?, ?)`, sealFlag, s.stamp(time.Time{}))
	if err != nil {
		return fmt.Errorf("storage.SetReconciliationSeal: %w", err)
	}
	return nil
}

// stamp devuelve t en UTC, o ahora si t es cero.
func (s *SQLiteStorage) stamp(t time.Time) time.Time {
	if t.IsZero() {
		return s.now().UTC()
	}
	return t.UTC()
}

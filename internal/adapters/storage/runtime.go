package storage

// runtime.go: estado que sobrevive reinicios (kill switch y equity por ciclo).

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alejandrodnm/lpbot/internal/domain"
)

// ─── Kill switch ─────────────────────────────────────────────────────────────

// SaveKillSwitch persiste el estado actual del kill switch.
func (s *SQLiteStorage) SaveKillSwitch(ctx context.Context, st domain.KillSwitchState) error {
	protected := st.ProtectedTradeIDs
	if protected == nil {
		protected = []string{}
	}
	ids, err := json.Marshal(protected)
	if err != nil {
		return fmt.Errorf("storage.SaveKillSwitch: marshal protected: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE kill_switch_state SET
		  is_killed=?, kill_timestamp=?, cooldown_until=?,
		  consecutive_kill_conditions=?, last_check_timestamp=?, reason=?,
		  protected_trade_ids=?
		WHERE id=1`,
		boolToInt(st.IsKilled), nullTimeVal(st.KillTimestamp), nullTimeVal(st.CooldownUntil),
		st.ConsecutiveKillConditions, nullTimeVal(st.LastCheckTimestamp), st.Reason,
		string(ids),
	)
	if err != nil {
		return fmt.Errorf("storage.SaveKillSwitch: %w", err)
	}
	return nil
}

// LoadKillSwitch carga el estado persistido del kill switch.
func (s *SQLiteStorage) LoadKillSwitch(ctx context.Context) (domain.KillSwitchState, error) {
	var st domain.KillSwitchState
	var killedInt int
	var killTS, cooldownUntil, lastCheck sql.NullString
	var protected string

	err := s.db.QueryRowContext(ctx, `
		SELECT is_killed, kill_timestamp, cooldown_until,
		       consecutive_kill_conditions, last_check_timestamp, reason, protected_trade_ids
		FROM kill_switch_state WHERE id=1`).Scan(
		&killedInt, &killTS, &cooldownUntil, &st.ConsecutiveKillConditions, &lastCheck, &st.Reason, &protected,
	)
	if errNoRows(err) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("storage.LoadKillSwitch: %w", err)
	}

	st.IsKilled = killedInt != 0
	st.KillTimestamp = parseTime(killTS)
	st.CooldownUntil = parseTime(cooldownUntil)
	st.LastCheckTimestamp = parseTime(lastCheck)
	if err := json.Unmarshal([]byte(protected), &st.ProtectedTradeIDs); err != nil {
		return st, fmt.Errorf("storage.LoadKillSwitch: protected ids: %w", err)
	}
	return st, nil
}

// ─── Equity snapshots ────────────────────────────────────────────────────────

// SaveEquitySnapshot registra la equity observada al final de un ciclo.
func (s *SQLiteStorage) SaveEquitySnapshot(ctx context.Context, runID string, equity float64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO equity_snapshots (run_id, equity, recorded_at) VALUES (?,?,?)`,
		runID, equity, s.stamp(at))
	if err != nil {
		return fmt.Errorf("storage.SaveEquitySnapshot: %w", err)
	}
	return nil
}

// LatestEquitySnapshot devuelve la última equity registrada y si existe.
func (s *SQLiteStorage) LatestEquitySnapshot(ctx context.Context) (float64, bool, error) {
	var equity float64
	err := s.db.QueryRowContext(ctx,
		`SELECT equity FROM equity_snapshots ORDER BY id DESC LIMIT 1`).Scan(&equity)
	if errNoRows(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("storage.LatestEquitySnapshot: %w", err)
	}
	return equity, true, nil
}

package storage

// sqlite.go: store durable del core de capital.
//
// Tablas:
//   - `capital_state`: UNA fila (id=1) con balances y versión para escrituras condicionales.
//   - `capital_locks`: un lock por trade_id (PRIMARY KEY → nunca dos locks por trade).
//   - `run_epochs`: una fila por arranque del proceso.
//   - `capital_audit`: append-only, cada credit/reset/seal.
//   - `ledger_flags`: flags one-way (reconciliation seal).
//   - `trades`: ciclo de vida de posiciones, nunca se borran.
//   - `kill_switch_state`: UNA fila, estado del kill switch entre reinicios.
//   - `equity_snapshots`: equity por ciclo, usado en el chequeo de reinicio.
//
// SQLite da atomicidad por sentencia, no transacciones entre filas desde el
// punto de vista del ledger: el rollback compensatorio lo hace el ledger.

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS capital_state (
    id                 INTEGER PRIMARY KEY CHECK (id = 1),
    available          REAL    NOT NULL,
    locked             REAL    NOT NULL DEFAULT 0,
    total_realized_pnl REAL    NOT NULL DEFAULT 0,
    initial_capital    REAL    NOT NULL,
    version            INTEGER NOT NULL DEFAULT 1,
    updated_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS capital_locks (
    trade_id  TEXT PRIMARY KEY,
    amount    REAL NOT NULL,
    locked_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS run_epochs (
    run_id           TEXT PRIMARY KEY,
    starting_capital REAL NOT NULL,
    started_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS capital_audit (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    action           TEXT NOT NULL,
    reason           TEXT NOT NULL,
    amount           REAL NOT NULL DEFAULT 0,
    before_state     TEXT NOT NULL,
    after_state      TEXT NOT NULL,
    trades_cancelled INTEGER NOT NULL DEFAULT 0,
    locks_deleted    INTEGER NOT NULL DEFAULT 0,
    created_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_flags (
    name   TEXT PRIMARY KEY,
    set_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
    id                 TEXT PRIMARY KEY,
    pool               TEXT NOT NULL,
    size               REAL NOT NULL,
    status             TEXT NOT NULL DEFAULT 'open',
    exit_state         TEXT,               -- NULL = open, closing, closed
    sizing_mode        TEXT NOT NULL DEFAULT '',
    risk_tier          TEXT NOT NULL DEFAULT '',
    leverage           REAL NOT NULL DEFAULT 1,
    entry_value_usd    REAL NOT NULL DEFAULT 0,
    entry_fees_usd     REAL NOT NULL DEFAULT 0,
    entry_slippage_usd REAL NOT NULL DEFAULT 0,
    entry_price        REAL NOT NULL DEFAULT 0,
    opened_at          DATETIME NOT NULL,
    exit_value_usd     REAL NOT NULL DEFAULT 0,
    exit_fees_usd      REAL NOT NULL DEFAULT 0,
    exit_slippage_usd  REAL NOT NULL DEFAULT 0,
    gross_pnl          REAL NOT NULL DEFAULT 0,
    net_pnl            REAL NOT NULL DEFAULT 0,
    exit_reason        TEXT NOT NULL DEFAULT '',
    closed_at          DATETIME
);

CREATE INDEX IF NOT EXISTS trades_status ON trades(status);
CREATE INDEX IF NOT EXISTS trades_pool   ON trades(pool);

CREATE TABLE IF NOT EXISTS kill_switch_state (
    id                          INTEGER PRIMARY KEY DEFAULT 1,
    is_killed                   INTEGER NOT NULL DEFAULT 0,
    kill_timestamp              DATETIME,
    cooldown_until              DATETIME,
    consecutive_kill_conditions INTEGER NOT NULL DEFAULT 0,
    last_check_timestamp        DATETIME,
    reason                      TEXT NOT NULL DEFAULT '',
    protected_trade_ids         TEXT NOT NULL DEFAULT '[]'  -- JSON array
);

-- Exactamente una fila de kill switch
INSERT OR IGNORE INTO kill_switch_state (id) VALUES (1);

CREATE TABLE IF NOT EXISTS equity_snapshots (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT NOT NULL,
    equity      REAL NOT NULL,
    recorded_at DATETIME NOT NULL
);
`

// equity_snapshots: 30 días bastan para el chequeo de reinicio y el reporte.
const retentionSnapshots = 30 * 24 * time.Hour

// SQLiteStorage implementa los ports del core usando SQLite (pure Go, sin CGo).
type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada,
// aplica el schema y limpia snapshots antiguos.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}

	s := &SQLiteStorage{db: db, now: time.Now}
	s.pruneOld(context.Background())
	return s, nil
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// pruneOld elimina snapshots de equity antiguos para mantener la DB ligera.
func (s *SQLiteStorage) pruneOld(ctx context.Context) {
	cutoff := s.now().UTC().Add(-retentionSnapshots)
	s.db.ExecContext(ctx, `DELETE FROM equity_snapshots WHERE recorded_at < ?`, cutoff)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func nullTimeVal(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// parseTime acepta los formatos que el driver puede devolver para DATETIME.
func parseTime(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, ns.String); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

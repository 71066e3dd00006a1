package db

import (
	"database/sql"
	"fmt"
)

// Money and quantity columns are decimal text so sums and comparisons stay exact.
// Timestamps are unix milliseconds.
const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS broker_credentials (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL UNIQUE,
    broker TEXT NOT NULL,
    api_key_enc TEXT NOT NULL,
    api_secret_enc TEXT NOT NULL,
    paper INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS webhook_tokens (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    token_hash TEXT NOT NULL UNIQUE,
    label TEXT NOT NULL DEFAULT '',
    usage_count INTEGER NOT NULL DEFAULT 0,
    last_used_at INTEGER,
    revoked_at INTEGER,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_webhook_tokens_user ON webhook_tokens(user_id);

CREATE TABLE IF NOT EXISTS bot_configs (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    position_size TEXT NOT NULL,
    risk_limit_percent TEXT NOT NULL DEFAULT '0',
    daily_loss_limit TEXT,
    max_position_size TEXT,
    is_active INTEGER NOT NULL DEFAULT 1,
    current_position_side TEXT NOT NULL DEFAULT 'FLAT',
    order_status TEXT NOT NULL DEFAULT '',
    cumulative_pnl TEXT NOT NULL DEFAULT '0',
    total_trades INTEGER NOT NULL DEFAULT 0,
    version INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    UNIQUE(user_id, symbol, timeframe)
);

CREATE TABLE IF NOT EXISTS trade_records (
    id TEXT PRIMARY KEY,
    bot_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    action TEXT NOT NULL,
    leg TEXT NOT NULL,
    side TEXT NOT NULL DEFAULT '',
    requested_qty TEXT,
    requested_notional TEXT,
    broker_order_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    filled_qty TEXT,
    filled_avg_price TEXT,
    bid TEXT,
    ask TEXT,
    spread TEXT,
    expected_price TEXT,
    slippage TEXT,
    signal_to_submit_ms INTEGER,
    submit_to_fill_ms INTEGER,
    market_open INTEGER NOT NULL DEFAULT 0,
    realized_pnl TEXT,
    error_detail TEXT,
    signal_at INTEGER NOT NULL,
    submitted_at INTEGER,
    finalized_at INTEGER,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trade_records_user_created ON trade_records(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_trade_records_bot_status ON trade_records(bot_id, status);

CREATE TABLE IF NOT EXISTS risk_events (
    id TEXT PRIMARY KEY,
    bot_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    threshold TEXT NOT NULL,
    observed TEXT NOT NULL,
    action_taken TEXT NOT NULL,
    detail TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_risk_events_user ON risk_events(user_id, created_at);
`

// ApplyMigrations ensures required tables exist.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Columns added after the first release; ensureColumn keeps old files usable.
	if err := ensureColumn(d.DB, "webhook_tokens", "label", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "trade_records", "market_open", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	return nil
}

// Tables lists user tables and their columns, in schema order.
func Tables(d *Database) (map[string][]string, error) {
	rows, err := d.DB.Query(`SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return nil, err
		}
		names = append(names, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make(map[string][]string, len(names))
	for _, n := range names {
		cols, err := columns(d.DB, n)
		if err != nil {
			return nil, err
		}
		out[n] = cols
	}
	return out, nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	cols, err := columns(db, table)
	if err != nil {
		return err
	}
	for _, c := range cols {
		if c == column {
			return nil
		}
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columns(db *sql.DB, table string) ([]string, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return nil, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

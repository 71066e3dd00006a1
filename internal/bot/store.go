package bot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"signal-core/pkg/db"
)

const selectColumns = `
	id, user_id, symbol, timeframe, position_size, risk_limit_percent,
	daily_loss_limit, max_position_size, is_active, current_position_side,
	order_status, cumulative_pnl, total_trades, version, created_at, updated_at`

// Store reads and writes bot_configs. Position-state mutations (SyncSide,
// ApplyFill) are compare-and-set on the row version; callers serialise
// cycles per key so a conflict means someone else wrote the row.
type Store struct {
	db *db.Database
}

// NewStore creates a Store.
func NewStore(database *db.Database) *Store {
	return &Store{db: database}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (*Config, error) {
	var (
		c                Config
		side, status     string
		created, updated int64
	)
	err := row.Scan(
		&c.ID, &c.UserID, &c.Symbol, &c.Timeframe, &c.PositionSize, &c.RiskLimitPercent,
		&c.DailyLossLimit, &c.MaxPositionSize, &c.IsActive, &side,
		&status, &c.CumulativePnl, &c.TotalTrades, &c.Version, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	c.Side = Side(side)
	c.OrderStatus = OrderStatus(status)
	c.CreatedAt = db.FromMillis(created)
	c.UpdatedAt = db.FromMillis(updated)
	return &c, nil
}

func (s *Store) queryOne(ctx context.Context, where string, args ...any) (*Config, error) {
	c, err := scanConfig(s.db.DB.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM bot_configs WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bot config: %w", err)
	}
	return c, nil
}

// Get returns the bot for (user, symbol, timeframe).
func (s *Store) Get(ctx context.Context, userID, symbol, timeframe string) (*Config, error) {
	if userID == "" {
		return nil, db.ErrUserIDRequired
	}
	key := Config{UserID: userID, Symbol: symbol, Timeframe: timeframe}
	key.Normalize()
	return s.queryOne(ctx, `user_id = ? AND symbol = ? AND timeframe = ?`, key.UserID, key.Symbol, key.Timeframe)
}

// GetByID returns a bot owned by userID.
func (s *Store) GetByID(ctx context.Context, userID, id string) (*Config, error) {
	if userID == "" {
		return nil, db.ErrUserIDRequired
	}
	return s.queryOne(ctx, `id = ? AND user_id = ?`, id, userID)
}

// ListByUser returns every bot of userID ordered by symbol and timeframe.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]Config, error) {
	if userID == "" {
		return nil, db.ErrUserIDRequired
	}
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM bot_configs WHERE user_id = ? ORDER BY symbol, timeframe`, userID)
	if err != nil {
		return nil, fmt.Errorf("list bot configs: %w", err)
	}
	defer rows.Close()

	var out []Config
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bot config: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// Upsert creates the bot or updates its settings. Tracked position state and
// counters are never touched here.
func (s *Store) Upsert(ctx context.Context, c Config) (*Config, error) {
	if err := s.UpsertMany(ctx, []Config{c}); err != nil {
		return nil, err
	}
	return s.Get(ctx, c.UserID, c.Symbol, c.Timeframe)
}

// UpsertMany applies several upserts in one transaction.
func (s *Store) UpsertMany(ctx context.Context, configs []Config) error {
	for i := range configs {
		configs[i].Normalize()
		if err := configs[i].Validate(); err != nil {
			return fmt.Errorf("bot %s/%s: %w", configs[i].Symbol, configs[i].Timeframe, err)
		}
	}

	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO bot_configs (id, user_id, symbol, timeframe, position_size, risk_limit_percent,
				daily_loss_limit, max_position_size, is_active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, symbol, timeframe) DO UPDATE SET
				position_size = excluded.position_size,
				risk_limit_percent = excluded.risk_limit_percent,
				daily_loss_limit = excluded.daily_loss_limit,
				max_position_size = excluded.max_position_size,
				is_active = excluded.is_active,
				updated_at = excluded.updated_at
		`)
		if err != nil {
			return fmt.Errorf("prepare upsert: %w", err)
		}
		defer stmt.Close()

		now := db.Millis(time.Now())
		for _, c := range configs {
			id := c.ID
			if id == "" {
				id = uuid.NewString()
			}
			if _, err := stmt.ExecContext(ctx,
				id, c.UserID, c.Symbol, c.Timeframe, c.PositionSize, c.RiskLimitPercent,
				c.DailyLossLimit, c.MaxPositionSize, c.IsActive, now, now,
			); err != nil {
				return fmt.Errorf("upsert bot %s/%s: %w", c.Symbol, c.Timeframe, err)
			}
		}
		return nil
	})
}

// SetStatus records the outcome of the latest cycle.
func (s *Store) SetStatus(ctx context.Context, id string, status OrderStatus) error {
	return s.exec(ctx, `UPDATE bot_configs SET order_status = ?, updated_at = ? WHERE id = ?`,
		string(status), db.Millis(time.Now()), id)
}

// Disable deactivates the bot; later signals are skipped as INACTIVE.
func (s *Store) Disable(ctx context.Context, id string) error {
	return s.exec(ctx, `UPDATE bot_configs SET is_active = 0, order_status = ?, updated_at = ? WHERE id = ?`,
		string(OrderDisabled), db.Millis(time.Now()), id)
}

// SyncSide overwrites the tracked side with the broker's view and returns the new version.
func (s *Store) SyncSide(ctx context.Context, id string, version int64, side Side) (int64, error) {
	if !side.Valid() {
		return 0, fmt.Errorf("invalid side %q", side)
	}
	return s.cas(ctx, id, version,
		`UPDATE bot_configs SET current_position_side = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		string(side), db.Millis(time.Now()), id, version)
}

// ApplyFill records a confirmed fill: the new side, one more trade and the
// realized P&L delta. It returns the new version.
func (s *Store) ApplyFill(ctx context.Context, id string, version int64, side Side, pnlDelta decimal.Decimal) (int64, error) {
	if !side.Valid() {
		return 0, fmt.Errorf("invalid side %q", side)
	}
	var newVersion int64
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var (
			current int64
			pnl     decimal.Decimal
		)
		err := tx.QueryRowContext(ctx, `SELECT version, cumulative_pnl FROM bot_configs WHERE id = ?`, id).Scan(&current, &pnl)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read bot config: %w", err)
		}
		if current != version {
			return ErrConflict
		}

		// Sum in Go: the column is decimal text and SQLite arithmetic would go through float.
		if _, err := tx.ExecContext(ctx, `
			UPDATE bot_configs
			SET current_position_side = ?, cumulative_pnl = ?, total_trades = total_trades + 1,
				order_status = ?, version = version + 1, updated_at = ?
			WHERE id = ?`,
			string(side), pnl.Add(pnlDelta), string(OrderFilled), db.Millis(time.Now()), id,
		); err != nil {
			return fmt.Errorf("apply fill: %w", err)
		}
		newVersion = current + 1
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

// Delete removes a bot owned by userID. Its trade records are kept.
func (s *Store) Delete(ctx context.Context, userID, id string) error {
	if userID == "" {
		return db.ErrUserIDRequired
	}
	res, err := s.db.DB.ExecContext(ctx, `DELETE FROM bot_configs WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete bot config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update bot config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) cas(ctx context.Context, id string, version int64, query string, args ...any) (int64, error) {
	res, err := s.db.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("update bot config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return version + 1, nil
	}
	var exists int
	err = s.db.DB.QueryRowContext(ctx, `SELECT 1 FROM bot_configs WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("check bot config: %w", err)
	}
	return 0, ErrConflict
}

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"signal-core/pkg/db"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

const recordColumns = `
	id, bot_id, user_id, symbol, timeframe, action, leg, side, requested_qty, requested_notional,
	broker_order_id, status, filled_qty, filled_avg_price, bid, ask, spread, expected_price, slippage,
	signal_to_submit_ms, submit_to_fill_ms, market_open, realized_pnl, error_detail,
	signal_at, submitted_at, finalized_at, created_at`

// openStatuses matches records that may still change.
const openStatuses = `status IN ('SUBMITTED', 'PARTIALLY_FILLED')`

// Ledger stores trade records and risk events.
type Ledger struct {
	db *db.Database
}

// New creates a Ledger.
func New(database *db.Database) *Ledger {
	return &Ledger{db: database}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r                        Record
		leg, status              string
		errDetail                sql.NullString
		signalAt, createdAt      int64
		submittedAt, finalizedAt sql.NullInt64
	)
	err := row.Scan(
		&r.ID, &r.BotID, &r.UserID, &r.Symbol, &r.Timeframe, &r.Action, &leg, &r.Side,
		&r.RequestedQty, &r.RequestedNotional, &r.BrokerOrderID, &status,
		&r.FilledQty, &r.FilledAvgPrice, &r.Bid, &r.Ask, &r.Spread, &r.ExpectedPrice, &r.Slippage,
		&r.SignalToSubmitMs, &r.SubmitToFillMs, &r.MarketOpen, &r.RealizedPnl, &errDetail,
		&signalAt, &submittedAt, &finalizedAt, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	r.Leg = Leg(leg)
	r.Status = Status(status)
	r.ErrorDetail = errDetail.String
	r.SignalAt = db.FromMillis(signalAt)
	r.SubmittedAt = db.FromNullMillis(submittedAt)
	r.FinalizedAt = db.FromNullMillis(finalizedAt)
	r.CreatedAt = db.FromMillis(createdAt)
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Append inserts a new record, assigning ID and CreatedAt when empty.
// Records that start terminal (skips) get FinalizedAt set.
func (l *Ledger) Append(ctx context.Context, r *Record) error {
	if r.UserID == "" {
		return db.ErrUserIDRequired
	}
	if r.BotID == "" {
		return errors.New("bot_id is required")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.SignalAt.IsZero() {
		r.SignalAt = r.CreatedAt
	}
	if r.Leg == "" {
		r.Leg = LegNone
	}
	if r.Status.Terminal() && r.FinalizedAt.IsZero() {
		r.FinalizedAt = r.CreatedAt
	}

	_, err := l.db.DB.ExecContext(ctx, `INSERT INTO trade_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.BotID, r.UserID, r.Symbol, r.Timeframe, r.Action, string(r.Leg), r.Side,
		r.RequestedQty, r.RequestedNotional, r.BrokerOrderID, string(r.Status),
		r.FilledQty, r.FilledAvgPrice, r.Bid, r.Ask, r.Spread, r.ExpectedPrice, r.Slippage,
		r.SignalToSubmitMs, r.SubmitToFillMs, r.MarketOpen, r.RealizedPnl, nullString(r.ErrorDetail),
		db.Millis(r.SignalAt), db.NullMillis(r.SubmittedAt), db.NullMillis(r.FinalizedAt), db.Millis(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append trade record: %w", err)
	}
	return nil
}

// MarkSubmitted stores the broker's order id once the broker accepted the order.
func (l *Ledger) MarkSubmitted(ctx context.Context, id, brokerOrderID string, submittedAt time.Time, signalToSubmitMs int64) error {
	return l.guardedUpdate(ctx, id, `
		UPDATE trade_records SET broker_order_id = ?, submitted_at = ?, signal_to_submit_ms = ?
		WHERE id = ? AND `+openStatuses,
		brokerOrderID, db.Millis(submittedAt), signalToSubmitMs, id)
}

// Progress records a partial fill seen while polling.
func (l *Ledger) Progress(ctx context.Context, id string, filledQty, avgPrice decimal.Decimal) error {
	return l.guardedUpdate(ctx, id, `
		UPDATE trade_records SET status = ?, filled_qty = ?, filled_avg_price = ?
		WHERE id = ? AND `+openStatuses,
		string(StatusPartiallyFilled), filledQty, avgPrice, id)
}

// Finalize moves an open record to FILLED, REJECTED or FAILED. It is the only
// transition out of an open state; repeating it returns ErrAlreadyFinal.
func (l *Ledger) Finalize(ctx context.Context, id string, t Terminal) error {
	switch t.Status {
	case StatusFilled, StatusRejected, StatusFailed:
	default:
		return fmt.Errorf("cannot finalize as %s", t.Status)
	}
	if t.FinalizedAt.IsZero() {
		t.FinalizedAt = time.Now().UTC()
	}
	return l.guardedUpdate(ctx, id, `
		UPDATE trade_records SET
			status = ?,
			filled_qty = COALESCE(?, filled_qty),
			filled_avg_price = COALESCE(?, filled_avg_price),
			slippage = ?,
			submit_to_fill_ms = ?,
			realized_pnl = ?,
			error_detail = ?,
			finalized_at = ?
		WHERE id = ? AND `+openStatuses,
		string(t.Status), t.FilledQty, t.FilledAvgPrice, t.Slippage, t.SubmitToFillMs,
		t.RealizedPnl, nullString(t.ErrorDetail), db.Millis(t.FinalizedAt), id)
}

func (l *Ledger) guardedUpdate(ctx context.Context, id, query string, args ...any) error {
	res, err := l.db.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update trade record: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var status string
	err = l.db.DB.QueryRowContext(ctx, `SELECT status FROM trade_records WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check trade record: %w", err)
	}
	return ErrAlreadyFinal
}

// Get returns a record owned by userID.
func (l *Ledger) Get(ctx context.Context, userID, id string) (*Record, error) {
	if userID == "" {
		return nil, db.ErrUserIDRequired
	}
	r, err := scanRecord(l.db.DB.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM trade_records WHERE id = ? AND user_id = ?`, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trade record: %w", err)
	}
	return r, nil
}

// DailyRealizedPnl sums realized P&L of filled records finalized at or after since.
// An empty botID sums across all of the user's bots.
func (l *Ledger) DailyRealizedPnl(ctx context.Context, userID, botID string, since time.Time) (decimal.Decimal, error) {
	if userID == "" {
		return decimal.Zero, db.ErrUserIDRequired
	}
	query := `SELECT realized_pnl FROM trade_records
		WHERE user_id = ? AND status = ? AND realized_pnl IS NOT NULL AND finalized_at >= ?`
	args := []any{userID, string(StatusFilled), db.Millis(since)}
	if botID != "" {
		query += ` AND bot_id = ?`
		args = append(args, botID)
	}

	rows, err := l.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return decimal.Zero, fmt.Errorf("daily pnl: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var pnl decimal.Decimal
		if err := rows.Scan(&pnl); err != nil {
			return decimal.Zero, fmt.Errorf("scan pnl: %w", err)
		}
		total = total.Add(pnl)
	}
	return total, rows.Err()
}

// History returns the user's records, newest first.
func (l *Ledger) History(ctx context.Context, userID string, f Filter) (Page, error) {
	if userID == "" {
		return Page{}, db.ErrUserIDRequired
	}
	if f.Limit <= 0 {
		f.Limit = defaultPageSize
	}
	if f.Limit > maxPageSize {
		f.Limit = maxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	where := []string{"user_id = ?"}
	args := []any{userID}
	add := func(clause string, v any) {
		where = append(where, clause)
		args = append(args, v)
	}
	if f.BotID != "" {
		add("bot_id = ?", f.BotID)
	}
	if f.Symbol != "" {
		add("symbol = ?", strings.ToUpper(f.Symbol))
	}
	if f.Timeframe != "" {
		add("timeframe = ?", f.Timeframe)
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if !f.Since.IsZero() {
		add("created_at >= ?", db.Millis(f.Since))
	}
	if !f.Until.IsZero() {
		add("created_at < ?", db.Millis(f.Until))
	}
	cond := strings.Join(where, " AND ")

	page := Page{Limit: f.Limit, Offset: f.Offset, Records: []Record{}}
	if err := l.db.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM trade_records WHERE `+cond, args...).Scan(&page.Total); err != nil {
		return Page{}, fmt.Errorf("count history: %w", err)
	}

	recs, err := l.query(ctx, `SELECT `+recordColumns+` FROM trade_records WHERE `+cond+
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return Page{}, err
	}
	page.Records = append(page.Records, recs...)
	return page, nil
}

// Open returns the bot's records still awaiting a terminal state, oldest first.
func (l *Ledger) Open(ctx context.Context, botID string) ([]Record, error) {
	return l.query(ctx, `SELECT `+recordColumns+` FROM trade_records
		WHERE bot_id = ? AND `+openStatuses+` ORDER BY created_at, id`, botID)
}

// OpenOlderThan returns open records of every bot created before t.
func (l *Ledger) OpenOlderThan(ctx context.Context, t time.Time) ([]Record, error) {
	return l.query(ctx, `SELECT `+recordColumns+` FROM trade_records
		WHERE `+openStatuses+` AND created_at < ? ORDER BY created_at, id`, db.Millis(t))
}

// LastEntry returns the most recent filled opening leg of the bot.
func (l *Ledger) LastEntry(ctx context.Context, botID string) (*Record, error) {
	recs, err := l.query(ctx, `SELECT `+recordColumns+` FROM trade_records
		WHERE bot_id = ? AND leg = ? AND status = ?
		ORDER BY finalized_at DESC, created_at DESC LIMIT 1`, botID, string(LegOpen), string(StatusFilled))
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return &recs[0], nil
}

func (l *Ledger) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := l.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trade records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade record: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// AppendRiskEvent inserts an immutable risk event.
func (l *Ledger) AppendRiskEvent(ctx context.Context, e *RiskEvent) error {
	if e.UserID == "" {
		return db.ErrUserIDRequired
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.DB.ExecContext(ctx, `
		INSERT INTO risk_events (id, bot_id, user_id, event_type, threshold, observed, action_taken, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.BotID, e.UserID, string(e.Type), e.Threshold, e.Observed, string(e.Action), e.Detail, db.Millis(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append risk event: %w", err)
	}
	return nil
}

// ListRiskEvents returns the user's most recent risk events.
func (l *Ledger) ListRiskEvents(ctx context.Context, userID, botID string, limit int) ([]RiskEvent, error) {
	if userID == "" {
		return nil, db.ErrUserIDRequired
	}
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	query := `SELECT id, bot_id, user_id, event_type, threshold, observed, action_taken, detail, created_at
		FROM risk_events WHERE user_id = ?`
	args := []any{userID}
	if botID != "" {
		query += ` AND bot_id = ?`
		args = append(args, botID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list risk events: %w", err)
	}
	defer rows.Close()

	out := []RiskEvent{}
	for rows.Next() {
		var (
			e           RiskEvent
			typ, action string
			created     int64
		)
		if err := rows.Scan(&e.ID, &e.BotID, &e.UserID, &typ, &e.Threshold, &e.Observed, &action, &e.Detail, &created); err != nil {
			return nil, fmt.Errorf("scan risk event: %w", err)
		}
		e.Type = EventType(typ)
		e.Action = ActionTaken(action)
		e.CreatedAt = db.FromMillis(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

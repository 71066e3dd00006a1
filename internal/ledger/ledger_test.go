package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-core/pkg/db"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	return New(database)
}

func nd(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func submitted(botID string) *Record {
	return &Record{
		BotID:             botID,
		UserID:            "u1",
		Symbol:            "AAPL",
		Timeframe:         "1h",
		Action:            "BUY",
		Leg:               LegOpen,
		Side:              "BUY",
		RequestedNotional: nd("5000"),
		Status:            StatusSubmitted,
		Bid:               nd("99.95"),
		Ask:               nd("100"),
		Spread:            nd("0.05"),
		ExpectedPrice:     nd("100"),
		MarketOpen:        true,
	}
}

func TestAppendAndGet(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	r := submitted("b1")
	require.NoError(t, l.Append(ctx, r))
	assert.NotEmpty(t, r.ID)

	got, err := l.Get(ctx, "u1", r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, got.Status)
	assert.Equal(t, LegOpen, got.Leg)
	assert.Equal(t, "100", got.ExpectedPrice.Decimal.String())
	assert.Equal(t, "0.05", got.Spread.Decimal.String())
	assert.False(t, got.FilledQty.Valid)
	assert.True(t, got.MarketOpen)
	assert.True(t, got.FinalizedAt.IsZero())
	assert.Nil(t, got.SignalToSubmitMs)

	_, err = l.Get(ctx, "u2", r.ID)
	assert.ErrorIs(t, err, ErrNotFound, "records are owner-scoped")

	assert.ErrorIs(t, l.Append(ctx, &Record{BotID: "b1"}), db.ErrUserIDRequired)
}

func TestSkipRecordsStartFinal(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	r := &Record{BotID: "b1", UserID: "u1", Symbol: "AAPL", Timeframe: "1h", Action: "BUY", Status: StatusAlreadyLong}
	require.NoError(t, l.Append(ctx, r))
	got, err := l.Get(ctx, "u1", r.ID)
	require.NoError(t, err)
	assert.Equal(t, LegNone, got.Leg)
	assert.False(t, got.FinalizedAt.IsZero())

	err = l.Finalize(ctx, r.ID, Terminal{Status: StatusFilled})
	assert.ErrorIs(t, err, ErrAlreadyFinal)
}

func TestLifecycleAndIdempotentFinalize(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	r := submitted("b1")
	require.NoError(t, l.Append(ctx, r))

	submittedAt := time.Now().UTC()
	require.NoError(t, l.MarkSubmitted(ctx, r.ID, "ord-1", submittedAt, 12))
	require.NoError(t, l.Progress(ctx, r.ID, decimal.NewFromInt(20), decimal.RequireFromString("100.01")))

	got, err := l.Get(ctx, "u1", r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyFilled, got.Status)
	assert.Equal(t, "ord-1", got.BrokerOrderID)
	require.NotNil(t, got.SignalToSubmitMs)
	assert.Equal(t, int64(12), *got.SignalToSubmitMs)
	assert.Equal(t, submittedAt.UnixMilli(), got.SubmittedAt.UnixMilli())

	fillMs := int64(340)
	term := Terminal{
		Status:         StatusFilled,
		FilledQty:      nd("50"),
		FilledAvgPrice: nd("100.02"),
		Slippage:       nd("0.02"),
		SubmitToFillMs: &fillMs,
	}
	require.NoError(t, l.Finalize(ctx, r.ID, term))

	// Terminal records are immutable.
	assert.ErrorIs(t, l.Finalize(ctx, r.ID, Terminal{Status: StatusFailed, ErrorDetail: "late"}), ErrAlreadyFinal)
	assert.ErrorIs(t, l.Progress(ctx, r.ID, decimal.NewFromInt(1), decimal.NewFromInt(1)), ErrAlreadyFinal)
	assert.ErrorIs(t, l.MarkSubmitted(ctx, r.ID, "ord-2", time.Now(), 1), ErrAlreadyFinal)

	got, err = l.Get(ctx, "u1", r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, got.Status)
	assert.Equal(t, "50", got.FilledQty.Decimal.String())
	assert.Equal(t, "0.02", got.Slippage.Decimal.String())
	assert.Empty(t, got.ErrorDetail)
	assert.Equal(t, "ord-1", got.BrokerOrderID)
	assert.False(t, got.FinalizedAt.IsZero())

	assert.ErrorIs(t, l.Finalize(ctx, "missing", term), ErrNotFound)
	assert.Error(t, l.Finalize(ctx, r.ID, Terminal{Status: StatusSubmitted}))
}

func TestFinalizeKeepsPartialFillWhenUnset(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	r := submitted("b1")
	require.NoError(t, l.Append(ctx, r))
	require.NoError(t, l.Progress(ctx, r.ID, decimal.NewFromInt(5), decimal.NewFromInt(100)))
	require.NoError(t, l.Finalize(ctx, r.ID, Terminal{Status: StatusRejected, ErrorDetail: "canceled by broker"}))

	got, err := l.Get(ctx, "u1", r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)
	assert.Equal(t, "5", got.FilledQty.Decimal.String())
	assert.Equal(t, "canceled by broker", got.ErrorDetail)
}

func fill(t *testing.T, l *Ledger, botID string, leg Leg, pnl string, finalizedAt time.Time) *Record {
	t.Helper()
	ctx := context.Background()
	r := submitted(botID)
	r.Leg = leg
	require.NoError(t, l.Append(ctx, r))
	term := Terminal{Status: StatusFilled, FilledQty: nd("1"), FilledAvgPrice: nd("100"), FinalizedAt: finalizedAt}
	if pnl != "" {
		term.RealizedPnl = nd(pnl)
	}
	require.NoError(t, l.Finalize(ctx, r.ID, term))
	return r
}

func TestDailyRealizedPnl(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	midnight := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	fill(t, l, "b1", LegClose, "-100.5", midnight.Add(-time.Hour)) // yesterday
	fill(t, l, "b1", LegClose, "-40.25", midnight.Add(time.Hour))
	fill(t, l, "b1", LegClose, "15", midnight.Add(2*time.Hour))
	fill(t, l, "b1", LegOpen, "", midnight.Add(3*time.Hour))
	fill(t, l, "b2", LegClose, "-7", midnight.Add(time.Hour))

	// A failed record with a pnl value never counts.
	r := submitted("b1")
	require.NoError(t, l.Append(ctx, r))
	require.NoError(t, l.Finalize(ctx, r.ID, Terminal{Status: StatusFailed, RealizedPnl: nd("-1000"), FinalizedAt: midnight.Add(time.Hour)}))

	pnl, err := l.DailyRealizedPnl(ctx, "u1", "b1", midnight)
	require.NoError(t, err)
	assert.Equal(t, "-25.25", pnl.String())

	all, err := l.DailyRealizedPnl(ctx, "u1", "", midnight)
	require.NoError(t, err)
	assert.Equal(t, "-32.25", all.String())

	none, err := l.DailyRealizedPnl(ctx, "u2", "", midnight)
	require.NoError(t, err)
	assert.True(t, none.IsZero())
}

func TestLastEntryAndOpen(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	_, err := l.LastEntry(ctx, "b1")
	assert.ErrorIs(t, err, ErrNotFound)

	fill(t, l, "b1", LegOpen, "", base)
	latest := fill(t, l, "b1", LegOpen, "", base.Add(time.Minute))
	fill(t, l, "b1", LegClose, "3", base.Add(2*time.Minute))

	entry, err := l.LastEntry(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, latest.ID, entry.ID)

	open := submitted("b1")
	open.CreatedAt = time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, l.Append(ctx, open))
	fresh := submitted("b2")
	require.NoError(t, l.Append(ctx, fresh))

	recs, err := l.Open(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, open.ID, recs[0].ID)

	stale, err := l.OpenOlderThan(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, open.ID, stale[0].ID)
}

func TestHistory(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		r := submitted("b1")
		r.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if i%2 == 1 {
			r.Symbol = "MSFT"
		}
		require.NoError(t, l.Append(ctx, r))
	}
	other := submitted("b9")
	other.UserID = "u2"
	require.NoError(t, l.Append(ctx, other))

	page, err := l.History(ctx, "u1", Filter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Records, 2)
	assert.True(t, page.Records[0].CreatedAt.After(page.Records[1].CreatedAt), "newest first")

	page, err = l.History(ctx, "u1", Filter{Symbol: "msft"})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	page, err = l.History(ctx, "u1", Filter{Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Len(t, page.Records, 1)

	page, err = l.History(ctx, "u1", Filter{Status: StatusFilled})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
	assert.NotNil(t, page.Records)

	_, err = l.History(ctx, "", Filter{})
	assert.ErrorIs(t, err, db.ErrUserIDRequired)
}

func TestRiskEvents(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	e := &RiskEvent{
		BotID:     "b1",
		UserID:    "u1",
		Type:      EventDailyLossLimit,
		Threshold: decimal.NewFromInt(250),
		Observed:  decimal.RequireFromString("-260.5"),
		Action:    ActionBotDisabled,
		Detail:    "daily loss limit reached",
	}
	require.NoError(t, l.AppendRiskEvent(ctx, e))
	require.NoError(t, l.AppendRiskEvent(ctx, &RiskEvent{BotID: "b2", UserID: "u1", Type: EventConnectionError, Action: ActionOrderRejected}))

	events, err := l.ListRiskEvents(ctx, "u1", "", 10)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	events, err = l.ListRiskEvents(ctx, "u1", "b1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventDailyLossLimit, events[0].Type)
	assert.Equal(t, "-260.5", events[0].Observed.String())
	assert.Equal(t, ActionBotDisabled, events[0].Action)

	events, err = l.ListRiskEvents(ctx, "u2", "", 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestStatusHelpers(t *testing.T) {
	assert.False(t, StatusSubmitted.Terminal())
	assert.False(t, StatusPartiallyFilled.Terminal())
	for _, s := range []Status{StatusFilled, StatusRejected, StatusFailed, StatusSkipped, StatusAlreadyLong, StatusAlreadyShort, StatusInactive} {
		assert.True(t, s.Terminal(), s)
	}
	assert.True(t, StatusInactive.Skip())
	assert.False(t, StatusFailed.Skip())
}

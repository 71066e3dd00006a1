package paper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-core/pkg/broker"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestRoundTripLong(t *testing.T) {
	ctx := context.Background()
	b := New(Config{InitialEquity: d("10000")}, nil)
	b.SetQuote("AAPL", d("99.5"), d("100"))

	h, err := b.SubmitMarketOrder(ctx, broker.OrderRequest{Symbol: "AAPL", Side: broker.SideBuy, Notional: d("5000"), ClientOrderID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "t1", h.ClientOrderID)

	st, err := b.GetOrderStatus(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, broker.StateFilled, st.State)
	assert.Equal(t, "50", st.FilledQty.String())
	assert.Equal(t, "100", st.FilledAvgPrice.String())

	pos, err := b.GetPosition(ctx, "AAPL")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, "50", pos.Qty.String())

	b.SetQuote("AAPL", d("102"), d("102.1"))
	ch, err := b.ClosePosition(ctx, "AAPL", "t2")
	require.NoError(t, err)
	st, err = b.GetOrderStatus(ctx, ch)
	require.NoError(t, err)
	assert.Equal(t, "102", st.FilledAvgPrice.String())

	pos, err = b.GetPosition(ctx, "AAPL")
	require.NoError(t, err)
	assert.Nil(t, pos)
	assert.Equal(t, "100", b.Realized().String())

	acct, err := b.GetAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, "10100", acct.Equity.String())
}

func TestShortAndClose(t *testing.T) {
	ctx := context.Background()
	b := New(Config{InitialEquity: d("1000")}, nil)
	b.SetQuote("BTCUSDT", d("100"), d("101"))

	_, err := b.SubmitMarketOrder(ctx, broker.OrderRequest{Symbol: "BTCUSDT", Side: broker.SideSell, Qty: d("2")})
	require.NoError(t, err)
	pos, _ := b.GetPosition(ctx, "BTCUSDT")
	assert.Equal(t, "-2", pos.Qty.String())

	b.SetQuote("BTCUSDT", d("90"), d("91"))
	_, err = b.ClosePosition(ctx, "BTCUSDT", "")
	require.NoError(t, err)
	assert.Equal(t, "18", b.Realized().String())
}

func TestSlippageIsAdverse(t *testing.T) {
	ctx := context.Background()
	b := New(Config{SlippageBps: 50, Seed: 7}, nil)
	b.SetQuote("X", d("100"), d("100"))

	h, err := b.SubmitMarketOrder(ctx, broker.OrderRequest{Symbol: "X", Side: broker.SideBuy, Qty: d("1")})
	require.NoError(t, err)
	st, _ := b.GetOrderStatus(ctx, h)
	assert.True(t, st.FilledAvgPrice.GreaterThanOrEqual(d("100")))
	assert.True(t, st.FilledAvgPrice.LessThanOrEqual(d("100.5")))
}

type stubQuotes struct{ err error }

func (s stubQuotes) GetQuote(_ context.Context, symbol string) (broker.Quote, error) {
	if s.err != nil {
		return broker.Quote{}, s.err
	}
	return broker.Quote{Symbol: symbol, Bid: decimal.NewFromInt(10), Ask: decimal.NewFromInt(11)}, nil
}

func TestUpstreamQuotes(t *testing.T) {
	ctx := context.Background()

	q, err := New(Config{}, stubQuotes{}).GetQuote(ctx, "ETH")
	require.NoError(t, err)
	assert.Equal(t, "11", q.Ask.String())

	_, err = New(Config{}, stubQuotes{err: errors.New("down")}).GetQuote(ctx, "ETH")
	assert.True(t, broker.IsBrokerError(err))

	_, err = New(Config{}, nil).GetQuote(ctx, "ETH")
	assert.True(t, broker.IsBrokerError(err))
}

func TestErrors(t *testing.T) {
	ctx := context.Background()
	b := New(Config{}, nil)

	_, err := b.ClosePosition(ctx, "AAPL", "")
	assert.True(t, broker.IsBrokerError(err))

	_, err = b.GetOrderStatus(ctx, broker.OrderHandle{ID: "nope"})
	assert.True(t, broker.IsBrokerError(err))
	assert.True(t, broker.IsOrderNotFound(err))
	assert.ErrorIs(t, err, broker.ErrOrderNotFound)
}

// Two bots on one symbol share the client; closes and fills must not race.
func TestConcurrentCloseAndFill(t *testing.T) {
	ctx := context.Background()
	b := New(Config{InitialEquity: d("100000")}, nil)
	b.SetQuote("ETHUSDT", d("2000"), d("2001"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := b.SubmitMarketOrder(ctx, broker.OrderRequest{Symbol: "ETHUSDT", Side: broker.SideBuy, Qty: d("1")})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			// A flat book is a valid answer here.
			_, _ = b.ClosePosition(ctx, "ETHUSDT", "")
		}()
	}
	wg.Wait()

	acct, err := b.GetAccount(ctx)
	require.NoError(t, err)
	assert.True(t, acct.Equity.IsPositive())
}

func TestLatencyHonoursContext(t *testing.T) {
	b := New(Config{LatencyMin: time.Second, LatencyMax: time.Second}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := b.GetAccount(ctx)
	assert.True(t, broker.IsBrokerError(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

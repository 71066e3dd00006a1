package binancefut

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"signal-core/pkg/broker"
)

func TestMapStatus(t *testing.T) {
	tests := map[futures.OrderStatusType]broker.OrderState{
		futures.OrderStatusTypeNew:             broker.StateNew,
		futures.OrderStatusTypePartiallyFilled: broker.StatePartiallyFilled,
		futures.OrderStatusTypeFilled:          broker.StateFilled,
		futures.OrderStatusTypeCanceled:        broker.StateCanceled,
		futures.OrderStatusTypeRejected:        broker.StateRejected,
		futures.OrderStatusTypeExpired:         broker.StateExpired,
	}
	for in, want := range tests {
		assert.Equal(t, want, mapStatus(in), string(in))
	}
}

func TestToSideType(t *testing.T) {
	assert.Equal(t, futures.SideTypeBuy, toSideType(broker.SideBuy))
	assert.Equal(t, futures.SideTypeSell, toSideType(broker.SideSell))
}

func TestParseHelpers(t *testing.T) {
	assert.Equal(t, "-0.015", parseDecimal("-0.01500").String())
	assert.True(t, parseDecimal("").IsZero())
	assert.True(t, parseDecimal("garbage").IsZero())

	assert.Equal(t, int64(1700000000000), msToTime(1700000000000).UnixMilli())
	assert.WithinDuration(t, time.Now(), msToTime(0), time.Minute)
}

func TestSubmitRejectsDustBeforeNetwork(t *testing.T) {
	c := New(Config{APIKey: "k", APISecret: "s", QtyPrecision: 3}, zap.NewNop())

	_, err := c.SubmitMarketOrder(context.Background(), broker.OrderRequest{
		Symbol: "BTCUSDT",
		Side:   broker.SideBuy,
		Qty:    decimal.RequireFromString("0.0004"),
	})
	assert.True(t, broker.IsBrokerError(err))
	assert.Contains(t, err.Error(), "rounds to zero")

	open, err := c.MarketOpen(context.Background())
	assert.NoError(t, err)
	assert.True(t, open)
}

func TestEndpointIsPerClient(t *testing.T) {
	live := New(Config{APIKey: "k", APISecret: "s"}, zap.NewNop())
	test := New(Config{APIKey: "k", APISecret: "s", Testnet: true}, zap.NewNop())

	assert.False(t, futures.UseTestnet)
	assert.Equal(t, futures.BaseApiMainUrl, live.api.BaseURL)
	assert.Equal(t, futures.BaseApiTestnetUrl, test.api.BaseURL)
}

func TestGetOrderStatusUnknownOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/order", r.URL.Path)
		assert.Equal(t, "6f1c", r.URL.Query().Get("origClientOrderId"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2013,"msg":"Order does not exist."}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", APISecret: "s", BaseURL: srv.URL}, zap.NewNop())
	_, err := c.GetOrderStatus(context.Background(), broker.OrderHandle{ClientOrderID: "6f1c", Symbol: "BTCUSDT"})
	require.Error(t, err)
	assert.True(t, broker.IsOrderNotFound(err))
	assert.ErrorIs(t, err, broker.ErrOrderNotFound)

	var be *broker.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "-2013", be.Code)
	assert.Equal(t, http.StatusNotFound, be.Status)
}

func TestGetOrderStatusOtherAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1021,"msg":"Timestamp for this request is outside of the recvWindow."}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", APISecret: "s", BaseURL: srv.URL}, zap.NewNop())
	_, err := c.GetOrderStatus(context.Background(), broker.OrderHandle{ID: "42", Symbol: "BTCUSDT"})
	require.Error(t, err)
	assert.False(t, broker.IsOrderNotFound(err))

	var be *broker.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "-1021", be.Code)
	assert.Zero(t, be.Status)
}

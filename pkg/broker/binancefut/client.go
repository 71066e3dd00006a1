// Package binancefut adapts Binance USDT-M perpetual futures to broker.Client
// through the go-binance SDK.
package binancefut

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signal-core/pkg/broker"
)

const name = "binance-futures"

// codeUnknownOrder is Binance's "Order does not exist." error code.
const codeUnknownOrder = -2013

// Config configures the adapter.
type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool
	// BaseURL overrides the REST endpoint picked from Testnet.
	BaseURL string
	Timeout time.Duration
	// QtyPrecision is the number of decimals orders are rounded down to.
	QtyPrecision int32
}

// Client implements broker.Client for USDT-M futures. Futures trade around
// the clock, so MarketOpen is always true.
type Client struct {
	api       *futures.Client
	timeout   time.Duration
	precision int32
	logger    *zap.Logger
}

var _ broker.Client = (*Client)(nil)

// New creates a futures client. The endpoint is set on the client itself so
// testnet and live users can share a process.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.QtyPrecision <= 0 {
		cfg.QtyPrecision = 3
	}
	api := futures.NewClient(cfg.APIKey, cfg.APISecret)
	api.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	switch {
	case cfg.BaseURL != "":
		api.SetApiEndpoint(cfg.BaseURL)
	case cfg.Testnet:
		api.SetApiEndpoint(futures.BaseApiTestnetUrl)
	default:
		api.SetApiEndpoint(futures.BaseApiMainUrl)
	}
	return &Client{
		api:       api,
		timeout:   cfg.Timeout,
		precision: cfg.QtyPrecision,
		logger:    logger.With(zap.String("broker", name)),
	}
}

func (c *Client) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// GetPosition sums the position-risk rows for symbol (one-way or hedge mode).
func (c *Client) GetPosition(ctx context.Context, symbol string) (*broker.Position, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	risks, err := c.api.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, broker.Wrap(name, "get_position", err)
	}
	qty := decimal.Zero
	var entry decimal.Decimal
	for _, r := range risks {
		if r == nil || r.Symbol != symbol {
			continue
		}
		amt := parseDecimal(r.PositionAmt)
		if amt.IsZero() {
			continue
		}
		qty = qty.Add(amt)
		entry = parseDecimal(r.EntryPrice)
	}
	if qty.IsZero() {
		return nil, nil
	}
	return &broker.Position{Symbol: symbol, Qty: qty, AvgEntryPrice: entry}, nil
}

// GetQuote reads the book ticker.
func (c *Client) GetQuote(ctx context.Context, symbol string) (broker.Quote, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	tickers, err := c.api.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return broker.Quote{}, broker.Wrap(name, "get_quote", err)
	}
	for _, t := range tickers {
		if t != nil && t.Symbol == symbol {
			return broker.Quote{
				Symbol: symbol,
				Bid:    parseDecimal(t.BidPrice),
				Ask:    parseDecimal(t.AskPrice),
				At:     time.Now().UTC(),
			}, nil
		}
	}
	return broker.Quote{}, &broker.Error{Op: "get_quote", Broker: name, Err: fmt.Errorf("no book ticker for %s", symbol)}
}

// SubmitMarketOrder places a MARKET order by quantity; notional is not
// supported on futures so Qty must be set.
func (c *Client) SubmitMarketOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderHandle, error) {
	qty := req.Qty.RoundFloor(c.precision)
	if !qty.IsPositive() {
		return broker.OrderHandle{}, &broker.Error{Op: "submit_order", Broker: name, Err: fmt.Errorf("quantity %s rounds to zero", req.Qty)}
	}
	return c.placeMarket(ctx, "submit_order", req.Symbol, req.Side, qty, false, req.ClientOrderID)
}

// ClosePosition sends a reduce-only market order for the full position.
func (c *Client) ClosePosition(ctx context.Context, symbol, clientOrderID string) (broker.OrderHandle, error) {
	pos, err := c.GetPosition(ctx, symbol)
	if err != nil {
		return broker.OrderHandle{}, broker.Wrap(name, "close_position", err)
	}
	if pos == nil {
		return broker.OrderHandle{}, &broker.Error{Op: "close_position", Broker: name, Err: fmt.Errorf("no open position in %s", symbol)}
	}
	side := broker.SideSell
	if pos.Qty.IsNegative() {
		side = broker.SideBuy
	}
	return c.placeMarket(ctx, "close_position", symbol, side, pos.Qty.Abs(), true, clientOrderID)
}

func (c *Client) placeMarket(ctx context.Context, op, symbol string, side broker.Side, qty decimal.Decimal, reduceOnly bool, clientOrderID string) (broker.OrderHandle, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	svc := c.api.NewCreateOrderService().
		Symbol(symbol).
		Side(toSideType(side)).
		Type(futures.OrderTypeMarket).
		Quantity(qty.String())
	if reduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if clientOrderID != "" {
		svc = svc.NewClientOrderID(clientOrderID)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return broker.OrderHandle{}, broker.Wrap(name, op, err)
	}
	c.logger.Info("order submitted",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("qty", qty.String()),
		zap.Bool("reduce_only", reduceOnly),
		zap.Int64("order_id", res.OrderID),
	)
	return broker.OrderHandle{
		ID:            strconv.FormatInt(res.OrderID, 10),
		ClientOrderID: res.ClientOrderID,
		Symbol:        symbol,
		SubmittedAt:   msToTime(res.UpdateTime),
	}, nil
}

// GetOrderStatus queries an order by id, or by client order id when the id is unknown.
func (c *Client) GetOrderStatus(ctx context.Context, h broker.OrderHandle) (broker.OrderStatus, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	svc := c.api.NewGetOrderService().Symbol(h.Symbol)
	if h.ID == "" {
		svc = svc.OrigClientOrderID(h.ClientOrderID)
	} else {
		id, err := strconv.ParseInt(h.ID, 10, 64)
		if err != nil {
			return broker.OrderStatus{}, &broker.Error{Op: "get_order", Broker: name, Err: fmt.Errorf("bad order id %q: %w", h.ID, err)}
		}
		svc = svc.OrderID(id)
	}
	o, err := svc.Do(ctx)
	if err != nil {
		return broker.OrderStatus{}, wrapAPI("get_order", err)
	}
	st := broker.OrderStatus{
		State:          mapStatus(o.Status),
		FilledQty:      parseDecimal(o.ExecutedQuantity),
		FilledAvgPrice: parseDecimal(o.AvgPrice),
	}
	if st.State == broker.StateFilled {
		st.FilledAt = msToTime(o.UpdateTime)
	}
	if st.State == broker.StateRejected || st.State == broker.StateCanceled || st.State == broker.StateExpired {
		st.Reason = "binance status " + string(o.Status)
	}
	return st, nil
}

// GetAccount reports margin balance as equity and available balance as buying power.
func (c *Client) GetAccount(ctx context.Context) (broker.Account, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	acct, err := c.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return broker.Account{}, broker.Wrap(name, "get_account", err)
	}
	return broker.Account{
		Equity:      parseDecimal(acct.TotalMarginBalance),
		BuyingPower: parseDecimal(acct.AvailableBalance),
	}, nil
}

// MarketOpen is always true for perpetual futures.
func (c *Client) MarketOpen(context.Context) (bool, error) { return true, nil }

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	return broker.Wrap(name, "ping", c.api.NewPingService().Do(ctx))
}

// wrapAPI keeps Binance's error code and marks unknown orders as not found.
func wrapAPI(op string, err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return broker.Wrap(name, op, err)
	}
	be := &broker.Error{Op: op, Broker: name, Code: strconv.FormatInt(apiErr.Code, 10), Err: err}
	if apiErr.Code == codeUnknownOrder {
		be.Status = http.StatusNotFound
		be.Err = fmt.Errorf("%w: %s", broker.ErrOrderNotFound, apiErr.Message)
	}
	return be
}

func toSideType(s broker.Side) futures.SideType {
	if s == broker.SideBuy {
		return futures.SideTypeBuy
	}
	return futures.SideTypeSell
}

func mapStatus(s futures.OrderStatusType) broker.OrderState {
	switch s {
	case futures.OrderStatusTypeFilled:
		return broker.StateFilled
	case futures.OrderStatusTypePartiallyFilled:
		return broker.StatePartiallyFilled
	case futures.OrderStatusTypeRejected:
		return broker.StateRejected
	case futures.OrderStatusTypeCanceled:
		return broker.StateCanceled
	case futures.OrderStatusTypeExpired:
		return broker.StateExpired
	default:
		return broker.StateNew
	}
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func msToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}

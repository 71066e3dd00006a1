// Package alpaca adapts the Alpaca trading and market-data REST APIs to broker.Client.
package alpaca

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"signal-core/pkg/broker"
)

const name = "alpaca"

// Config configures the adapter.
type Config struct {
	APIKey    string
	APISecret string
	BaseURL   string // trading API, e.g. https://paper-api.alpaca.markets
	DataURL   string // market data API, e.g. https://data.alpaca.markets
	Timeout   time.Duration
	RateLimit float64 // requests per second
	Burst     int
}

// Client is an Alpaca REST client. It implements broker.Client.
type Client struct {
	trading *resty.Client
	data    *resty.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ broker.Client = (*Client)(nil)

// New creates an Alpaca client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	newResty := func(base string) *resty.Client {
		return resty.New().
			SetBaseURL(strings.TrimRight(base, "/")).
			SetTimeout(cfg.Timeout).
			SetHeader("APCA-API-KEY-ID", cfg.APIKey).
			SetHeader("APCA-API-SECRET-KEY", cfg.APISecret).
			SetHeader("Accept", "application/json")
	}

	return &Client{
		trading: newResty(cfg.BaseURL),
		data:    newResty(cfg.DataURL),
		limiter: rate.NewLimiter(limit, cfg.Burst),
		logger:  logger.With(zap.String("broker", name)),
	}
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type positionDTO struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	Side          string          `json:"side"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
}

type quoteDTO struct {
	Symbol string `json:"symbol"`
	Quote  struct {
		Bid decimal.Decimal `json:"bp"`
		Ask decimal.Decimal `json:"ap"`
		At  time.Time       `json:"t"`
	} `json:"quote"`
}

type orderDTO struct {
	ID             string          `json:"id"`
	ClientOrderID  string          `json:"client_order_id"`
	Symbol         string          `json:"symbol"`
	Status         string          `json:"status"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	FilledAvgPrice decimal.Decimal `json:"filled_avg_price"`
	SubmittedAt    time.Time       `json:"submitted_at"`
	FilledAt       *time.Time      `json:"filled_at"`
}

type orderRequestDTO struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	Qty           string `json:"qty,omitempty"`
	Notional      string `json:"notional,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

type accountDTO struct {
	Equity      decimal.Decimal `json:"equity"`
	BuyingPower decimal.Decimal `json:"buying_power"`
	Status      string          `json:"status"`
}

type clockDTO struct {
	IsOpen bool `json:"is_open"`
}

// GetPosition returns nil when Alpaca reports no position (HTTP 404).
func (c *Client) GetPosition(ctx context.Context, symbol string) (*broker.Position, error) {
	var out positionDTO
	resp, err := c.do(ctx, "get_position", c.trading.R().SetResult(&out), http.MethodGet, "/v2/positions/"+url.PathEscape(symbol), http.StatusNotFound)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	qty := out.Qty
	// Alpaca reports short quantities as negative already; the side field is the fallback.
	if strings.EqualFold(out.Side, "short") && qty.IsPositive() {
		qty = qty.Neg()
	}
	return &broker.Position{Symbol: out.Symbol, Qty: qty, AvgEntryPrice: out.AvgEntryPrice}, nil
}

// GetQuote reads the latest NBBO quote from the market-data API.
func (c *Client) GetQuote(ctx context.Context, symbol string) (broker.Quote, error) {
	var out quoteDTO
	if _, err := c.do(ctx, "get_quote", c.data.R().SetResult(&out), http.MethodGet, "/v2/stocks/"+url.PathEscape(symbol)+"/quotes/latest"); err != nil {
		return broker.Quote{}, err
	}
	if !out.Quote.Bid.IsPositive() || !out.Quote.Ask.IsPositive() {
		return broker.Quote{}, &broker.Error{Op: "get_quote", Broker: name, Err: fmt.Errorf("empty quote for %s", symbol)}
	}
	return broker.Quote{Symbol: symbol, Bid: out.Quote.Bid, Ask: out.Quote.Ask, At: out.Quote.At}, nil
}

// SubmitMarketOrder buys by notional when one is given. Sells (short opens)
// use whole shares because Alpaca rejects fractional short sales.
func (c *Client) SubmitMarketOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderHandle, error) {
	body := orderRequestDTO{
		Symbol:        req.Symbol,
		Side:          strings.ToLower(string(req.Side)),
		Type:          "market",
		TimeInForce:   "day",
		ClientOrderID: req.ClientOrderID,
	}
	switch {
	case req.Side == broker.SideBuy && req.Notional.IsPositive():
		body.Notional = req.Notional.StringFixed(2)
	case req.Side == broker.SideSell:
		whole := req.Qty.Floor()
		if !whole.IsPositive() {
			return broker.OrderHandle{}, &broker.Error{Op: "submit_order", Broker: name, Err: fmt.Errorf("short quantity %s rounds to zero shares", req.Qty)}
		}
		body.Qty = whole.String()
	default:
		if !req.Qty.IsPositive() {
			return broker.OrderHandle{}, &broker.Error{Op: "submit_order", Broker: name, Err: errors.New("order needs a notional or a quantity")}
		}
		body.Qty = req.Qty.String()
	}

	var out orderDTO
	if _, err := c.do(ctx, "submit_order", c.trading.R().SetBody(body).SetResult(&out), http.MethodPost, "/v2/orders"); err != nil {
		return broker.OrderHandle{}, err
	}
	c.logger.Info("order submitted",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("order_id", out.ID),
		zap.String("client_order_id", out.ClientOrderID),
	)
	return handleFrom(out), nil
}

// GetOrderStatus reads one order by broker id, or by client order id when the
// broker id is unknown.
func (c *Client) GetOrderStatus(ctx context.Context, h broker.OrderHandle) (broker.OrderStatus, error) {
	var out orderDTO
	req := c.trading.R().SetResult(&out)
	path := "/v2/orders/" + url.PathEscape(h.ID)
	if h.ID == "" {
		req.SetQueryParam("client_order_id", h.ClientOrderID)
		path = "/v2/orders:by_client_order_id"
	}
	if _, err := c.do(ctx, "get_order", req, http.MethodGet, path); err != nil {
		return broker.OrderStatus{}, err
	}
	st := broker.OrderStatus{
		State:          mapStatus(out.Status),
		FilledQty:      out.FilledQty,
		FilledAvgPrice: out.FilledAvgPrice,
	}
	if out.FilledAt != nil {
		st.FilledAt = *out.FilledAt
	}
	if st.State == broker.StateRejected || st.State == broker.StateCanceled || st.State == broker.StateExpired {
		st.Reason = "alpaca status " + out.Status
	}
	return st, nil
}

// ClosePosition liquidates the position with DELETE /v2/positions/{symbol}.
func (c *Client) ClosePosition(ctx context.Context, symbol, clientOrderID string) (broker.OrderHandle, error) {
	var out orderDTO
	if _, err := c.do(ctx, "close_position", c.trading.R().SetResult(&out), http.MethodDelete, "/v2/positions/"+url.PathEscape(symbol)); err != nil {
		return broker.OrderHandle{}, err
	}
	h := handleFrom(out)
	if h.ClientOrderID == "" {
		h.ClientOrderID = clientOrderID
	}
	return h, nil
}

// GetAccount returns equity and buying power.
func (c *Client) GetAccount(ctx context.Context) (broker.Account, error) {
	var out accountDTO
	if _, err := c.do(ctx, "get_account", c.trading.R().SetResult(&out), http.MethodGet, "/v2/account"); err != nil {
		return broker.Account{}, err
	}
	return broker.Account{Equity: out.Equity, BuyingPower: out.BuyingPower}, nil
}

// MarketOpen reads the exchange clock.
func (c *Client) MarketOpen(ctx context.Context) (bool, error) {
	var out clockDTO
	if _, err := c.do(ctx, "get_clock", c.trading.R().SetResult(&out), http.MethodGet, "/v2/clock"); err != nil {
		return false, err
	}
	return out.IsOpen, nil
}

// Ping checks credentials and connectivity.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.GetAccount(ctx)
	return err
}

// do executes one request: wait for the limiter, run it once, map failures to *broker.Error.
// Status codes listed in allow are returned to the caller instead of being treated as errors.
func (c *Client) do(ctx context.Context, op string, req *resty.Request, method, path string, allow ...int) (*resty.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &broker.Error{Op: op, Broker: name, Err: fmt.Errorf("rate limiter wait: %w", err)}
	}

	var apiErr apiError
	req.SetContext(ctx).SetError(&apiErr)

	c.logger.Debug("request", zap.String("op", op), zap.String("method", method), zap.String("path", path))
	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, &broker.Error{Op: op, Broker: name, Err: err}
	}
	for _, code := range allow {
		if resp.StatusCode() == code {
			return resp, nil
		}
	}
	if resp.IsError() {
		msg := apiErr.Message
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		be := &broker.Error{Op: op, Broker: name, Status: resp.StatusCode(), Err: errors.New(msg)}
		if apiErr.Code != 0 {
			be.Code = fmt.Sprint(apiErr.Code)
		}
		return nil, be
	}
	return resp, nil
}

func handleFrom(o orderDTO) broker.OrderHandle {
	submitted := o.SubmittedAt
	if submitted.IsZero() {
		submitted = time.Now().UTC()
	}
	return broker.OrderHandle{ID: o.ID, ClientOrderID: o.ClientOrderID, Symbol: o.Symbol, SubmittedAt: submitted}
}

func mapStatus(s string) broker.OrderState {
	switch strings.ToLower(s) {
	case "filled":
		return broker.StateFilled
	case "partially_filled":
		return broker.StatePartiallyFilled
	case "rejected":
		return broker.StateRejected
	case "canceled", "done_for_day", "stopped", "suspended":
		return broker.StateCanceled
	case "expired":
		return broker.StateExpired
	default:
		// new, accepted, pending_new, accepted_for_bidding, calculated, ...
		return broker.StateNew
	}
}

// Package broker defines the stable contract the execution engine uses to talk
// to a brokerage, independent of which venue sits behind it.
//
// Adapters never retry: a failed call returns a *Error and the caller decides.
// Each adapter bounds every call with its own timeout.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Client is implemented by every broker adapter.
type Client interface {
	// GetPosition returns the open position for symbol, or nil when flat.
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	GetQuote(ctx context.Context, symbol string) (Quote, error)
	SubmitMarketOrder(ctx context.Context, req OrderRequest) (OrderHandle, error)
	// GetOrderStatus looks the order up by ID, or by ClientOrderID when ID is empty.
	GetOrderStatus(ctx context.Context, handle OrderHandle) (OrderStatus, error)
	// ClosePosition flattens the whole position in symbol with a market order.
	ClosePosition(ctx context.Context, symbol, clientOrderID string) (OrderHandle, error)
	GetAccount(ctx context.Context) (Account, error)
	// MarketOpen reports whether the venue is currently in its regular session.
	MarketOpen(ctx context.Context) (bool, error)
	Ping(ctx context.Context) error
}

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the side that reduces a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderState is the broker's view of an order's lifecycle.
type OrderState string

const (
	StateNew             OrderState = "NEW"
	StatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	StateFilled          OrderState = "FILLED"
	StateRejected        OrderState = "REJECTED"
	StateCanceled        OrderState = "CANCELED"
	StateExpired         OrderState = "EXPIRED"
)

// Terminal reports whether no further fills can happen.
func (s OrderState) Terminal() bool {
	switch s {
	case StateFilled, StateRejected, StateCanceled, StateExpired:
		return true
	}
	return false
}

// Position is the broker's authoritative holding. Qty is signed: negative means short.
type Position struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
}

// Quote is the top of book at a point in time.
type Quote struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	At     time.Time       `json:"at"`
}

// Spread returns ask minus bid.
func (q Quote) Spread() decimal.Decimal {
	return q.Ask.Sub(q.Bid)
}

// OrderRequest describes a market order. When Notional is set the adapter may
// size by notional; Qty is always filled in as the quantity fallback.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Notional      decimal.Decimal
	Qty           decimal.Decimal
	ClientOrderID string
}

// OrderHandle identifies a submitted order.
type OrderHandle struct {
	ID            string    `json:"id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// OrderStatus is a snapshot of an order's progress.
type OrderStatus struct {
	State          OrderState      `json:"state"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	FilledAvgPrice decimal.Decimal `json:"filled_avg_price"`
	FilledAt       time.Time       `json:"filled_at"`
	Reason         string          `json:"reason,omitempty"`
}

// Account is the buying-power snapshot used by the risk governor.
type Account struct {
	Equity      decimal.Decimal `json:"equity"`
	BuyingPower decimal.Decimal `json:"buying_power"`
}

// Error is returned by every adapter call that fails.
type Error struct {
	Op     string // adapter operation, e.g. "submit_order"
	Broker string
	Status int    // HTTP status when known
	Code   string // venue error code when known
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s", e.Broker, e.Op)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (http %d)", e.Status)
	}
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap converts err into a *Error unless it already is one.
func Wrap(brokerName, op string, err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	return &Error{Op: op, Broker: brokerName, Err: err}
}

// ErrOrderNotFound is wrapped by adapters when the venue answers that an
// order does not exist.
var ErrOrderNotFound = errors.New("order not found")

// IsOrderNotFound reports whether err is a definitive "no such order" answer.
// A 404 from an order lookup counts even when the adapter did not wrap
// ErrOrderNotFound.
func IsOrderNotFound(err error) bool {
	if errors.Is(err, ErrOrderNotFound) {
		return true
	}
	var be *Error
	return errors.As(err, &be) && be.Op == "get_order" && be.Status == http.StatusNotFound
}

// IsBrokerError reports whether err came from an adapter.
func IsBrokerError(err error) bool {
	var be *Error
	return errors.As(err, &be)
}

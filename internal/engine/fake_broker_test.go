package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"signal-core/pkg/broker"
)

// scriptedBroker is an in-process broker double. Orders fill at the scripted
// price unless a status script overrides what polling sees.
type scriptedBroker struct {
	mu        sync.Mutex
	quotes    map[string]broker.Quote
	positions map[string]broker.Position
	orders    map[string]*fakeOrder
	submitted []broker.OrderRequest
	closes    []string
	seq       int

	// fillPrice overrides the fill price; zero fills at the expected side of the quote.
	fillPrice decimal.Decimal
	// script is consumed one entry per status poll across all orders.
	script      []broker.OrderState
	submitErr   error
	positionErr error
	statusErr   error
	// unknownErr replaces the default 404 for orders the broker never saw.
	unknownErr error
	// onCloseFilled runs when a closing order first reports FILLED.
	onCloseFilled func()

	inflight    atomic.Int32
	maxInflight atomic.Int32
	submitDelay time.Duration
}

type fakeOrder struct {
	req     broker.OrderRequest
	price   decimal.Decimal
	qty     decimal.Decimal
	filled  bool
	closing bool
}

func newScriptedBroker() *scriptedBroker {
	return &scriptedBroker{
		quotes:    make(map[string]broker.Quote),
		positions: make(map[string]broker.Position),
		orders:    make(map[string]*fakeOrder),
	}
}

func (b *scriptedBroker) setQuote(symbol, bid, ask string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotes[symbol] = broker.Quote{
		Symbol: symbol,
		Bid:    decimal.RequireFromString(bid),
		Ask:    decimal.RequireFromString(ask),
		At:     time.Now(),
	}
}

func (b *scriptedBroker) setPosition(symbol, qty, entry string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions[symbol] = broker.Position{
		Symbol:        symbol,
		Qty:           decimal.RequireFromString(qty),
		AvgEntryPrice: decimal.RequireFromString(entry),
	}
}

func (b *scriptedBroker) submissions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.submitted) + len(b.closes)
}

// live fails calls made on a finished context, like a real HTTP adapter.
func live(ctx context.Context, op string) error {
	return broker.Wrap("fake", op, ctx.Err())
}

func (b *scriptedBroker) GetPosition(ctx context.Context, symbol string) (*broker.Position, error) {
	if err := live(ctx, "get_position"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.positionErr != nil {
		return nil, b.positionErr
	}
	p, ok := b.positions[symbol]
	if !ok || p.Qty.IsZero() {
		return nil, nil
	}
	return &p, nil
}

func (b *scriptedBroker) GetQuote(ctx context.Context, symbol string) (broker.Quote, error) {
	if err := live(ctx, "get_quote"); err != nil {
		return broker.Quote{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.quotes[symbol]
	if !ok {
		return broker.Quote{}, &broker.Error{Op: "get_quote", Broker: "fake", Err: fmt.Errorf("no quote for %s", symbol)}
	}
	return q, nil
}

func (b *scriptedBroker) enter() func() {
	n := b.inflight.Add(1)
	for {
		m := b.maxInflight.Load()
		if n <= m || b.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}
	if b.submitDelay > 0 {
		time.Sleep(b.submitDelay)
	}
	return func() { b.inflight.Add(-1) }
}

func (b *scriptedBroker) SubmitMarketOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderHandle, error) {
	if err := live(ctx, "submit_order"); err != nil {
		return broker.OrderHandle{}, err
	}
	defer b.enter()()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return broker.OrderHandle{}, b.submitErr
	}
	q := b.quotes[req.Symbol]
	price := b.fillPrice
	if price.IsZero() {
		price = q.Ask
		if req.Side == broker.SideSell {
			price = q.Bid
		}
	}
	b.submitted = append(b.submitted, req)
	return b.newOrderLocked(req, price, req.Qty), nil
}

func (b *scriptedBroker) ClosePosition(ctx context.Context, symbol, clientOrderID string) (broker.OrderHandle, error) {
	if err := live(ctx, "close_position"); err != nil {
		return broker.OrderHandle{}, err
	}
	defer b.enter()()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return broker.OrderHandle{}, b.submitErr
	}
	p, ok := b.positions[symbol]
	if !ok || p.Qty.IsZero() {
		return broker.OrderHandle{}, &broker.Error{Op: "close_position", Broker: "fake", Status: 404, Err: errors.New("no position")}
	}
	side := broker.SideSell
	if p.Qty.IsNegative() {
		side = broker.SideBuy
	}
	q := b.quotes[symbol]
	price := b.fillPrice
	if price.IsZero() {
		price = q.Bid
		if side == broker.SideBuy {
			price = q.Ask
		}
	}
	b.closes = append(b.closes, symbol)
	req := broker.OrderRequest{Symbol: symbol, Side: side, Qty: p.Qty.Abs(), ClientOrderID: clientOrderID}
	h := b.newOrderLocked(req, price, p.Qty.Abs())
	b.orders[h.ID].closing = true
	return h, nil
}

func (b *scriptedBroker) newOrderLocked(req broker.OrderRequest, price, qty decimal.Decimal) broker.OrderHandle {
	b.seq++
	id := fmt.Sprintf("ord-%d", b.seq)
	if req.Notional.IsPositive() {
		qty = req.Notional.Div(price).Truncate(6)
	}
	b.orders[id] = &fakeOrder{req: req, price: price, qty: qty}
	return broker.OrderHandle{ID: id, ClientOrderID: req.ClientOrderID, Symbol: req.Symbol, SubmittedAt: time.Now()}
}

func (b *scriptedBroker) GetOrderStatus(ctx context.Context, h broker.OrderHandle) (broker.OrderStatus, error) {
	if err := live(ctx, "get_order"); err != nil {
		return broker.OrderStatus{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.statusErr != nil {
		return broker.OrderStatus{}, b.statusErr
	}
	o, ok := b.orders[h.ID]
	if !ok {
		if b.unknownErr != nil {
			return broker.OrderStatus{}, b.unknownErr
		}
		return broker.OrderStatus{}, &broker.Error{Op: "get_order", Broker: "fake", Status: 404, Err: errors.New("unknown order")}
	}
	state := broker.StateFilled
	if len(b.script) > 0 {
		state, b.script = b.script[0], b.script[1:]
	}
	switch state {
	case broker.StateFilled:
		if !o.filled {
			o.filled = true
			b.applyFillLocked(o)
			if o.closing && b.onCloseFilled != nil {
				b.onCloseFilled()
			}
		}
		return broker.OrderStatus{State: state, FilledQty: o.qty, FilledAvgPrice: o.price, FilledAt: time.Now()}, nil
	case broker.StatePartiallyFilled:
		return broker.OrderStatus{State: state, FilledQty: o.qty.Div(decimal.NewFromInt(2)), FilledAvgPrice: o.price}, nil
	case broker.StateRejected:
		return broker.OrderStatus{State: state, Reason: "insufficient buying power"}, nil
	default:
		return broker.OrderStatus{State: state}, nil
	}
}

func (b *scriptedBroker) applyFillLocked(o *fakeOrder) {
	signed := o.qty
	if o.req.Side == broker.SideSell {
		signed = signed.Neg()
	}
	p := b.positions[o.req.Symbol]
	p.Symbol = o.req.Symbol
	if p.Qty.IsZero() {
		p.AvgEntryPrice = o.price
	}
	p.Qty = p.Qty.Add(signed)
	if p.Qty.IsZero() {
		p.AvgEntryPrice = decimal.Zero
	}
	b.positions[o.req.Symbol] = p
}

func (b *scriptedBroker) GetAccount(context.Context) (broker.Account, error) {
	return broker.Account{Equity: decimal.NewFromInt(100000), BuyingPower: decimal.NewFromInt(100000)}, nil
}

func (b *scriptedBroker) MarketOpen(context.Context) (bool, error) { return true, nil }

func (b *scriptedBroker) Ping(context.Context) error { return nil }

// staticBrokers hands the same client to every user.
type staticBrokers struct {
	client    broker.Client
	getErr    error
	failures  atomic.Int32
	successes atomic.Int32
}

func (s *staticBrokers) Get(context.Context, string) (broker.Client, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.client, nil
}

func (s *staticBrokers) RecordFailure(string) { s.failures.Add(1) }
func (s *staticBrokers) RecordSuccess(string) { s.successes.Add(1) }

// Package paper is an in-memory simulated broker for dry runs.
// Orders fill immediately at the touch plus a random slippage of up to
// SlippageBps; positions, cash and realized P&L are tracked per symbol.
package paper

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"signal-core/pkg/broker"
)

const name = "paper"

// QuoteSource supplies prices; a live adapter can be plugged in so dry runs
// trade against real quotes.
type QuoteSource interface {
	GetQuote(ctx context.Context, symbol string) (broker.Quote, error)
}

// Config tunes the simulation.
type Config struct {
	InitialEquity decimal.Decimal
	SlippageBps   float64
	LatencyMin    time.Duration
	LatencyMax    time.Duration
	Seed          int64 // 0 seeds from the clock
}

type position struct {
	qty   decimal.Decimal // signed
	entry decimal.Decimal
}

// Broker implements broker.Client.
type Broker struct {
	mu        sync.Mutex
	cfg       Config
	upstream  QuoteSource
	quotes    map[string]broker.Quote
	positions map[string]*position
	orders    map[string]broker.OrderStatus
	byClient  map[string]string
	cash      decimal.Decimal
	realized  decimal.Decimal
	rng       *rand.Rand
}

var _ broker.Client = (*Broker)(nil)

// New creates a paper broker. upstream may be nil, in which case quotes must be set with SetQuote.
func New(cfg Config, upstream QuoteSource) *Broker {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.LatencyMax > 0 && cfg.LatencyMin > cfg.LatencyMax {
		cfg.LatencyMin, cfg.LatencyMax = cfg.LatencyMax, cfg.LatencyMin
	}
	return &Broker{
		cfg:       cfg,
		upstream:  upstream,
		quotes:    make(map[string]broker.Quote),
		positions: make(map[string]*position),
		orders:    make(map[string]broker.OrderStatus),
		byClient:  make(map[string]string),
		cash:      cfg.InitialEquity,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// SetQuote pins the quote used for symbol.
func (b *Broker) SetQuote(symbol string, bid, ask decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotes[symbol] = broker.Quote{Symbol: symbol, Bid: bid, Ask: ask, At: time.Now().UTC()}
}

// Realized returns the realized P&L accumulated by closes.
func (b *Broker) Realized() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.realized
}

func (b *Broker) GetPosition(ctx context.Context, symbol string) (*broker.Position, error) {
	if err := b.latency(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[symbol]
	if !ok || p.qty.IsZero() {
		return nil, nil
	}
	return &broker.Position{Symbol: symbol, Qty: p.qty, AvgEntryPrice: p.entry}, nil
}

func (b *Broker) GetQuote(ctx context.Context, symbol string) (broker.Quote, error) {
	if err := b.latency(ctx); err != nil {
		return broker.Quote{}, err
	}
	return b.quote(ctx, symbol)
}

func (b *Broker) quote(ctx context.Context, symbol string) (broker.Quote, error) {
	b.mu.Lock()
	q, ok := b.quotes[symbol]
	b.mu.Unlock()
	if ok {
		return q, nil
	}
	if b.upstream == nil {
		return broker.Quote{}, &broker.Error{Op: "get_quote", Broker: name, Err: fmt.Errorf("no quote for %s", symbol)}
	}
	q, err := b.upstream.GetQuote(ctx, symbol)
	if err != nil {
		return broker.Quote{}, broker.Wrap(name, "get_quote", err)
	}
	return q, nil
}

func (b *Broker) SubmitMarketOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderHandle, error) {
	if err := b.latency(ctx); err != nil {
		return broker.OrderHandle{}, err
	}
	q, err := b.quote(ctx, req.Symbol)
	if err != nil {
		return broker.OrderHandle{}, err
	}

	price := b.fillPrice(q, req.Side)
	qty := req.Qty
	if req.Notional.IsPositive() {
		qty = req.Notional.Div(price).Round(8)
	}
	if !qty.IsPositive() {
		return broker.OrderHandle{}, &broker.Error{Op: "submit_order", Broker: name, Err: fmt.Errorf("order size is zero")}
	}
	return b.fill(req.Symbol, req.Side, qty, price, req.ClientOrderID), nil
}

func (b *Broker) ClosePosition(ctx context.Context, symbol, clientOrderID string) (broker.OrderHandle, error) {
	if err := b.latency(ctx); err != nil {
		return broker.OrderHandle{}, err
	}
	b.mu.Lock()
	qty := decimal.Zero
	if p, ok := b.positions[symbol]; ok {
		qty = p.qty
	}
	b.mu.Unlock()
	if qty.IsZero() {
		return broker.OrderHandle{}, &broker.Error{Op: "close_position", Broker: name, Status: 404, Err: fmt.Errorf("no position in %s", symbol)}
	}
	q, err := b.quote(ctx, symbol)
	if err != nil {
		return broker.OrderHandle{}, err
	}
	side := broker.SideSell
	if qty.IsNegative() {
		side = broker.SideBuy
	}
	return b.fill(symbol, side, qty.Abs(), b.fillPrice(q, side), clientOrderID), nil
}

func (b *Broker) GetOrderStatus(ctx context.Context, h broker.OrderHandle) (broker.OrderStatus, error) {
	if err := b.latency(ctx); err != nil {
		return broker.OrderStatus{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id := h.ID
	if id == "" {
		id = b.byClient[h.ClientOrderID]
	}
	st, ok := b.orders[id]
	if !ok {
		return broker.OrderStatus{}, &broker.Error{Op: "get_order", Broker: name, Status: 404, Err: fmt.Errorf("%w: %s", broker.ErrOrderNotFound, h.ID)}
	}
	return st, nil
}

// GetAccount marks open positions at their entry price.
func (b *Broker) GetAccount(ctx context.Context) (broker.Account, error) {
	if err := b.latency(ctx); err != nil {
		return broker.Account{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	equity := b.cash
	for _, p := range b.positions {
		equity = equity.Add(p.qty.Mul(p.entry))
	}
	return broker.Account{Equity: equity, BuyingPower: b.cash}, nil
}

func (b *Broker) MarketOpen(context.Context) (bool, error) { return true, nil }

func (b *Broker) Ping(context.Context) error { return nil }

func (b *Broker) fillPrice(q broker.Quote, side broker.Side) decimal.Decimal {
	b.mu.Lock()
	noise := 0.0
	if b.cfg.SlippageBps > 0 {
		noise = b.rng.Float64() * b.cfg.SlippageBps / 10000
	}
	b.mu.Unlock()
	slip := decimal.NewFromFloat(noise)
	if side == broker.SideBuy {
		return q.Ask.Mul(decimal.NewFromInt(1).Add(slip)).Round(8)
	}
	return q.Bid.Mul(decimal.NewFromInt(1).Sub(slip)).Round(8)
}

// fill applies a signed trade to the book and records a FILLED order.
func (b *Broker) fill(symbol string, side broker.Side, qty, price decimal.Decimal, clientOrderID string) broker.OrderHandle {
	b.mu.Lock()
	defer b.mu.Unlock()

	signed := qty
	if side == broker.SideSell {
		signed = qty.Neg()
	}
	p := b.positions[symbol]
	if p == nil {
		p = &position{}
		b.positions[symbol] = p
	}

	switch {
	case p.qty.IsZero() || p.qty.Sign() == signed.Sign():
		// Opening or adding: weighted average entry.
		total := p.qty.Add(signed)
		p.entry = p.entry.Mul(p.qty.Abs()).Add(price.Mul(qty)).Div(total.Abs()).Round(8)
		p.qty = total
	default:
		closing := decimal.Min(qty, p.qty.Abs())
		pnl := price.Sub(p.entry).Mul(closing)
		if p.qty.IsNegative() {
			pnl = pnl.Neg()
		}
		b.realized = b.realized.Add(pnl)
		p.qty = p.qty.Add(signed)
		if p.qty.IsZero() {
			p.entry = decimal.Zero
		} else if p.qty.Sign() == signed.Sign() {
			p.entry = price
		}
	}
	b.cash = b.cash.Sub(signed.Mul(price))

	now := time.Now().UTC()
	id := uuid.NewString()
	b.orders[id] = broker.OrderStatus{
		State:          broker.StateFilled,
		FilledQty:      qty,
		FilledAvgPrice: price,
		FilledAt:       now,
	}
	if clientOrderID != "" {
		b.byClient[clientOrderID] = id
	}
	return broker.OrderHandle{ID: id, ClientOrderID: clientOrderID, Symbol: symbol, SubmittedAt: now}
}

func (b *Broker) latency(ctx context.Context) error {
	lo, hi := b.cfg.LatencyMin, b.cfg.LatencyMax
	if hi <= 0 {
		return broker.Wrap(name, "latency", ctx.Err())
	}
	delay := lo
	if span := hi - lo; span > 0 {
		b.mu.Lock()
		delay += time.Duration(b.rng.Int63n(int64(span) + 1))
		b.mu.Unlock()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return &broker.Error{Op: "latency", Broker: name, Err: ctx.Err()}
	case <-t.C:
		return nil
	}
}

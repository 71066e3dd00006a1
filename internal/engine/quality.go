package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"signal-core/pkg/broker"
)

var (
	bpsFactor = decimal.NewFromInt(10000)
	two       = decimal.NewFromInt(2)
	qtyPlaces = int32(6)
)

// expectedPrice is where a market order on side should transact: the ask when
// buying, the bid when selling.
func expectedPrice(side broker.Side, q broker.Quote) decimal.Decimal {
	if side == broker.SideBuy {
		return q.Ask
	}
	return q.Bid
}

// slippage is filled minus expected. For a buy a positive value is a worse
// fill; for a sell a negative value is.
func slippage(filled, expected decimal.Decimal) decimal.Decimal {
	return filled.Sub(expected)
}

// adverseBps converts slippage into basis points where positive is always
// worse for the trader.
func adverseBps(side broker.Side, slip, expected decimal.Decimal) float64 {
	if expected.IsZero() {
		return 0
	}
	bps := slip.Div(expected).Mul(bpsFactor)
	if side == broker.SideSell {
		bps = bps.Neg()
	}
	return bps.InexactFloat64()
}

// realizedPnl is the profit of closing qty at exit against entry. side is the
// closing order's side: selling closes a long, buying closes a short.
func realizedPnl(side broker.Side, entry, exit, qty decimal.Decimal) decimal.Decimal {
	if side == broker.SideSell {
		return exit.Sub(entry).Mul(qty)
	}
	return entry.Sub(exit).Mul(qty)
}

// sizeQty turns a notional into a quantity at price, truncated to qtyPlaces.
func sizeQty(notional, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	return notional.Div(price).Truncate(qtyPlaces)
}

func mid(q broker.Quote) decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(two)
}

func millisBetween(from, to time.Time) int64 {
	ms := to.Sub(from).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

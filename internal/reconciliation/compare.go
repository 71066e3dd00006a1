// Package reconciliation keeps tracked bot state honest against the broker:
// it classifies broker positions and sweeps trade records left pending.
package reconciliation

import (
	"fmt"

	"github.com/shopspring/decimal"

	"signal-core/internal/bot"
	"signal-core/pkg/broker"
)

// DefaultTolerance is the absolute quantity below which a broker position
// counts as flat.
var DefaultTolerance = decimal.RequireFromString("0.0001")

// InconsistentPositionError reports that the tracked side disagreed with the
// broker. The broker side is authoritative.
type InconsistentPositionError struct {
	Symbol     string
	Local      bot.Side
	Broker     bot.Side
	BrokerQty  decimal.Decimal
	Difference decimal.Decimal
}

func (e *InconsistentPositionError) Error() string {
	return fmt.Sprintf("position mismatch on %s: tracked %s, broker %s (qty %s)",
		e.Symbol, e.Local, e.Broker, e.BrokerQty.String())
}

// SideOf classifies a broker position. Nil or |qty| <= tolerance is flat.
func SideOf(pos *broker.Position, tolerance decimal.Decimal) bot.Side {
	if pos == nil || pos.Qty.Abs().LessThanOrEqual(tolerance) {
		return bot.Flat
	}
	if pos.Qty.IsPositive() {
		return bot.Long
	}
	return bot.Short
}

// Compare returns the broker's side and, when it differs from local, an
// *InconsistentPositionError describing the divergence.
func Compare(symbol string, local bot.Side, pos *broker.Position, tolerance decimal.Decimal) (bot.Side, error) {
	side := SideOf(pos, tolerance)
	if side == local {
		return side, nil
	}
	qty := decimal.Zero
	if pos != nil {
		qty = pos.Qty
	}
	return side, &InconsistentPositionError{
		Symbol:     symbol,
		Local:      local,
		Broker:     side,
		BrokerQty:  qty,
		Difference: qty.Abs(),
	}
}

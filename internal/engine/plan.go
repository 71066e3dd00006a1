package engine

import (
	"fmt"

	"signal-core/internal/bot"
	"signal-core/internal/ledger"
	"signal-core/pkg/broker"
)

// Plan is what one cycle must do at the broker.
type Plan struct {
	// Skip is set for no-op outcomes; nothing else applies then.
	Skip ledger.Status
	// CloseFirst flattens the current position before anything is opened.
	CloseFirst bool
	// Open is the side of the opening order, nil when nothing is opened.
	Open *broker.Side
}

func opens(s broker.Side) Plan {
	return Plan{Open: &s}
}

func reverses(s broker.Side) Plan {
	return Plan{CloseFirst: true, Open: &s}
}

// Decide maps the tracked side and the requested action to a plan.
func Decide(side bot.Side, action Action) (Plan, error) {
	switch side {
	case bot.Flat:
		switch action {
		case ActionBuy:
			return opens(broker.SideBuy), nil
		case ActionSell:
			return opens(broker.SideSell), nil
		case ActionClose:
			return Plan{Skip: ledger.StatusSkipped}, nil
		}
	case bot.Long:
		switch action {
		case ActionBuy:
			return Plan{Skip: ledger.StatusAlreadyLong}, nil
		case ActionSell:
			return reverses(broker.SideSell), nil
		case ActionClose:
			return Plan{CloseFirst: true}, nil
		}
	case bot.Short:
		switch action {
		case ActionBuy:
			return reverses(broker.SideBuy), nil
		case ActionSell:
			return Plan{Skip: ledger.StatusAlreadyShort}, nil
		case ActionClose:
			return Plan{CloseFirst: true}, nil
		}
	}
	return Plan{}, fmt.Errorf("no plan for %s on %s", action, side)
}

// sideAfter is the tracked side once an order on s has filled.
func sideAfter(leg ledger.Leg, s broker.Side) bot.Side {
	switch {
	case leg == ledger.LegClose:
		return bot.Flat
	case s == broker.SideBuy:
		return bot.Long
	default:
		return bot.Short
	}
}

// closingSide is the order side that flattens a position on side.
func closingSide(side bot.Side) broker.Side {
	if side == bot.Short {
		return broker.SideBuy
	}
	return broker.SideSell
}

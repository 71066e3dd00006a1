package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Action is the instruction carried by a signal.
type Action int

const (
	ActionBuy Action = iota + 1
	ActionSell
	ActionClose
)

func (a Action) String() string {
	switch a {
	case ActionBuy:
		return "BUY"
	case ActionSell:
		return "SELL"
	case ActionClose:
		return "CLOSE"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// MarshalText makes Action render as its name in JSON.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// ParseAction accepts BUY, SELL or CLOSE in any case.
func ParseAction(s string) (Action, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return ActionBuy, nil
	case "SELL":
		return ActionSell, nil
	case "CLOSE":
		return ActionClose, nil
	}
	return 0, &ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", s)}
}

// ValidationError is a malformed signal.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

// Signal is one inbound instruction. It lives for a single cycle.
type Signal struct {
	UserID    string
	Action    Action
	Symbol    string
	Timeframe string
	// Price is the sender's price hint. It is logged, never traded on.
	Price      decimal.NullDecimal
	ReceivedAt time.Time
}

// Normalize upper-cases the symbol and trims identifiers.
func (s *Signal) Normalize() {
	s.UserID = strings.TrimSpace(s.UserID)
	s.Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
	s.Timeframe = strings.TrimSpace(s.Timeframe)
}

// Validate returns a *ValidationError for the first bad field.
func (s Signal) Validate() error {
	switch {
	case s.UserID == "":
		return &ValidationError{Field: "user_id", Reason: "required"}
	case s.Action < ActionBuy || s.Action > ActionClose:
		return &ValidationError{Field: "action", Reason: "must be BUY, SELL or CLOSE"}
	case s.Symbol == "":
		return &ValidationError{Field: "symbol", Reason: "required"}
	case s.Timeframe == "":
		return &ValidationError{Field: "timeframe", Reason: "required"}
	case s.Price.Valid && !s.Price.Decimal.IsPositive():
		return &ValidationError{Field: "price", Reason: "must be positive"}
	}
	return nil
}

func (s Signal) key() string {
	return s.UserID + "|" + s.Symbol + "|" + s.Timeframe
}

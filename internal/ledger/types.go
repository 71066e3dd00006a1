// Package ledger is the append/finalize-only audit trail of execution
// attempts and risk events.
package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("trade record not found")
	// ErrAlreadyFinal is returned when finalizing a record that is already terminal.
	ErrAlreadyFinal = errors.New("trade record already finalized")
)

// Status is the lifecycle state of a trade record.
type Status string

const (
	StatusSubmitted       Status = "SUBMITTED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusRejected        Status = "REJECTED"
	StatusFailed          Status = "FAILED"

	// No-op outcomes, written already terminal.
	StatusSkipped      Status = "SKIPPED"
	StatusAlreadyLong  Status = "ALREADY_LONG"
	StatusAlreadyShort Status = "ALREADY_SHORT"
	StatusInactive     Status = "INACTIVE"
)

// Terminal reports whether the record can no longer change.
func (s Status) Terminal() bool {
	switch s {
	case StatusSubmitted, StatusPartiallyFilled:
		return false
	default:
		return true
	}
}

// Skip reports whether s is one of the no-op outcomes.
func (s Status) Skip() bool {
	switch s {
	case StatusSkipped, StatusAlreadyLong, StatusAlreadyShort, StatusInactive:
		return true
	}
	return false
}

// Leg distinguishes the two halves of a reversal.
type Leg string

const (
	LegOpen  Leg = "OPEN"
	LegClose Leg = "CLOSE"
	LegNone  Leg = "NONE" // skipped cycles
)

// Record is one execution attempt.
type Record struct {
	ID                string              `json:"id"`
	BotID             string              `json:"bot_id"`
	UserID            string              `json:"user_id"`
	Symbol            string              `json:"symbol"`
	Timeframe         string              `json:"timeframe"`
	Action            string              `json:"action"`
	Leg               Leg                 `json:"leg"`
	Side              string              `json:"side,omitempty"`
	RequestedQty      decimal.NullDecimal `json:"requested_qty"`
	RequestedNotional decimal.NullDecimal `json:"requested_notional"`
	BrokerOrderID     string              `json:"broker_order_id,omitempty"`
	Status            Status              `json:"status"`
	FilledQty         decimal.NullDecimal `json:"filled_qty"`
	FilledAvgPrice    decimal.NullDecimal `json:"filled_avg_price"`
	Bid               decimal.NullDecimal `json:"bid"`
	Ask               decimal.NullDecimal `json:"ask"`
	Spread            decimal.NullDecimal `json:"spread"`
	ExpectedPrice     decimal.NullDecimal `json:"expected_price"`
	Slippage          decimal.NullDecimal `json:"slippage"`
	SignalToSubmitMs  *int64              `json:"signal_to_submit_ms,omitempty"`
	SubmitToFillMs    *int64              `json:"submit_to_fill_ms,omitempty"`
	MarketOpen        bool                `json:"market_open"`
	RealizedPnl       decimal.NullDecimal `json:"realized_pnl"`
	ErrorDetail       string              `json:"error_detail,omitempty"`
	SignalAt          time.Time           `json:"signal_at"`
	SubmittedAt       time.Time           `json:"submitted_at,omitzero"`
	FinalizedAt       time.Time           `json:"finalized_at,omitzero"`
	CreatedAt         time.Time           `json:"created_at"`
}

// Terminal carries the fields written when a record is finalized.
type Terminal struct {
	Status         Status
	FilledQty      decimal.NullDecimal
	FilledAvgPrice decimal.NullDecimal
	Slippage       decimal.NullDecimal
	SubmitToFillMs *int64
	RealizedPnl    decimal.NullDecimal
	ErrorDetail    string
	FinalizedAt    time.Time
}

// Filter narrows History.
type Filter struct {
	BotID     string
	Symbol    string
	Timeframe string
	Status    Status
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// Page is one page of history, newest first.
type Page struct {
	Records []Record `json:"records"`
	Total   int      `json:"total"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}

// EventType classifies a risk event.
type EventType string

const (
	EventDailyLossLimit       EventType = "DAILY_LOSS_LIMIT"
	EventRiskLimitHit         EventType = "RISK_LIMIT_HIT"
	EventPositionSizeExceeded EventType = "POSITION_SIZE_EXCEEDED"
	EventConnectionError      EventType = "CONNECTION_ERROR"
)

// ActionTaken is what the engine did about a risk event.
type ActionTaken string

const (
	ActionPositionClosed ActionTaken = "POSITION_CLOSED"
	ActionBotDisabled    ActionTaken = "BOT_DISABLED"
	ActionOrderRejected  ActionTaken = "ORDER_REJECTED"
)

// RiskEvent is an immutable record of one breach.
type RiskEvent struct {
	ID        string          `json:"id"`
	BotID     string          `json:"bot_id"`
	UserID    string          `json:"user_id"`
	Type      EventType       `json:"event_type"`
	Threshold decimal.Decimal `json:"threshold"`
	Observed  decimal.Decimal `json:"observed"`
	Action    ActionTaken     `json:"action_taken"`
	Detail    string          `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

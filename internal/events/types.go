package events

import "github.com/shopspring/decimal"

// Event enumerates topics published by the execution engine.
type Event string

const (
	EventTradeFinalized   Event = "trade.finalized"
	EventTradePending     Event = "trade.pending"
	EventSignalSkipped    Event = "signal.skipped"
	EventRiskEvent        Event = "risk.event"
	EventPositionMismatch Event = "position.mismatch"
)

// TradeFinalized is published when a trade record reaches FILLED, REJECTED or FAILED.
type TradeFinalized struct {
	TradeID        string          `json:"trade_id"`
	BotID          string          `json:"bot_id"`
	Symbol         string          `json:"symbol"`
	Timeframe      string          `json:"timeframe"`
	Action         string          `json:"action"`
	Leg            string          `json:"leg"`
	Status         string          `json:"status"`
	BrokerOrderID  string          `json:"broker_order_id,omitempty"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	FilledAvgPrice decimal.Decimal `json:"filled_avg_price"`
	Slippage       decimal.Decimal `json:"slippage"`
	RealizedPnl    decimal.Decimal `json:"realized_pnl"`
	ErrorDetail    string          `json:"error_detail,omitempty"`
}

// TradePending is published when polling ran out before a terminal state.
type TradePending struct {
	TradeID       string `json:"trade_id"`
	BotID         string `json:"bot_id"`
	Symbol        string `json:"symbol"`
	Timeframe     string `json:"timeframe"`
	BrokerOrderID string `json:"broker_order_id"`
}

// SignalSkipped is published for no-op outcomes.
type SignalSkipped struct {
	BotID     string `json:"bot_id,omitempty"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
}

// RiskTriggered mirrors a stored risk event.
type RiskTriggered struct {
	BotID     string          `json:"bot_id"`
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	Type      string          `json:"event_type"`
	Threshold decimal.Decimal `json:"threshold"`
	Observed  decimal.Decimal `json:"observed"`
	Action    string          `json:"action_taken"`
	Detail    string          `json:"detail,omitempty"`
}

// PositionMismatch is published when the tracked side disagreed with the broker.
type PositionMismatch struct {
	BotID      string          `json:"bot_id"`
	Symbol     string          `json:"symbol"`
	Timeframe  string          `json:"timeframe"`
	LocalSide  string          `json:"local_side"`
	BrokerSide string          `json:"broker_side"`
	BrokerQty  decimal.Decimal `json:"broker_qty"`
}

package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// Reason names the limit that vetoed a trade. Values match the risk event types.
type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonDailyLossLimit       Reason = "DAILY_LOSS_LIMIT"
	ReasonPositionSizeExceeded Reason = "POSITION_SIZE_EXCEEDED"
	ReasonRiskLimitHit         Reason = "RISK_LIMIT_HIT"
)

// Level grades how close the bot is to its daily loss limit.
type Level string

const (
	LevelNormal  Level = "NORMAL"
	LevelWarning Level = "WARNING"
	LevelLimit   Level = "LIMIT"
)

// WarningRatio is the share of the daily loss limit at which a warning is raised.
var WarningRatio = decimal.RequireFromString("0.8")

// Limits are the bot's configured thresholds.
type Limits struct {
	DailyLossLimit   decimal.NullDecimal
	MaxPositionSize  decimal.NullDecimal
	RiskLimitPercent decimal.Decimal
}

// Account is the broker account snapshot taken for this cycle.
type Account struct {
	Equity      decimal.Decimal
	BuyingPower decimal.Decimal
}

// Position is the broker position snapshot; Qty is signed and zero when flat.
type Position struct {
	Qty   decimal.Decimal
	Price decimal.Decimal // reference price to value the position
}

// Notional returns the absolute value of the position.
func (p Position) Notional() decimal.Decimal {
	return p.Qty.Abs().Mul(p.Price)
}

// Proposal is the trade the engine wants to make.
type Proposal struct {
	// OpenNotional is the size of the opening leg; zero for a pure close.
	OpenNotional decimal.Decimal
	// ClosesFirst is set when the existing position is flattened before opening.
	ClosesFirst bool
}

// Input bundles everything Evaluate looks at.
type Input struct {
	Limits           Limits
	Account          Account
	Position         Position
	DailyRealizedPnl decimal.Decimal
	Proposal         Proposal
}

// Decision is the outcome of Evaluate. Threshold and Observed are set on denials.
type Decision struct {
	Allowed   bool            `json:"allowed"`
	Reason    Reason          `json:"reason,omitempty"`
	Threshold decimal.Decimal `json:"threshold"`
	Observed  decimal.Decimal `json:"observed"`
	Level     Level           `json:"limit_level"`
	Detail    string          `json:"detail,omitempty"`
}

// TradingDayStart returns local midnight of the day containing now in loc.
func TradingDayStart(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t := now.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

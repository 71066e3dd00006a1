// Package bot persists per (user, symbol, timeframe) bot configuration and the
// position state the execution engine tracks for it.
package bot

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("bot config not found")
	// ErrConflict means the row changed since it was read.
	ErrConflict = errors.New("bot config was modified concurrently")
)

// Side is the tracked directional position.
type Side string

const (
	Flat  Side = "FLAT"
	Long  Side = "LONG"
	Short Side = "SHORT"
)

func (s Side) Valid() bool {
	return s == Flat || s == Long || s == Short
}

// OrderStatus summarises the outcome of the bot's most recent cycle.
type OrderStatus string

const (
	OrderIdle      OrderStatus = ""
	OrderSubmitted OrderStatus = "SUBMITTED"
	OrderPending   OrderStatus = "PENDING"
	OrderFilled    OrderStatus = "FILLED"
	OrderRejected  OrderStatus = "REJECTED"
	OrderFailed    OrderStatus = "FAILED"
	OrderSkipped   OrderStatus = "SKIPPED"
	OrderDisabled  OrderStatus = "DISABLED"
)

// Config is one bot. PositionSize is a notional amount in account currency.
type Config struct {
	ID               string              `json:"id"`
	UserID           string              `json:"user_id"`
	Symbol           string              `json:"symbol"`
	Timeframe        string              `json:"timeframe"`
	PositionSize     decimal.Decimal     `json:"position_size"`
	RiskLimitPercent decimal.Decimal     `json:"risk_limit_percent"`
	DailyLossLimit   decimal.NullDecimal `json:"daily_loss_limit"`
	MaxPositionSize  decimal.NullDecimal `json:"max_position_size"`
	IsActive         bool                `json:"is_active"`
	Side             Side                `json:"current_position_side"`
	OrderStatus      OrderStatus         `json:"order_status"`
	CumulativePnl    decimal.Decimal     `json:"cumulative_pnl"`
	TotalTrades      int64               `json:"total_trades"`
	Version          int64               `json:"version"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// Normalize trims identifiers and upper-cases the symbol.
func (c *Config) Normalize() {
	c.UserID = strings.TrimSpace(c.UserID)
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	c.Timeframe = strings.TrimSpace(c.Timeframe)
}

// Validate checks the user-editable settings.
func (c *Config) Validate() error {
	var errs []error
	if c.UserID == "" {
		errs = append(errs, errors.New("user_id is required"))
	}
	if c.Symbol == "" {
		errs = append(errs, errors.New("symbol is required"))
	}
	if c.Timeframe == "" {
		errs = append(errs, errors.New("timeframe is required"))
	}
	if !c.PositionSize.IsPositive() {
		errs = append(errs, errors.New("position_size must be positive"))
	}
	if c.RiskLimitPercent.IsNegative() || c.RiskLimitPercent.GreaterThan(decimal.NewFromInt(100)) {
		errs = append(errs, fmt.Errorf("risk_limit_percent must be within 0..100, got %s", c.RiskLimitPercent))
	}
	if c.DailyLossLimit.Valid && !c.DailyLossLimit.Decimal.IsPositive() {
		errs = append(errs, errors.New("daily_loss_limit must be positive when set"))
	}
	if c.MaxPositionSize.Valid && !c.MaxPositionSize.Decimal.IsPositive() {
		errs = append(errs, errors.New("max_position_size must be positive when set"))
	}
	return errors.Join(errs...)
}

// Package risk decides whether a proposed trade may proceed. Evaluate is a pure
// function: callers gather the snapshots and act on the Decision.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Evaluate runs the checks in order: daily loss, position size, then the
// per-trade equity limit. Proposals with no opening leg reduce exposure and
// are always allowed.
func Evaluate(in Input) Decision {
	level := dailyLevel(in.Limits.DailyLossLimit, in.DailyRealizedPnl)

	if !in.Proposal.OpenNotional.IsPositive() {
		return Decision{Allowed: true, Level: level}
	}

	if lim := in.Limits.DailyLossLimit; lim.Valid && lim.Decimal.IsPositive() {
		if in.DailyRealizedPnl.LessThanOrEqual(lim.Decimal.Neg()) {
			return Decision{
				Reason:    ReasonDailyLossLimit,
				Threshold: lim.Decimal,
				Observed:  in.DailyRealizedPnl,
				Level:     LevelLimit,
				Detail:    fmt.Sprintf("realized pnl today %s is at or below -%s", in.DailyRealizedPnl, lim.Decimal),
			}
		}
	}

	if maxPos := in.Limits.MaxPositionSize; maxPos.Valid && maxPos.Decimal.IsPositive() {
		resulting := in.Proposal.OpenNotional
		if !in.Proposal.ClosesFirst {
			resulting = resulting.Add(in.Position.Notional())
		}
		if resulting.GreaterThan(maxPos.Decimal) {
			return Decision{
				Reason:    ReasonPositionSizeExceeded,
				Threshold: maxPos.Decimal,
				Observed:  resulting,
				Level:     level,
				Detail:    fmt.Sprintf("resulting position %s exceeds max %s", resulting, maxPos.Decimal),
			}
		}
	}

	if pct := in.Limits.RiskLimitPercent; pct.IsPositive() {
		allowed := in.Account.Equity.Mul(pct).Div(hundred)
		if in.Proposal.OpenNotional.GreaterThan(allowed) {
			return Decision{
				Reason:    ReasonRiskLimitHit,
				Threshold: allowed,
				Observed:  in.Proposal.OpenNotional,
				Level:     level,
				Detail:    fmt.Sprintf("order notional %s exceeds %s%% of equity %s", in.Proposal.OpenNotional, pct, in.Account.Equity),
			}
		}
	}

	return Decision{Allowed: true, Level: level}
}

func dailyLevel(limit decimal.NullDecimal, pnl decimal.Decimal) Level {
	if !limit.Valid || !limit.Decimal.IsPositive() || !pnl.IsNegative() {
		return LevelNormal
	}
	loss := pnl.Neg()
	switch {
	case loss.GreaterThanOrEqual(limit.Decimal):
		return LevelLimit
	case loss.GreaterThanOrEqual(limit.Decimal.Mul(WarningRatio)):
		return LevelWarning
	default:
		return LevelNormal
	}
}

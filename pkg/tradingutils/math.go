// Package tradingutils provides decimal math helpers shared by the grid
// runtime and the parameter optimizer
package tradingutils

import (
	"github.com/shopspring/decimal"
)

// AdjustToStep floors a value to an exchange step (tick size or lot step).
// A zero step returns the value unchanged.
func AdjustToStep(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// AdjustPrice floors a price to the tick size and clamps it to the minimum
func AdjustPrice(price, tickSize, minPrice decimal.Decimal) decimal.Decimal {
	adjusted := AdjustToStep(price, tickSize)
	if adjusted.LessThan(minPrice) {
		return minPrice
	}
	return adjusted
}

// AdjustQuantity floors a quantity to the lot step
func AdjustQuantity(qty, stepSize decimal.Decimal) decimal.Decimal {
	return AdjustToStep(qty, stepSize)
}

// GridNetProfit computes the single-round-trip profit of one grid crossing:
// gross spacing profit minus the taker fee paid on both legs
func GridNetProfit(spacing, quantity, tradeValue, feeRate decimal.Decimal) decimal.Decimal {
	gross := spacing.Mul(quantity)
	fee := tradeValue.Mul(feeRate).Mul(decimal.NewFromInt(2))
	return gross.Sub(fee)
}

// TurnoverRatio is projected daily traded notional over total capital
func TurnoverRatio(tradeValue, dailyFrequency, totalCapital decimal.Decimal) decimal.Decimal {
	if totalCapital.IsZero() {
		return decimal.Zero
	}
	return tradeValue.Mul(dailyFrequency).Div(totalCapital)
}

// QuantityDelta returns |a - b|
func QuantityDelta(a, b decimal.Decimal) decimal.Decimal {
	return a.Sub(b).Abs()
}

// WithinTolerance reports whether actual is within tolerance of expected.
// Used by position-based fill inference.
func WithinTolerance(actual, expected, tolerance decimal.Decimal) bool {
	return QuantityDelta(actual, expected).LessThanOrEqual(tolerance)
}

// Package indicator computes the technical statistics consumed by the
// parameter optimizer: ATR, volatility, moving averages, and Bollinger bands.
package indicator

import (
	"math"

	"grid_trader/internal/core"

	"github.com/shopspring/decimal"
)

// DefaultATRPeriod is the standard ATR lookback
const DefaultATRPeriod = 14

// ATR returns the Average True Range over the given period. With fewer than
// period+1 candles it degrades to the mean high-low range, which keeps short
// histories usable for rough spacing estimates.
func ATR(candles []*core.Candle, period int) decimal.Decimal {
	if len(candles) == 0 {
		return decimal.Zero
	}
	if period <= 0 {
		period = DefaultATRPeriod
	}

	if len(candles) < period+1 {
		sum := decimal.Zero
		for _, c := range candles {
			sum = sum.Add(c.High.Sub(c.Low))
		}
		return sum.Div(decimal.NewFromInt(int64(len(candles))))
	}

	trSum := decimal.Zero
	for i := len(candles) - period; i < len(candles); i++ {
		trSum = trSum.Add(trueRange(candles[i], candles[i-1]))
	}
	return trSum.Div(decimal.NewFromInt(int64(period)))
}

func trueRange(c, prev *core.Candle) decimal.Decimal {
	hl := c.High.Sub(c.Low)
	hc := c.High.Sub(prev.Close).Abs()
	lc := c.Low.Sub(prev.Close).Abs()
	return decimal.Max(hl, decimal.Max(hc, lc))
}

// Volatility returns the coefficient of variation of closes (stdev / mean)
func Volatility(candles []*core.Candle) decimal.Decimal {
	if len(candles) < 2 {
		return decimal.Zero
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close.InexactFloat64()
	}

	mean := meanOf(closes)
	if mean == 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(stdevOf(closes, mean) / mean)
}

// SMA returns the simple moving average of the last period closes
func SMA(candles []*core.Candle, period int) decimal.Decimal {
	if len(candles) == 0 || period <= 0 {
		return decimal.Zero
	}
	if period > len(candles) {
		period = len(candles)
	}

	sum := decimal.Zero
	for _, c := range candles[len(candles)-period:] {
		sum = sum.Add(c.Close)
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}

// BollingerBands returns (upper, middle, lower) over the last period closes
// with the given standard-deviation multiplier
func BollingerBands(candles []*core.Candle, period int, multiplier float64) (decimal.Decimal, decimal.Decimal, decimal.Decimal) {
	if len(candles) == 0 {
		return decimal.Zero, decimal.Zero, decimal.Zero
	}
	if period <= 0 || period > len(candles) {
		period = len(candles)
	}

	closes := make([]float64, period)
	for i, c := range candles[len(candles)-period:] {
		closes[i] = c.Close.InexactFloat64()
	}

	mean := meanOf(closes)
	band := stdevOf(closes, mean) * multiplier

	middle := decimal.NewFromFloat(mean)
	upper := decimal.NewFromFloat(mean + band)
	lower := decimal.NewFromFloat(mean - band)
	return upper, middle, lower
}

func meanOf(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdevOf(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(values)))
}

package optimizer

import (
	"sort"

	"grid_trader/internal/core"
	"grid_trader/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// Sweep bounds per objective, expressed as ATR multiples
var (
	profitMultipleMin  = decimal.NewFromFloat(0.3)
	profitMultipleMax  = decimal.NewFromFloat(5.0)
	profitMultipleStep = decimal.NewFromFloat(0.1)

	costMultipleMin  = decimal.NewFromFloat(0.1)
	costMultipleMax  = decimal.NewFromFloat(2.0)
	costMultipleStep = decimal.NewFromFloat(0.05)

	boundaryMultipleMax  = decimal.NewFromFloat(10.0)
	boundaryMultipleMin  = decimal.NewFromFloat(0.5)
	boundaryMultipleStep = decimal.NewFromFloat(0.2)

	tradeValueStep = decimal.NewFromInt(2)
)

// Spacing caps as a fraction of the support/resistance range
var (
	profitRangeCap   = decimal.NewFromFloat(0.5)
	costRangeCap     = decimal.NewFromFloat(0.3)
	boundaryRangeCap = decimal.NewFromFloat(0.8)
)

// sweepEnv carries the fixed context of one candidate sweep
type sweepEnv struct {
	req     Request
	info    *core.SymbolInfo
	klines  []*core.Candle
	market  MarketSnapshot
	perDay  decimal.Decimal
	feeRate decimal.Decimal
}

func (e *sweepEnv) priceRange() decimal.Decimal {
	return e.market.Resistance.Sub(e.market.Support)
}

// evaluate builds a fully derived candidate, or nil when the pair violates
// exchange filters
func (e *sweepEnv) evaluate(spacing, multiple, tradeValue decimal.Decimal) *Candidate {
	if !spacing.IsPositive() || e.market.AveragePrice.IsZero() {
		return nil
	}

	qty := tradingutils.AdjustQuantity(tradeValue.Div(e.market.AveragePrice), e.info.StepSize)
	if !qty.IsPositive() {
		return nil
	}
	if e.info.MaxQty.IsPositive() && qty.GreaterThan(e.info.MaxQty) {
		return nil
	}
	if e.info.MinQty.IsPositive() && qty.LessThan(e.info.MinQty) {
		return nil
	}

	fee := tradeValue.Mul(e.feeRate).Mul(decimal.NewFromInt(2))
	net := tradingutils.GridNetProfit(spacing, qty, tradeValue, e.feeRate)

	perKline := EstimateFrequency(e.klines, spacing, e.market.Support, e.market.Resistance)
	daily := perKline.Mul(e.perDay)

	return &Candidate{
		Spacing:           spacing,
		ATRMultiple:       multiple,
		TradeValue:        tradeValue,
		TradeQuantity:     qty,
		FeePerTrade:       fee,
		NetProfitPerTrade: net,
		DailyFrequency:    daily,
		DailyProfit:       net.Mul(daily),
		DailyFee:          fee.Mul(daily),
		TurnoverRatio:     tradingutils.TurnoverRatio(tradeValue, daily, e.req.TotalCapital),
	}
}

// adjustSpacing floors a raw spacing to the tick size and clamps it to the
// minimum price increment
func (e *sweepEnv) adjustSpacing(raw decimal.Decimal) decimal.Decimal {
	spacing := tradingutils.AdjustToStep(raw, e.info.TickSize)
	if e.info.TickSize.IsPositive() && spacing.LessThan(e.info.TickSize) {
		spacing = e.info.TickSize
	}
	return spacing
}

// sweepProfit maximizes projected daily profit. Constraints: strictly
// positive single-trade net profit and turnover ratio within the cap.
func (e *sweepEnv) sweepProfit() []Candidate {
	var found []Candidate
	rangeCap := e.priceRange().Mul(profitRangeCap)

	for m := profitMultipleMin; m.LessThanOrEqual(profitMultipleMax); m = m.Add(profitMultipleStep) {
		spacing := e.adjustSpacing(e.market.ATR.Mul(m))
		if spacing.GreaterThan(rangeCap) || spacing.LessThan(e.info.MinPrice) {
			continue
		}

		for tv := e.req.MinTradeValue; tv.LessThanOrEqual(e.req.MaxTradeValue); tv = tv.Add(tradeValueStep) {
			c := e.evaluate(spacing, m, tv)
			if c == nil {
				continue
			}
			if !c.NetProfitPerTrade.IsPositive() {
				continue
			}
			if c.TurnoverRatio.GreaterThan(MaxTurnoverRatio) {
				continue
			}
			found = append(found, *c)
		}
	}

	sort.SliceStable(found, func(i, j int) bool {
		return found[i].DailyProfit.GreaterThan(found[j].DailyProfit)
	})
	return top(found, 5)
}

// sweepCost maximizes capital rotation: efficiency is the turnover ratio
// discounted by any per-trade loss. Net profit may be zero but not negative.
func (e *sweepEnv) sweepCost() []Candidate {
	var found []Candidate
	rangeCap := e.priceRange().Mul(costRangeCap)

	for m := costMultipleMin; m.LessThanOrEqual(costMultipleMax); m = m.Add(costMultipleStep) {
		spacing := e.adjustSpacing(e.market.ATR.Mul(m))
		if spacing.GreaterThan(rangeCap) || spacing.LessThan(e.info.MinPrice) {
			continue
		}

		for tv := e.req.MinTradeValue; tv.LessThanOrEqual(e.req.MaxTradeValue); tv = tv.Add(tradeValueStep) {
			c := e.evaluate(spacing, m, tv)
			if c == nil {
				continue
			}
			if c.NetProfitPerTrade.IsNegative() {
				continue
			}
			if c.TurnoverRatio.GreaterThan(MaxTurnoverRatio) {
				continue
			}
			found = append(found, *c)
		}
	}

	sort.SliceStable(found, func(i, j int) bool {
		return efficiency(found[i]).GreaterThan(efficiency(found[j]))
	})
	return top(found, 3)
}

// sweepBoundary holds trade value at its minimum and walks spacing from wide
// to narrow, minimizing daily frequency. Used to produce a low-activity
// configuration for when price has left the expected range.
func (e *sweepEnv) sweepBoundary() []Candidate {
	var found []Candidate
	rangeCap := e.priceRange().Mul(boundaryRangeCap)
	spacingFloor := decimal.Max(e.market.AveragePrice.Mul(decimal.NewFromFloat(0.001)), e.info.MinPrice)

	for m := boundaryMultipleMax; m.GreaterThanOrEqual(boundaryMultipleMin); m = m.Sub(boundaryMultipleStep) {
		spacing := e.adjustSpacing(e.market.ATR.Mul(m))
		if spacing.GreaterThan(rangeCap) || spacing.LessThan(spacingFloor) {
			continue
		}

		c := e.evaluate(spacing, m, e.req.MinTradeValue)
		if c == nil {
			continue
		}
		if c.NetProfitPerTrade.IsNegative() {
			continue
		}
		found = append(found, *c)
	}

	sort.SliceStable(found, func(i, j int) bool {
		return found[i].DailyFrequency.LessThan(found[j].DailyFrequency)
	})
	return top(found, 3)
}

func efficiency(c Candidate) decimal.Decimal {
	lossPenalty := decimal.Zero
	if c.NetProfitPerTrade.IsNegative() && c.TradeValue.IsPositive() {
		lossPenalty = c.NetProfitPerTrade.Neg().Div(c.TradeValue)
	}
	return c.TurnoverRatio.Div(decimal.NewFromInt(1).Add(lossPenalty))
}

func top(candidates []Candidate, n int) []Candidate {
	if len(candidates) > n {
		return candidates[:n]
	}
	return candidates
}

// assessRisk combines the volatility bucket, leverage bucket, and the spacing
// to volatility ratio into a weighted score mapped to a discrete label
func assessRisk(market MarketSnapshot, recommended Candidate, leverage int) RiskAssessment {
	var volScore float64
	switch market.VolatilityLevel {
	case "high":
		volScore = 0.8
	case "medium":
		volScore = 0.5
	default:
		volScore = 0.2
	}

	if leverage <= 0 {
		leverage = 20
	}
	var levScore float64
	switch {
	case leverage <= 5:
		levScore = 0.2
	case leverage <= 20:
		levScore = 0.5
	default:
		levScore = 0.8
	}

	// Narrow spacing relative to volatility trades more often into noise
	ratioScore := 0.2
	if market.Volatility.IsPositive() && market.CurrentPrice.IsPositive() {
		spacingPct := recommended.Spacing.Div(market.CurrentPrice)
		ratio, _ := spacingPct.Div(market.Volatility).Float64()
		switch {
		case ratio < 0.1:
			ratioScore = 0.8
		case ratio < 0.3:
			ratioScore = 0.5
		}
	}

	score := volScore*0.3 + levScore*0.4 + ratioScore*0.3

	level := "aggressive"
	switch {
	case score < 0.35:
		level = "conservative"
	case score < 0.65:
		level = "balanced"
	}

	return RiskAssessment{Score: score, Level: level}
}

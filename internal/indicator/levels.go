package indicator

import (
	"grid_trader/internal/core"

	"github.com/shopspring/decimal"
)

// Scoring weights for support/resistance candidate selection. Swing points on
// the working timeframe dominate; daily-timeframe agreement, volume clusters,
// moving-average confluence, and proximity to the current price add on top.
const (
	swingWindow      = 5
	dailySwingWindow = 3
	volumeBuckets    = 50

	swingPointBonus     = 60.0
	multiTimeframeBonus = 60.0
	proximityBonus      = 80.0
	volumeConfirmBonus  = 25.0
	maProximityBonus    = 10.0

	confluenceDeviation = 0.003 // 0.3% band for "same level" matching
	minSpreadRatio      = 0.02  // support/resistance must be at least 2% apart
)

// LevelMethod records how a support/resistance pair was derived
type LevelMethod string

const (
	MethodConfluence LevelMethod = "confluence"
	MethodBollinger  LevelMethod = "bollinger_fallback"
)

// Levels is a resolved support/resistance pair
type Levels struct {
	Support    decimal.Decimal
	Resistance decimal.Decimal
	Method     LevelMethod
}

type candidate struct {
	price decimal.Decimal
	score float64
}

// FindLevels derives a support/resistance pair from intraday candles, with
// optional daily candles for multi-timeframe confirmation. When no confluent
// pair with sufficient spread exists, it falls back to a Bollinger ±2σ band.
func FindLevels(candles []*core.Candle, daily []*core.Candle, currentPrice decimal.Decimal) Levels {
	if len(candles) == 0 || currentPrice.IsZero() {
		return Levels{Method: MethodBollinger}
	}

	swingHighs, swingLows := swingPoints(candles, swingWindow)
	dailyHighs, dailyLows := swingPoints(daily, dailySwingWindow)
	clusters := volumeClusters(candles)
	ma := SMA(candles, 20)

	supports := scoreCandidates(swingLows, dailyLows, clusters, ma, currentPrice, true)
	resistances := scoreCandidates(swingHighs, dailyHighs, clusters, ma, currentPrice, false)

	support := bestCandidate(supports)
	resistance := bestCandidate(resistances)

	minSpread := currentPrice.Mul(decimal.NewFromFloat(minSpreadRatio))
	if !support.IsZero() && !resistance.IsZero() && resistance.Sub(support).GreaterThanOrEqual(minSpread) {
		return Levels{Support: support, Resistance: resistance, Method: MethodConfluence}
	}

	// Missing or too-narrow pair: widen with the Bollinger band, keeping any
	// side the confluence scan did resolve.
	upper, _, lower := BollingerBands(candles, 20, 2)
	if support.IsZero() || resistance.Sub(support).LessThan(minSpread) {
		support = lower
	}
	if resistance.IsZero() || resistance.Sub(support).LessThan(minSpread) {
		resistance = upper
	}
	return Levels{Support: support, Resistance: resistance, Method: MethodBollinger}
}

// swingPoints returns local extremes: candles whose high (low) exceeds every
// high (low) within the window on both sides
func swingPoints(candles []*core.Candle, window int) (highs, lows []decimal.Decimal) {
	if len(candles) < window*2+1 {
		return nil, nil
	}

	for i := window; i < len(candles)-window; i++ {
		isHigh, isLow := true, true
		for j := i - window; j <= i+window; j++ {
			if j == i {
				continue
			}
			if candles[j].High.GreaterThanOrEqual(candles[i].High) {
				isHigh = false
			}
			if candles[j].Low.LessThanOrEqual(candles[i].Low) {
				isLow = false
			}
		}
		if isHigh {
			highs = append(highs, candles[i].High)
		}
		if isLow {
			lows = append(lows, candles[i].Low)
		}
	}
	return highs, lows
}

// volumeClusters buckets the traded price range and returns the bucket
// midpoints carrying above-average volume, ordered by volume
func volumeClusters(candles []*core.Candle) []decimal.Decimal {
	if len(candles) == 0 {
		return nil
	}

	low, high := candles[0].Low, candles[0].High
	for _, c := range candles {
		if c.Low.LessThan(low) {
			low = c.Low
		}
		if c.High.GreaterThan(high) {
			high = c.High
		}
	}
	span := high.Sub(low)
	if span.IsZero() {
		return nil
	}

	bucketSize := span.Div(decimal.NewFromInt(volumeBuckets))
	volumes := make([]decimal.Decimal, volumeBuckets)
	total := decimal.Zero
	for _, c := range candles {
		mid := c.High.Add(c.Low).Div(decimal.NewFromInt(2))
		idx := int(mid.Sub(low).Div(bucketSize).IntPart())
		if idx >= volumeBuckets {
			idx = volumeBuckets - 1
		}
		volumes[idx] = volumes[idx].Add(c.Volume)
		total = total.Add(c.Volume)
	}

	avg := total.Div(decimal.NewFromInt(volumeBuckets))
	var clusters []decimal.Decimal
	for i, v := range volumes {
		if v.GreaterThan(avg) {
			mid := low.Add(bucketSize.Mul(decimal.NewFromInt(int64(i)).Add(decimal.NewFromFloat(0.5))))
			clusters = append(clusters, mid)
		}
	}
	return clusters
}

func scoreCandidates(swings, dailySwings, clusters []decimal.Decimal, ma, currentPrice decimal.Decimal, wantBelow bool) []candidate {
	var out []candidate
	for _, price := range swings {
		if wantBelow && price.GreaterThanOrEqual(currentPrice) {
			continue
		}
		if !wantBelow && price.LessThanOrEqual(currentPrice) {
			continue
		}

		score := swingPointBonus
		if nearAny(price, dailySwings) {
			score += multiTimeframeBonus
		}
		if nearAny(price, clusters) {
			score += volumeConfirmBonus
		}
		if !ma.IsZero() && near(price, ma) {
			score += maProximityBonus
		}

		// Closer levels are more actionable for a grid anchored at the
		// current price; scale the proximity bonus by relative distance.
		distance, _ := price.Sub(currentPrice).Abs().Div(currentPrice).Float64()
		if distance < 0.1 {
			score += proximityBonus * (1 - distance/0.1)
		}

		out = append(out, candidate{price: price, score: score})
	}
	return out
}

func bestCandidate(candidates []candidate) decimal.Decimal {
	best := decimal.Zero
	bestScore := 0.0
	for _, c := range candidates {
		if c.score > bestScore {
			best = c.price
			bestScore = c.score
		}
	}
	return best
}

func near(a, b decimal.Decimal) bool {
	if b.IsZero() {
		return false
	}
	return a.Sub(b).Abs().Div(b).LessThanOrEqual(decimal.NewFromFloat(confluenceDeviation))
}

func nearAny(price decimal.Decimal, levels []decimal.Decimal) bool {
	for _, l := range levels {
		if near(price, l) {
			return true
		}
	}
	return false
}

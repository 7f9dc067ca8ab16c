package optimizer

import (
	"context"
	"math"
	"testing"
	"time"

	"grid_trader/internal/core"
	"grid_trader/internal/mock"
	apperrors "grid_trader/pkg/errors"
	"grid_trader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// oscillatingCandles produces a sine-wave price series around a base price so
// swing points, volatility, and grid crossings all exist
func oscillatingCandles(n int, base, amplitude float64) []*core.Candle {
	candles := make([]*core.Candle, 0, n)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		mid := base + amplitude*math.Sin(float64(i)/5.0)
		candles = append(candles, &core.Candle{
			Symbol:    "TESTUSDT",
			OpenTime:  start.Add(time.Duration(i) * time.Hour),
			CloseTime: start.Add(time.Duration(i+1) * time.Hour),
			Open:      decimal.NewFromFloat(mid - 1),
			High:      decimal.NewFromFloat(mid + 2),
			Low:       decimal.NewFromFloat(mid - 2),
			Close:     decimal.NewFromFloat(mid),
			Volume:    decimal.NewFromInt(1000),
			IsClosed:  true,
		})
	}
	return candles
}

func newTestOptimizer(t *testing.T) (*Optimizer, *mock.Exchange) {
	t.Helper()

	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	exchange := mock.NewExchange()
	exchange.SetSymbolInfo(mock.DefaultSymbolInfo("TESTUSDT"))
	exchange.SetMarkPrice("TESTUSDT", decimal.NewFromInt(100))
	exchange.SetKlines("TESTUSDT", "1h", oscillatingCandles(100, 100, 8))
	exchange.SetKlines("TESTUSDT", "1d", oscillatingCandles(30, 100, 10))

	return New(exchange, logger), exchange
}

func baseRequest() Request {
	return Request{
		Symbol:        "TESTUSDT",
		Interval:      "1h",
		TotalCapital:  decimal.NewFromInt(1000),
		Objective:     ObjectiveProfit,
		MinTradeValue: decimal.NewFromInt(10),
		MaxTradeValue: decimal.NewFromInt(50),
		Leverage:      20,
	}
}

func TestOptimize_ProfitObjectiveSatisfiesConstraints(t *testing.T) {
	opt, _ := newTestOptimizer(t)

	result, err := opt.Optimize(context.Background(), baseRequest())
	require.NoError(t, err)
	require.NotEmpty(t, result.Candidates)

	rec := result.Recommended
	assert.True(t, rec.NetProfitPerTrade.IsPositive(), "net profit = %s", rec.NetProfitPerTrade)
	assert.True(t, rec.TurnoverRatio.LessThanOrEqual(MaxTurnoverRatio), "turnover = %s", rec.TurnoverRatio)
	assert.True(t, rec.Spacing.IsPositive())
	assert.True(t, rec.TradeQuantity.IsPositive())

	// Spacing within half the support/resistance range
	priceRange := result.Market.Resistance.Sub(result.Market.Support)
	assert.True(t, rec.Spacing.LessThanOrEqual(priceRange.Mul(decimal.NewFromFloat(0.5))))

	// Ranking is by projected daily profit, descending
	for i := 1; i < len(result.Candidates); i++ {
		assert.True(t, result.Candidates[i-1].DailyProfit.GreaterThanOrEqual(result.Candidates[i].DailyProfit))
	}
	assert.LessOrEqual(t, len(result.Candidates), 5)

	assert.NotEmpty(t, result.Risk.Level)
	assert.True(t, result.Market.Support.LessThan(result.Market.Resistance))
}

func TestOptimize_MoreCapitalNeverLowersBestDailyProfit(t *testing.T) {
	opt, _ := newTestOptimizer(t)

	small := baseRequest()
	small.TotalCapital = decimal.NewFromInt(100)
	large := baseRequest()
	large.TotalCapital = decimal.NewFromInt(10000)

	smallResult, err := opt.Optimize(context.Background(), small)
	require.NoError(t, err)
	largeResult, err := opt.Optimize(context.Background(), large)
	require.NoError(t, err)

	// A larger capital base relaxes the turnover cap, so the best feasible
	// daily profit cannot shrink
	assert.True(t, largeResult.Recommended.DailyProfit.GreaterThanOrEqual(smallResult.Recommended.DailyProfit),
		"large = %s, small = %s", largeResult.Recommended.DailyProfit, smallResult.Recommended.DailyProfit)
}

func TestOptimize_CostObjectiveAllowsZeroNetProfit(t *testing.T) {
	opt, _ := newTestOptimizer(t)

	req := baseRequest()
	req.Objective = ObjectiveCost

	result, err := opt.Optimize(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, result.Candidates)
	assert.LessOrEqual(t, len(result.Candidates), 3)

	for _, c := range result.Candidates {
		assert.False(t, c.NetProfitPerTrade.IsNegative())
		assert.True(t, c.TurnoverRatio.LessThanOrEqual(MaxTurnoverRatio))
	}
}

func TestOptimize_BoundaryDefenseMinimizesFrequency(t *testing.T) {
	opt, _ := newTestOptimizer(t)

	req := baseRequest()
	req.BoundaryDefense = true

	result, err := opt.Optimize(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result.BoundaryDefense)

	bd := result.BoundaryDefense
	assert.True(t, bd.TradeValue.Equal(req.MinTradeValue))
	assert.False(t, bd.NetProfitPerTrade.IsNegative())
	// The defensive grid trades no more often than the recommendation
	assert.True(t, bd.DailyFrequency.LessThanOrEqual(result.Recommended.DailyFrequency))
}

func TestOptimize_TradeValueBelowLotSizeIsInfeasible(t *testing.T) {
	opt, _ := newTestOptimizer(t)

	// 0.05 USDT at ~100 rounds to zero quantity under a 0.001 step
	req := baseRequest()
	req.MinTradeValue = decimal.RequireFromString("0.05")
	req.MaxTradeValue = decimal.RequireFromString("0.05")

	_, err := opt.Optimize(context.Background(), req)
	require.Error(t, err)
	require.True(t, apperrors.IsInfeasible(err))

	var infeasible *apperrors.InfeasibleError
	require.ErrorAs(t, err, &infeasible)
	assert.True(t, infeasible.Support.LessThan(infeasible.Resistance))
	assert.True(t, infeasible.Capital.Equal(req.TotalCapital))
}

func TestOptimize_ValidatesRequest(t *testing.T) {
	opt, _ := newTestOptimizer(t)

	req := baseRequest()
	req.Symbol = ""
	req.TotalCapital = decimal.Zero

	_, err := opt.Optimize(context.Background(), req)
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
}

func TestOptimize_RequiresKlineHistory(t *testing.T) {
	opt, exchange := newTestOptimizer(t)
	exchange.SetKlines("TESTUSDT", "1h", oscillatingCandles(5, 100, 8))

	_, err := opt.Optimize(context.Background(), baseRequest())
	assert.ErrorIs(t, err, apperrors.ErrInsufficientKlines)
}

func TestOptimize_ToleratesDailyKlineFailure(t *testing.T) {
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	exchange := mock.NewExchange()
	exchange.SetSymbolInfo(mock.DefaultSymbolInfo("TESTUSDT"))
	exchange.SetMarkPrice("TESTUSDT", decimal.NewFromInt(100))
	exchange.SetKlines("TESTUSDT", "1h", oscillatingCandles(100, 100, 8))
	// No daily klines installed: the fetch fails and is tolerated

	opt := New(exchange, logger)
	result, err := opt.Optimize(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, result.Candidates)
}

func TestEstimateFrequency_ClipsToRange(t *testing.T) {
	candles := []*core.Candle{
		{High: decimal.NewFromInt(110), Low: decimal.NewFromInt(100)},
		{High: decimal.NewFromInt(110), Low: decimal.NewFromInt(100)},
	}

	freq := EstimateFrequency(candles,
		decimal.NewFromInt(2), decimal.NewFromInt(100), decimal.NewFromInt(110))
	assert.True(t, freq.Equal(decimal.NewFromInt(5)), "freq = %s", freq)

	// A candle entirely outside the band contributes nothing
	clipped := EstimateFrequency(candles,
		decimal.NewFromInt(2), decimal.NewFromInt(120), decimal.NewFromInt(130))
	assert.True(t, clipped.IsZero())
}

func TestPeriodsPerDay(t *testing.T) {
	assert.True(t, periodsPerDay("1h").Equal(decimal.NewFromInt(24)))
	assert.True(t, periodsPerDay("30m").Equal(decimal.NewFromInt(48)))
	assert.True(t, periodsPerDay("1d").Equal(decimal.NewFromInt(1)))
	assert.True(t, periodsPerDay("1w").Equal(decimal.NewFromInt(24*60).Div(decimal.NewFromInt(60*24*7))))
	assert.True(t, periodsPerDay("nope").IsZero())
	assert.True(t, periodsPerDay("x").IsZero())
}

func TestAssessRisk_Buckets(t *testing.T) {
	market := MarketSnapshot{
		VolatilityLevel: "low",
		Volatility:      decimal.NewFromFloat(0.01),
		CurrentPrice:    decimal.NewFromInt(100),
	}
	// Wide spacing, low leverage: conservative
	rec := Candidate{Spacing: decimal.NewFromInt(1)}
	risk := assessRisk(market, rec, 5)
	assert.Equal(t, "conservative", risk.Level)

	// High volatility and leverage: aggressive
	market.VolatilityLevel = "high"
	market.Volatility = decimal.NewFromFloat(0.08)
	rec.Spacing = decimal.RequireFromString("0.1")
	risk = assessRisk(market, rec, 50)
	assert.Equal(t, "aggressive", risk.Level)
}

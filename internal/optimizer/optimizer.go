// Package optimizer searches grid configurations against recent market data.
// Given a capital budget it sweeps (spacing, trade value) candidates scaled by
// ATR, scores them under the chosen objective, and returns a recommended
// configuration with market context and a risk assessment.
package optimizer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"grid_trader/internal/core"
	"grid_trader/internal/indicator"
	apperrors "grid_trader/pkg/errors"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Objective selects the optimization goal
type Objective string

const (
	// ObjectiveProfit maximizes projected daily profit
	ObjectiveProfit Objective = "profit"
	// ObjectiveCost maximizes capital rotation without losing on single trades
	ObjectiveCost Objective = "cost"
)

// TakerFeeRate is the per-leg taker fee applied twice per grid round trip
var TakerFeeRate = decimal.NewFromFloat(0.0005)

// MaxTurnoverRatio caps projected daily traded notional at a multiple of capital
var MaxTurnoverRatio = decimal.NewFromInt(5)

const (
	intervalKlineLimit = 100
	dailyKlineLimit    = 30
	minKlineHistory    = 11
)

// Request are the inputs of one optimization run
type Request struct {
	Symbol          string
	Interval        string
	TotalCapital    decimal.Decimal
	Objective       Objective
	MinTradeValue   decimal.Decimal
	MaxTradeValue   decimal.Decimal
	Leverage        int
	BoundaryDefense bool
}

// Candidate is one evaluated (spacing, trade value) configuration
type Candidate struct {
	Spacing           decimal.Decimal
	ATRMultiple       decimal.Decimal
	TradeValue        decimal.Decimal
	TradeQuantity     decimal.Decimal
	FeePerTrade       decimal.Decimal
	NetProfitPerTrade decimal.Decimal
	DailyFrequency    decimal.Decimal
	DailyProfit       decimal.Decimal
	DailyFee          decimal.Decimal
	TurnoverRatio     decimal.Decimal
}

// MarketSnapshot is the market context an optimization was computed against
type MarketSnapshot struct {
	Symbol          string
	CurrentPrice    decimal.Decimal
	AveragePrice    decimal.Decimal
	ATR             decimal.Decimal
	Volatility      decimal.Decimal
	VolatilityLevel string
	Support         decimal.Decimal
	Resistance      decimal.Decimal
	LevelMethod     indicator.LevelMethod
}

// RiskAssessment is the weighted risk score for the recommended configuration
type RiskAssessment struct {
	Score float64
	Level string
}

// Result is the immutable outcome of one optimization request
type Result struct {
	Market          MarketSnapshot
	Recommended     Candidate
	Candidates      []Candidate
	BoundaryDefense *Candidate
	Risk            RiskAssessment
	ComputedAt      time.Time
}

// Optimizer computes grid parameter recommendations
type Optimizer struct {
	exchange core.IExchange
	logger   core.ILogger
}

// New creates a parameter optimizer
func New(exchange core.IExchange, logger core.ILogger) *Optimizer {
	return &Optimizer{
		exchange: exchange,
		logger:   logger.WithField("component", "optimizer"),
	}
}

// Optimize runs the full pipeline: fetch market data, compute indicators,
// sweep candidates under the requested objective, and assemble the result.
// Infeasibility is returned as *apperrors.InfeasibleError with the computed
// price band as diagnostic context.
func (o *Optimizer) Optimize(ctx context.Context, req Request) (*Result, error) {
	if err := o.validate(req); err != nil {
		return nil, err
	}

	info, err := o.fetchSymbolInfo(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	var klines, daily []*core.Candle
	var markPrice decimal.Decimal

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var ferr error
		klines, ferr = o.exchange.GetHistoricalKlines(gctx, req.Symbol, req.Interval, intervalKlineLimit)
		return ferr
	})
	g.Go(func() error {
		// Daily candles only add multi-timeframe confirmation; tolerate failure
		var ferr error
		daily, ferr = o.exchange.GetHistoricalKlines(gctx, req.Symbol, "1d", dailyKlineLimit)
		if ferr != nil {
			o.logger.Warn("Daily kline fetch failed, using single timeframe", "symbol", req.Symbol, "error", ferr)
			daily = nil
		}
		return nil
	})
	g.Go(func() error {
		var ferr error
		markPrice, ferr = o.exchange.GetMarkPrice(gctx, req.Symbol)
		if ferr != nil {
			markPrice = decimal.Zero
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to fetch kline history: %w", err)
	}

	if len(klines) < minKlineHistory {
		return nil, fmt.Errorf("%w: got %d candles for %s %s", apperrors.ErrInsufficientKlines, len(klines), req.Symbol, req.Interval)
	}

	if markPrice.IsZero() {
		markPrice = klines[len(klines)-1].Close
	}

	atr := indicator.ATR(klines, indicator.DefaultATRPeriod)
	volatility := indicator.Volatility(klines)
	avgPrice := indicator.SMA(klines, len(klines))
	levels := indicator.FindLevels(klines, daily, markPrice)

	market := MarketSnapshot{
		Symbol:          req.Symbol,
		CurrentPrice:    markPrice,
		AveragePrice:    avgPrice,
		ATR:             atr,
		Volatility:      volatility,
		VolatilityLevel: volatilityLevel(volatility),
		Support:         levels.Support,
		Resistance:      levels.Resistance,
		LevelMethod:     levels.Method,
	}

	env := sweepEnv{
		req:     req,
		info:    info,
		klines:  klines,
		market:  market,
		perDay:  periodsPerDay(req.Interval),
		feeRate: TakerFeeRate,
	}

	var ranked []Candidate
	switch req.Objective {
	case ObjectiveCost:
		ranked = env.sweepCost()
	default:
		ranked = env.sweepProfit()
	}

	if len(ranked) == 0 {
		return nil, &apperrors.InfeasibleError{
			Support:    levels.Support,
			Resistance: levels.Resistance,
			Volatility: volatility,
			Capital:    req.TotalCapital,
		}
	}

	result := &Result{
		Market:      market,
		Recommended: ranked[0],
		Candidates:  ranked,
		Risk:        assessRisk(market, ranked[0], req.Leverage),
		ComputedAt:  time.Now(),
	}

	if req.BoundaryDefense {
		if bd := env.sweepBoundary(); len(bd) > 0 {
			result.BoundaryDefense = &bd[0]
		}
	}

	o.logger.Info("Optimization complete",
		"symbol", req.Symbol,
		"objective", string(req.Objective),
		"spacing", result.Recommended.Spacing.String(),
		"trade_value", result.Recommended.TradeValue.String(),
		"daily_profit", result.Recommended.DailyProfit.String(),
		"risk_level", result.Risk.Level,
	)
	return result, nil
}

func (o *Optimizer) validate(req Request) error {
	var problems []string
	if req.Symbol == "" {
		problems = append(problems, "symbol is required")
	}
	if !req.TotalCapital.IsPositive() {
		problems = append(problems, "total capital must be positive")
	}
	if !req.MinTradeValue.IsPositive() {
		problems = append(problems, "min trade value must be positive")
	}
	if req.MaxTradeValue.LessThan(req.MinTradeValue) {
		problems = append(problems, "max trade value must be >= min trade value")
	}
	if periodsPerDay(req.Interval).IsZero() {
		problems = append(problems, fmt.Sprintf("unsupported interval %q", req.Interval))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func (o *Optimizer) fetchSymbolInfo(ctx context.Context, symbol string) (*core.SymbolInfo, error) {
	if err := o.exchange.FetchExchangeInfo(ctx, symbol); err != nil {
		return nil, fmt.Errorf("failed to fetch exchange info: %w", err)
	}
	info, err := o.exchange.GetSymbolInfo(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get symbol filters: %w", err)
	}
	return info, nil
}

// EstimateFrequency estimates grid crossings per candle: the candle's range is
// clipped to the support/resistance window and divided by the spacing.
func EstimateFrequency(candles []*core.Candle, spacing, support, resistance decimal.Decimal) decimal.Decimal {
	if len(candles) == 0 || !spacing.IsPositive() {
		return decimal.Zero
	}

	total := decimal.Zero
	for _, c := range candles {
		effHigh := decimal.Min(c.High, resistance)
		effLow := decimal.Max(c.Low, support)
		span := effHigh.Sub(effLow)
		if span.IsPositive() {
			total = total.Add(span.Div(spacing).Floor())
		}
	}
	return total.Div(decimal.NewFromInt(int64(len(candles))))
}

// periodsPerDay returns how many candles of the interval fit in 24h, or zero
// for an unparseable interval
func periodsPerDay(interval string) decimal.Decimal {
	if len(interval) < 2 {
		return decimal.Zero
	}
	value, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil || value <= 0 {
		return decimal.Zero
	}

	var minutes int
	switch interval[len(interval)-1] {
	case 'm':
		minutes = value
	case 'h':
		minutes = value * 60
	case 'd':
		minutes = value * 60 * 24
	case 'w':
		minutes = value * 60 * 24 * 7
	default:
		return decimal.Zero
	}
	return decimal.NewFromInt(24 * 60).Div(decimal.NewFromInt(int64(minutes)))
}

func volatilityLevel(vol decimal.Decimal) string {
	switch {
	case vol.GreaterThan(decimal.NewFromFloat(0.05)):
		return "high"
	case vol.GreaterThan(decimal.NewFromFloat(0.02)):
		return "medium"
	default:
		return "low"
	}
}

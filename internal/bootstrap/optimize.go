package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"grid_trader/internal/core"
	"grid_trader/internal/exchange/binance"
	"grid_trader/internal/optimizer"

	"github.com/shopspring/decimal"
)

// Trade-value sweep bounds used when the optimizer config leaves them unset
var (
	defaultMinTradeValue = decimal.NewFromInt(10)
	defaultMaxTradeValue = decimal.NewFromInt(100)
)

// OptimizeRequest maps the optimizer config section onto a request for one
// symbol and capital budget
func OptimizeRequest(cfg *Config, symbol string, capital decimal.Decimal) optimizer.Request {
	req := optimizer.Request{
		Symbol:          strings.ToUpper(symbol),
		Interval:        cfg.Optimizer.Interval,
		TotalCapital:    capital,
		Objective:       optimizer.Objective(cfg.Optimizer.Objective),
		MinTradeValue:   decimal.NewFromFloat(cfg.Optimizer.MinTradeValue),
		MaxTradeValue:   decimal.NewFromFloat(cfg.Optimizer.MaxTradeValue),
		Leverage:        cfg.Optimizer.Leverage,
		BoundaryDefense: true,
	}
	if !req.MinTradeValue.IsPositive() {
		req.MinTradeValue = defaultMinTradeValue
	}
	if !req.MaxTradeValue.IsPositive() {
		req.MaxTradeValue = decimal.Max(defaultMaxTradeValue, req.MinTradeValue)
	}
	return req
}

// RunOptimization builds an exchange client from the configured credentials
// and computes a grid plan for the symbol
func RunOptimization(ctx context.Context, cfg *Config, logger core.ILogger, symbol string, capital decimal.Decimal) (*optimizer.Result, error) {
	creds := core.Credentials{
		APIKey:    string(cfg.Exchange.APIKey),
		APISecret: string(cfg.Exchange.APISecret),
	}
	exchange := binance.NewExchange(creds, logger)
	return runOptimization(ctx, exchange, cfg, logger, symbol, capital)
}

func runOptimization(ctx context.Context, exchange core.IExchange, cfg *Config, logger core.ILogger, symbol string, capital decimal.Decimal) (*optimizer.Result, error) {
	opt := optimizer.New(exchange, logger)
	return opt.Optimize(ctx, OptimizeRequest(cfg, symbol, capital))
}

// FormatPlan renders an optimization result for the command line
func FormatPlan(result *optimizer.Result) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Market %s: price %s, support %s, resistance %s, ATR %s, volatility %s%% (%s)\n",
		result.Market.Symbol,
		result.Market.CurrentPrice, result.Market.Support, result.Market.Resistance,
		result.Market.ATR,
		result.Market.Volatility.Mul(decimal.NewFromInt(100)).StringFixed(2),
		result.Market.VolatilityLevel)

	rec := result.Recommended
	fmt.Fprintf(&b, "Recommended: spacing %s, trade value %s (qty %s)\n",
		rec.Spacing, rec.TradeValue, rec.TradeQuantity)
	fmt.Fprintf(&b, "Projected: %s trades/day, profit %s/day, fees %s/day, turnover %sx\n",
		rec.DailyFrequency.StringFixed(1), rec.DailyProfit.StringFixed(4),
		rec.DailyFee.StringFixed(4), rec.TurnoverRatio.StringFixed(2))
	fmt.Fprintf(&b, "Risk: %s (score %.2f)\n", result.Risk.Level, result.Risk.Score)

	if bd := result.BoundaryDefense; bd != nil {
		fmt.Fprintf(&b, "Boundary defense: spacing %s, trade value %s, %s trades/day\n",
			bd.Spacing, bd.TradeValue, bd.DailyFrequency.StringFixed(1))
	}
	for idx, c := range result.Candidates {
		fmt.Fprintf(&b, "  #%d spacing %s value %s profit/day %s turnover %sx\n",
			idx+1, c.Spacing, c.TradeValue, c.DailyProfit.StringFixed(4), c.TurnoverRatio.StringFixed(2))
	}
	return b.String()
}

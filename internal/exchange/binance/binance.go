// Package binance adapts the go-binance USD-M futures client to the
// core.IExchange contract. All numeric payloads convert to decimals at the
// boundary; venue error codes translate to the shared sentinel errors so the
// runtime never inspects wire codes.
package binance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"grid_trader/internal/core"
	apperrors "grid_trader/pkg/errors"
	"grid_trader/pkg/telemetry"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

const symbolInfoTTL = time.Hour

// Exchange implements core.IExchange over one credentialed futures client
type Exchange struct {
	client *futures.Client
	logger core.ILogger

	mu        sync.RWMutex
	symbols   map[string]*core.SymbolInfo
	fetchedAt time.Time
}

// NewExchange builds an adapter for one API key pair
func NewExchange(creds core.Credentials, logger core.ILogger) *Exchange {
	return &Exchange{
		client:  futures.NewClient(creds.APIKey, creds.APISecret),
		logger:  logger.WithField("component", "binance"),
		symbols: make(map[string]*core.SymbolInfo),
	}
}

func (e *Exchange) GetName() string {
	return "binance"
}

// FetchExchangeInfo refreshes the precision filter cache and verifies the
// symbol exists
func (e *Exchange) FetchExchangeInfo(ctx context.Context, symbol string) error {
	if err := e.refreshSymbols(ctx); err != nil {
		return err
	}

	e.mu.RLock()
	_, ok := e.symbols[symbol]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	return nil
}

// GetSymbolInfo serves precision filters from the cache, refreshing it when
// stale or missing
func (e *Exchange) GetSymbolInfo(ctx context.Context, symbol string) (*core.SymbolInfo, error) {
	e.mu.RLock()
	info, ok := e.symbols[symbol]
	fresh := time.Since(e.fetchedAt) < symbolInfoTTL
	e.mu.RUnlock()

	if ok && fresh {
		return info, nil
	}

	if err := e.refreshSymbols(ctx); err != nil {
		if ok {
			// Serve the stale entry rather than failing an order flow
			return info, nil
		}
		return nil, err
	}

	e.mu.RLock()
	info, ok = e.symbols[symbol]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	return info, nil
}

func (e *Exchange) refreshSymbols(ctx context.Context) error {
	info, err := e.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return translateError(fmt.Errorf("failed to fetch exchange info: %w", err))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for idx := range info.Symbols {
		s := &info.Symbols[idx]
		parsed, perr := parseSymbolInfo(s)
		if perr != nil {
			e.logger.Warn("Skipping symbol with unparseable filters", "symbol", s.Symbol, "error", perr)
			continue
		}
		e.symbols[s.Symbol] = parsed
	}
	e.fetchedAt = time.Now()
	return nil
}

// GetAccount fetches the authoritative account snapshot
func (e *Exchange) GetAccount(ctx context.Context) (*core.AccountSnapshot, error) {
	started := time.Now()
	account, err := e.client.NewGetAccountService().Do(ctx)
	telemetry.GetGlobalMetrics().RecordExchangeLatency(ctx, "get_account", time.Since(started))
	if err != nil {
		return nil, translateError(err)
	}

	snapshot := &core.AccountSnapshot{FetchedAt: time.Now()}

	for _, pos := range account.Positions {
		qty, err := decimal.NewFromString(pos.PositionAmt)
		if err != nil || qty.IsZero() {
			continue
		}
		entry, _ := decimal.NewFromString(pos.EntryPrice)
		breakEven, _ := decimal.NewFromString(pos.EntryPrice)
		pnl, _ := decimal.NewFromString(pos.UnrealizedProfit)
		leverage, _ := decimal.NewFromString(pos.Leverage)

		snapshot.Positions = append(snapshot.Positions, &core.Position{
			Symbol:         pos.Symbol,
			Side:           core.PositionSide(pos.PositionSide),
			Quantity:       qty,
			EntryPrice:     entry,
			BreakEvenPrice: breakEven,
			UnrealizedPnL:  pnl,
			Leverage:       leverage,
		})
	}

	for _, asset := range account.Assets {
		free, _ := decimal.NewFromString(asset.AvailableBalance)
		wallet, _ := decimal.NewFromString(asset.WalletBalance)
		if wallet.IsZero() && free.IsZero() {
			continue
		}
		snapshot.Balances = append(snapshot.Balances, &core.Balance{
			Asset:  asset.Asset,
			Free:   free,
			Locked: wallet.Sub(free),
		})
	}

	return snapshot, nil
}

// PlaceOrder submits an order in hedge mode. RESULT response type returns the
// average fill price for market orders without a follow-up query.
func (e *Exchange) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.Order, error) {
	svc := e.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		PositionSide(futures.PositionSideType(req.PositionSide)).
		Type(futures.OrderType(req.Type)).
		Quantity(req.Quantity.String()).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)

	if req.Type == core.OrderTypeLimit {
		svc = svc.Price(req.Price.String()).TimeInForce(futures.TimeInForceTypeGTC)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	started := time.Now()
	resp, err := svc.Do(ctx)
	telemetry.GetGlobalMetrics().RecordExchangeLatency(ctx, "place_order", time.Since(started))
	if err != nil {
		return nil, translateError(err)
	}

	avgPrice, _ := decimal.NewFromString(resp.AvgPrice)
	executed, _ := decimal.NewFromString(resp.ExecutedQuantity)

	return &core.Order{
		OrderID:       resp.OrderID,
		ClientOrderID: resp.ClientOrderID,
		Symbol:        resp.Symbol,
		Side:          req.Side,
		PositionSide:  req.PositionSide,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Price:         req.Price,
		AvgPrice:      avgPrice,
		ExecutedQty:   executed,
		Status:        core.OrderStatus(resp.Status),
		UpdatedAt:     time.UnixMilli(resp.UpdateTime),
	}, nil
}

// QueryOrder fetches the current state of an order
func (e *Exchange) QueryOrder(ctx context.Context, symbol string, orderID int64) (*core.Order, error) {
	started := time.Now()
	order, err := e.client.NewGetOrderService().
		Symbol(symbol).
		OrderID(orderID).
		Do(ctx)
	telemetry.GetGlobalMetrics().RecordExchangeLatency(ctx, "query_order", time.Since(started))
	if err != nil {
		return nil, translateError(err)
	}

	price, _ := decimal.NewFromString(order.Price)
	quantity, _ := decimal.NewFromString(order.OrigQuantity)
	executed, _ := decimal.NewFromString(order.ExecutedQuantity)
	avgPrice, _ := decimal.NewFromString(order.AvgPrice)

	return &core.Order{
		OrderID:       order.OrderID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          core.OrderSide(order.Side),
		PositionSide:  core.PositionSide(order.PositionSide),
		Type:          core.OrderType(order.Type),
		Quantity:      quantity,
		Price:         price,
		AvgPrice:      avgPrice,
		ExecutedQty:   executed,
		Status:        core.OrderStatus(order.Status),
		UpdatedAt:     time.UnixMilli(order.UpdateTime),
	}, nil
}

// GetHistoricalKlines fetches closed OHLCV bars for analysis
func (e *Exchange) GetHistoricalKlines(ctx context.Context, symbol, interval string, limit int) ([]*core.Candle, error) {
	klines, err := e.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, translateError(fmt.Errorf("failed to fetch klines: %w", err))
	}

	candles := make([]*core.Candle, 0, len(klines))
	for _, k := range klines {
		open, err := decimal.NewFromString(k.Open)
		if err != nil {
			continue
		}
		high, _ := decimal.NewFromString(k.High)
		low, _ := decimal.NewFromString(k.Low)
		closePrice, _ := decimal.NewFromString(k.Close)
		volume, _ := decimal.NewFromString(k.Volume)

		candles = append(candles, &core.Candle{
			Symbol:    symbol,
			OpenTime:  time.UnixMilli(k.OpenTime),
			CloseTime: time.UnixMilli(k.CloseTime),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePrice,
			Volume:    volume,
			IsClosed:  true,
		})
	}
	return candles, nil
}

// GetMarkPrice returns the current mark price from the premium index
func (e *Exchange) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	indexes, err := e.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, translateError(err)
	}
	if len(indexes) == 0 {
		return decimal.Zero, fmt.Errorf("%w: no premium index for %s", apperrors.ErrInvalidSymbol, symbol)
	}

	price, err := decimal.NewFromString(indexes[0].MarkPrice)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid mark price %q: %w", indexes[0].MarkPrice, err)
	}
	return price, nil
}

func parseSymbolInfo(s *futures.Symbol) (*core.SymbolInfo, error) {
	info := &core.SymbolInfo{
		Symbol:     s.Symbol,
		BaseAsset:  s.BaseAsset,
		QuoteAsset: s.QuoteAsset,
	}

	if f := s.LotSizeFilter(); f != nil {
		step, err := decimal.NewFromString(f.StepSize)
		if err != nil {
			return nil, fmt.Errorf("invalid step size: %w", err)
		}
		minQty, err := decimal.NewFromString(f.MinQuantity)
		if err != nil {
			return nil, fmt.Errorf("invalid min quantity: %w", err)
		}
		maxQty, err := decimal.NewFromString(f.MaxQuantity)
		if err != nil {
			return nil, fmt.Errorf("invalid max quantity: %w", err)
		}
		info.StepSize = step
		info.MinQty = minQty
		info.MaxQty = maxQty
	}

	if f := s.PriceFilter(); f != nil {
		tick, err := decimal.NewFromString(f.TickSize)
		if err != nil {
			return nil, fmt.Errorf("invalid tick size: %w", err)
		}
		minPrice, err := decimal.NewFromString(f.MinPrice)
		if err != nil {
			return nil, fmt.Errorf("invalid min price: %w", err)
		}
		info.TickSize = tick
		info.MinPrice = minPrice
	}

	if f := s.MinNotionalFilter(); f != nil {
		notional, err := decimal.NewFromString(f.Notional)
		if err != nil {
			return nil, fmt.Errorf("invalid min notional: %w", err)
		}
		info.MinNotional = notional
	}

	return info, nil
}

// translateError maps venue API error codes to the shared sentinels. Unmapped
// codes pass through unchanged.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return err
	}

	switch apiErr.Code {
	case -2014, -2015:
		return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, apiErr.Message)
	case -2010, -2019:
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, apiErr.Message)
	case -1003:
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, apiErr.Message)
	case -1121:
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, apiErr.Message)
	case -2011, -2013:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, apiErr.Message)
	case -2022:
		// ReduceOnly rejected: the position no longer exists on the venue
		return fmt.Errorf("%w: %s", apperrors.ErrPositionDesync, apiErr.Message)
	case -1111, -1013, -4164:
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidOrderParameter, apiErr.Message)
	}
	return err
}

var _ core.IExchange = (*Exchange)(nil)

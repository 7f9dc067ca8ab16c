// Package mock provides in-memory fakes of the runtime's external
// dependencies for tests: a scriptable exchange, a hand-driven market feed,
// and a map-backed strategy store.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"grid_trader/internal/core"
	apperrors "grid_trader/pkg/errors"

	"github.com/shopspring/decimal"
)

// Exchange implements core.IExchange with scriptable behavior. Orders fill
// immediately at the configured mark price unless DeferFills is set, in which
// case QueryOrder responses come from the per-order script.
type Exchange struct {
	name string

	mu             sync.Mutex
	symbolInfo     map[string]*core.SymbolInfo
	positions      map[string]*core.Position
	balances       []*core.Balance
	markPrices     map[string]decimal.Decimal
	klines         map[string][]*core.Candle
	orders         map[int64]*core.Order
	queryScripts   map[int64][]queryStep
	orderIDCounter int64

	// DeferFills makes PlaceOrder return NEW instead of filling immediately
	DeferFills bool
	// ApplyDeferred updates the position even for deferred orders, so
	// position-based inference can observe the delta
	ApplyDeferred bool

	placeErr   error
	accountErr error

	PlaceOrderCalls int
	QueryOrderCalls int
	GetAccountCalls int
}

type queryStep struct {
	order *core.Order
	err   error
}

func NewExchange() *Exchange {
	return &Exchange{
		name:           "mock",
		symbolInfo:     make(map[string]*core.SymbolInfo),
		positions:      make(map[string]*core.Position),
		markPrices:     make(map[string]decimal.Decimal),
		klines:         make(map[string][]*core.Candle),
		orders:         make(map[int64]*core.Order),
		queryScripts:   make(map[int64][]queryStep),
		orderIDCounter: 1000,
	}
}

// DefaultSymbolInfo installs permissive filters for a symbol
func DefaultSymbolInfo(symbol string) *core.SymbolInfo {
	return &core.SymbolInfo{
		Symbol:      symbol,
		BaseAsset:   "BASE",
		QuoteAsset:  "USDT",
		TickSize:    decimal.RequireFromString("0.01"),
		StepSize:    decimal.RequireFromString("0.001"),
		MinQty:      decimal.RequireFromString("0.001"),
		MaxQty:      decimal.NewFromInt(10000),
		MinPrice:    decimal.RequireFromString("0.01"),
		MinNotional: decimal.NewFromInt(5),
	}
}

func (m *Exchange) SetSymbolInfo(info *core.SymbolInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbolInfo[info.Symbol] = info
}

func (m *Exchange) SetMarkPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markPrices[symbol] = price
}

func (m *Exchange) SetPosition(symbol string, side core.PositionSide, qty, entry decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[positionKey(symbol, side)] = &core.Position{
		Symbol:         symbol,
		Side:           side,
		Quantity:       qty,
		EntryPrice:     entry,
		BreakEvenPrice: entry,
	}
}

func (m *Exchange) SetBalance(asset string, free decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances = append(m.balances, &core.Balance{Asset: asset, Free: free})
}

func (m *Exchange) SetKlines(symbol, interval string, candles []*core.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.klines[klineKey(symbol, interval)] = candles
}

// FailNextPlace makes the next PlaceOrder return err
func (m *Exchange) FailNextPlace(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeErr = err
}

func (m *Exchange) FailAccount(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accountErr = err
}

// ScriptQuery appends a scripted QueryOrder response for an order ID. Steps
// are consumed in order; an exhausted script repeats its last step.
func (m *Exchange) ScriptQuery(orderID int64, order *core.Order, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryScripts[orderID] = append(m.queryScripts[orderID], queryStep{order: order, err: err})
}

func (m *Exchange) GetName() string { return m.name }

func (m *Exchange) FetchExchangeInfo(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.symbolInfo[symbol]; !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	return nil
}

func (m *Exchange) GetSymbolInfo(ctx context.Context, symbol string) (*core.SymbolInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.symbolInfo[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	return info, nil
}

func (m *Exchange) GetAccount(ctx context.Context) (*core.AccountSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.GetAccountCalls++
	if m.accountErr != nil {
		return nil, m.accountErr
	}

	snapshot := &core.AccountSnapshot{FetchedAt: time.Now()}
	for _, pos := range m.positions {
		copied := *pos
		snapshot.Positions = append(snapshot.Positions, &copied)
	}
	snapshot.Balances = append(snapshot.Balances, m.balances...)
	return snapshot, nil
}

func (m *Exchange) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PlaceOrderCalls++
	if m.placeErr != nil {
		err := m.placeErr
		m.placeErr = nil
		return nil, err
	}

	m.orderIDCounter++
	order := &core.Order{
		OrderID:       m.orderIDCounter,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		PositionSide:  req.PositionSide,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Price:         req.Price,
		Status:        core.StatusNew,
		UpdatedAt:     time.Now(),
	}

	mark := m.markPrices[req.Symbol]
	if !m.DeferFills {
		order.Status = core.StatusFilled
		order.AvgPrice = mark
		order.ExecutedQty = req.Quantity
	}
	if !m.DeferFills || m.ApplyDeferred {
		m.applyFillLocked(req)
	}

	m.orders[order.OrderID] = order
	return order, nil
}

// applyFillLocked moves the tracked position by the order's quantity
func (m *Exchange) applyFillLocked(req *core.PlaceOrderRequest) {
	key := positionKey(req.Symbol, req.PositionSide)
	pos, ok := m.positions[key]
	if !ok {
		pos = &core.Position{Symbol: req.Symbol, Side: req.PositionSide}
		m.positions[key] = pos
	}

	opening := (req.PositionSide == core.PositionSideLong && req.Side == core.OrderSideBuy) ||
		(req.PositionSide == core.PositionSideShort && req.Side == core.OrderSideSell)
	if opening {
		pos.Quantity = pos.Quantity.Add(req.Quantity)
		if pos.EntryPrice.IsZero() {
			pos.EntryPrice = m.markPrices[req.Symbol]
			pos.BreakEvenPrice = pos.EntryPrice
		}
	} else {
		pos.Quantity = pos.Quantity.Sub(req.Quantity)
		if pos.Quantity.IsNegative() {
			pos.Quantity = decimal.Zero
		}
	}
}

func (m *Exchange) QueryOrder(ctx context.Context, symbol string, orderID int64) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.QueryOrderCalls++

	if script, ok := m.queryScripts[orderID]; ok && len(script) > 0 {
		step := script[0]
		if len(script) > 1 {
			m.queryScripts[orderID] = script[1:]
		}
		return step.order, step.err
	}

	order, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", apperrors.ErrOrderNotFound, orderID)
	}
	return order, nil
}

func (m *Exchange) GetHistoricalKlines(ctx context.Context, symbol, interval string, limit int) ([]*core.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	candles, ok := m.klines[klineKey(symbol, interval)]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", apperrors.ErrInvalidSymbol, symbol, interval)
	}
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

func (m *Exchange) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	price, ok := m.markPrices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	return price, nil
}

func positionKey(symbol string, side core.PositionSide) string {
	return symbol + "/" + string(side)
}

func klineKey(symbol, interval string) string {
	return symbol + "@" + interval
}

var _ core.IExchange = (*Exchange)(nil)

// Package core defines the shared types and interfaces of the grid trading runtime
package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// IExchange is the minimal exchange capability consumed by the runtime.
// Implementations wrap a concrete venue client; the runtime never touches the
// wire protocol directly.
type IExchange interface {
	GetName() string

	// Market metadata
	FetchExchangeInfo(ctx context.Context, symbol string) error
	GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error)

	// Account
	GetAccount(ctx context.Context) (*AccountSnapshot, error)

	// Orders
	PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*Order, error)
	QueryOrder(ctx context.Context, symbol string, orderID int64) (*Order, error)

	// Market data
	GetHistoricalKlines(ctx context.Context, symbol, interval string, limit int) ([]*Candle, error)
	GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// TickHandler receives fan-out price ticks from the dispatcher
type TickHandler func(update PriceUpdate)

// IMarketFeed is the shared market-data subscription owned by the dispatcher.
// Exactly one upstream subscription exists per symbol regardless of how many
// strategy instances listen.
type IMarketFeed interface {
	Start(ctx context.Context) error
	Stop() error
	Subscribe(symbol string) error
	Unsubscribe(symbol string) error
	OnTick(handler TickHandler)
}

// IStrategyStore persists strategy configurations and trade history
type IStrategyStore interface {
	SaveStrategy(ctx context.Context, rec *StrategyRecord) error
	FindStrategy(ctx context.Context, fingerprint, symbol string, side PositionSide) (*StrategyRecord, error)
	ListStrategies(ctx context.Context) ([]*StrategyRecord, error)
	DeleteStrategy(ctx context.Context, id string) error
	AppendTrade(ctx context.Context, strategyID string, fill *FillRecord) error
}

// IOrderExecutor submits orders with precision adjustment, retry, and
// rate limiting, and confirms their outcome
type IOrderExecutor interface {
	SubmitMarketOrder(ctx context.Context, req *PlaceOrderRequest) (*Order, error)
	ConfirmOrder(ctx context.Context, symbol string, orderID int64) (*Order, error)
	CheckHealth() error
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

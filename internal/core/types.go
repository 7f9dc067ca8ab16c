package core

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide identifies the direction of a hedged futures position
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// Valid reports whether the side is one of the supported directions
func (s PositionSide) Valid() bool {
	return s == PositionSideLong || s == PositionSideShort
}

// OrderSide is the taker direction of an order
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType is the exchange order type
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus is the lifecycle state of an order.
// StatusInferred marks an order whose fill was deduced from account position
// deltas after status queries were exhausted, rather than confirmed directly.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusInferred        OrderStatus = "INFERRED"
)

// Terminal reports whether the status can no longer change
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired, StatusInferred:
		return true
	}
	return false
}

// PlaceOrderRequest describes an order to submit to the exchange
type PlaceOrderRequest struct {
	Symbol        string
	Side          OrderSide
	PositionSide  PositionSide
	Type          OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	ClientOrderID string
}

// Order is the exchange's view of an order
type Order struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	PositionSide  PositionSide
	Type          OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	AvgPrice      decimal.Decimal
	ExecutedQty   decimal.Decimal
	Status        OrderStatus
	UpdatedAt     time.Time
}

// Position is a single directional position reported by the exchange
type Position struct {
	Symbol         string
	Side           PositionSide
	Quantity       decimal.Decimal
	EntryPrice     decimal.Decimal
	BreakEvenPrice decimal.Decimal
	UnrealizedPnL  decimal.Decimal
	Leverage       decimal.Decimal
}

// Balance is a single asset balance
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// AccountSnapshot is the authoritative account state at fetch time
type AccountSnapshot struct {
	Positions []*Position
	Balances  []*Balance
	FetchedAt time.Time
}

// FindPosition returns the position matching symbol and side, or nil
func (a *AccountSnapshot) FindPosition(symbol string, side PositionSide) *Position {
	for _, p := range a.Positions {
		if p.Symbol == symbol && p.Side == side {
			return p
		}
	}
	return nil
}

// Candle is a single OHLCV bar
type Candle struct {
	Symbol    string
	OpenTime  time.Time
	CloseTime time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	IsClosed  bool
}

// SymbolInfo carries the exchange precision filters for a symbol
type SymbolInfo struct {
	Symbol      string
	BaseAsset   string
	QuoteAsset  string
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MaxQty      decimal.Decimal
	MinPrice    decimal.Decimal
	MinNotional decimal.Decimal
}

// FillRecord is a confirmed (or inferred) fill kept in the instance ledger
// and appended to trade history
type FillRecord struct {
	OrderID      int64
	Symbol       string
	Side         OrderSide
	PositionSide PositionSide
	Quantity     decimal.Decimal
	AvgPrice     decimal.Decimal
	Status       OrderStatus
	FilledAt     time.Time
}

// PriceUpdate is a single mark-price tick from the market-data feed
type PriceUpdate struct {
	Symbol    string
	Price     decimal.Decimal
	EventTime time.Time
}

// Credentials holds one API key pair. Instances sharing a key pair share the
// exchange rate-limit budget, so the fingerprint keys limiter and registry
// lookups without spreading the raw secret around.
type Credentials struct {
	APIKey    string `yaml:"api_key" json:"api_key"`
	APISecret string `yaml:"api_secret" json:"api_secret"`
}

// Fingerprint returns a stable non-reversible identifier for the key pair
func (c Credentials) Fingerprint() string {
	h := sha256.Sum256([]byte(c.APIKey + ":" + c.APISecret))
	return hex.EncodeToString(h[:8])
}

// GridSettings is the immutable-after-creation configuration of one grid
// strategy instance. Quantities follow the original fallback rule: either
// TradeQuantity alone, or both directional quantities for the configured side.
type GridSettings struct {
	Symbol               string          `yaml:"symbol" json:"symbol"`
	Side                 PositionSide    `yaml:"position_side" json:"position_side"`
	Spacing              decimal.Decimal `yaml:"grid_price_difference" json:"grid_price_difference"`
	TradeQuantity        decimal.Decimal `yaml:"grid_trade_quantity" json:"grid_trade_quantity"`
	OpenQuantity         decimal.Decimal `yaml:"grid_open_quantity" json:"grid_open_quantity"`
	CloseQuantity        decimal.Decimal `yaml:"grid_close_quantity" json:"grid_close_quantity"`
	MinPositionQty       decimal.Decimal `yaml:"min_position_quantity" json:"min_position_quantity"`
	MaxPositionQty       decimal.Decimal `yaml:"max_position_quantity" json:"max_position_quantity"`
	FallPrevention       decimal.Decimal `yaml:"fall_prevention_coefficient" json:"fall_prevention_coefficient"`
	UpperLimitPrice      decimal.Decimal `yaml:"gt_limitation_price" json:"gt_limitation_price"`
	LowerLimitPrice      decimal.Decimal `yaml:"lt_limitation_price" json:"lt_limitation_price"`
	PauseAboveEntryPrice bool            `yaml:"pause_above_entry_price" json:"pause_above_entry_price"`
	PauseBelowEntryPrice bool            `yaml:"pause_below_entry_price" json:"pause_below_entry_price"`
	PollingInterval      time.Duration   `yaml:"polling_interval" json:"polling_interval"`
	Leverage             int             `yaml:"leverage" json:"leverage"`
	PriorityCloseOnTrend bool            `yaml:"priority_close_on_trend" json:"priority_close_on_trend"`
}

// OpenQty resolves the per-open order quantity with the single-quantity fallback
func (g GridSettings) OpenQty() decimal.Decimal {
	if g.OpenQuantity.IsPositive() {
		return g.OpenQuantity
	}
	return g.TradeQuantity
}

// CloseQty resolves the per-close order quantity with the single-quantity fallback
func (g GridSettings) CloseQty() decimal.Decimal {
	if g.CloseQuantity.IsPositive() {
		return g.CloseQuantity
	}
	return g.TradeQuantity
}

// StrategyRecord is the persisted form of a strategy instance
type StrategyRecord struct {
	ID          string       `json:"id"`
	Fingerprint string       `json:"fingerprint"`
	Credentials Credentials  `json:"credentials"`
	Settings    GridSettings `json:"settings"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

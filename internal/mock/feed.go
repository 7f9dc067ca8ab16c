package mock

import (
	"context"
	"sync"
	"time"

	"grid_trader/internal/core"

	"github.com/shopspring/decimal"
)

// Feed implements core.IMarketFeed with hand-driven ticks and call counters
// for subscription accounting assertions
type Feed struct {
	mu      sync.Mutex
	handler core.TickHandler
	started bool

	SubscribeCalls   map[string]int
	UnsubscribeCalls map[string]int
}

func NewFeed() *Feed {
	return &Feed{
		SubscribeCalls:   make(map[string]int),
		UnsubscribeCalls: make(map[string]int),
	}
}

func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return nil
}

func (f *Feed) Stop() error {
	f.mu.Lock()
	f.started = false
	f.mu.Unlock()
	return nil
}

func (f *Feed) Subscribe(symbol string) error {
	f.mu.Lock()
	f.SubscribeCalls[symbol]++
	f.mu.Unlock()
	return nil
}

func (f *Feed) Unsubscribe(symbol string) error {
	f.mu.Lock()
	f.UnsubscribeCalls[symbol]++
	f.mu.Unlock()
	return nil
}

func (f *Feed) OnTick(handler core.TickHandler) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
}

// Push delivers a tick to the registered handler synchronously
func (f *Feed) Push(symbol string, price decimal.Decimal) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler == nil {
		return
	}
	handler(core.PriceUpdate{Symbol: symbol, Price: price, EventTime: time.Now()})
}

var _ core.IMarketFeed = (*Feed)(nil)

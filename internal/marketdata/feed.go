// Package marketdata streams futures mark prices over a single combined
// websocket connection. Symbols are subscribed and unsubscribed dynamically;
// a reconnect replays the full subscription set.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"grid_trader/internal/core"
	"grid_trader/pkg/websocket"

	"github.com/shopspring/decimal"
)

const (
	defaultStreamURL = "wss://fstream.binance.com/stream"
	streamSuffix     = "@markPrice@1s"

	pingInterval = 20 * time.Second
	pingWait     = 5 * time.Second
	pongWait     = 60 * time.Second
)

// streamCommand is the upstream subscription management frame
type streamCommand struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// streamEnvelope wraps every combined-stream payload
type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// markPriceEvent is the markPriceUpdate payload
type markPriceEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
}

// MarkPriceFeed implements core.IMarketFeed over one reconnecting websocket
type MarkPriceFeed struct {
	url    string
	logger core.ILogger

	mu      sync.Mutex
	client  *websocket.Client
	handler core.TickHandler
	streams map[string]bool // symbol -> subscribed
	started bool

	requestID atomic.Int64
}

// NewMarkPriceFeed creates a feed against the given stream endpoint. An empty
// url selects the production futures endpoint.
func NewMarkPriceFeed(url string, logger core.ILogger) *MarkPriceFeed {
	if url == "" {
		url = defaultStreamURL
	}
	return &MarkPriceFeed{
		url:     url,
		logger:  logger.WithField("component", "mark_price_feed"),
		streams: make(map[string]bool),
	}
}

// OnTick registers the single downstream tick handler. Must be called before
// Start.
func (f *MarkPriceFeed) OnTick(handler core.TickHandler) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
}

// Start opens the websocket connection. Already-requested symbols are
// subscribed once the connection is up, and again after every reconnect.
func (f *MarkPriceFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.started {
		return nil
	}

	client := websocket.NewClient(f.url, f.handleMessage, f.logger)
	client.SetPingConfig(pingInterval, pingWait, pongWait)
	client.SetOnConnected(f.resubscribeAll)
	client.Start()

	f.client = client
	f.started = true
	f.logger.Info("Mark price feed started", "url", f.url)
	return nil
}

// Stop closes the connection
func (f *MarkPriceFeed) Stop() error {
	f.mu.Lock()
	client := f.client
	f.client = nil
	f.started = false
	f.mu.Unlock()

	if client != nil {
		client.Stop()
	}
	return nil
}

// Subscribe requests mark price updates for a symbol. Idempotent.
func (f *MarkPriceFeed) Subscribe(symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := strings.ToUpper(symbol)
	if f.streams[key] {
		return nil
	}
	f.streams[key] = true

	if f.client == nil {
		// Deferred until Start connects
		return nil
	}
	return f.sendCommandLocked("SUBSCRIBE", key)
}

// Unsubscribe stops updates for a symbol. Idempotent.
func (f *MarkPriceFeed) Unsubscribe(symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := strings.ToUpper(symbol)
	if !f.streams[key] {
		return nil
	}
	delete(f.streams, key)

	if f.client == nil {
		return nil
	}
	return f.sendCommandLocked("UNSUBSCRIBE", key)
}

func (f *MarkPriceFeed) sendCommandLocked(method, symbol string) error {
	cmd := streamCommand{
		Method: method,
		Params: []string{streamName(symbol)},
		ID:     f.requestID.Add(1),
	}
	if err := f.client.Send(cmd); err != nil {
		return fmt.Errorf("failed to send %s for %s: %w", method, symbol, err)
	}
	f.logger.Debug("Stream command sent", "method", method, "symbol", symbol)
	return nil
}

// resubscribeAll replays the subscription set after a (re)connect
func (f *MarkPriceFeed) resubscribeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.client == nil || len(f.streams) == 0 {
		return
	}

	params := make([]string, 0, len(f.streams))
	for symbol := range f.streams {
		params = append(params, streamName(symbol))
	}
	cmd := streamCommand{Method: "SUBSCRIBE", Params: params, ID: f.requestID.Add(1)}
	if err := f.client.Send(cmd); err != nil {
		f.logger.Error("Failed to replay subscriptions", "count", len(params), "error", err)
		return
	}
	f.logger.Info("Subscriptions replayed", "count", len(params))
}

func (f *MarkPriceFeed) handleMessage(message []byte) {
	var envelope streamEnvelope
	if err := json.Unmarshal(message, &envelope); err != nil {
		f.logger.Debug("Dropping unparseable frame", "error", err)
		return
	}
	if envelope.Stream == "" || len(envelope.Data) == 0 {
		// Command acknowledgements arrive without a stream name
		return
	}

	var event markPriceEvent
	if err := json.Unmarshal(envelope.Data, &event); err != nil {
		f.logger.Debug("Dropping unparseable event", "stream", envelope.Stream, "error", err)
		return
	}
	if event.EventType != "markPriceUpdate" {
		return
	}

	price, err := decimal.NewFromString(event.MarkPrice)
	if err != nil {
		f.logger.Warn("Invalid mark price in event", "symbol", event.Symbol, "price", event.MarkPrice)
		return
	}

	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler == nil {
		return
	}

	handler(core.PriceUpdate{
		Symbol:    event.Symbol,
		Price:     price,
		EventTime: time.UnixMilli(event.EventTime),
	})
}

func streamName(symbol string) string {
	return strings.ToLower(symbol) + streamSuffix
}

var _ core.IMarketFeed = (*MarkPriceFeed)(nil)

// Package alert delivers trade and health notifications to external
// channels. Delivery is fire-and-forget so a slow webhook never blocks the
// trading path.
package alert

import (
	"context"
	"sync"
	"time"

	"grid_trader/internal/core"
)

type Level string

const (
	Info     Level = "INFO"
	Warning  Level = "WARNING"
	Error    Level = "ERROR"
	Critical Level = "CRITICAL"
)

// Payload is one notification
type Payload struct {
	Level     Level
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel is a delivery target for notifications
type Channel interface {
	Send(ctx context.Context, alert Payload) error
	Name() string
}

// Manager fans notifications out to the configured channels
type Manager struct {
	channels []Channel
	logger   core.ILogger
	timeout  time.Duration
	mu       sync.RWMutex
}

func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		logger:  logger.WithField("component", "alert_manager"),
		timeout: 10 * time.Second,
	}
}

func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Added alert channel", "name", ch.Name())
}

// ChannelCount returns the number of configured channels
func (m *Manager) ChannelCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels)
}

// Notify delivers a notification to every channel asynchronously
func (m *Manager) Notify(ctx context.Context, level Level, title, message string, fields map[string]string) {
	payload := Payload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	m.mu.RLock()
	channels := make([]Channel, len(m.channels))
	copy(channels, m.channels)
	m.mu.RUnlock()

	for _, ch := range channels {
		go func(c Channel) {
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
			defer cancel()

			if err := c.Send(sendCtx, payload); err != nil {
				m.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}

// PositionOpened reports a filled grid open
func (m *Manager) PositionOpened(ctx context.Context, symbol string, side core.PositionSide, fill *core.FillRecord) {
	m.Notify(ctx, Info, "Position opened", symbol, map[string]string{
		"symbol":    symbol,
		"side":      string(side),
		"quantity":  fill.Quantity.String(),
		"avg_price": fill.AvgPrice.String(),
		"status":    string(fill.Status),
	})
}

// PositionClosed reports a filled grid close
func (m *Manager) PositionClosed(ctx context.Context, symbol string, side core.PositionSide, fill *core.FillRecord) {
	m.Notify(ctx, Info, "Position closed", symbol, map[string]string{
		"symbol":    symbol,
		"side":      string(side),
		"quantity":  fill.Quantity.String(),
		"avg_price": fill.AvgPrice.String(),
		"status":    string(fill.Status),
	})
}

// InstanceWarning reports a degraded strategy instance
func (m *Manager) InstanceWarning(ctx context.Context, symbol, message string) {
	m.Notify(ctx, Warning, "Strategy warning", message, map[string]string{
		"symbol": symbol,
	})
}

package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersPlacedTotal   = "grid_trader_orders_placed_total"
	MetricOrdersFilledTotal   = "grid_trader_orders_filled_total"
	MetricOrdersInferredTotal = "grid_trader_orders_inferred_total"
	MetricOrdersFailedTotal   = "grid_trader_orders_failed_total"
	MetricTicksTotal          = "grid_trader_ticks_dispatched_total"
	MetricVolumeTotal         = "grid_trader_volume_total"
	MetricPositionSize        = "grid_trader_position_size"
	MetricActiveInstances     = "grid_trader_active_instances"
	MetricLatencyExchange     = "grid_trader_latency_exchange_ms"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	OrdersPlacedTotal   metric.Int64Counter
	OrdersFilledTotal   metric.Int64Counter
	OrdersInferredTotal metric.Int64Counter
	OrdersFailedTotal   metric.Int64Counter
	TicksTotal          metric.Int64Counter
	VolumeTotal         metric.Float64Counter
	PositionSize        metric.Float64ObservableGauge
	ActiveInstances     metric.Int64ObservableGauge
	LatencyExchange     metric.Float64Histogram

	// State for observable gauges
	mu              sync.RWMutex
	positionSizeMap map[string]float64
	activeInstances int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			positionSizeMap: make(map[string]float64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders placed"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders confirmed filled"))
	if err != nil {
		return err
	}

	m.OrdersInferredTotal, err = meter.Int64Counter(MetricOrdersInferredTotal, metric.WithDescription("Total fills inferred from position deltas"))
	if err != nil {
		return err
	}

	m.OrdersFailedTotal, err = meter.Int64Counter(MetricOrdersFailedTotal, metric.WithDescription("Total failed order operations"))
	if err != nil {
		return err
	}

	m.TicksTotal, err = meter.Int64Counter(MetricTicksTotal, metric.WithDescription("Total price ticks dispatched to strategy instances"))
	if err != nil {
		return err
	}

	m.VolumeTotal, err = meter.Float64Counter(MetricVolumeTotal, metric.WithDescription("Total traded volume in base asset"))
	if err != nil {
		return err
	}

	m.LatencyExchange, err = meter.Float64Histogram(MetricLatencyExchange, metric.WithDescription("Latency of exchange API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.PositionSize, err = meter.Float64ObservableGauge(MetricPositionSize, metric.WithDescription("Current position size per symbol"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for symbol, size := range m.positionSizeMap {
				o.Observe(size, metric.WithAttributes(attribute.String("symbol", symbol)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.ActiveInstances, err = meter.Int64ObservableGauge(MetricActiveInstances, metric.WithDescription("Number of live strategy instances"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			o.Observe(m.activeInstances)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// SetPositionSize updates the position size gauge for a symbol
func (m *MetricsHolder) SetPositionSize(symbol string, size float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionSizeMap[symbol] = size
}

// SetActiveInstances updates the live instance gauge
func (m *MetricsHolder) SetActiveInstances(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeInstances = count
}

// RecordExchangeLatency records one exchange API call duration. Safe to call
// before InitMetrics.
func (m *MetricsHolder) RecordExchangeLatency(ctx context.Context, operation string, d time.Duration) {
	if m.LatencyExchange == nil {
		return
	}
	m.LatencyExchange.Record(ctx, float64(d.Milliseconds()),
		metric.WithAttributes(attribute.String("operation", operation)))
}

// Package order provides order execution functionality with rate limiting and retry logic
package order

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"grid_trader/internal/core"
	apperrors "grid_trader/pkg/errors"
	"grid_trader/pkg/telemetry"
	"grid_trader/pkg/tradingutils"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

const (
	confirmAttempts = 3
	confirmDelay    = 2 * time.Second
)

// Executor implements core.IOrderExecutor. Submission applies the symbol's
// precision filters, waits on the credential's shared rate limiter, and
// retries transient failures; confirmation polls order status a bounded
// number of times so callers can fall through to position-based inference.
type Executor struct {
	exchange core.IExchange
	logger   core.ILogger

	limiter *rate.Limiter

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	confirmPipeline failsafe.Executor[*core.Order]

	// Health status ring buffer
	errorTimestamps []time.Time
	errorIndex      int
	errorCapacity   int
	errorMu         sync.Mutex

	orderCounter metric.Int64Counter
	failCounter  metric.Int64Counter
}

// NewExecutor creates an order executor bound to one credential's rate budget
func NewExecutor(exchange core.IExchange, creds core.Credentials, logger core.ILogger) *Executor {
	meter := telemetry.GetMeter("order-executor")

	orderCounter, _ := meter.Int64Counter("order_placements_total",
		metric.WithDescription("Total number of orders placed"))
	failCounter, _ := meter.Int64Counter("order_failures_total",
		metric.WithDescription("Total number of order placement failures"))

	confirmPolicy := retrypolicy.NewBuilder[*core.Order]().
		HandleIf(func(order *core.Order, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled)
			}
			return order == nil || !order.Status.Terminal()
		}).
		WithDelay(confirmDelay).
		WithMaxRetries(confirmAttempts - 1).
		Build()

	return &Executor{
		exchange:        exchange,
		logger:          logger.WithField("component", "order_executor"),
		limiter:         LimiterFor(creds),
		maxRetries:      5,
		baseDelay:       500 * time.Millisecond,
		maxDelay:        10 * time.Second,
		confirmPipeline: failsafe.With[*core.Order](confirmPolicy),
		errorCapacity:   1000,
		errorTimestamps: make([]time.Time, 0, 1000),
		orderCounter:    orderCounter,
		failCounter:     failCounter,
	}
}

// SubmitMarketOrder adjusts the quantity to the symbol's lot step and places
// a market order with retries
func (oe *Executor) SubmitMarketOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.Order, error) {
	info, err := oe.exchange.GetSymbolInfo(ctx, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get symbol filters: %w", err)
	}

	adjusted := *req
	adjusted.Type = core.OrderTypeMarket
	adjusted.Quantity = tradingutils.AdjustQuantity(req.Quantity, info.StepSize)

	if !adjusted.Quantity.IsPositive() {
		return nil, fmt.Errorf("%w: quantity %s rounds to zero at step %s",
			apperrors.ErrInvalidOrderParameter, req.Quantity.String(), info.StepSize.String())
	}
	if info.MinQty.IsPositive() && adjusted.Quantity.LessThan(info.MinQty) {
		return nil, fmt.Errorf("%w: quantity %s below exchange minimum %s",
			apperrors.ErrInvalidOrderParameter, adjusted.Quantity.String(), info.MinQty.String())
	}

	return oe.placeOrderWithRetry(ctx, &adjusted, 0)
}

// ConfirmOrder queries order status with a fixed-delay bounded retry. When
// the budget is exhausted without a terminal status it returns
// apperrors.ErrOrderNotFound; the caller decides whether to infer from
// position deltas.
func (oe *Executor) ConfirmOrder(ctx context.Context, symbol string, orderID int64) (*core.Order, error) {
	order, err := oe.confirmPipeline.WithContext(ctx).Get(func() (*core.Order, error) {
		if err := oe.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return oe.exchange.QueryOrder(ctx, symbol, orderID)
	})
	if err != nil {
		oe.recordError()
		return nil, fmt.Errorf("%w: order %d status unknown after %d queries: %v",
			apperrors.ErrOrderNotFound, orderID, confirmAttempts, err)
	}
	if order == nil || !order.Status.Terminal() {
		return nil, fmt.Errorf("%w: order %d not terminal after %d queries",
			apperrors.ErrOrderNotFound, orderID, confirmAttempts)
	}
	return order, nil
}

// CheckHealth returns an error if the executor has seen an elevated error rate
func (oe *Executor) CheckHealth() error {
	errCount := oe.getRecentErrorCount(5 * time.Minute)
	if errCount > 50 {
		return fmt.Errorf("high error rate: %d errors in last 5 minutes", errCount)
	}
	return nil
}

// recordError adds an error timestamp to track recent errors (ring buffer)
func (oe *Executor) recordError() {
	oe.errorMu.Lock()
	defer oe.errorMu.Unlock()

	if oe.errorCapacity == 0 {
		oe.errorCapacity = 1000
	}

	if len(oe.errorTimestamps) < oe.errorCapacity {
		oe.errorTimestamps = append(oe.errorTimestamps, time.Now())
	} else {
		oe.errorTimestamps[oe.errorIndex] = time.Now()
		oe.errorIndex = (oe.errorIndex + 1) % oe.errorCapacity
	}
}

func (oe *Executor) getRecentErrorCount(duration time.Duration) int {
	oe.errorMu.Lock()
	defer oe.errorMu.Unlock()

	cutoff := time.Now().Add(-duration)
	count := 0
	for _, t := range oe.errorTimestamps {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}

func (oe *Executor) placeOrderWithRetry(ctx context.Context, req *core.PlaceOrderRequest, attempt int) (*core.Order, error) {
	if err := oe.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	oe.orderCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", req.Symbol),
		attribute.String("side", string(req.Side)),
	))

	order, err := oe.exchange.PlaceOrder(ctx, req)
	if err == nil {
		return order, nil
	}

	oe.logger.Warn("Order placement failed",
		"symbol", req.Symbol,
		"side", string(req.Side),
		"error", err.Error(),
		"attempt", attempt+1)

	oe.failCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", req.Symbol),
		attribute.String("side", string(req.Side)),
	))
	oe.recordError()

	if attempt >= oe.maxRetries {
		return nil, fmt.Errorf("max retries exceeded: %w", err)
	}
	if isFatalOrderError(err) {
		return nil, err
	}

	delay := oe.calculateRetryDelay(attempt)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(delay):
		return oe.placeOrderWithRetry(ctx, req, attempt+1)
	}
}

// isFatalOrderError reports whether retrying the same request cannot succeed.
// Position desync is fatal here: the caller must reconcile, not resubmit.
func isFatalOrderError(err error) bool {
	switch {
	case errors.Is(err, apperrors.ErrInsufficientFunds),
		errors.Is(err, apperrors.ErrInvalidSymbol),
		errors.Is(err, apperrors.ErrInvalidOrderParameter),
		errors.Is(err, apperrors.ErrAuthenticationFailed),
		errors.Is(err, apperrors.ErrPositionDesync):
		return true
	}
	return false
}

// calculateRetryDelay calculates exponential backoff delay
func (oe *Executor) calculateRetryDelay(attempt int) time.Duration {
	// min(baseDelay * 2^attempt, maxDelay) + jitter
	delay := float64(oe.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(oe.maxDelay) {
		delay = float64(oe.maxDelay)
	}

	// ±10% jitter
	jitter := (rand.Float64()*0.2 - 0.1) * delay
	return time.Duration(delay + jitter)
}

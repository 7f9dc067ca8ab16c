package grid

import (
	"context"
	"errors"
	"time"

	"grid_trader/internal/core"
	apperrors "grid_trader/pkg/errors"
	"grid_trader/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

var inferenceToleranceFactor = decimal.RequireFromString(inferenceTolerance)

// appliedOrderCap bounds the duplicate-confirm guard on a long-lived instance
const appliedOrderCap = 512

// markAppliedLocked records an order ID in the duplicate-confirm guard,
// evicting the oldest entry past the cap. Returns false when the ID was
// already applied. Caller holds the mutex.
func (i *Instance) markAppliedLocked(orderID int64) bool {
	if orderID == 0 {
		return true
	}
	if i.appliedOrders[orderID] {
		return false
	}
	i.appliedOrders[orderID] = true
	i.appliedOrderIDs = append(i.appliedOrderIDs, orderID)
	if len(i.appliedOrderIDs) > appliedOrderCap {
		delete(i.appliedOrders, i.appliedOrderIDs[0])
		i.appliedOrderIDs = i.appliedOrderIDs[1:]
	}
	return true
}

// startOrder acquires the order lock and launches the open/close flow in the
// background. The tick path never blocks on order completion; the lock alone
// guarantees at most one operation in flight per instance.
func (i *Instance) startOrder(kind lockState, quantity decimal.Decimal) {
	i.mu.Lock()
	if i.lock != lockIdle {
		i.logger.Warn("Order operation in progress, skipping request", "lock", string(i.lock))
		i.mu.Unlock()
		return
	}
	i.lock = kind
	i.mu.Unlock()

	run := func() {
		defer i.releaseLock()
		if kind == lockOpening {
			i.executeOpen(i.ctx, quantity)
		} else {
			i.executeClose(i.ctx, quantity)
		}
	}
	if i.pool != nil {
		if err := i.pool.Submit(run); err != nil {
			i.releaseLock()
			i.warn("failed to schedule order operation", err)
		}
	} else {
		go run()
	}
}

func (i *Instance) releaseLock() {
	i.mu.Lock()
	i.lock = lockIdle
	i.mu.Unlock()
}

// runOpen performs a synchronous open with the same lock discipline. Used by
// Initialize for the position floor top-up.
func (i *Instance) runOpen(ctx context.Context, quantity decimal.Decimal) {
	i.mu.Lock()
	if i.lock != lockIdle {
		i.mu.Unlock()
		return
	}
	i.lock = lockOpening
	i.mu.Unlock()

	defer i.releaseLock()
	i.executeOpen(ctx, quantity)
}

// executeOpen submits a market open, refreshes the account in the background,
// and confirms the fill directly or by position inference
func (i *Instance) executeOpen(ctx context.Context, quantity decimal.Decimal) {
	i.mu.Lock()
	pre := i.positionQty
	i.mu.Unlock()

	order, err := i.executor.SubmitMarketOrder(ctx, &core.PlaceOrderRequest{
		Symbol:       i.settings.Symbol,
		Side:         i.openSide(),
		PositionSide: i.settings.Side,
		Type:         core.OrderTypeMarket,
		Quantity:     quantity,
	})

	i.sleep(ctx, i.submitPause)
	i.refreshAccountAsyncUnlocked()

	if err != nil {
		i.warn("failed to open position", err)
		return
	}

	fill := i.confirmFill(ctx, order, pre, quantity, lockOpening)
	if fill == nil {
		i.warn("open order outcome unknown, abandoning operation", nil)
		return
	}

	i.applyOpenFill(*fill)
}

// executeClose submits a market close; a rejection due to the position no
// longer existing on the exchange is a recoverable desync, not a failure
func (i *Instance) executeClose(ctx context.Context, quantity decimal.Decimal) {
	i.mu.Lock()
	pre := i.positionQty
	i.mu.Unlock()

	order, err := i.executor.SubmitMarketOrder(ctx, &core.PlaceOrderRequest{
		Symbol:       i.settings.Symbol,
		Side:         i.closeSide(),
		PositionSide: i.settings.Side,
		Type:         core.OrderTypeMarket,
		Quantity:     quantity,
	})

	if err != nil {
		i.warn("failed to close position", err)
		i.handleCloseError(err)
		i.sleep(ctx, i.submitPause)
		i.refreshAccountAsyncUnlocked()
		return
	}

	i.sleep(ctx, i.submitPause)
	i.refreshAccountAsyncUnlocked()

	fill := i.confirmFill(ctx, order, pre, quantity, lockClosing)
	if fill == nil {
		i.warn("close order outcome unknown, abandoning operation", nil)
		return
	}

	i.applyCloseFill(*fill)
}

// confirmFill resolves an order's outcome: bounded status queries first, then
// position-based inference against the refreshed account quantity. A nil
// return means the outcome stayed unknown and the operation is abandoned.
func (i *Instance) confirmFill(ctx context.Context, order *core.Order, pre, quantity decimal.Decimal, kind lockState) *core.FillRecord {
	if order == nil {
		return nil
	}

	i.sleep(ctx, i.settleDelay)

	confirmed, err := i.executor.ConfirmOrder(ctx, i.settings.Symbol, order.OrderID)
	if err == nil && confirmed != nil && confirmed.Status == core.StatusFilled {
		return &core.FillRecord{
			OrderID:      confirmed.OrderID,
			Symbol:       i.settings.Symbol,
			Side:         order.Side,
			PositionSide: i.settings.Side,
			Quantity:     quantity,
			AvgPrice:     confirmed.AvgPrice,
			Status:       core.StatusFilled,
			FilledAt:     time.Now(),
		}
	}
	if err == nil && confirmed != nil {
		// Terminal but unfilled (canceled, rejected, expired)
		i.logger.Warn("Order reached terminal non-filled status",
			"order_id", confirmed.OrderID, "status", string(confirmed.Status))
		return nil
	}
	if err != nil && !errors.Is(err, apperrors.ErrOrderNotFound) {
		i.warn("order confirmation failed", err)
		return nil
	}

	// Queries exhausted: infer from position delta
	if rerr := i.refreshAccount(ctx); rerr != nil {
		i.warn("account refresh for inference failed", rerr)
		return nil
	}

	i.mu.Lock()
	actual := i.positionQty
	price := i.latestPrice
	i.mu.Unlock()

	expected := pre.Add(quantity)
	if kind == lockClosing {
		expected = pre.Sub(quantity)
	}
	tolerance := quantity.Mul(inferenceToleranceFactor)
	success := tradingutils.WithinTolerance(actual, expected, tolerance)

	i.logger.Info("Position inference",
		"pre", pre.String(), "expected", expected.String(),
		"actual", actual.String(), "success", success)

	if success {
		i.warn("order query exhausted, fill inferred from position delta", nil)
		return &core.FillRecord{
			OrderID:      order.OrderID,
			Symbol:       i.settings.Symbol,
			Side:         order.Side,
			PositionSide: i.settings.Side,
			Quantity:     quantity,
			AvgPrice:     price,
			Status:       core.StatusInferred,
			FilledAt:     time.Now(),
		}
	}

	i.warn("order query exhausted and position inference failed", nil)
	return nil
}

// applyOpenFill records a confirmed open: ledger push, fill log, target
// reset, trade history, observer event. Replaying the same order ID is a
// no-op.
func (i *Instance) applyOpenFill(fill core.FillRecord) {
	i.mu.Lock()
	if !i.markAppliedLocked(fill.OrderID) {
		i.mu.Unlock()
		return
	}
	i.fills = append(i.fills, fill)
	i.ledger = append(i.ledger, fill)
	i.resetTargetPriceLocked(fill.AvgPrice)
	obs := i.observer
	i.mu.Unlock()

	i.logger.Info("Position opened", "order_id", fill.OrderID,
		"avg_price", fill.AvgPrice.String(), "quantity", fill.Quantity.String(),
		"status", string(fill.Status))

	i.appendTrade(fill)
	obs.OnOpenPosition(i.id, fill)
}

// applyCloseFill records a confirmed close, popping the most recent ledger
// entry (LIFO matching)
func (i *Instance) applyCloseFill(fill core.FillRecord) {
	i.mu.Lock()
	if !i.markAppliedLocked(fill.OrderID) {
		i.mu.Unlock()
		return
	}
	i.fills = append(i.fills, fill)
	if len(i.ledger) > 0 {
		i.ledger = i.ledger[:len(i.ledger)-1]
	}
	i.resetTargetPriceLocked(fill.AvgPrice)
	obs := i.observer
	i.mu.Unlock()

	i.logger.Info("Position closed", "order_id", fill.OrderID,
		"avg_price", fill.AvgPrice.String(), "quantity", fill.Quantity.String(),
		"status", string(fill.Status))

	i.appendTrade(fill)
	obs.OnClosePosition(i.id, fill)
}

// handleCloseError resets local state when the exchange reports the position
// gone (closed out-of-band). The next tick re-enters the open branch cleanly.
func (i *Instance) handleCloseError(err error) {
	if !errors.Is(err, apperrors.ErrPositionDesync) {
		return
	}

	i.mu.Lock()
	i.ledger = nil
	i.positionQty = decimal.Zero
	i.nextRise = decimal.Zero
	i.nextFall = decimal.Zero
	i.targetsSet = false
	i.mu.Unlock()

	i.logger.Warn("Position desync detected, local state reset")
}

func (i *Instance) appendTrade(fill core.FillRecord) {
	if i.store == nil {
		return
	}
	if err := i.store.AppendTrade(i.ctx, i.id, &fill); err != nil {
		i.logger.Error("Failed to append trade history", "order_id", fill.OrderID, "error", err)
	}
}

func (i *Instance) openSide() core.OrderSide {
	if i.settings.Side == core.PositionSideLong {
		return core.OrderSideBuy
	}
	return core.OrderSideSell
}

func (i *Instance) closeSide() core.OrderSide {
	if i.settings.Side == core.PositionSideLong {
		return core.OrderSideSell
	}
	return core.OrderSideBuy
}

// refreshAccountAsyncUnlocked is refreshAccountAsync for callers not holding
// the mutex
func (i *Instance) refreshAccountAsyncUnlocked() {
	i.mu.Lock()
	i.refreshAccountAsync()
	i.mu.Unlock()
}

func (i *Instance) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

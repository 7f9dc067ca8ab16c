package grid

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"grid_trader/internal/core"
	"grid_trader/internal/mock"
	apperrors "grid_trader/pkg/errors"
	"grid_trader/pkg/logging"
	"grid_trader/pkg/retry"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExecutor records submissions and serves scripted confirmations
type fakeExecutor struct {
	mu        sync.Mutex
	submitted []*core.PlaceOrderRequest
	submitErr error
	confirmFn func(orderID int64) (*core.Order, error)
	fillPrice decimal.Decimal
	nextID    int64
	onSubmit  func(req *core.PlaceOrderRequest)
}

func newFakeExecutor(fillPrice decimal.Decimal) *fakeExecutor {
	return &fakeExecutor{fillPrice: fillPrice, nextID: 100}
}

func (f *fakeExecutor) SubmitMarketOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.submitted = append(f.submitted, req)
	if f.submitErr != nil {
		err := f.submitErr
		f.submitErr = nil
		return nil, err
	}
	f.nextID++
	if f.onSubmit != nil {
		f.onSubmit(req)
	}
	return &core.Order{
		OrderID:  f.nextID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Quantity: req.Quantity,
		Status:   core.StatusNew,
	}, nil
}

func (f *fakeExecutor) ConfirmOrder(ctx context.Context, symbol string, orderID int64) (*core.Order, error) {
	f.mu.Lock()
	confirm := f.confirmFn
	price := f.fillPrice
	f.mu.Unlock()

	if confirm != nil {
		return confirm(orderID)
	}
	return &core.Order{OrderID: orderID, Symbol: symbol, Status: core.StatusFilled, AvgPrice: price}, nil
}

func (f *fakeExecutor) CheckHealth() error { return nil }

func (f *fakeExecutor) submissionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func (f *fakeExecutor) lastSubmission() *core.PlaceOrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.submitted) == 0 {
		return nil
	}
	return f.submitted[len(f.submitted)-1]
}

func testSettings() core.GridSettings {
	return core.GridSettings{
		Symbol:         "TESTUSDT",
		Side:           core.PositionSideLong,
		Spacing:        decimal.NewFromInt(10),
		TradeQuantity:  decimal.NewFromInt(1),
		MinPositionQty: decimal.NewFromInt(1),
		MaxPositionQty: decimal.NewFromInt(100),
	}
}

func testCreds() core.Credentials {
	return core.Credentials{APIKey: "key", APISecret: "secret"}
}

func newTestInstance(t *testing.T, settings core.GridSettings, exchange core.IExchange, executor core.IOrderExecutor) *Instance {
	t.Helper()

	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	inst, err := NewInstance("test-instance", testCreds(), settings, exchange, executor, mock.NewStore(), nil, logger)
	require.NoError(t, err)

	inst.submitPause = 0
	inst.settleDelay = 0
	inst.initRetry = retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
	return inst
}

func TestResetTargetPrice_NoCoefficient(t *testing.T) {
	settings := testSettings()
	settings.FallPrevention = decimal.Zero

	inst := newTestInstance(t, settings, mock.NewExchange(), newFakeExecutor(decimal.Zero))

	inst.mu.Lock()
	inst.resetTargetPriceLocked(decimal.NewFromInt(1000))
	rise, fall := inst.nextRise, inst.nextFall
	inst.mu.Unlock()

	assert.True(t, rise.Equal(decimal.NewFromInt(1010)), "rise = %s", rise)
	assert.True(t, fall.Equal(decimal.NewFromInt(990)), "fall = %s", fall)
}

func TestResetTargetPrice_FallPreventionWidensLongFall(t *testing.T) {
	settings := testSettings()
	settings.FallPrevention = decimal.NewFromInt(2)
	settings.MaxPositionQty = decimal.NewFromInt(10)

	inst := newTestInstance(t, settings, mock.NewExchange(), newFakeExecutor(decimal.Zero))

	inst.mu.Lock()
	inst.positionQty = decimal.NewFromInt(5)
	// coefficient = 10 * (5/10) * 2 = 10
	inst.resetTargetPriceLocked(decimal.NewFromInt(1000))
	rise, fall := inst.nextRise, inst.nextFall
	inst.mu.Unlock()

	assert.True(t, rise.Equal(decimal.NewFromInt(1010)), "rise = %s", rise)
	assert.True(t, fall.Equal(decimal.NewFromInt(980)), "fall = %s", fall)
	assert.True(t, fall.LessThan(rise))
}

func TestResetTargetPrice_ShortWidensRise(t *testing.T) {
	settings := testSettings()
	settings.Side = core.PositionSideShort
	settings.FallPrevention = decimal.NewFromInt(2)
	settings.MaxPositionQty = decimal.NewFromInt(10)

	inst := newTestInstance(t, settings, mock.NewExchange(), newFakeExecutor(decimal.Zero))

	inst.mu.Lock()
	inst.positionQty = decimal.NewFromInt(5)
	inst.resetTargetPriceLocked(decimal.NewFromInt(1000))
	rise, fall := inst.nextRise, inst.nextFall
	inst.mu.Unlock()

	assert.True(t, fall.Equal(decimal.NewFromInt(990)), "fall = %s", fall)
	assert.True(t, rise.Equal(decimal.NewFromInt(1020)), "rise = %s", rise)
	assert.True(t, fall.LessThan(rise))
}

func setupActive(t *testing.T, settings core.GridSettings, positionQty decimal.Decimal) (*Instance, *mock.Exchange, *fakeExecutor) {
	t.Helper()

	exchange := mock.NewExchange()
	exchange.SetSymbolInfo(mock.DefaultSymbolInfo(settings.Symbol))
	exchange.SetMarkPrice(settings.Symbol, decimal.NewFromInt(1000))
	if positionQty.IsPositive() {
		exchange.SetPosition(settings.Symbol, settings.Side, positionQty, decimal.NewFromInt(1000))
	}

	executor := newFakeExecutor(decimal.NewFromInt(1000))
	inst := newTestInstance(t, settings, exchange, executor)

	inst.mu.Lock()
	inst.initialized = true
	inst.autoPaused = false
	inst.positionQty = positionQty
	inst.mu.Unlock()

	return inst, exchange, executor
}

func TestOnTick_ClosesWhenPriceRisesPastTarget(t *testing.T) {
	inst, _, executor := setupActive(t, testSettings(), decimal.NewFromInt(5))

	inst.mu.Lock()
	inst.ledger = []core.FillRecord{{OrderID: 1, AvgPrice: decimal.NewFromInt(1000)}}
	inst.nextRise = decimal.NewFromInt(1010)
	inst.nextFall = decimal.NewFromInt(990)
	inst.targetsSet = true
	inst.mu.Unlock()

	inst.OnTick(decimal.NewFromInt(1011))

	require.Eventually(t, func() bool {
		return executor.submissionCount() == 1 && inst.LedgerLen() == 0
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, core.OrderSideSell, executor.lastSubmission().Side)

	// Targets re-anchored at the fill price
	rise, fall, ok := inst.Targets()
	require.True(t, ok)
	assert.True(t, rise.Equal(decimal.NewFromInt(1010)), "rise = %s", rise)
	assert.True(t, fall.Equal(decimal.NewFromInt(990)), "fall = %s", fall)
}

func TestOnTick_OpensWhenPriceFallsPastTarget(t *testing.T) {
	inst, _, executor := setupActive(t, testSettings(), decimal.NewFromInt(5))

	inst.mu.Lock()
	inst.ledger = []core.FillRecord{{OrderID: 1, AvgPrice: decimal.NewFromInt(1000)}}
	inst.nextRise = decimal.NewFromInt(1010)
	inst.nextFall = decimal.NewFromInt(990)
	inst.targetsSet = true
	inst.mu.Unlock()

	inst.OnTick(decimal.NewFromInt(989))

	require.Eventually(t, func() bool {
		return executor.submissionCount() == 1 && inst.LedgerLen() == 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, core.OrderSideBuy, executor.lastSubmission().Side)
}

func TestOnTick_OpensWhenNoTrackedPosition(t *testing.T) {
	inst, _, executor := setupActive(t, testSettings(), decimal.NewFromInt(5))

	inst.OnTick(decimal.NewFromInt(1000))

	require.Eventually(t, func() bool {
		return executor.submissionCount() == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, core.OrderSideBuy, executor.lastSubmission().Side)
}

func TestOnTick_CapBlocksOpen(t *testing.T) {
	settings := testSettings()
	settings.MaxPositionQty = decimal.NewFromInt(5)
	inst, _, executor := setupActive(t, settings, decimal.NewFromInt(5))

	inst.mu.Lock()
	inst.ledger = []core.FillRecord{{OrderID: 1, AvgPrice: decimal.NewFromInt(1000)}}
	inst.nextRise = decimal.NewFromInt(1010)
	inst.nextFall = decimal.NewFromInt(990)
	inst.targetsSet = true
	inst.mu.Unlock()

	inst.OnTick(decimal.NewFromInt(989))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, executor.submissionCount())
}

func TestOnTick_PausedDoesNothing(t *testing.T) {
	inst, _, executor := setupActive(t, testSettings(), decimal.NewFromInt(5))
	inst.Pause()

	inst.OnTick(decimal.NewFromInt(1000))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, executor.submissionCount())
}

func TestOnTick_PriorityCloseSkipsOpen(t *testing.T) {
	settings := testSettings()
	settings.PriorityCloseOnTrend = true
	inst, _, executor := setupActive(t, settings, decimal.NewFromInt(5))

	inst.mu.Lock()
	inst.entryPrice = decimal.NewFromInt(1000)
	inst.nextRise = decimal.NewFromInt(1010)
	inst.nextFall = decimal.NewFromInt(990)
	inst.targetsSet = true
	inst.mu.Unlock()

	// Empty ledger would normally open; price at both boundaries skips it
	inst.OnTick(decimal.NewFromInt(1000))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, executor.submissionCount())
}

func TestPriorityClose_BoundaryOperators(t *testing.T) {
	settings := testSettings()
	settings.PriorityCloseOnTrend = true
	inst, _, _ := setupActive(t, settings, decimal.NewFromInt(5))

	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.entryPrice = decimal.NewFromInt(1000)
	inst.nextRise = decimal.NewFromInt(1010)
	inst.nextFall = decimal.NewFromInt(990)
	inst.targetsSet = true

	openQty := decimal.NewFromInt(1)

	// LONG: price >= fall AND price >= entry
	assert.True(t, inst.priorityCloseAppliesLocked(decimal.NewFromInt(1000), openQty))
	assert.True(t, inst.priorityCloseAppliesLocked(decimal.NewFromInt(1500), openQty))
	assert.False(t, inst.priorityCloseAppliesLocked(decimal.NewFromInt(999), openQty))

	// Position smaller than one open quantity: nothing closable
	inst.positionQty = decimal.RequireFromString("0.5")
	assert.False(t, inst.priorityCloseAppliesLocked(decimal.NewFromInt(1000), openQty))
}

func TestAutoPause_LimitBoundsAndEntryGuards(t *testing.T) {
	settings := testSettings()
	settings.LowerLimitPrice = decimal.NewFromInt(900)
	settings.UpperLimitPrice = decimal.NewFromInt(1100)
	settings.PauseAboveEntryPrice = true
	inst, _, _ := setupActive(t, settings, decimal.NewFromInt(5))

	inst.mu.Lock()
	defer inst.mu.Unlock()

	inst.evaluateAutoPauseLocked(decimal.NewFromInt(900))
	assert.True(t, inst.autoPaused, "at lower bound")

	inst.evaluateAutoPauseLocked(decimal.NewFromInt(950))
	assert.False(t, inst.autoPaused, "back inside bounds")

	inst.evaluateAutoPauseLocked(decimal.NewFromInt(1100))
	assert.True(t, inst.autoPaused, "at upper bound")

	// Entry guard engages at or above entry, and does not self-clear below it
	inst.entryPrice = decimal.NewFromInt(1000)
	inst.evaluateAutoPauseLocked(decimal.NewFromInt(1000))
	assert.True(t, inst.autoPaused, "at entry with guard")

	inst.evaluateAutoPauseLocked(decimal.NewFromInt(999))
	assert.False(t, inst.autoPaused, "below entry clears via bounds resume")
}

func TestOrderLock_SecondOperationSkipped(t *testing.T) {
	inst, _, executor := setupActive(t, testSettings(), decimal.NewFromInt(5))

	inst.mu.Lock()
	inst.lock = lockOpening
	inst.mu.Unlock()

	inst.startOrder(lockClosing, decimal.NewFromInt(1))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, executor.submissionCount())

	inst.mu.Lock()
	assert.Equal(t, lockOpening, inst.lock)
	inst.mu.Unlock()
}

func TestConfirmFill_InfersFromPositionDelta(t *testing.T) {
	settings := testSettings()
	exchange := mock.NewExchange()
	exchange.SetSymbolInfo(mock.DefaultSymbolInfo(settings.Symbol))
	exchange.SetMarkPrice(settings.Symbol, decimal.NewFromInt(1000))
	exchange.SetPosition(settings.Symbol, settings.Side, decimal.RequireFromString("0.6"), decimal.NewFromInt(1000))

	executor := newFakeExecutor(decimal.Zero)
	executor.confirmFn = func(orderID int64) (*core.Order, error) {
		return nil, fmt.Errorf("%w: status unknown", apperrors.ErrOrderNotFound)
	}

	inst := newTestInstance(t, settings, exchange, executor)
	inst.mu.Lock()
	inst.initialized = true
	inst.autoPaused = false
	inst.positionQty = decimal.RequireFromString("0.5")
	inst.latestPrice = decimal.NewFromInt(1000)
	inst.mu.Unlock()

	inst.executeOpen(context.Background(), decimal.RequireFromString("0.1"))

	require.Equal(t, 1, inst.LedgerLen())
	inst.mu.Lock()
	fill := inst.fills[len(inst.fills)-1]
	inst.mu.Unlock()
	assert.Equal(t, core.StatusInferred, fill.Status)
	assert.True(t, fill.AvgPrice.Equal(decimal.NewFromInt(1000)))
}

func TestConfirmFill_InferenceFailsOutsideTolerance(t *testing.T) {
	settings := testSettings()
	exchange := mock.NewExchange()
	exchange.SetSymbolInfo(mock.DefaultSymbolInfo(settings.Symbol))
	exchange.SetMarkPrice(settings.Symbol, decimal.NewFromInt(1000))
	// Position did not move: the order did not fill
	exchange.SetPosition(settings.Symbol, settings.Side, decimal.RequireFromString("0.5"), decimal.NewFromInt(1000))

	executor := newFakeExecutor(decimal.Zero)
	executor.confirmFn = func(orderID int64) (*core.Order, error) {
		return nil, fmt.Errorf("%w: status unknown", apperrors.ErrOrderNotFound)
	}

	inst := newTestInstance(t, settings, exchange, executor)
	inst.mu.Lock()
	inst.initialized = true
	inst.positionQty = decimal.RequireFromString("0.5")
	inst.mu.Unlock()

	inst.executeOpen(context.Background(), decimal.RequireFromString("0.1"))

	assert.Equal(t, 0, inst.LedgerLen())
}

func TestApplyOpenFill_IdempotentOnOrderID(t *testing.T) {
	inst, _, _ := setupActive(t, testSettings(), decimal.NewFromInt(5))

	fill := core.FillRecord{
		OrderID:  42,
		Symbol:   "TESTUSDT",
		Side:     core.OrderSideBuy,
		Quantity: decimal.NewFromInt(1),
		AvgPrice: decimal.NewFromInt(1000),
		Status:   core.StatusFilled,
	}

	inst.applyOpenFill(fill)
	inst.applyOpenFill(fill)

	assert.Equal(t, 1, inst.LedgerLen())
}

func TestHandleCloseError_DesyncResetsState(t *testing.T) {
	inst, _, _ := setupActive(t, testSettings(), decimal.NewFromInt(5))

	inst.mu.Lock()
	inst.ledger = []core.FillRecord{{OrderID: 1}, {OrderID: 2}}
	inst.nextRise = decimal.NewFromInt(1010)
	inst.nextFall = decimal.NewFromInt(990)
	inst.targetsSet = true
	inst.mu.Unlock()

	inst.handleCloseError(fmt.Errorf("close failed: %w", apperrors.ErrPositionDesync))

	assert.Equal(t, 0, inst.LedgerLen())
	assert.True(t, inst.PositionQuantity().IsZero())
	_, _, ok := inst.Targets()
	assert.False(t, ok)
}

func TestHandleCloseError_OtherErrorsKeepState(t *testing.T) {
	inst, _, _ := setupActive(t, testSettings(), decimal.NewFromInt(5))

	inst.mu.Lock()
	inst.ledger = []core.FillRecord{{OrderID: 1}}
	inst.mu.Unlock()

	inst.handleCloseError(fmt.Errorf("transient: %w", apperrors.ErrNetwork))

	assert.Equal(t, 1, inst.LedgerLen())
	assert.False(t, inst.PositionQuantity().IsZero())
}

func TestInitialize_TopsUpToFloor(t *testing.T) {
	settings := testSettings()
	settings.MinPositionQty = decimal.NewFromInt(2)

	exchange := mock.NewExchange()
	exchange.SetSymbolInfo(mock.DefaultSymbolInfo(settings.Symbol))
	exchange.SetMarkPrice(settings.Symbol, decimal.NewFromInt(1000))
	// No position on the exchange yet

	executor := newFakeExecutor(decimal.NewFromInt(1000))
	inst := newTestInstance(t, settings, exchange, executor)

	require.NoError(t, inst.Initialize(context.Background()))

	assert.True(t, inst.Initialized())
	assert.False(t, inst.AutoPaused())
	// Floor 2 plus one open quantity
	require.Equal(t, 1, executor.submissionCount())
	assert.True(t, executor.lastSubmission().Quantity.Equal(decimal.NewFromInt(3)),
		"got %s", executor.lastSubmission().Quantity)
}

// flakyInfoExchange fails the exchange-info fetch a fixed number of times
// before delegating to the embedded mock
type flakyInfoExchange struct {
	*mock.Exchange
	mu       sync.Mutex
	failures int
}

func (f *flakyInfoExchange) FetchExchangeInfo(ctx context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return apperrors.ErrNetwork
	}
	return f.Exchange.FetchExchangeInfo(ctx, symbol)
}

func TestInitialize_RecoversFromTransientExchangeInfoFailure(t *testing.T) {
	settings := testSettings()
	settings.MinPositionQty = decimal.Zero

	exchange := mock.NewExchange()
	exchange.SetSymbolInfo(mock.DefaultSymbolInfo(settings.Symbol))
	flaky := &flakyInfoExchange{Exchange: exchange, failures: 1}

	executor := newFakeExecutor(decimal.NewFromInt(1000))
	inst := newTestInstance(t, settings, flaky, executor)

	require.NoError(t, inst.Initialize(context.Background()))
	assert.True(t, inst.Initialized())
	assert.False(t, inst.AutoPaused())

	// Ticks trade once the exchange has recovered
	inst.OnTick(decimal.NewFromInt(1000))
	require.Eventually(t, func() bool { return executor.submissionCount() > 0 },
		time.Second, 5*time.Millisecond)
}

func TestApplyFill_DuplicateGuardIsBounded(t *testing.T) {
	inst := newTestInstance(t, testSettings(), mock.NewExchange(), newFakeExecutor(decimal.NewFromInt(1000)))

	for id := int64(1); id <= appliedOrderCap+100; id++ {
		inst.applyOpenFill(core.FillRecord{
			OrderID:  id,
			Symbol:   "TESTUSDT",
			Quantity: decimal.NewFromInt(1),
			AvgPrice: decimal.NewFromInt(1000),
			Status:   core.StatusFilled,
		})
	}

	inst.mu.Lock()
	guarded := len(inst.appliedOrders)
	tracked := len(inst.appliedOrderIDs)
	inst.mu.Unlock()

	assert.LessOrEqual(t, guarded, appliedOrderCap)
	assert.Equal(t, guarded, tracked)
}

func TestOnTick_IgnoredBeforeInitialize(t *testing.T) {
	settings := testSettings()
	exchange := mock.NewExchange()
	executor := newFakeExecutor(decimal.Zero)
	inst := newTestInstance(t, settings, exchange, executor)

	inst.OnTick(decimal.NewFromInt(1000))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, executor.submissionCount())
}

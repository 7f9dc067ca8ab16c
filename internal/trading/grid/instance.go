// Package grid implements the price-reactive grid strategy state machine.
// One instance owns the position state for a (credential, symbol, side)
// tuple, converts price ticks into open/close market orders, and reconciles
// outcomes against the exchange's authoritative account data.
package grid

import (
	"context"
	"sync"
	"time"

	"grid_trader/internal/core"
	"grid_trader/pkg/concurrency"
	"grid_trader/pkg/retry"
	"grid_trader/pkg/telemetry"

	"github.com/shopspring/decimal"
)

type lockState string

const (
	lockIdle    lockState = "idle"
	lockOpening lockState = "opening"
	lockClosing lockState = "closing"
)

const (
	refreshEveryTicks  = 100
	refreshStaleness   = 5 * time.Minute
	baseAccountRetry   = 5 * time.Second
	accountRetryGrowth = time.Second
	defaultSettleDelay = 500 * time.Millisecond
	defaultSubmitPause = time.Second
	inferenceTolerance = "0.001" // fraction of order quantity
)

// Quick bounded retries inside each initialization attempt; persistent
// failure falls back to the growing outer interval
var defaultInitRetry = retry.Policy{
	MaxAttempts:    3,
	InitialBackoff: time.Second,
	MaxBackoff:     5 * time.Second,
}

// Instance is one grid strategy state machine
type Instance struct {
	id       string
	creds    core.Credentials
	settings core.GridSettings

	exchange core.IExchange
	executor core.IOrderExecutor
	store    core.IStrategyStore
	pool     *concurrency.WorkerPool
	logger   core.ILogger
	observer Observer

	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex

	// Lifecycle
	initialized bool
	terminated  bool
	paused      bool
	autoPaused  bool

	// Order lock: at most one order operation in flight per instance
	lock lockState

	// Position state, reconciled from account snapshots
	latestPrice    decimal.Decimal
	positionQty    decimal.Decimal
	entryPrice     decimal.Decimal
	breakEvenPrice decimal.Decimal

	// Ledger of unmatched opens (LIFO on close) and the cumulative fill log
	ledger []core.FillRecord
	fills  []core.FillRecord

	// Duplicate-confirm guard, bounded to the most recent order IDs
	appliedOrders   map[int64]bool
	appliedOrderIDs []int64

	// Target thresholds; valid only while targetsSet
	nextRise   decimal.Decimal
	nextFall   decimal.Decimal
	targetsSet bool

	// Tick bookkeeping
	tickCount   int
	throttled   bool
	lastRefresh time.Time

	// Growing retry interval for failed account fetches
	accountRetryInterval time.Duration

	// Quick retry policy for the initialization fetches
	initRetry retry.Policy

	// Test hooks: delays in the order flow
	submitPause time.Duration
	settleDelay time.Duration
}

// NewInstance validates the configuration and builds an uninitialized instance
func NewInstance(
	id string,
	creds core.Credentials,
	settings core.GridSettings,
	exchange core.IExchange,
	executor core.IOrderExecutor,
	store core.IStrategyStore,
	pool *concurrency.WorkerPool,
	logger core.ILogger,
) (*Instance, error) {
	if err := ValidateSettings(creds, settings); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Instance{
		id:       id,
		creds:    creds,
		settings: settings,
		exchange: exchange,
		executor: executor,
		store:    store,
		pool:     pool,
		logger: logger.WithField("component", "grid_instance").
			WithField("instance_id", id).
			WithField("symbol", settings.Symbol).
			WithField("side", string(settings.Side)),
		observer:             NopObserver{},
		ctx:                  ctx,
		cancel:               cancel,
		autoPaused:           true, // resumed by Initialize
		lock:                 lockIdle,
		appliedOrders:        make(map[int64]bool),
		accountRetryInterval: baseAccountRetry,
		initRetry:            defaultInitRetry,
		submitPause:          defaultSubmitPause,
		settleDelay:          defaultSettleDelay,
	}, nil
}

// ID returns the instance identifier
func (i *Instance) ID() string { return i.id }

// Symbol returns the traded symbol
func (i *Instance) Symbol() string { return i.settings.Symbol }

// Settings returns the immutable configuration
func (i *Instance) Settings() core.GridSettings { return i.settings }

// Credentials returns the instance's API key pair
func (i *Instance) Credentials() core.Credentials { return i.creds }

// SetObserver attaches the event observer. Must be called before Initialize.
func (i *Instance) SetObserver(obs Observer) {
	if obs == nil {
		obs = NopObserver{}
	}
	i.mu.Lock()
	i.observer = obs
	i.mu.Unlock()
}

// Initialize fetches exchange metadata and the authoritative position, tops
// the position up to the configured floor, and arms the instance for ticks.
// Transient fetch failures are retried quickly within each attempt; a
// persistently failing exchange is re-attempted with a growing interval until
// the context is cancelled by deletion, so a startup blip never strands the
// instance uninitialized.
func (i *Instance) Initialize(ctx context.Context) error {
	i.mu.Lock()
	i.autoPaused = true
	i.mu.Unlock()

	for {
		err := retry.Do(ctx, i.initRetry, retry.Always, func() error {
			return i.exchange.FetchExchangeInfo(ctx, i.settings.Symbol)
		})
		if err == nil {
			err = i.refreshAccount(ctx)
		}
		if err == nil {
			break
		}
		i.warn("failed to fetch exchange data during initialization", err)

		i.mu.Lock()
		wait := i.accountRetryInterval
		i.accountRetryInterval += accountRetryGrowth
		i.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-i.ctx.Done():
			return i.ctx.Err()
		case <-time.After(wait):
		}
	}

	// Top up to the minimum position floor before going live
	i.mu.Lock()
	minQty := i.settings.MinPositionQty
	qty := i.positionQty
	i.mu.Unlock()

	if minQty.IsPositive() && qty.LessThan(minQty) {
		topUp := minQty.Sub(qty).Add(i.settings.OpenQty())
		i.logger.Info("Topping up position to configured floor",
			"current", qty.String(), "floor", minQty.String(), "order_qty", topUp.String())
		i.runOpen(ctx, topUp)
	}

	i.mu.Lock()
	i.initialized = true
	i.autoPaused = false
	i.mu.Unlock()

	i.logger.Info("Grid instance initialized", "position", i.PositionQuantity().String())
	return nil
}

// Pause halts order logic on explicit user request
func (i *Instance) Pause() {
	i.mu.Lock()
	i.paused = true
	i.mu.Unlock()
	i.logger.Info("Grid paused by user")
}

// Resume lifts a user pause
func (i *Instance) Resume() {
	i.mu.Lock()
	i.paused = false
	i.mu.Unlock()
	i.logger.Info("Grid resumed by user")
}

// Terminate permanently stops the instance and cancels pending retries
func (i *Instance) Terminate() {
	i.mu.Lock()
	i.terminated = true
	i.mu.Unlock()
	i.cancel()
}

// Initialized reports whether Initialize has completed
func (i *Instance) Initialized() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.initialized
}

// Paused reports the manual pause flag
func (i *Instance) Paused() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.paused
}

// AutoPaused reports the policy pause flag
func (i *Instance) AutoPaused() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.autoPaused
}

// PositionQuantity returns the last reconciled position quantity
func (i *Instance) PositionQuantity() decimal.Decimal {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.positionQty
}

// Targets returns the next expected rise/fall thresholds and whether they are set
func (i *Instance) Targets() (rise, fall decimal.Decimal, ok bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.nextRise, i.nextFall, i.targetsSet
}

// LedgerLen returns the number of unmatched open records
func (i *Instance) LedgerLen() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.ledger)
}

// OnTick is the core reactive entry point, invoked by the dispatcher for
// every price update on the instance's symbol. It evaluates pause policies,
// throttling, and the grid decision branches, and launches at most one
// asynchronous order operation per call.
func (i *Instance) OnTick(price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}

	i.mu.Lock()

	if !i.initialized || i.terminated {
		i.mu.Unlock()
		return
	}

	i.latestPrice = price

	if i.paused {
		i.mu.Unlock()
		return
	}

	i.evaluateAutoPauseLocked(price)
	if i.autoPaused {
		i.mu.Unlock()
		return
	}

	// Throttle window: one decision pass per polling interval
	if i.throttled {
		i.mu.Unlock()
		return
	}
	if i.settings.PollingInterval > 0 {
		i.throttled = true
		time.AfterFunc(i.settings.PollingInterval, func() {
			i.mu.Lock()
			i.throttled = false
			i.mu.Unlock()
		})
	}

	// Re-sync when local state claims no position, and periodically to pick
	// up out-of-band balance changes
	if i.positionQty.IsZero() || len(i.ledger) == 0 {
		i.refreshAccountAsync()
	}
	if i.tickCount%refreshEveryTicks == 0 || i.lastRefresh.IsZero() || time.Since(i.lastRefresh) > refreshStaleness {
		i.refreshAccountAsync()
	}
	i.tickCount++

	i.decideLocked(price)
}

// decideLocked runs the grid decision branches. Called with the mutex held;
// releases it. At most one order action fires per tick.
func (i *Instance) decideLocked(price decimal.Decimal) {
	s := i.settings
	openQty := s.OpenQty()
	closeQty := s.CloseQty()

	underCap := !s.MaxPositionQty.IsPositive() || i.positionQty.LessThan(s.MaxPositionQty)

	// No tracked position: open a new one unless the trend policy applies
	if len(i.ledger) == 0 && underCap {
		if i.priorityCloseAppliesLocked(price, openQty) {
			i.logger.Info("Trend policy active: untracked position is closable, skipping new open",
				"position", i.positionQty.String(), "price", price.String())
		} else {
			i.mu.Unlock()
			i.startOrder(lockOpening, openQty)
			return
		}
	}

	// Re-derive targets from the last fill if they were cleared
	if !i.targetsSet && len(i.fills) > 0 {
		i.resetTargetPriceLocked(i.fills[len(i.fills)-1].AvgPrice)
	}

	if i.targetsSet {
		if s.Side == core.PositionSideLong {
			// Price rose past the grid: close, unless it would breach the floor
			if price.GreaterThan(i.nextRise) && i.positionQty.GreaterThanOrEqual(s.MinPositionQty) {
				i.mu.Unlock()
				i.startOrder(lockClosing, closeQty)
				return
			}
			// Price fell past the grid: add, within the cap
			if price.LessThan(i.nextFall) && underCap {
				i.mu.Unlock()
				i.startOrder(lockOpening, openQty)
				return
			}
		} else {
			if price.LessThan(i.nextFall) && i.positionQty.GreaterThanOrEqual(s.MinPositionQty) {
				i.mu.Unlock()
				i.startOrder(lockClosing, closeQty)
				return
			}
			if price.GreaterThan(i.nextRise) && underCap {
				i.mu.Unlock()
				i.startOrder(lockOpening, openQty)
				return
			}
		}
	}

	// Position pinned at the cap: nothing to do
	if !i.positionQty.IsZero() && s.MaxPositionQty.IsPositive() && i.positionQty.GreaterThanOrEqual(s.MaxPositionQty) {
		i.mu.Unlock()
		return
	}

	// Below the floor: add immediately
	if s.MinPositionQty.IsPositive() && i.positionQty.LessThanOrEqual(s.MinPositionQty) {
		i.mu.Unlock()
		i.startOrder(lockOpening, openQty)
		return
	}

	i.mu.Unlock()
}

// priorityCloseAppliesLocked implements the trend policy: with an empty
// ledger but enough untracked quantity to close, skip opening while price
// sits past the close threshold AND past the average entry, in the position's
// favor. The boundary operators are deliberate and must not be simplified.
func (i *Instance) priorityCloseAppliesLocked(price, openQty decimal.Decimal) bool {
	if !i.settings.PriorityCloseOnTrend {
		return false
	}
	if !i.targetsSet || !i.entryPrice.IsPositive() {
		return false
	}
	if i.positionQty.LessThan(openQty) {
		return false
	}

	if i.settings.Side == core.PositionSideLong {
		return price.GreaterThanOrEqual(i.nextFall) && price.GreaterThanOrEqual(i.entryPrice)
	}
	return price.LessThanOrEqual(i.nextRise) && price.LessThanOrEqual(i.entryPrice)
}

// evaluateAutoPauseLocked re-derives the policy pause flag from the limit
// bounds and the entry-price guards
func (i *Instance) evaluateAutoPauseLocked(price decimal.Decimal) {
	s := i.settings

	switch {
	case s.LowerLimitPrice.IsPositive() && price.LessThanOrEqual(s.LowerLimitPrice):
		i.autoPauseLocked("price at or below lower limit")
		return
	case s.UpperLimitPrice.IsPositive() && price.GreaterThanOrEqual(s.UpperLimitPrice):
		i.autoPauseLocked("price at or above upper limit")
		return
	default:
		i.autoResumeLocked()
	}

	if i.entryPrice.IsPositive() {
		if s.PauseAboveEntryPrice && price.GreaterThanOrEqual(i.entryPrice) {
			i.autoPauseLocked("price at or above entry price guard")
		} else if s.PauseBelowEntryPrice && price.LessThanOrEqual(i.entryPrice) {
			i.autoPauseLocked("price at or below entry price guard")
		}
	}
}

func (i *Instance) autoPauseLocked(reason string) {
	if !i.autoPaused {
		i.logger.Info("Grid auto-paused", "reason", reason)
	}
	i.autoPaused = true
}

func (i *Instance) autoResumeLocked() {
	if i.autoPaused {
		i.logger.Info("Grid auto-resumed")
	}
	i.autoPaused = false
}

// resetTargetPriceLocked recomputes both thresholds from an execution price.
// The side away from the position is pushed out by the fall-prevention
// coefficient in proportion to how full the position is, so a grid nearing
// its cap grows reluctant to add exposure. Invariant: fall < rise.
func (i *Instance) resetTargetPriceLocked(executionPrice decimal.Decimal) {
	s := i.settings

	coefficient := decimal.Zero
	if s.MaxPositionQty.IsPositive() && s.FallPrevention.IsPositive() {
		coefficient = s.Spacing.
			Mul(i.positionQty.Div(s.MaxPositionQty)).
			Mul(s.FallPrevention)
	}

	if s.Side == core.PositionSideLong {
		i.nextRise = executionPrice.Add(s.Spacing)
		i.nextFall = executionPrice.Sub(s.Spacing).Sub(coefficient)
	} else {
		i.nextFall = executionPrice.Sub(s.Spacing)
		i.nextRise = executionPrice.Add(s.Spacing).Add(coefficient)
	}
	i.targetsSet = true

	i.logger.Debug("Target prices reset",
		"execution_price", executionPrice.String(),
		"next_rise", i.nextRise.String(),
		"next_fall", i.nextFall.String())
}

// refreshAccount pulls the authoritative account snapshot and reconciles the
// local position fields. Local deltas are best effort; this is the source of
// truth.
func (i *Instance) refreshAccount(ctx context.Context) error {
	account, err := i.exchange.GetAccount(ctx)
	if err != nil {
		i.mu.Lock()
		i.accountRetryInterval += accountRetryGrowth
		i.mu.Unlock()
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	i.accountRetryInterval = baseAccountRetry
	i.lastRefresh = time.Now()

	pos := account.FindPosition(i.settings.Symbol, i.settings.Side)
	if pos == nil {
		i.positionQty = decimal.Zero
		i.entryPrice = decimal.Zero
		i.breakEvenPrice = decimal.Zero
		return nil
	}

	// SHORT positions report negative amounts
	i.positionQty = pos.Quantity.Abs()
	i.entryPrice = pos.EntryPrice
	i.breakEvenPrice = pos.BreakEvenPrice

	qtyFloat, _ := i.positionQty.Float64()
	telemetry.GetGlobalMetrics().SetPositionSize(i.settings.Symbol, qtyFloat)
	return nil
}

// refreshAccountAsync refreshes in the background; failures surface as
// warnings, never as tick errors. Called with the mutex held.
func (i *Instance) refreshAccountAsync() {
	task := func() {
		if err := i.refreshAccount(i.ctx); err != nil {
			i.warn("background account refresh failed", err)
		}
	}
	if i.pool != nil {
		_ = i.pool.Submit(task)
	} else {
		go task()
	}
}

func (i *Instance) warn(message string, err error) {
	i.logger.Warn(message, "error", err)

	i.mu.Lock()
	obs := i.observer
	i.mu.Unlock()
	obs.OnWarn(i.id, message, err)
}

// Package dispatcher owns strategy instance lifecycle and the single
// market-data subscription per symbol. It maps each symbol to its set of
// subscribed instances, fans ticks out with per-instance failure isolation,
// and keeps subscription transitions atomic with concurrent create/delete.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"grid_trader/internal/alert"
	"grid_trader/internal/core"
	"grid_trader/internal/trading/grid"
	"grid_trader/internal/trading/order"
	"grid_trader/pkg/concurrency"
	apperrors "grid_trader/pkg/errors"
	"grid_trader/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ExchangeFactory builds an exchange client bound to one credential pair
type ExchangeFactory func(creds core.Credentials) (core.IExchange, error)

// Registry is the strategy registry and tick dispatcher
type Registry struct {
	feed    core.IMarketFeed
	store   core.IStrategyStore
	factory ExchangeFactory
	pool    *concurrency.WorkerPool
	logger  core.ILogger
	alerts  *alert.Manager

	// One mutex serializes instance lifecycle and subscriber-set mutations.
	// The 0->1 subscribe and 1->0 unsubscribe transitions must not race with
	// concurrent create/delete on the same symbol.
	mu          sync.Mutex
	instances   map[string]*grid.Instance
	subscribers map[string]map[string]*grid.Instance
	exchanges   map[string]core.IExchange

	ctx    context.Context
	cancel context.CancelFunc

	tickCounter metric.Int64Counter
}

// NewRegistry creates the registry and binds it to the feed's tick stream
func NewRegistry(
	feed core.IMarketFeed,
	store core.IStrategyStore,
	factory ExchangeFactory,
	pool *concurrency.WorkerPool,
	logger core.ILogger,
) *Registry {
	ctx, cancel := context.WithCancel(context.Background())

	meter := telemetry.GetMeter("dispatcher")
	tickCounter, _ := meter.Int64Counter(telemetry.MetricTicksTotal,
		metric.WithDescription("Total price ticks dispatched to strategy instances"))

	r := &Registry{
		feed:        feed,
		store:       store,
		factory:     factory,
		pool:        pool,
		logger:      logger.WithField("component", "dispatcher"),
		instances:   make(map[string]*grid.Instance),
		subscribers: make(map[string]map[string]*grid.Instance),
		exchanges:   make(map[string]core.IExchange),
		ctx:         ctx,
		cancel:      cancel,
		tickCounter: tickCounter,
	}

	// Bound exactly once; every feed tick flows through Dispatch
	feed.OnTick(func(update core.PriceUpdate) {
		r.Dispatch(update.Symbol, update.Price)
	})

	return r
}

// Start begins consuming the market-data feed
func (r *Registry) Start(ctx context.Context) error {
	return r.feed.Start(ctx)
}

// Stop terminates all instances and the feed
func (r *Registry) Stop() {
	r.cancel()

	r.mu.Lock()
	for _, inst := range r.instances {
		inst.Terminate()
	}
	r.mu.Unlock()

	if err := r.feed.Stop(); err != nil {
		r.logger.Warn("Feed stop failed", "error", err)
	}
}

// CreateOrResume looks up a persisted strategy by (credentials, symbol, side)
// and returns the live instance for it, rebuilding one after a restart or
// persisting a brand-new record. Every path ends with the instance subscribed
// to its symbol. Initialization runs in the background with its own retry
// policy.
func (r *Registry) CreateOrResume(ctx context.Context, creds core.Credentials, settings core.GridSettings) (*grid.Instance, error) {
	if err := grid.ValidateSettings(creds, settings); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	fingerprint := creds.Fingerprint()
	rec, err := r.store.FindStrategy(ctx, fingerprint, settings.Symbol, settings.Side)
	if err != nil {
		return nil, fmt.Errorf("strategy lookup failed: %w", err)
	}

	if rec != nil {
		if inst, ok := r.instances[rec.ID]; ok {
			// Already running; creation is idempotent
			return inst, nil
		}
		// Persisted but not in memory: resume from the stored settings
		inst, err := r.buildLocked(rec.ID, rec.Credentials, rec.Settings)
		if err != nil {
			return nil, err
		}
		r.logger.Info("Resumed strategy from persistence", "id", rec.ID, "symbol", rec.Settings.Symbol)
		return inst, nil
	}

	id := uuid.NewString()
	now := time.Now()
	rec = &core.StrategyRecord{
		ID:          id,
		Fingerprint: fingerprint,
		Credentials: creds,
		Settings:    settings,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.SaveStrategy(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist strategy: %w", err)
	}

	inst, err := r.buildLocked(id, creds, settings)
	if err != nil {
		return nil, err
	}
	r.logger.Info("Created strategy", "id", id, "symbol", settings.Symbol, "side", string(settings.Side))
	return inst, nil
}

// ResumeAll rebuilds every persisted strategy that is not already live. Used
// once at startup so grids survive a process restart.
func (r *Registry) ResumeAll(ctx context.Context) error {
	records, err := r.store.ListStrategies(ctx)
	if err != nil {
		return fmt.Errorf("failed to list persisted strategies: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range records {
		if _, ok := r.instances[rec.ID]; ok {
			continue
		}
		if _, err := r.buildLocked(rec.ID, rec.Credentials, rec.Settings); err != nil {
			r.logger.Error("Failed to resume strategy", "id", rec.ID, "symbol", rec.Settings.Symbol, "error", err)
			continue
		}
		r.logger.Info("Resumed strategy from persistence", "id", rec.ID, "symbol", rec.Settings.Symbol)
	}
	return nil
}

// buildLocked constructs, registers, and subscribes an instance. Caller holds
// the registry mutex.
func (r *Registry) buildLocked(id string, creds core.Credentials, settings core.GridSettings) (*grid.Instance, error) {
	exchange, err := r.exchangeLocked(creds)
	if err != nil {
		return nil, err
	}

	executor := order.NewExecutor(exchange, creds, r.logger)
	inst, err := grid.NewInstance(id, creds, settings, exchange, executor, r.store, r.pool, r.logger)
	if err != nil {
		return nil, err
	}
	inst.SetObserver(registryObserver{logger: r.logger, alerts: r.alerts})

	r.instances[id] = inst
	r.addSubscriberLocked(settings.Symbol, inst)
	telemetry.GetGlobalMetrics().SetActiveInstances(int64(len(r.instances)))

	initTask := func() {
		if err := inst.Initialize(r.ctx); err != nil {
			r.logger.Error("Strategy initialization failed", "id", id, "error", err)
		}
	}
	if r.pool != nil {
		_ = r.pool.Submit(initTask)
	} else {
		go initTask()
	}

	return inst, nil
}

// exchangeLocked returns the cached exchange client for a credential pair,
// creating it on first use
func (r *Registry) exchangeLocked(creds core.Credentials) (core.IExchange, error) {
	key := creds.Fingerprint()
	if ex, ok := r.exchanges[key]; ok {
		return ex, nil
	}
	ex, err := r.factory(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to build exchange client: %w", err)
	}
	r.exchanges[key] = ex
	return ex, nil
}

// addSubscriberLocked registers an instance in its symbol's set; the first
// subscriber triggers exactly one feed subscription
func (r *Registry) addSubscriberLocked(symbol string, inst *grid.Instance) {
	set, ok := r.subscribers[symbol]
	if !ok {
		set = make(map[string]*grid.Instance)
		r.subscribers[symbol] = set
	}
	set[inst.ID()] = inst

	if len(set) == 1 {
		if err := r.feed.Subscribe(symbol); err != nil {
			r.logger.Error("Market data subscribe failed", "symbol", symbol, "error", err)
		}
	}
}

// removeSubscriberLocked drops an instance from its symbol's set; the last
// removal triggers exactly one feed unsubscription
func (r *Registry) removeSubscriberLocked(symbol, id string) {
	set, ok := r.subscribers[symbol]
	if !ok {
		return
	}
	delete(set, id)

	if len(set) == 0 {
		delete(r.subscribers, symbol)
		if err := r.feed.Unsubscribe(symbol); err != nil {
			r.logger.Error("Market data unsubscribe failed", "symbol", symbol, "error", err)
		}
	}
}

// Dispatch fans one price tick out to every instance subscribed to the
// symbol. Each handler runs isolated: a panic in one instance never prevents
// delivery to its siblings.
func (r *Registry) Dispatch(symbol string, price decimal.Decimal) {
	r.mu.Lock()
	set := r.subscribers[symbol]
	targets := make([]*grid.Instance, 0, len(set))
	for _, inst := range set {
		targets = append(targets, inst)
	}
	r.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	if r.tickCounter != nil {
		r.tickCounter.Add(r.ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
	}

	for _, inst := range targets {
		r.deliver(inst, price)
	}
}

func (r *Registry) deliver(inst *grid.Instance, price decimal.Decimal) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Strategy tick handler panicked",
				"id", inst.ID(), "symbol", inst.Symbol(), "panic", fmt.Sprintf("%v", rec))
		}
	}()
	inst.OnTick(price)
}

// Get returns an instance by ID
func (r *Registry) Get(id string) (*grid.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInstanceNotFound, id)
	}
	return inst, nil
}

// Pause halts an instance on user request
func (r *Registry) Pause(id string) error {
	inst, err := r.Get(id)
	if err != nil {
		return err
	}
	inst.Pause()
	return nil
}

// Resume lifts a user pause
func (r *Registry) Resume(id string) error {
	inst, err := r.Get(id)
	if err != nil {
		return err
	}
	inst.Resume()
	return nil
}

// Delete pauses and terminates an instance, detaches it from its symbol's
// subscriber set (unsubscribing the symbol if it was the last), and removes
// the persisted record
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", apperrors.ErrInstanceNotFound, id)
	}

	inst.Pause()
	inst.SetObserver(nil)
	inst.Terminate()
	delete(r.instances, id)
	r.removeSubscriberLocked(inst.Symbol(), id)
	telemetry.GetGlobalMetrics().SetActiveInstances(int64(len(r.instances)))
	r.mu.Unlock()

	if err := r.store.DeleteStrategy(ctx, id); err != nil {
		return fmt.Errorf("failed to delete persisted strategy: %w", err)
	}
	r.logger.Info("Deleted strategy", "id", id)
	return nil
}

// InstanceCount returns the number of live instances
func (r *Registry) InstanceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// SubscriberCount returns the number of instances subscribed to a symbol
func (r *Registry) SubscriberCount(symbol string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers[symbol])
}

// SetAlerts attaches an alert manager. Call before Start; instances pick the
// manager up when they are built.
func (r *Registry) SetAlerts(alerts *alert.Manager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = alerts
}

// registryObserver surfaces instance events through the registry log and the
// optional alert channels
type registryObserver struct {
	logger core.ILogger
	alerts *alert.Manager
}

func (o registryObserver) OnOpenPosition(id string, fill core.FillRecord) {
	o.logger.Info("Strategy opened position", "id", id, "order_id", fill.OrderID,
		"avg_price", fill.AvgPrice.String(), "status", string(fill.Status))
	if o.alerts != nil {
		o.alerts.PositionOpened(context.Background(), fill.Symbol, fill.PositionSide, &fill)
	}
}

func (o registryObserver) OnClosePosition(id string, fill core.FillRecord) {
	o.logger.Info("Strategy closed position", "id", id, "order_id", fill.OrderID,
		"avg_price", fill.AvgPrice.String(), "status", string(fill.Status))
	if o.alerts != nil {
		o.alerts.PositionClosed(context.Background(), fill.Symbol, fill.PositionSide, &fill)
	}
}

func (o registryObserver) OnWarn(id string, message string, err error) {
	o.logger.Warn("Strategy warning", "id", id, "message", message, "error", err)
	if o.alerts != nil {
		o.alerts.InstanceWarning(context.Background(), id, message)
	}
}

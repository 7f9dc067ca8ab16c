package mock

import (
	"context"
	"sync"

	"grid_trader/internal/core"
)

// Store implements core.IStrategyStore in memory
type Store struct {
	mu         sync.Mutex
	strategies map[string]*core.StrategyRecord
	trades     map[string][]core.FillRecord
}

func NewStore() *Store {
	return &Store{
		strategies: make(map[string]*core.StrategyRecord),
		trades:     make(map[string][]core.FillRecord),
	}
}

func (s *Store) SaveStrategy(ctx context.Context, rec *core.StrategyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *rec
	s.strategies[rec.ID] = &copied
	return nil
}

func (s *Store) FindStrategy(ctx context.Context, fingerprint, symbol string, side core.PositionSide) (*core.StrategyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.strategies {
		if rec.Fingerprint == fingerprint && rec.Settings.Symbol == symbol && rec.Settings.Side == side {
			copied := *rec
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *Store) ListStrategies(ctx context.Context) ([]*core.StrategyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]*core.StrategyRecord, 0, len(s.strategies))
	for _, rec := range s.strategies {
		copied := *rec
		records = append(records, &copied)
	}
	return records, nil
}

func (s *Store) DeleteStrategy(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.strategies, id)
	delete(s.trades, id)
	return nil
}

func (s *Store) AppendTrade(ctx context.Context, strategyID string, fill *core.FillRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades[strategyID] = append(s.trades[strategyID], *fill)
	return nil
}

// Trades returns the recorded fills for a strategy
func (s *Store) Trades(strategyID string) []core.FillRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.FillRecord, len(s.trades[strategyID]))
	copy(out, s.trades[strategyID])
	return out
}

// StrategyCount returns the number of persisted strategies
func (s *Store) StrategyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.strategies)
}

var _ core.IStrategyStore = (*Store)(nil)

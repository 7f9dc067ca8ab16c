// Package store persists strategy configurations and trade history in
// SQLite. Strategies are keyed by a generated ID and looked up by the
// (credential fingerprint, symbol, side) tuple that makes a grid unique.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"grid_trader/internal/core"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const schema = `
CREATE TABLE IF NOT EXISTS strategies (
	id          TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	side        TEXT NOT NULL,
	api_key     TEXT NOT NULL,
	api_secret  TEXT NOT NULL,
	config      TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	UNIQUE (fingerprint, symbol, side)
);

CREATE TABLE IF NOT EXISTS trades (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	strategy_id TEXT NOT NULL,
	order_id    INTEGER NOT NULL,
	symbol      TEXT NOT NULL,
	side        TEXT NOT NULL,
	position_side TEXT NOT NULL,
	quantity    TEXT NOT NULL,
	avg_price   TEXT NOT NULL,
	status      TEXT NOT NULL,
	filled_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_strategy ON trades (strategy_id, filled_at);
`

// SQLiteStore implements core.IStrategyStore on a local SQLite file
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// SaveStrategy upserts a strategy record. Settings are stored as JSON and
// round-trip validated before the write.
func (s *SQLiteStore) SaveStrategy(ctx context.Context, rec *core.StrategyRecord) error {
	data, err := json.Marshal(rec.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	// Validate JSON (round-trip test)
	var check core.GridSettings
	if err := json.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("settings validation failed: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `INSERT INTO strategies (id, fingerprint, symbol, side, api_key, api_secret, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (fingerprint, symbol, side) DO UPDATE SET
			config = excluded.config,
			updated_at = excluded.updated_at`
	_, err = tx.ExecContext(ctx, query,
		rec.ID, rec.Fingerprint, rec.Settings.Symbol, string(rec.Settings.Side),
		rec.Credentials.APIKey, rec.Credentials.APISecret, string(data),
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write strategy to db: %w", err)
	}

	return tx.Commit()
}

// FindStrategy looks a strategy up by its identity tuple. A missing row is
// not an error; the caller treats a nil record as "create new".
func (s *SQLiteStore) FindStrategy(ctx context.Context, fingerprint, symbol string, side core.PositionSide) (*core.StrategyRecord, error) {
	query := `SELECT id, fingerprint, api_key, api_secret, config, created_at, updated_at
		FROM strategies WHERE fingerprint = ? AND symbol = ? AND side = ?`
	row := s.db.QueryRowContext(ctx, query, fingerprint, symbol, string(side))

	rec, err := scanStrategy(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// ListStrategies returns every persisted strategy
func (s *SQLiteStore) ListStrategies(ctx context.Context) ([]*core.StrategyRecord, error) {
	query := `SELECT id, fingerprint, api_key, api_secret, config, created_at, updated_at
		FROM strategies ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query strategies: %w", err)
	}
	defer rows.Close()

	var records []*core.StrategyRecord
	for rows.Next() {
		rec, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteStrategy removes a strategy and its trade history
func (s *SQLiteStore) DeleteStrategy(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM trades WHERE strategy_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete trade history: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM strategies WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete strategy: %w", err)
	}

	return tx.Commit()
}

// AppendTrade records one fill in the append-only trade history
func (s *SQLiteStore) AppendTrade(ctx context.Context, strategyID string, fill *core.FillRecord) error {
	query := `INSERT INTO trades (strategy_id, order_id, symbol, side, position_side, quantity, avg_price, status, filled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		strategyID, fill.OrderID, fill.Symbol, string(fill.Side), string(fill.PositionSide),
		fill.Quantity.String(), fill.AvgPrice.String(), string(fill.Status), fill.FilledAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to append trade: %w", err)
	}
	return nil
}

// ListTrades returns a strategy's fills ordered by fill time
func (s *SQLiteStore) ListTrades(ctx context.Context, strategyID string) ([]*core.FillRecord, error) {
	query := `SELECT order_id, symbol, side, position_side, quantity, avg_price, status, filled_at
		FROM trades WHERE strategy_id = ? ORDER BY filled_at`
	rows, err := s.db.QueryContext(ctx, query, strategyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var fills []*core.FillRecord
	for rows.Next() {
		var (
			fill             core.FillRecord
			side, posSide    string
			qty, avg, status string
			filledAt         int64
		)
		if err := rows.Scan(&fill.OrderID, &fill.Symbol, &side, &posSide, &qty, &avg, &status, &filledAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		fill.Side = core.OrderSide(side)
		fill.PositionSide = core.PositionSide(posSide)
		fill.Status = core.OrderStatus(status)
		fill.FilledAt = time.Unix(0, filledAt)
		if fill.Quantity, err = decimalFrom(qty); err != nil {
			return nil, err
		}
		if fill.AvgPrice, err = decimalFrom(avg); err != nil {
			return nil, err
		}
		fills = append(fills, &fill)
	}
	return fills, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func decimalFrom(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to parse stored decimal %q: %w", s, err)
	}
	return d, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStrategy(row rowScanner) (*core.StrategyRecord, error) {
	var (
		rec                  core.StrategyRecord
		config               string
		createdAt, updatedAt int64
	)
	err := row.Scan(&rec.ID, &rec.Fingerprint, &rec.Credentials.APIKey, &rec.Credentials.APISecret,
		&config, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(config), &rec.Settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	rec.CreatedAt = time.Unix(0, createdAt)
	rec.UpdatedAt = time.Unix(0, updatedAt)
	return &rec, nil
}

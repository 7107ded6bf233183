// Package store provides crash-safe persistence for the bot's durable state.
//
// Two kinds of state live here, with different shapes:
//
//   - The browser session snapshot (cookies, user info, expiry) is a single
//     JSON file written with atomic replacement (write to .tmp, then rename)
//     so a crash mid-save never leaves a corrupt file. See session.go.
//   - Cycle records and observed market prices are append-only rows in an
//     embedded SQLite database (WAL mode). The orchestrator appends a sealed
//     record after every cycle; the strategy layer warms its price history
//     from recent samples on startup.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"marketbot/pkg/types"
)

const dbFile = "marketbot.db"

// Store persists session state, cycle records and price samples under a
// single data directory.
type Store struct {
	dir string
	db  *sql.DB
	mu  sync.Mutex // serializes session file operations
}

// Open creates the data directory if needed, opens the embedded database
// and applies pending migrations.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dsn := filepath.Join(dir, dbFile) +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The orchestrator writes from one goroutine and the status API reads
	// from others; a small pool is plenty.
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &Store{dir: dir, db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrations run in order; PRAGMA user_version tracks the last applied one.
var migrations = []string{
	`CREATE TABLE cycles (
		id         TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		ended_at   INTEGER NOT NULL,
		success    INTEGER NOT NULL,
		cancelled  INTEGER NOT NULL,
		spent      INTEGER NOT NULL,
		earned     INTEGER NOT NULL,
		net        INTEGER NOT NULL,
		record     TEXT NOT NULL
	);
	CREATE TABLE price_samples (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		item_name   TEXT NOT NULL,
		unit_price  TEXT NOT NULL,
		observed_at INTEGER NOT NULL
	);
	CREATE INDEX idx_price_samples_item ON price_samples(item_name, observed_at DESC);
	CREATE INDEX idx_cycles_started ON cycles(started_at DESC);`,
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for i := version; i < len(migrations); i++ {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("bump schema version to %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Cycle records
// ————————————————————————————————————————————————————————————————————————

// AppendCycleRecord persists a sealed cycle record. Records are append-only:
// an existing id is a bug upstream and surfaces as a constraint error.
func (s *Store) AppendCycleRecord(ctx context.Context, rec types.CycleRecord) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal cycle record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cycles (id, started_at, ended_at, success, cancelled, spent, earned, net, record)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.StartedAt.UnixMilli(),
		rec.EndedAt.UnixMilli(),
		boolToInt(rec.Success),
		boolToInt(rec.Cancelled),
		rec.TotalSpent,
		rec.TotalEarned,
		rec.NetProfit,
		string(blob),
	)
	if err != nil {
		return fmt.Errorf("insert cycle record: %w", err)
	}
	return nil
}

// RecentCycles returns up to limit sealed records, newest first.
func (s *Store) RecentCycles(ctx context.Context, limit int) ([]types.CycleRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM cycles ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query cycles: %w", err)
	}
	defer rows.Close()

	var out []types.CycleRecord
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scan cycle record: %w", err)
		}
		var rec types.CycleRecord
		if err := json.Unmarshal([]byte(blob), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal cycle record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CycleStats summarizes the persisted cycle history.
type CycleStats struct {
	Cycles      int   `json:"cycles"`
	Successful  int   `json:"successful"`
	TotalSpent  int64 `json:"total_spent"`
	TotalEarned int64 `json:"total_earned"`
	NetProfit   int64 `json:"net_profit"`
}

// Stats aggregates across the full cycle history.
func (s *Store) Stats(ctx context.Context) (CycleStats, error) {
	var st CycleStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(success), 0),
		        COALESCE(SUM(spent), 0),
		        COALESCE(SUM(earned), 0),
		        COALESCE(SUM(net), 0)
		 FROM cycles`).
		Scan(&st.Cycles, &st.Successful, &st.TotalSpent, &st.TotalEarned, &st.NetProfit)
	if err != nil {
		return CycleStats{}, fmt.Errorf("aggregate cycles: %w", err)
	}
	return st, nil
}

// ————————————————————————————————————————————————————————————————————————
// Price samples
// ————————————————————————————————————————————————————————————————————————

// PriceSample is one observed marketplace unit price for an item.
type PriceSample struct {
	ItemName   string          `json:"item_name"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	ObservedAt time.Time       `json:"observed_at"`
}

// AppendPriceSample records one observed unit price.
func (s *Store) AppendPriceSample(ctx context.Context, sample PriceSample) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO price_samples (item_name, unit_price, observed_at) VALUES (?, ?, ?)`,
		sample.ItemName, sample.UnitPrice.String(), sample.ObservedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert price sample: %w", err)
	}
	return nil
}

// RecentPrices returns up to limit samples for an item, newest first.
func (s *Store) RecentPrices(ctx context.Context, itemName string, limit int) ([]PriceSample, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_name, unit_price, observed_at
		 FROM price_samples
		 WHERE item_name = ?
		 ORDER BY observed_at DESC, id DESC
		 LIMIT ?`, itemName, limit)
	if err != nil {
		return nil, fmt.Errorf("query price samples: %w", err)
	}
	defer rows.Close()

	var out []PriceSample
	for rows.Next() {
		var (
			name  string
			price string
			at    int64
		)
		if err := rows.Scan(&name, &price, &at); err != nil {
			return nil, fmt.Errorf("scan price sample: %w", err)
		}
		p, err := decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("parse stored price %q: %w", price, err)
		}
		out = append(out, PriceSample{
			ItemName:   name,
			UnitPrice:  p,
			ObservedAt: time.UnixMilli(at).UTC(),
		})
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

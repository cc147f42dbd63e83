// Package sqlite is the durable store: the strategy-order journal behind the
// tracker, the active-position book and the exit history.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Remdon/DubK-Options-sub000/internal/metrics"
	"github.com/Remdon/DubK-Options-sub000/internal/model"
	"github.com/Remdon/DubK-Options-sub000/internal/tracker"
)

const dsnOptions = "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/optionsbot.db"
}

// Journal is the single-connection writer. Every method commits before it
// returns.
type Journal struct {
	db      *sql.DB
	metrics *metrics.Metrics
}

// DB returns the underlying sql.DB for health checks.
func (j *Journal) DB() *sql.DB { return j.db }

// New opens the database in WAL mode and creates the schema.
func New(cfg WriterConfig) (*Journal, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+dsnOptions)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Journal{db: db}, nil
}

// WithMetrics records commit latency.
func (j *Journal) WithMetrics(m *metrics.Metrics) *Journal {
	j.metrics = m
	return j
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS strategy_orders (
			strategy_id TEXT    PRIMARY KEY,
			symbol      TEXT    NOT NULL,
			purpose     TEXT    NOT NULL,
			parent_id   TEXT    NOT NULL DEFAULT '',
			status      TEXT    NOT NULL,
			data        TEXT    NOT NULL,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL,
			archived_at INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS strategy_transitions (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			strategy_id TEXT    NOT NULL,
			event       TEXT    NOT NULL,
			order_id    TEXT    NOT NULL DEFAULT '',
			leg_from    TEXT    NOT NULL DEFAULT '',
			leg_to      TEXT    NOT NULL DEFAULT '',
			from_status TEXT    NOT NULL DEFAULT '',
			to_status   TEXT    NOT NULL,
			at          INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_transitions_strategy ON strategy_transitions (strategy_id, id);

		CREATE TABLE IF NOT EXISTS active_positions (
			symbol      TEXT    PRIMARY KEY,
			strategy_id TEXT    NOT NULL,
			data        TEXT    NOT NULL,
			updated_at  INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS exits (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol            TEXT    NOT NULL,
			strategy_id       TEXT    NOT NULL,
			close_strategy_id TEXT    NOT NULL,
			strategy_type     TEXT    NOT NULL,
			reason            TEXT    NOT NULL,
			detail            TEXT    NOT NULL,
			pnl               TEXT    NOT NULL,
			pnl_pct           REAL    NOT NULL,
			entry_time        INTEGER NOT NULL,
			exit_time         INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_exits_time ON exits (exit_time);
	`)
	return err
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// RecordTransition appends t to the transition log and upserts the strategy
// snapshot in one transaction. A swept strategy's snapshot is deleted.
func (j *Journal) RecordTransition(ctx context.Context, t tracker.Transition) error {
	start := time.Now()
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO strategy_transitions (strategy_id, event, order_id, leg_from, leg_to, from_status, to_status, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.StrategyID, string(t.Event), t.OrderID, string(t.LegFrom), string(t.LegTo),
		string(t.From), string(t.To), unixNano(t.At))
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}

	if t.Event == tracker.EventSwept {
		if _, err := tx.ExecContext(ctx, `DELETE FROM strategy_orders WHERE strategy_id = ?`, t.StrategyID); err != nil {
			return fmt.Errorf("delete swept strategy: %w", err)
		}
	} else if err := upsertOrder(ctx, tx, t.Order); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	j.metrics.ObserveCommit(time.Since(start))
	return nil
}

func upsertOrder(ctx context.Context, tx *sql.Tx, o model.StrategyOrder) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal strategy %s: %w", o.StrategyID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO strategy_orders (strategy_id, symbol, purpose, parent_id, status, data, created_at, updated_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(strategy_id) DO UPDATE SET
			status = excluded.status,
			data = excluded.data,
			updated_at = excluded.updated_at,
			archived_at = excluded.archived_at
	`, o.StrategyID, o.Symbol, string(o.Purpose), o.ParentID, string(o.Status), string(data),
		unixNano(o.CreatedAt), unixNano(o.UpdatedAt), unixNano(o.ArchivedAt))
	if err != nil {
		return fmt.Errorf("upsert strategy %s: %w", o.StrategyID, err)
	}
	return nil
}

// ActivePosition reads the position-tracking record for an underlying.
func (j *Journal) ActivePosition(ctx context.Context, symbol string) (model.ActivePosition, bool, error) {
	var data string
	err := j.db.QueryRowContext(ctx, `SELECT data FROM active_positions WHERE symbol = ?`, symbol).Scan(&data)
	if err == sql.ErrNoRows {
		return model.ActivePosition{}, false, nil
	}
	if err != nil {
		return model.ActivePosition{}, false, fmt.Errorf("sqlite read active position: %w", err)
	}
	var p model.ActivePosition
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return model.ActivePosition{}, false, fmt.Errorf("unmarshal active position %s: %w", symbol, err)
	}
	return p, true, nil
}

// SaveActivePosition upserts the record for p.Symbol.
func (j *Journal) SaveActivePosition(ctx context.Context, p model.ActivePosition) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO active_positions (symbol, strategy_id, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			strategy_id = excluded.strategy_id,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, p.Symbol, p.StrategyID, string(data), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite save active position: %w", err)
	}
	return nil
}

// RemoveActivePosition deletes the record for symbol if strategyID owns it.
func (j *Journal) RemoveActivePosition(ctx context.Context, symbol, strategyID string) error {
	_, err := j.db.ExecContext(ctx,
		`DELETE FROM active_positions WHERE symbol = ? AND strategy_id = ?`, symbol, strategyID)
	if err != nil {
		return fmt.Errorf("sqlite remove active position: %w", err)
	}
	return nil
}

// CloseOut removes the active record owned by rec.StrategyID and appends the
// exit row in one transaction.
func (j *Journal) CloseOut(ctx context.Context, rec model.ExitRecord) error {
	start := time.Now()
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM active_positions WHERE symbol = ? AND strategy_id = ?`, rec.Symbol, rec.StrategyID); err != nil {
		return fmt.Errorf("remove active position: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO exits (symbol, strategy_id, close_strategy_id, strategy_type, reason, detail, pnl, pnl_pct, entry_time, exit_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Symbol, rec.StrategyID, rec.CloseStrategyID, string(rec.StrategyType), rec.Reason, rec.Detail,
		rec.PnL.String(), rec.PnLPct, unixNano(rec.EntryTime), unixNano(rec.ExitTime))
	if err != nil {
		return fmt.Errorf("insert exit: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	j.metrics.ObserveCommit(time.Since(start))
	log.Printf("[sqlite] exit recorded %s %s reason=%s pnl=%s", rec.Symbol, rec.StrategyID, rec.Reason, rec.PnL.StringFixed(2))
	return nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

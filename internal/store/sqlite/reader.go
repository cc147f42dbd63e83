package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Remdon/DubK-Options-sub000/internal/model"
	"github.com/Remdon/DubK-Options-sub000/internal/tracker"
)

// Reader provides read-only access for restore after a restart and for
// reporting.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := sql.Open("sqlite3", dbPath+dsnOptions)
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	log.Printf("[sqlite-reader] opened %s", dbPath)
	return &Reader{db: db}, nil
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// LoadStrategies returns every strategy snapshot not yet swept, oldest first.
// Feed the result to Tracker.Restore.
func (r *Reader) LoadStrategies(ctx context.Context) ([]model.StrategyOrder, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT data FROM strategy_orders
		ORDER BY created_at ASC, strategy_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query strategy_orders: %w", err)
	}
	defer rows.Close()

	var out []model.StrategyOrder
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlite scan strategy_orders: %w", err)
		}
		var o model.StrategyOrder
		if err := json.Unmarshal([]byte(data), &o); err != nil {
			return nil, fmt.Errorf("unmarshal strategy: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Transitions returns the transaction log of one strategy in append order.
func (r *Reader) Transitions(ctx context.Context, strategyID string) ([]tracker.Transition, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT event, order_id, leg_from, leg_to, from_status, to_status, at
		FROM strategy_transitions
		WHERE strategy_id = ?
		ORDER BY id ASC
	`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("sqlite query strategy_transitions: %w", err)
	}
	defer rows.Close()

	var out []tracker.Transition
	for rows.Next() {
		var t tracker.Transition
		var event, legFrom, legTo, from, to string
		var at int64
		if err := rows.Scan(&event, &t.OrderID, &legFrom, &legTo, &from, &to, &at); err != nil {
			return nil, fmt.Errorf("sqlite scan strategy_transitions: %w", err)
		}
		t.StrategyID = strategyID
		t.Event = tracker.Event(event)
		t.LegFrom, t.LegTo = model.FillState(legFrom), model.FillState(legTo)
		t.From, t.To = model.StrategyStatus(from), model.StrategyStatus(to)
		t.At = fromUnixNano(at)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ActivePositions returns every position-tracking record.
func (r *Reader) ActivePositions(ctx context.Context) ([]model.ActivePosition, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT data FROM active_positions ORDER BY symbol ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query active_positions: %w", err)
	}
	defer rows.Close()

	var out []model.ActivePosition
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlite scan active_positions: %w", err)
		}
		var p model.ActivePosition
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("unmarshal active position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ExitsSince returns exits at or after since, oldest first. Used to seed the
// re-entry cooldown after a restart.
func (r *Reader) ExitsSince(ctx context.Context, since time.Time) ([]model.ExitRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol, strategy_id, close_strategy_id, strategy_type, reason, detail, pnl, pnl_pct, entry_time, exit_time
		FROM exits
		WHERE exit_time >= ?
		ORDER BY exit_time ASC, id ASC
	`, unixNano(since))
	if err != nil {
		return nil, fmt.Errorf("sqlite query exits: %w", err)
	}
	defer rows.Close()

	var out []model.ExitRecord
	for rows.Next() {
		var e model.ExitRecord
		var st, pnl string
		var entry, exit int64
		if err := rows.Scan(&e.Symbol, &e.StrategyID, &e.CloseStrategyID, &st, &e.Reason, &e.Detail,
			&pnl, &e.PnLPct, &entry, &exit); err != nil {
			return nil, fmt.Errorf("sqlite scan exits: %w", err)
		}
		e.StrategyType = model.StrategyType(st)
		if e.PnL, err = decimal.NewFromString(pnl); err != nil {
			return nil, fmt.Errorf("exit pnl %q: %w", pnl, err)
		}
		e.EntryTime, e.ExitTime = fromUnixNano(entry), fromUnixNano(exit)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}

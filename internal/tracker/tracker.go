// Package tracker keeps the registry of strategy orders: which broker leg
// orders make up each multi-leg trade and how far each has filled.
//
// The aggregate status of a strategy is always recomputed from its legs, so
// it cannot drift from the broker-reported fill states. Every transition is
// written to the Journal before it becomes visible in memory.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Remdon/DubK-Options-sub000/internal/logger"
	"github.com/Remdon/DubK-Options-sub000/internal/model"
	"github.com/Remdon/DubK-Options-sub000/internal/resilience"
)

// ErrInvalidArgument is returned for malformed registrations.
var ErrInvalidArgument = errors.New("invalid argument")

// Event names a kind of transition.
type Event string

const (
	EventRegistered Event = "registered"
	EventLegUpdated Event = "leg_updated"
	EventArchived   Event = "archived"
	EventSwept      Event = "swept"
)

// Transition is one appended entry of a strategy's transaction log.
type Transition struct {
	Event      Event                `json:"event"`
	StrategyID string               `json:"strategy_id"`
	OrderID    string               `json:"order_id,omitempty"`
	LegFrom    model.FillState      `json:"leg_from,omitempty"`
	LegTo      model.FillState      `json:"leg_to,omitempty"`
	From       model.StrategyStatus `json:"from,omitempty"`
	To         model.StrategyStatus `json:"to"`
	At         time.Time            `json:"at"`
	// Order is the strategy snapshot after the transition.
	Order model.StrategyOrder `json:"order"`
}

// Journal durably records transitions. Implementations must be append-only
// for the log and upsert the latest strategy snapshot.
type Journal interface {
	RecordTransition(ctx context.Context, t Transition) error
}

// Journals records to each journal in order and stops at the first error.
// Put the durable store first.
type Journals []Journal

func (js Journals) RecordTransition(ctx context.Context, t Transition) error {
	for _, j := range js {
		if j == nil {
			continue
		}
		if err := j.RecordTransition(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// Tracker is the StrategyOrder registry.
type Tracker struct {
	mu       sync.RWMutex
	orders   map[string]*model.StrategyOrder
	legIndex map[string]string // broker order id -> strategy id

	locks *keyedMutex

	journal Journal
	now     func() time.Time
	log     *slog.Logger

	// OnTransition is called after every committed transition, outside the lock.
	OnTransition func(t Transition)
}

// New creates a Tracker. journal may be nil for a memory-only tracker.
func New(journal Journal, log *slog.Logger) *Tracker {
	return &Tracker{
		orders:   make(map[string]*model.StrategyOrder),
		legIndex: make(map[string]string),
		locks:    newKeyedMutex(),
		journal:  journal,
		now:      time.Now,
		log:      logger.OrDefault(log).With("component", "tracker"),
	}
}

// WithClock replaces the time source. Used by tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Register creates a PENDING StrategyOrder from the given legs. Each leg must
// carry the broker order id it was submitted under.
func (t *Tracker) Register(ctx context.Context, order model.StrategyOrder) error {
	if order.StrategyID == "" {
		return fmt.Errorf("%w: empty strategy id", ErrInvalidArgument)
	}
	if len(order.Legs) == 0 {
		return fmt.Errorf("%w: strategy %s has no leg orders", ErrInvalidArgument, order.StrategyID)
	}
	for i, l := range order.Legs {
		if l.OrderID == "" {
			return fmt.Errorf("%w: strategy %s leg %d has no order id", ErrInvalidArgument, order.StrategyID, i)
		}
	}

	t.mu.Lock()
	if _, exists := t.orders[order.StrategyID]; exists {
		t.mu.Unlock()
		return fmt.Errorf("%w: strategy %s already registered", ErrInvalidArgument, order.StrategyID)
	}
	for _, l := range order.Legs {
		if owner, ok := t.legIndex[l.OrderID]; ok && owner != order.StrategyID {
			t.mu.Unlock()
			return fmt.Errorf("%w: order %s already belongs to strategy %s", ErrInvalidArgument, l.OrderID, owner)
		}
	}

	now := t.now()
	rec := order.Clone()
	for i := range rec.Legs {
		if rec.Legs[i].FillState == "" {
			rec.Legs[i].FillState = model.FillOpen
		}
	}
	if rec.Purpose == "" {
		rec.Purpose = model.PurposeEntry
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Status = computeStatus(rec.Legs)
	if rec.Status.IsTerminal() {
		rec.TerminalAt = now
	}

	tr := Transition{
		Event:      EventRegistered,
		StrategyID: rec.StrategyID,
		To:         rec.Status,
		At:         now,
		Order:      rec.Clone(),
	}
	if err := t.record(ctx, tr); err != nil {
		t.mu.Unlock()
		return err
	}
	t.orders[rec.StrategyID] = &rec
	for _, l := range rec.Legs {
		t.legIndex[l.OrderID] = rec.StrategyID
	}
	t.mu.Unlock()

	t.log.InfoContext(ctx, "strategy registered",
		"strategy_id", rec.StrategyID, "symbol", rec.Symbol, "type", rec.StrategyType,
		"purpose", rec.Purpose, "legs", len(rec.Legs), "status", rec.Status)
	t.emit(tr)
	return nil
}

// UpdateLegStatus applies a broker-reported fill state to every leg carrying
// orderID and recomputes the strategy status. Unknown strategies or orders are
// logged and ignored. Legs already in a terminal state do not move.
// The returned status is the strategy status after the update ("" if unknown).
func (t *Tracker) UpdateLegStatus(ctx context.Context, strategyID, orderID string, state model.FillState) (model.StrategyStatus, error) {
	t.mu.Lock()
	rec, ok := t.orders[strategyID]
	if !ok {
		t.mu.Unlock()
		t.log.WarnContext(ctx, "leg update for unknown strategy ignored",
			"strategy_id", strategyID, "order_id", orderID, "state", state)
		return "", nil
	}

	next := rec.Clone()
	matched, changed := false, false
	var legFrom model.FillState
	for i := range next.Legs {
		if next.Legs[i].OrderID != orderID {
			continue
		}
		matched = true
		cur := next.Legs[i].FillState
		if cur == state {
			continue
		}
		if cur.IsTerminal() {
			t.log.WarnContext(ctx, "leg already terminal, update ignored",
				"strategy_id", strategyID, "order_id", orderID, "current", cur, "reported", state)
			continue
		}
		legFrom = cur
		next.Legs[i].FillState = state
		changed = true
	}
	if !matched {
		status := rec.Status
		t.mu.Unlock()
		t.log.WarnContext(ctx, "leg update for order not in strategy ignored",
			"strategy_id", strategyID, "order_id", orderID, "state", state)
		return status, nil
	}
	if !changed {
		status := rec.Status
		t.mu.Unlock()
		return status, nil
	}

	now := t.now()
	from := rec.Status
	next.Status = computeStatus(next.Legs)
	next.UpdatedAt = now
	if next.Status == model.StatusPartiallyFilled {
		next.NeedsAttention = true
	}
	if next.Status.IsTerminal() && next.TerminalAt.IsZero() {
		next.TerminalAt = now
	}

	tr := Transition{
		Event:      EventLegUpdated,
		StrategyID: strategyID,
		OrderID:    orderID,
		LegFrom:    legFrom,
		LegTo:      state,
		From:       from,
		To:         next.Status,
		At:         now,
		Order:      next.Clone(),
	}
	if err := t.record(ctx, tr); err != nil {
		t.mu.Unlock()
		return from, err
	}
	*rec = next
	t.mu.Unlock()

	attrs := []any{"strategy_id", strategyID, "order_id", orderID,
		"leg_from", legFrom, "leg_to", state, "from", from, "to", next.Status}
	if next.Status == model.StatusPartiallyFilled && from != model.StatusPartiallyFilled {
		t.log.ErrorContext(ctx, "partial fill detected, operator attention required", attrs...)
	} else {
		t.log.InfoContext(ctx, "leg status updated", attrs...)
	}
	t.emit(tr)
	return next.Status, nil
}

// HasAnyFills reports whether any leg of the strategy has filled.
func (t *Tracker) HasAnyFills(strategyID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.orders[strategyID]
	if !ok {
		return false
	}
	for _, l := range rec.Legs {
		if l.FillState == model.FillFilled {
			return true
		}
	}
	return false
}

// UnfilledLegIDs returns the distinct order ids of legs still OPEN.
func (t *Tracker) UnfilledLegIDs(strategyID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.orders[strategyID]
	if !ok {
		return nil
	}
	seen := make(map[string]bool)
	var ids []string
	for _, l := range rec.Legs {
		if l.FillState != model.FillOpen || seen[l.OrderID] {
			continue
		}
		seen[l.OrderID] = true
		ids = append(ids, l.OrderID)
	}
	return ids
}

// FindStrategyByLeg is the reverse lookup from a broker order id.
func (t *Tracker) FindStrategyByLeg(orderID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.legIndex[orderID]
	return id, ok
}

// Get returns a copy of one strategy order.
func (t *Tracker) Get(strategyID string) (model.StrategyOrder, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.orders[strategyID]
	if !ok {
		return model.StrategyOrder{}, false
	}
	return rec.Clone(), true
}

// Open returns copies of every non-terminal strategy order, oldest first.
func (t *Tracker) Open() []model.StrategyOrder {
	return t.filter(func(o *model.StrategyOrder) bool { return !o.Status.IsTerminal() })
}

// Children returns the close orders registered against a parent entry strategy.
func (t *Tracker) Children(parentID string) []model.StrategyOrder {
	return t.filter(func(o *model.StrategyOrder) bool { return o.ParentID == parentID })
}

// Closes returns close orders not yet archived, oldest first.
func (t *Tracker) Closes() []model.StrategyOrder {
	return t.filter(func(o *model.StrategyOrder) bool {
		return o.Purpose == model.PurposeClose && o.ArchivedAt.IsZero()
	})
}

// Counts returns the number of tracked strategies per status.
func (t *Tracker) Counts() map[model.StrategyStatus]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[model.StrategyStatus]int)
	for _, o := range t.orders {
		out[o.Status]++
	}
	return out
}

// Len returns the number of tracked strategies.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.orders)
}

// Archive stamps a strategy as archived. The record stays queryable until the
// retention sweep removes it.
func (t *Tracker) Archive(ctx context.Context, strategyID string) error {
	t.mu.Lock()
	rec, ok := t.orders[strategyID]
	if !ok || !rec.ArchivedAt.IsZero() {
		t.mu.Unlock()
		return nil
	}
	next := rec.Clone()
	next.ArchivedAt = t.now()
	next.UpdatedAt = next.ArchivedAt
	tr := Transition{
		Event:      EventArchived,
		StrategyID: strategyID,
		From:       rec.Status,
		To:         rec.Status,
		At:         next.ArchivedAt,
		Order:      next.Clone(),
	}
	if err := t.record(ctx, tr); err != nil {
		t.mu.Unlock()
		return err
	}
	*rec = next
	t.mu.Unlock()
	t.log.InfoContext(ctx, "strategy archived", "strategy_id", strategyID, "status", rec.Status)
	t.emit(tr)
	return nil
}

// SweepExpired drops terminal strategies whose terminal time is older than
// olderThan. PENDING and PARTIALLY_FILLED strategies are never removed.
func (t *Tracker) SweepExpired(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := t.now().Add(-olderThan)

	t.mu.Lock()
	var victims []*model.StrategyOrder
	for _, o := range t.orders {
		if !o.Status.IsTerminal() || o.TerminalAt.IsZero() || !o.TerminalAt.Before(cutoff) {
			continue
		}
		victims = append(victims, o)
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].TerminalAt.Before(victims[j].TerminalAt) })

	var emitted []Transition
	var err error
	for _, o := range victims {
		snap := o.Clone()
		if snap.ArchivedAt.IsZero() {
			snap.ArchivedAt = t.now()
		}
		tr := Transition{
			Event:      EventSwept,
			StrategyID: o.StrategyID,
			From:       o.Status,
			To:         o.Status,
			At:         t.now(),
			Order:      snap,
		}
		if err = t.record(ctx, tr); err != nil {
			break
		}
		delete(t.orders, o.StrategyID)
		for _, l := range o.Legs {
			if t.legIndex[l.OrderID] == o.StrategyID {
				delete(t.legIndex, l.OrderID)
			}
		}
		emitted = append(emitted, tr)
	}
	t.mu.Unlock()

	if len(emitted) > 0 {
		t.log.InfoContext(ctx, "swept expired strategies", "count", len(emitted), "older_than", olderThan)
	}
	for _, tr := range emitted {
		t.emit(tr)
	}
	return len(emitted), err
}

// Restore loads previously persisted strategies, e.g. after a restart.
// Existing entries with the same id are replaced. Nothing is journaled.
func (t *Tracker) Restore(orders []model.StrategyOrder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, o := range orders {
		rec := o.Clone()
		rec.Status = computeStatus(rec.Legs)
		t.orders[rec.StrategyID] = &rec
		for _, l := range rec.Legs {
			t.legIndex[l.OrderID] = rec.StrategyID
		}
	}
	t.log.Info("restored strategies", "count", len(orders))
}

// Serialize runs fn while holding the per-strategy lock. Every path that
// mutates a strategy at the broker (submit, cancel, close, status refresh)
// must go through here so a cancel never races a fill update.
func (t *Tracker) Serialize(ctx context.Context, strategyID string, fn func(ctx context.Context) error) error {
	unlock, err := t.locks.lock(ctx, strategyID)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(logger.WithStrategyID(ctx, strategyID))
}

func (t *Tracker) filter(keep func(o *model.StrategyOrder) bool) []model.StrategyOrder {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []model.StrategyOrder
	for _, o := range t.orders {
		if keep(o) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].StrategyID < out[j].StrategyID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// record must be called with mu held.
func (t *Tracker) record(ctx context.Context, tr Transition) error {
	if t.journal == nil {
		return nil
	}
	if err := t.journal.RecordTransition(ctx, tr); err != nil {
		return resilience.Fatalf("journal %s for strategy %s: %w", tr.Event, tr.StrategyID, err)
	}
	return nil
}

func (t *Tracker) emit(tr Transition) {
	if t.OnTransition != nil {
		t.OnTransition(tr)
	}
}

// computeStatus derives the aggregate status from leg fill states.
func computeStatus(legs []model.Leg) model.StrategyStatus {
	if len(legs) == 0 {
		return model.StatusPending
	}
	filled, failed, terminal := 0, 0, 0
	for _, l := range legs {
		if l.FillState.IsTerminal() {
			terminal++
		}
		switch l.FillState {
		case model.FillFilled:
			filled++
		case model.FillFailed:
			failed++
		}
	}
	switch {
	case filled == len(legs):
		return model.StatusFilled
	case filled > 0:
		return model.StatusPartiallyFilled
	case terminal == len(legs) && failed > 0:
		return model.StatusFailed
	case terminal == len(legs):
		return model.StatusCancelled
	}
	return model.StatusPending
}

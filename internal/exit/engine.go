package exit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Remdon/DubK-Options-sub000/config"
	"github.com/Remdon/DubK-Options-sub000/internal/execution"
	"github.com/Remdon/DubK-Options-sub000/internal/logger"
	"github.com/Remdon/DubK-Options-sub000/internal/metrics"
	"github.com/Remdon/DubK-Options-sub000/internal/model"
	"github.com/Remdon/DubK-Options-sub000/internal/notification"
	"github.com/Remdon/DubK-Options-sub000/internal/portfolio"
	"github.com/Remdon/DubK-Options-sub000/internal/resilience"
	"github.com/Remdon/DubK-Options-sub000/internal/tracker"
)

// State is the per-group lifecycle state.
type State string

const (
	StateOpen       State = "OPEN"
	StateEvaluating State = "EVALUATING"
	StateClosing    State = "CLOSING"
	StateClosed     State = "CLOSED"
)

// untrackedPrefix keys groups that have no active-position record.
const untrackedPrefix = "untracked:"

// CloseResult reports one close attempt.
type CloseResult struct {
	Symbol          string
	CloseStrategyID string
	Mode            model.OrderMode
	OrderIDs        []string
	Failed          []string
	// Submitted is true when every leg's close order was accepted.
	Submitted bool
	// Partial is true when some but not all legs were accepted.
	Partial bool
	Reason  string
}

// CancelResult reports one safe-cancel attempt.
type CancelResult struct {
	StrategyID string
	Cancelled  []string
	// Refused is set when the strategy has fills or its state could not be
	// confirmed; Reason says why.
	Refused bool
	Reason  string
	Errors  []error
}

// Outcome is the evaluation result for one group.
type Outcome struct {
	Symbol       string
	StrategyType model.StrategyType
	PnLPct       float64
	DTE          *int
	Decision     Decision
	Skipped      string
	Close        *CloseResult
}

// Report summarizes one Evaluate pass.
type Report struct {
	Outcomes []Outcome
	Errors   []error
}

// Closed returns the symbols a close was submitted for.
func (r Report) Closed() []string {
	var out []string
	for _, o := range r.Outcomes {
		if o.Close != nil && (o.Close.Submitted || o.Close.Partial) {
			out = append(out, o.Symbol)
		}
	}
	return out
}

type pendingClose struct {
	parentID     string
	symbol       string
	strategyType model.StrategyType
	decision     Decision
	pnl          decimal.Decimal
	pnlPct       float64
	entryTime    time.Time
}

// Engine is the PositionExitEngine.
type Engine struct {
	policy   config.ExitPolicy
	broker   model.Broker
	coord    *execution.Coordinator
	tracker  *tracker.Tracker
	book     Book
	cooldown *Cooldown
	notify   notification.Notifier
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
	newID    func() string

	mu      sync.Mutex
	states  map[string]State
	hwm     map[string]float64
	pending map[string]pendingClose
}

// New creates an Engine. Atomic closes go through coord, which must share tr.
func New(policy config.ExitPolicy, broker model.Broker, coord *execution.Coordinator, tr *tracker.Tracker, book Book, log *slog.Logger) *Engine {
	return &Engine{
		policy:   policy,
		broker:   broker,
		coord:    coord,
		tracker:  tr,
		book:     book,
		cooldown: NewCooldown(policy, nil),
		notify:   notification.Discard{},
		log:      logger.OrDefault(log).With("component", "exit"),
		now:      time.Now,
		newID:    uuid.NewString,
		states:   make(map[string]State),
		hwm:      make(map[string]float64),
		pending:  make(map[string]pendingClose),
	}
}

// WithClock replaces the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithNotifier sets the alert sink.
func (e *Engine) WithNotifier(n notification.Notifier) *Engine {
	if n != nil {
		e.notify = n
	}
	return e
}

// WithMetrics sets the metrics sink.
func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.metrics = m
	return e
}

// WithCooldown replaces the re-entry cooldown, e.g. one seeded from the journal.
func (e *Engine) WithCooldown(c *Cooldown) *Engine {
	e.cooldown = c
	return e
}

// Cooldown returns the re-entry cooldown the engine feeds.
func (e *Engine) Cooldown() *Cooldown { return e.cooldown }

// State returns the lifecycle state of an underlying's group.
func (e *Engine) State(symbol string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.states[symbol]; ok {
		return s
	}
	return StateOpen
}

func (e *Engine) setState(symbol string, s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[symbol] = s
}

// Evaluate reads positions from the broker and runs the rule table on every
// group. Running it twice without a state change submits nothing new. Fatal
// errors stop the pass and are returned; other per-group errors are collected.
func (e *Engine) Evaluate(ctx context.Context) (Report, error) {
	positions, err := e.broker.GetAllPositions(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("read positions: %w", err)
	}
	groups := portfolio.GroupByUnderlying(positions)
	e.forgetMissing(groups)

	var rep Report
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		out, err := e.evaluateGroup(ctx, g)
		if err != nil {
			if resilience.IsFatal(err) {
				return rep, err
			}
			e.log.WarnContext(ctx, "group evaluation failed", "symbol", g.Underlying, "err", err)
			rep.Errors = append(rep.Errors, fmt.Errorf("%s: %w", g.Underlying, err))
			continue
		}
		rep.Outcomes = append(rep.Outcomes, out)
	}
	return rep, nil
}

// forgetMissing drops per-group state for underlyings no longer held, except
// groups still waiting on close finalization.
func (e *Engine) forgetMissing(groups []portfolio.Group) {
	held := make(map[string]bool, len(groups))
	for _, g := range groups {
		held[g.Underlying] = true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for sym, st := range e.states {
		if !held[sym] && st != StateClosing {
			delete(e.states, sym)
		}
	}
	for sym := range e.hwm {
		if !held[sym] {
			delete(e.hwm, sym)
		}
	}
}

func (e *Engine) lookup(ctx context.Context, symbol string) (model.ActivePosition, bool, string, error) {
	active, ok, err := e.book.ActivePosition(ctx, symbol)
	if err != nil {
		return model.ActivePosition{}, false, "", resilience.Fatalf("read active position %s: %w", symbol, err)
	}
	if ok && active.StrategyID != "" {
		return active, true, active.StrategyID, nil
	}
	return model.ActivePosition{}, false, untrackedPrefix + symbol, nil
}

func (e *Engine) evaluateGroup(ctx context.Context, g portfolio.Group) (Outcome, error) {
	active, tracked, parentID, err := e.lookup(ctx, g.Underlying)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Symbol: g.Underlying, PnLPct: g.PnLPct, DTE: g.MinDTE}

	err = e.tracker.Serialize(ctx, parentID, func(ctx context.Context) error {
		if busy := e.closeInFlight(parentID); busy != "" {
			out.Skipped = busy
			return nil
		}
		e.setState(g.Underlying, StateEvaluating)

		in := e.input(g, active, tracked)
		out.StrategyType = in.StrategyType
		if err := e.trackHighWater(ctx, g.Underlying, &active, tracked, &in); err != nil {
			e.setState(g.Underlying, StateOpen)
			return err
		}

		dec := Decide(e.policy, in)
		out.Decision = dec
		if !dec.Close {
			e.setState(g.Underlying, StateOpen)
			if dec.Reason == ReasonMinHold {
				e.log.DebugContext(ctx, "exit suppressed by minimum hold", "symbol", g.Underlying, "detail", dec.Detail)
			}
			return nil
		}

		e.log.InfoContext(ctx, "exit rule fired", append(logger.Attrs(ctx),
			"symbol", g.Underlying, "type", in.StrategyType, "reason", dec.Reason,
			"detail", dec.Detail, "pnl_pct", g.PnLPct)...)
		e.metrics.ExitFired(string(dec.Reason))

		res, err := e.closeLocked(ctx, g, parentID, in, dec)
		out.Close = &res
		if err != nil {
			e.setState(g.Underlying, StateOpen)
			return err
		}
		if res.Submitted || res.Partial {
			e.setState(g.Underlying, StateClosing)
			e.alertExit(ctx, g, in.StrategyType, dec)
		} else {
			e.setState(g.Underlying, StateOpen)
		}
		return nil
	})
	return out, err
}

// closeInFlight returns a reason to skip the group when a previous close for
// parentID is still working or awaits finalization.
func (e *Engine) closeInFlight(parentID string) string {
	for _, c := range e.tracker.Children(parentID) {
		if !c.ArchivedAt.IsZero() {
			continue
		}
		if c.Status == model.StatusFilled {
			return fmt.Sprintf("close %s filled, awaiting finalization", c.StrategyID)
		}
		for _, l := range c.Legs {
			if l.FillState == model.FillOpen {
				return fmt.Sprintf("close %s still working", c.StrategyID)
			}
		}
	}
	return ""
}

func (e *Engine) input(g portfolio.Group, active model.ActivePosition, tracked bool) Input {
	in := Input{
		StrategyType: InferStrategyType(g),
		PnLPct:       g.PnLPct,
		DTE:          g.MinDTE,
		Now:          e.now(),
	}
	if tracked {
		if active.StrategyType != "" {
			in.StrategyType = active.StrategyType
		}
		in.EntryTime = active.EntryTime
	}
	if in.EntryTime.IsZero() {
		for _, l := range g.Legs {
			if !l.EntryTime.IsZero() && (in.EntryTime.IsZero() || l.EntryTime.Before(in.EntryTime)) {
				in.EntryTime = l.EntryTime
			}
		}
	}
	return in
}

// trackHighWater folds the current P&L into the stored high-water mark.
func (e *Engine) trackHighWater(ctx context.Context, symbol string, active *model.ActivePosition, tracked bool, in *Input) error {
	prev := 0.0
	if tracked {
		prev = active.HighWaterPct
	} else {
		e.mu.Lock()
		prev = e.hwm[symbol]
		e.mu.Unlock()
	}
	in.HighWater = max(prev, in.PnLPct)
	if in.HighWater <= prev {
		return nil
	}
	if !tracked {
		e.mu.Lock()
		e.hwm[symbol] = in.HighWater
		e.mu.Unlock()
		return nil
	}
	active.HighWaterPct = in.HighWater
	if err := e.book.SaveActivePosition(ctx, *active); err != nil {
		return resilience.Fatalf("save high-water mark for %s: %w", symbol, err)
	}
	return nil
}

// InferStrategyType guesses the type of a group with no active record.
func InferStrategyType(g portfolio.Group) model.StrategyType {
	if len(g.Legs) != 1 {
		return model.UnknownStrategy
	}
	p := g.Legs[0]
	parts, err := model.ParseOCC(p.Symbol)
	if err != nil {
		return model.UnknownStrategy
	}
	switch {
	case parts.Type == model.Call && p.Quantity > 0:
		return model.LongCall
	case parts.Type == model.Call:
		return model.ShortCall
	case p.Quantity > 0:
		return model.LongPut
	}
	return model.ShortPut
}

// SafeClose closes a whole group with offsetting orders, serialized with any
// other work on the same position.
func (e *Engine) SafeClose(ctx context.Context, g portfolio.Group, dec Decision) (CloseResult, error) {
	active, tracked, parentID, err := e.lookup(ctx, g.Underlying)
	if err != nil {
		return CloseResult{}, err
	}
	var res CloseResult
	err = e.tracker.Serialize(ctx, parentID, func(ctx context.Context) error {
		if busy := e.closeInFlight(parentID); busy != "" {
			res = CloseResult{Symbol: g.Underlying, Reason: busy}
			return nil
		}
		in := e.input(g, active, tracked)
		var err error
		res, err = e.closeLocked(ctx, g, parentID, in, dec)
		if res.Submitted || res.Partial {
			e.setState(g.Underlying, StateClosing)
		}
		return err
	})
	return res, err
}

type closingLeg struct {
	pos  model.Position
	leg  model.Leg
	size int64
}

func closingLegs(g portfolio.Group) []closingLeg {
	out := make([]closingLeg, 0, len(g.Legs))
	for _, p := range g.Legs {
		parts, err := model.ParseOCC(p.Symbol)
		if err != nil {
			continue
		}
		side := model.Sell
		if p.Quantity < 0 {
			side = model.Buy
		}
		size := p.Quantity
		if size < 0 {
			size = -size
		}
		out = append(out, closingLeg{
			pos:  p,
			size: size,
			leg: model.Leg{
				ContractID: p.Symbol,
				OptionType: parts.Type,
				Strike:     parts.Strike,
				Expiration: parts.Expiration,
				Side:       side,
				Quantity:   1,
				Price:      p.CurrentPrice,
			},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].pos.Symbol < out[j].pos.Symbol })
	return out
}

// atomicClose reports whether the legs can unwind as one combined order: a
// vertical with equal size on both legs and no worthless leg.
func (e *Engine) atomicClose(legs []closingLeg) bool {
	if len(legs) != 2 || legs[0].size != legs[1].size {
		return false
	}
	worthless := decimal.NewFromFloat(e.policy.WorthlessPrice)
	for _, l := range legs {
		if l.pos.CurrentPrice.LessThanOrEqual(worthless) {
			return false
		}
	}
	return execution.IsAtomicVertical([]model.Leg{legs[0].leg, legs[1].leg})
}

// CloseLimit prices an atomic close from current marks: the signed closing
// net widened by CloseBuffer toward a fill, clamped to [WorthlessPrice,
// MaxCloseLimit]. Positive is a debit to close.
func CloseLimit(p config.ExitPolicy, legs []model.Leg) decimal.Decimal {
	net := decimal.Zero
	for _, l := range legs {
		net = net.Add(l.Price.Mul(decimal.NewFromInt(l.Side.Sign())))
	}
	factor := 1 + p.CloseBuffer
	if net.IsNegative() {
		factor = 1 - p.CloseBuffer
	}
	px := net.Abs().Mul(decimal.NewFromFloat(factor)).Round(2)
	lo, hi := decimal.NewFromFloat(p.WorthlessPrice), decimal.NewFromFloat(p.MaxCloseLimit)
	if px.LessThan(lo) {
		px = lo
	}
	if px.GreaterThan(hi) {
		px = hi
	}
	if net.IsNegative() {
		return px.Neg()
	}
	return px
}

func (e *Engine) closeLocked(ctx context.Context, g portfolio.Group, parentID string, in Input, dec Decision) (CloseResult, error) {
	legs := closingLegs(g)
	closeID := e.newID()
	res := CloseResult{Symbol: g.Underlying, CloseStrategyID: closeID}
	if len(legs) == 0 {
		res.Reason = "no option legs to close"
		return res, nil
	}

	var err error
	if e.atomicClose(legs) {
		err = e.closeAtomic(ctx, g, parentID, closeID, in.StrategyType, legs, &res)
	} else {
		err = e.closeEach(ctx, g, parentID, closeID, in.StrategyType, legs, &res)
	}

	if res.Submitted || res.Partial {
		e.mu.Lock()
		e.pending[closeID] = pendingClose{
			parentID:     parentID,
			symbol:       g.Underlying,
			strategyType: in.StrategyType,
			decision:     dec,
			pnl:          g.UnrealizedPnL,
			pnlPct:       g.PnLPct,
			entryTime:    in.EntryTime,
		}
		e.mu.Unlock()
	}
	if res.Partial {
		e.metrics.PartialClose()
		e.log.ErrorContext(ctx, "partial close", append(logger.Attrs(ctx),
			"symbol", g.Underlying, "close_id", closeID, "closed", len(res.OrderIDs),
			"failed", res.Failed, "reason", res.Reason)...)
		e.alert(ctx, notification.Critical(notification.KindPartialClose, g.Underlying, parentID,
			"Partial close",
			fmt.Sprintf("%s: %d leg(s) closing, %d failed (%s); position remains open",
				g.Underlying, len(res.OrderIDs), len(res.Failed), res.Reason)))
	}
	return res, err
}

func (e *Engine) closeAtomic(ctx context.Context, g portfolio.Group, parentID, closeID string, st model.StrategyType, legs []closingLeg, res *CloseResult) error {
	res.Mode = model.ModeAtomic
	sized := make([]execution.SizedLeg, len(legs))
	plain := make([]model.Leg, len(legs))
	for i, l := range legs {
		sized[i] = execution.SizedLeg{Leg: l.leg, Closing: true}
		plain[i] = l.leg
	}
	exec, err := e.coord.Execute(ctx, execution.Request{
		StrategyID:   closeID,
		Symbol:       g.Underlying,
		StrategyType: st,
		Purpose:      model.PurposeClose,
		ParentID:     parentID,
		Quantity:     legs[0].size,
		Legs:         sized,
		NetLimit:     CloseLimit(e.policy, plain),
	})
	res.OrderIDs = exec.OrderIDs
	res.Submitted = exec.Success
	if !exec.Success {
		for _, le := range exec.Errors {
			res.Failed = append(res.Failed, le.ContractID)
		}
		res.Reason = exec.Reason()
	}
	return err
}

// closeEach liquidates every leg with its own close_position call. A fatal
// error stops the remaining legs.
func (e *Engine) closeEach(ctx context.Context, g portfolio.Group, parentID, closeID string, st model.StrategyType, legs []closingLeg, res *CloseResult) error {
	res.Mode = model.ModeSingle
	tracked := make([]model.Leg, 0, len(legs))
	var reasons []error
	var fatal error
	for _, l := range legs {
		tl := l.leg
		tl.Quantity = l.size
		if fatal != nil {
			tl.OrderID, tl.FillState = e.newID(), model.FillFailed
			res.Failed = append(res.Failed, l.pos.Symbol)
			tracked = append(tracked, tl)
			continue
		}
		orderID, err := e.broker.ClosePosition(ctx, l.pos.Symbol)
		if err != nil {
			e.log.WarnContext(ctx, "close_position failed", append(logger.Attrs(ctx),
				"contract", l.pos.Symbol, "kind", resilience.Classify(err).String(), "err", err)...)
			tl.OrderID, tl.FillState = e.newID(), model.FillFailed
			res.Failed = append(res.Failed, l.pos.Symbol)
			reasons = append(reasons, fmt.Errorf("%s: %w", l.pos.Symbol, err))
			if resilience.IsFatal(err) {
				fatal = err
			}
			tracked = append(tracked, tl)
			continue
		}
		tl.OrderID, tl.FillState = orderID, model.FillOpen
		res.OrderIDs = append(res.OrderIDs, orderID)
		e.metrics.OrderSubmitted(string(model.ModeSingle), string(model.PurposeClose))
		tracked = append(tracked, tl)
	}
	res.Submitted = len(res.Failed) == 0
	res.Partial = len(res.OrderIDs) > 0 && len(res.Failed) > 0
	if err := errors.Join(reasons...); err != nil {
		res.Reason = err.Error()
	}

	if err := e.tracker.Register(ctx, model.StrategyOrder{
		StrategyID:   closeID,
		Symbol:       g.Underlying,
		StrategyType: st,
		Purpose:      model.PurposeClose,
		ParentID:     parentID,
		Mode:         model.ModeSingle,
		Legs:         tracked,
	}); err != nil {
		return errors.Join(fatal, err)
	}
	return fatal
}

// SafeCancel cancels the unfilled legs of a strategy that has no fills. The
// broker is re-read for every open leg first; if anything has filled the
// cancel is refused and the position must be closed instead.
func (e *Engine) SafeCancel(ctx context.Context, strategyID string) (CancelResult, error) {
	res := CancelResult{StrategyID: strategyID}
	err := e.tracker.Serialize(ctx, strategyID, func(ctx context.Context) error {
		if _, ok := e.tracker.Get(strategyID); !ok {
			res.Refused, res.Reason = true, "unknown strategy"
			return nil
		}
		for _, oid := range e.tracker.UnfilledLegIDs(strategyID) {
			st, err := e.broker.GetOrderStatus(ctx, oid)
			if err != nil {
				if resilience.IsFatal(err) {
					return err
				}
				res.Refused = true
				res.Reason = fmt.Sprintf("could not confirm status of order %s: %v", oid, err)
				return nil
			}
			if st != model.FillOpen {
				if _, err := e.tracker.UpdateLegStatus(ctx, strategyID, oid, st); err != nil {
					return err
				}
			}
		}
		if e.tracker.HasAnyFills(strategyID) {
			res.Refused = true
			res.Reason = "strategy has filled legs; close with offsetting orders instead"
			e.log.InfoContext(ctx, "cancel refused", append(logger.Attrs(ctx), "reason", res.Reason)...)
			return nil
		}
		for _, oid := range e.tracker.UnfilledLegIDs(strategyID) {
			if err := e.broker.CancelOrder(ctx, oid); err != nil {
				if resilience.IsFatal(err) {
					return err
				}
				res.Errors = append(res.Errors, fmt.Errorf("cancel %s: %w", oid, err))
				continue
			}
			if _, err := e.tracker.UpdateLegStatus(ctx, strategyID, oid, model.FillCancelled); err != nil {
				return err
			}
			res.Cancelled = append(res.Cancelled, oid)
		}
		if len(res.Cancelled) > 0 {
			e.log.InfoContext(ctx, "strategy cancelled", append(logger.Attrs(ctx),
				"orders", res.Cancelled, "errors", len(res.Errors))...)
		}
		return nil
	})
	return res, err
}

// CancelStale safe-cancels PENDING entries older than StaleEntryAfter and
// drops their active-position record once nothing is left working.
func (e *Engine) CancelStale(ctx context.Context) ([]CancelResult, error) {
	if e.policy.StaleEntryAfter <= 0 {
		return nil, nil
	}
	cutoff := e.now().Add(-e.policy.StaleEntryAfter)
	var out []CancelResult
	for _, o := range e.tracker.Open() {
		if o.Purpose != model.PurposeEntry || o.Status != model.StatusPending || !o.CreatedAt.Before(cutoff) {
			continue
		}
		res, err := e.SafeCancel(ctx, o.StrategyID)
		if err != nil {
			return out, err
		}
		out = append(out, res)
		if after, ok := e.tracker.Get(o.StrategyID); ok && after.Status.IsTerminal() && !e.tracker.HasAnyFills(o.StrategyID) {
			if err := e.book.RemoveActivePosition(ctx, o.Symbol, o.StrategyID); err != nil {
				return out, resilience.Fatalf("remove active position %s: %w", o.Symbol, err)
			}
		}
	}
	return out, nil
}

// Finalize completes closes whose orders have all filled: the active record
// is removed and an exit row written in one step, the entry strategy and all
// of its close attempts are archived, and the symbol enters its re-entry
// cooldown.
// Closes that ended without fills are archived and the group reopens.
func (e *Engine) Finalize(ctx context.Context) (int, error) {
	done := 0
	for _, c := range e.tracker.Closes() {
		switch c.Status {
		case model.StatusFilled:
			if err := e.finalize(ctx, c); err != nil {
				return done, err
			}
			done++
		case model.StatusCancelled, model.StatusFailed:
			if err := e.tracker.Archive(ctx, c.StrategyID); err != nil {
				return done, err
			}
			e.mu.Lock()
			delete(e.pending, c.StrategyID)
			e.mu.Unlock()
			e.setState(c.Symbol, StateOpen)
			e.log.WarnContext(ctx, "close order ended without fills",
				"symbol", c.Symbol, "close_id", c.StrategyID, "status", c.Status)
		}
	}
	return done, nil
}

func (e *Engine) finalize(ctx context.Context, c model.StrategyOrder) error {
	return e.tracker.Serialize(ctx, c.ParentID, func(ctx context.Context) error {
		e.mu.Lock()
		info, ok := e.pending[c.StrategyID]
		e.mu.Unlock()
		if !ok {
			info = pendingClose{parentID: c.ParentID, symbol: c.Symbol, strategyType: c.StrategyType}
		}

		now := e.now()
		rec := model.ExitRecord{
			Symbol:          c.Symbol,
			StrategyID:      c.ParentID,
			CloseStrategyID: c.StrategyID,
			StrategyType:    info.strategyType,
			Reason:          string(info.decision.Reason),
			Detail:          info.decision.Detail,
			PnL:             info.pnl,
			PnLPct:          info.pnlPct,
			EntryTime:       info.entryTime,
			ExitTime:        now,
		}
		if err := e.book.CloseOut(ctx, rec); err != nil {
			return resilience.Fatalf("record exit for %s: %w", c.Symbol, err)
		}

		ids := []string{c.StrategyID}
		if _, ok := e.tracker.Get(c.ParentID); ok {
			ids = append(ids, c.ParentID)
		}
		for _, sib := range e.tracker.Children(c.ParentID) {
			if sib.StrategyID != c.StrategyID {
				ids = append(ids, sib.StrategyID)
			}
		}
		for _, id := range ids {
			if err := e.tracker.Archive(ctx, id); err != nil {
				return err
			}
		}

		e.cooldown.RecordClose(c.Symbol, now, rec.IsLoss())
		e.mu.Lock()
		for _, id := range ids {
			delete(e.pending, id)
		}
		delete(e.hwm, c.Symbol)
		e.states[c.Symbol] = StateClosed
		e.mu.Unlock()

		e.log.InfoContext(ctx, "position closed", append(logger.Attrs(ctx),
			"symbol", c.Symbol, "close_id", c.StrategyID, "reason", rec.Reason,
			"pnl", rec.PnL.StringFixed(2), "pnl_pct", rec.PnLPct)...)
		return nil
	})
}

func (e *Engine) alertExit(ctx context.Context, g portfolio.Group, st model.StrategyType, dec Decision) {
	var kind notification.Kind
	var title string
	switch dec.Reason {
	case ReasonStopLoss, ReasonCatastrophic:
		kind, title = notification.KindStopLoss, "Stop loss triggered"
	case ReasonProfitTarget:
		kind, title = notification.KindProfitTarget, "Profit target reached"
	case ReasonEmergency:
		kind, title = notification.KindEmergencyExit, "Emergency exit"
	default:
		return
	}
	e.alert(ctx, notification.Critical(kind, g.Underlying, "", title,
		fmt.Sprintf("%s %s: %s (P&L $%s)", g.Underlying, st, dec.Detail, g.UnrealizedPnL.StringFixed(2))))
}

func (e *Engine) alert(ctx context.Context, a notification.Alert) {
	if err := e.notify.Send(ctx, a); err != nil {
		e.log.WarnContext(ctx, "alert delivery failed", "kind", a.Kind, "err", err)
	}
}

// Package execution submits sized strategies to the broker and registers
// every resulting leg order with the tracker.
//
// Vertical spreads go out as one combined order under a net limit. Every
// other shape is submitted leg by leg with quote-derived limits. A failing
// leg never cancels its siblings; that is left to the exit engine's
// safe-cancel path, which re-reads fill state first.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Remdon/DubK-Options-sub000/config"
	"github.com/Remdon/DubK-Options-sub000/internal/logger"
	"github.com/Remdon/DubK-Options-sub000/internal/metrics"
	"github.com/Remdon/DubK-Options-sub000/internal/model"
	"github.com/Remdon/DubK-Options-sub000/internal/notification"
	"github.com/Remdon/DubK-Options-sub000/internal/resilience"
	"github.com/Remdon/DubK-Options-sub000/internal/tracker"
)

// ErrInvalidRequest is returned for requests that cannot be submitted at all.
var ErrInvalidRequest = errors.New("invalid execution request")

// OrderSubmitter is the broker capability the coordinator needs.
type OrderSubmitter interface {
	SubmitOrder(ctx context.Context, req model.OrderRequest) (string, error)
}

// SizedLeg is one leg ready for submission. Leg.Quantity is the per-unit
// ratio; Leg.Price is the mark used when no quote is available.
type SizedLeg struct {
	model.Leg
	Quote   model.Quote
	Closing bool
}

// Request describes one strategy submission.
type Request struct {
	// StrategyID is generated when empty.
	StrategyID   string
	Symbol       string
	StrategyType model.StrategyType
	Purpose      model.Purpose
	// ParentID links a close order to the entry strategy it unwinds.
	ParentID string
	// Quantity is the number of strategy units.
	Quantity int64
	Legs     []SizedLeg
	// NetLimit, when non-zero, replaces the computed atomic net limit.
	NetLimit decimal.Decimal
}

// LegError reports why one leg was not submitted.
type LegError struct {
	ContractID string
	Kind       resilience.Kind
	Err        error
}

func (e LegError) Error() string {
	return fmt.Sprintf("%s: %v", e.ContractID, e.Err)
}

// Result is the outcome of Execute.
type Result struct {
	StrategyID string
	Mode       model.OrderMode
	// Success is true when every leg was accepted by the broker.
	Success bool
	// Partial is true when some but not all legs were accepted.
	Partial    bool
	OrderIDs   []string
	LimitPrice decimal.Decimal
	Errors     []LegError
}

// Reason summarizes the leg errors for display.
func (r Result) Reason() string {
	if len(r.Errors) == 0 {
		return ""
	}
	parts := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

// Coordinator is the ExecutionCoordinator.
type Coordinator struct {
	pricer  Pricer
	broker  OrderSubmitter
	tracker *tracker.Tracker
	notify  notification.Notifier
	metrics *metrics.Metrics
	log     *slog.Logger
	newID   func() string
}

// New creates a Coordinator.
func New(policy config.ExecutionPolicy, broker OrderSubmitter, tr *tracker.Tracker, log *slog.Logger) *Coordinator {
	return &Coordinator{
		pricer:  NewPricer(policy),
		broker:  broker,
		tracker: tr,
		notify:  notification.Discard{},
		log:     logger.OrDefault(log).With("component", "execution"),
		newID:   uuid.NewString,
	}
}

// WithNotifier sets the alert sink.
func (c *Coordinator) WithNotifier(n notification.Notifier) *Coordinator {
	if n != nil {
		c.notify = n
	}
	return c
}

// WithMetrics sets the metrics sink.
func (c *Coordinator) WithMetrics(m *metrics.Metrics) *Coordinator {
	c.metrics = m
	return c
}

// Pricer returns the coordinator's limit pricer.
func (c *Coordinator) Pricer() Pricer { return c.pricer }

// IsAtomicVertical reports whether legs form a vertical spread that must be
// submitted as one combined order: two legs of the same type, underlying and
// expiration at different strikes, one bought and one sold.
func IsAtomicVertical(legs []model.Leg) bool {
	if len(legs) != 2 {
		return false
	}
	a, b := legs[0], legs[1]
	return a.OptionType == b.OptionType &&
		a.Expiration.Equal(b.Expiration) &&
		!a.Strike.Equal(b.Strike) &&
		a.Side != b.Side &&
		model.Underlying(a.ContractID) == model.Underlying(b.ContractID)
}

// Execute submits the strategy and registers every leg with the tracker
// before returning, under the strategy's serialization lock. Per-leg broker
// failures are reported in the Result. The error is set only for invalid
// requests and for fatal failures (authentication, journal), which callers
// must treat as loop-stopping.
func (c *Coordinator) Execute(ctx context.Context, req Request) (Result, error) {
	if req.Quantity <= 0 {
		return Result{}, fmt.Errorf("%w: quantity %d", ErrInvalidRequest, req.Quantity)
	}
	if len(req.Legs) == 0 {
		return Result{}, fmt.Errorf("%w: no legs", ErrInvalidRequest)
	}
	if req.StrategyID == "" {
		req.StrategyID = c.newID()
	}
	if req.Purpose == "" {
		req.Purpose = model.PurposeEntry
	}

	res := Result{StrategyID: req.StrategyID, Mode: model.ModeSingle}
	plain := make([]model.Leg, len(req.Legs))
	for i, l := range req.Legs {
		plain[i] = l.Leg
	}
	if IsAtomicVertical(plain) {
		res.Mode = model.ModeAtomic
	}

	err := c.tracker.Serialize(ctx, req.StrategyID, func(ctx context.Context) error {
		if _, exists := c.tracker.Get(req.StrategyID); exists {
			return fmt.Errorf("%w: strategy %s already submitted", ErrInvalidRequest, req.StrategyID)
		}
		var legs []model.Leg
		var fatal error
		if res.Mode == model.ModeAtomic {
			legs, fatal = c.submitAtomic(ctx, req, &res)
		} else {
			legs, fatal = c.submitLegs(ctx, req, &res)
		}

		order := model.StrategyOrder{
			StrategyID:   req.StrategyID,
			Symbol:       req.Symbol,
			StrategyType: req.StrategyType,
			Purpose:      req.Purpose,
			ParentID:     req.ParentID,
			Mode:         res.Mode,
			LimitPrice:   res.LimitPrice,
			Legs:         legs,
		}
		if err := c.tracker.Register(ctx, order); err != nil {
			return errors.Join(fatal, err)
		}
		return fatal
	})

	submitted := len(res.OrderIDs) > 0
	res.Success = submitted && len(res.Errors) == 0
	res.Partial = submitted && len(res.Errors) > 0

	if res.Partial {
		c.log.ErrorContext(ctx, "partial submission", append(logger.Attrs(ctx),
			"strategy_id", req.StrategyID, "symbol", req.Symbol, "submitted", len(res.OrderIDs),
			"failed", len(res.Errors), "reason", res.Reason())...)
		c.alert(ctx, notification.Critical(notification.KindPartialSubmission, req.Symbol, req.StrategyID,
			"Partial submission",
			fmt.Sprintf("%s %s: %d order(s) accepted, %d leg(s) failed: %s",
				req.Symbol, req.StrategyType, len(res.OrderIDs), len(res.Errors), res.Reason())))
	}
	return res, err
}

// submitAtomic sends both legs as one combined order.
func (c *Coordinator) submitAtomic(ctx context.Context, req Request, res *Result) ([]model.Leg, error) {
	limit := req.NetLimit
	if limit.IsZero() {
		limit = c.pricer.NetLimit(req.Legs)
	}
	res.LimitPrice = limit

	clientID := c.newID()
	sub := model.OrderRequest{
		Symbol:        req.Symbol,
		Mode:          model.ModeAtomic,
		Quantity:      req.Quantity,
		LimitPrice:    limit,
		ClientOrderID: clientID,
	}
	for _, l := range req.Legs {
		sub.Legs = append(sub.Legs, model.OrderLeg{
			ContractID: l.ContractID, Side: l.Side, Ratio: ratio(l.Leg), Closing: l.Closing,
		})
	}

	orderID, err := c.broker.SubmitOrder(ctx, sub)
	state := model.FillOpen
	if err != nil {
		orderID, state = clientID, model.FillFailed
		for _, l := range req.Legs {
			c.legFailed(ctx, res, l.ContractID, err)
		}
	} else {
		res.OrderIDs = append(res.OrderIDs, orderID)
		c.metrics.OrderSubmitted(string(model.ModeAtomic), string(req.Purpose))
		c.log.InfoContext(ctx, "atomic order submitted", append(logger.Attrs(ctx),
			"symbol", req.Symbol, "type", req.StrategyType, "order_id", orderID,
			"qty", req.Quantity, "net_limit", limit.StringFixed(2))...)
	}

	legs := make([]model.Leg, len(req.Legs))
	for i, l := range req.Legs {
		legs[i] = trackedLeg(l, req.Quantity, orderID, state)
		legs[i].Price = l.Price
	}
	return legs, fatalOf(err)
}

// submitLegs sends each leg as its own limit order, buys first so protective
// legs are in place before short legs.
func (c *Coordinator) submitLegs(ctx context.Context, req Request, res *Result) ([]model.Leg, error) {
	ordered := make([]SizedLeg, len(req.Legs))
	copy(ordered, req.Legs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Side == model.Buy && ordered[j].Side != model.Buy
	})

	var legs []model.Leg
	for i, l := range ordered {
		clientID := c.newID()
		limit := c.pricer.LegLimit(l.Side, l.Quote, l.Price)
		orderID, err := c.broker.SubmitOrder(ctx, model.OrderRequest{
			Symbol:        req.Symbol,
			Mode:          model.ModeSingle,
			Quantity:      req.Quantity * ratio(l.Leg),
			LimitPrice:    limit,
			ClientOrderID: clientID,
			Legs: []model.OrderLeg{{
				ContractID: l.ContractID, Side: l.Side, Ratio: 1, Closing: l.Closing,
			}},
		})
		if err != nil {
			c.legFailed(ctx, res, l.ContractID, err)
			tl := trackedLeg(l, req.Quantity, clientID, model.FillFailed)
			tl.Price = limit
			legs = append(legs, tl)
			if fatal := fatalOf(err); fatal != nil {
				for _, rest := range ordered[i+1:] {
					res.Errors = append(res.Errors, LegError{
						ContractID: rest.ContractID, Kind: resilience.KindFatal, Err: errors.New("not submitted after fatal error"),
					})
					rl := trackedLeg(rest, req.Quantity, c.newID(), model.FillFailed)
					legs = append(legs, rl)
				}
				return legs, fatal
			}
			continue
		}
		res.OrderIDs = append(res.OrderIDs, orderID)
		c.metrics.OrderSubmitted(string(model.ModeSingle), string(req.Purpose))
		c.log.InfoContext(ctx, "leg order submitted", append(logger.Attrs(ctx),
			"symbol", req.Symbol, "contract", l.ContractID, "side", l.Side,
			"order_id", orderID, "limit", limit.StringFixed(2))...)
		tl := trackedLeg(l, req.Quantity, orderID, model.FillOpen)
		tl.Price = limit
		legs = append(legs, tl)
	}
	return legs, nil
}

func (c *Coordinator) legFailed(ctx context.Context, res *Result, contractID string, err error) {
	kind := resilience.Classify(err)
	res.Errors = append(res.Errors, LegError{ContractID: contractID, Kind: kind, Err: err})
	c.metrics.LegFailed(kind.String())
	c.log.WarnContext(ctx, "leg submission failed", append(logger.Attrs(ctx),
		"contract", contractID, "kind", kind, "err", err)...)
}

func (c *Coordinator) alert(ctx context.Context, a notification.Alert) {
	if err := c.notify.Send(ctx, a); err != nil {
		c.log.WarnContext(ctx, "alert delivery failed", "kind", a.Kind, "err", err)
	}
}

func trackedLeg(l SizedLeg, units int64, orderID string, state model.FillState) model.Leg {
	leg := l.Leg
	leg.OrderID = orderID
	leg.Quantity = units * ratio(l.Leg)
	leg.FillState = state
	return leg
}

func fatalOf(err error) error {
	if err != nil && resilience.IsFatal(err) {
		return err
	}
	return nil
}

// Package bot runs the trading loop: the entry pipeline for new candidates
// and the periodic cycle that syncs fills, finalizes closes and evaluates
// exits while the options session is open.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Remdon/DubK-Options-sub000/config"
	"github.com/Remdon/DubK-Options-sub000/internal/execution"
	"github.com/Remdon/DubK-Options-sub000/internal/exit"
	"github.com/Remdon/DubK-Options-sub000/internal/logger"
	"github.com/Remdon/DubK-Options-sub000/internal/marketdata"
	"github.com/Remdon/DubK-Options-sub000/internal/markethours"
	"github.com/Remdon/DubK-Options-sub000/internal/metrics"
	"github.com/Remdon/DubK-Options-sub000/internal/model"
	"github.com/Remdon/DubK-Options-sub000/internal/notification"
	"github.com/Remdon/DubK-Options-sub000/internal/ordersync"
	"github.com/Remdon/DubK-Options-sub000/internal/portfolio"
	"github.com/Remdon/DubK-Options-sub000/internal/resilience"
	"github.com/Remdon/DubK-Options-sub000/internal/sizing"
	"github.com/Remdon/DubK-Options-sub000/internal/tracker"
)

// ErrFatal wraps failures that stop the loop: authentication, journal
// writes, or anything else the system cannot trade through.
var ErrFatal = errors.New("fatal trading error")

// Deps are the collaborators of a Service.
type Deps struct {
	Policy   config.Policy
	Broker   model.Broker
	Data     model.MarketData
	Tracker  *tracker.Tracker
	Book     exit.Book
	Notifier notification.Notifier
	Metrics  *metrics.Metrics
	Health   *metrics.HealthStatus
	Log      *slog.Logger
	// Workers bounds concurrent chain fetches.
	Workers int
}

// Service is the coordinating loop.
type Service struct {
	policy  config.Policy
	broker  model.Broker
	tracker *tracker.Tracker
	book    exit.Book
	notify  notification.Notifier
	metrics *metrics.Metrics
	health  *metrics.HealthStatus
	log     *slog.Logger

	sizer  *sizing.Engine
	guard  *portfolio.Guard
	coord  *execution.Coordinator
	exits  *exit.Engine
	poller *ordersync.Poller
	pool   *marketdata.Pool

	now        func() time.Time
	marketOpen func(time.Time) bool
	wake       chan struct{}
}

// New wires the components. It installs the service's transition hook on
// d.Tracker.
func New(d Deps) *Service {
	log := logger.OrDefault(d.Log)
	notify := d.Notifier
	if notify == nil {
		notify = notification.Discard{}
	}
	s := &Service{
		policy:     d.Policy,
		broker:     d.Broker,
		tracker:    d.Tracker,
		book:       d.Book,
		notify:     notify,
		metrics:    d.Metrics,
		health:     d.Health,
		log:        log.With("component", "bot"),
		sizer:      sizing.New(d.Policy.Sizing, log),
		guard:      portfolio.NewGuard(d.Policy.Exposure, d.Broker, log),
		poller:     ordersync.NewPoller(d.Broker, d.Tracker, log),
		pool:       marketdata.NewPool(d.Data, d.Workers, log),
		now:        time.Now,
		marketOpen: markethours.IsMarketOpen,
		wake:       make(chan struct{}, 1),
	}
	s.coord = execution.New(d.Policy.Execution, d.Broker, d.Tracker, log).
		WithNotifier(notify).
		WithMetrics(d.Metrics)
	s.exits = exit.New(d.Policy.Exit, d.Broker, s.coord, d.Tracker, d.Book, log).
		WithNotifier(notify).
		WithMetrics(d.Metrics).
		WithCooldown(exit.NewCooldown(d.Policy.Exit, markethours.ET))
	d.Tracker.OnTransition = s.onTransition
	return s
}

// WithClock replaces the time source of the service and its exit engine.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	s.exits.WithClock(now)
	s.guard.WithClock(now)
	return s
}

// WithMarketHours replaces the session check, e.g. to run outside hours.
func (s *Service) WithMarketHours(open func(time.Time) bool) *Service {
	s.marketOpen = open
	return s
}

// Exits returns the exit engine, for cooldown seeding and direct calls.
func (s *Service) Exits() *exit.Engine { return s.exits }

// Poller returns the fill-status poller, usable as a stream resync.
func (s *Service) Poller() *ordersync.Poller { return s.poller }

// EvaluateNow requests a cycle without waiting for the next tick.
func (s *Service) EvaluateNow() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run cycles every position_check_interval while the session is open, and
// on EvaluateNow. It returns nil when ctx is cancelled and an ErrFatal error
// when a cycle hits a fatal failure.
func (s *Service) Run(ctx context.Context) error {
	interval := s.policy.Loop.PositionCheckInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("monitor loop started", "interval", interval, "market", markethours.StatusString(s.now()))
	forced := false
	for {
		open := s.marketOpen(s.now())
		s.metrics.SetMarketOpen(open)
		if open || forced {
			if _, err := s.Cycle(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}

		forced = false
		select {
		case <-ctx.Done():
			s.log.Info("monitor loop stopped")
			return nil
		case <-ticker.C:
		case <-s.wake:
			forced = true
		}
	}
}

// CycleReport summarizes one monitor cycle.
type CycleReport struct {
	Sync      ordersync.Summary
	Finalized int
	Exits     exit.Report
	Cancelled []exit.CancelResult
	Swept     int
	Errors    []error
}

// Cycle runs one pass: refresh order status, finalize filled closes,
// evaluate exits, cancel stale entries, sweep expired records.
func (s *Service) Cycle(ctx context.Context) (CycleReport, error) {
	ctx = logger.NewTrace(ctx)
	start := time.Now()
	var rep CycleReport

	err := s.cycle(ctx, &rep)
	result := "ok"
	switch {
	case err != nil:
		result = "fatal"
	case len(rep.Errors) > 0:
		result = "degraded"
	}
	s.metrics.CycleDone(result, time.Since(start))
	s.metrics.SetOpenStrategies(len(s.tracker.Open()))
	if s.health != nil {
		s.health.SetLastCycle(s.now())
		s.health.SetBrokerOK(err == nil)
	}
	if err != nil {
		s.log.ErrorContext(ctx, "cycle stopped", append(logger.Attrs(ctx), "err", err)...)
		s.alert(ctx, notification.Critical(notification.KindFatal, "", "", "Trading loop stopped", err.Error()))
		return rep, fmt.Errorf("%w: %w", ErrFatal, err)
	}
	s.log.InfoContext(ctx, "cycle complete", append(logger.Attrs(ctx),
		"checked", rep.Sync.Checked, "updated", rep.Sync.Updated, "finalized", rep.Finalized,
		"evaluated", len(rep.Exits.Outcomes), "closed", len(rep.Exits.Closed()),
		"cancelled", len(rep.Cancelled), "swept", rep.Swept, "errors", len(rep.Errors))...)
	return rep, nil
}

func (s *Service) cycle(ctx context.Context, rep *CycleReport) error {
	var err error
	if rep.Sync, err = s.poller.Refresh(ctx); err != nil {
		return err
	}
	rep.Errors = append(rep.Errors, rep.Sync.Errors...)

	if rep.Finalized, err = s.exits.Finalize(ctx); err != nil {
		if resilience.IsFatal(err) {
			return err
		}
		rep.Errors = append(rep.Errors, err)
	}

	rep.Exits, err = s.exits.Evaluate(ctx)
	if err != nil {
		if resilience.IsFatal(err) {
			return err
		}
		s.log.WarnContext(ctx, "exit evaluation failed", "err", err)
		rep.Errors = append(rep.Errors, err)
	}
	rep.Errors = append(rep.Errors, rep.Exits.Errors...)

	if rep.Cancelled, err = s.exits.CancelStale(ctx); err != nil {
		if resilience.IsFatal(err) {
			return err
		}
		rep.Errors = append(rep.Errors, err)
	}

	retention := s.policy.Loop.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if rep.Swept, err = s.tracker.SweepExpired(ctx, retention); err != nil {
		return err
	}
	return nil
}

// onTransition counts transitions and raises the partial-fill alert the
// first time a strategy becomes PARTIALLY_FILLED.
func (s *Service) onTransition(t tracker.Transition) {
	s.metrics.StrategyEvent(string(t.Event))
	if t.To != model.StatusPartiallyFilled || t.From == model.StatusPartiallyFilled {
		return
	}
	s.metrics.PartialFill()
	filled := 0
	for _, l := range t.Order.Legs {
		if l.FillState == model.FillFilled {
			filled++
		}
	}
	ctx := logger.WithStrategyID(context.Background(), t.StrategyID)
	s.log.ErrorContext(ctx, "partial fill", append(logger.Attrs(ctx),
		"symbol", t.Order.Symbol, "purpose", t.Order.Purpose, "filled", filled, "legs", len(t.Order.Legs))...)
	s.alert(ctx, notification.Critical(notification.KindPartialFill, t.Order.Symbol, t.StrategyID,
		"Partial fill",
		fmt.Sprintf("%s %s %s: %d of %d legs filled, needs attention",
			t.Order.Symbol, t.Order.StrategyType, t.Order.Purpose, filled, len(t.Order.Legs))))
}

func (s *Service) alert(ctx context.Context, a notification.Alert) {
	if err := s.notify.Send(ctx, a); err != nil {
		s.log.WarnContext(ctx, "alert delivery failed", "kind", a.Kind, "err", err)
	}
}

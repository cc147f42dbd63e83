package ordersync

import (
	"context"
	"log/slog"
	"time"

	"github.com/Remdon/DubK-Options-sub000/internal/logger"
	"github.com/Remdon/DubK-Options-sub000/internal/metrics"
	"github.com/Remdon/DubK-Options-sub000/internal/model"
	"github.com/Remdon/DubK-Options-sub000/internal/resilience"
	"github.com/Remdon/DubK-Options-sub000/internal/tracker"
	"github.com/Remdon/DubK-Options-sub000/pkg/brokerapi"
)

// Source is one trade-update session, e.g. *brokerapi.TradeStream.
type Source interface {
	Connect(ctx context.Context) error
	Run(ctx context.Context, fn func(brokerapi.TradeUpdate)) error
}

// StateForEvent maps a trade update event to a leg fill state. ok is false
// for events that leave the leg open (new, partial_fill, replaced).
func StateForEvent(event string) (model.FillState, bool) {
	switch event {
	case brokerapi.EventFill:
		return model.FillFilled, true
	case brokerapi.EventCanceled, brokerapi.EventExpired, brokerapi.EventDoneToday:
		return model.FillCancelled, true
	case brokerapi.EventRejected:
		return model.FillFailed, true
	}
	return "", false
}

// Stream applies pushed trade updates to the tracker and reconnects with
// exponential backoff when the session drops.
type Stream struct {
	source  Source
	tracker *tracker.Tracker
	metrics *metrics.Metrics
	log     *slog.Logger

	// Resync runs after every successful connect to pick up updates missed
	// while disconnected. Usually Poller.Refresh.
	Resync func(ctx context.Context) error

	MinBackoff time.Duration
	MaxBackoff time.Duration
	// HealthySession is how long a session must stay up for the backoff to
	// start over. A session that delivered updates always resets it.
	HealthySession time.Duration

	wait func(ctx context.Context, d time.Duration) error
}

func NewStream(source Source, tr *tracker.Tracker, m *metrics.Metrics, log *slog.Logger) *Stream {
	return &Stream{
		source:     source,
		tracker:    tr,
		metrics:    m,
		log:        logger.OrDefault(log).With("component", "ordersync"),
		MinBackoff:     time.Second,
		MaxBackoff:     30 * time.Second,
		HealthySession: time.Minute,
		wait:           waitCtx,
	}
}

// Run keeps a session open until ctx is done. It returns nil on
// cancellation and the error on any fatal failure.
func (s *Stream) Run(ctx context.Context) error {
	backoff := s.MinBackoff
	for {
		start := time.Now()
		delivered, err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && resilience.IsFatal(err) {
			return err
		}
		if delivered > 0 || time.Since(start) >= s.HealthySession {
			backoff = s.MinBackoff
		}
		s.metrics.StreamReconnect()
		s.log.WarnContext(ctx, "trade stream disconnected, reconnecting",
			"err", err, "backoff", backoff, "updates", delivered)

		if err := s.wait(ctx, backoff); err != nil {
			return nil
		}
		backoff = min(backoff*2, s.MaxBackoff)
	}
}

func waitCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// session runs one connection and reports how many updates it delivered.
func (s *Stream) session(ctx context.Context) (int, error) {
	if err := s.source.Connect(ctx); err != nil {
		return 0, err
	}
	if s.Resync != nil {
		if err := s.Resync(ctx); err != nil {
			if resilience.IsFatal(err) {
				return 0, err
			}
			s.log.WarnContext(ctx, "resync after connect failed", "err", err)
		}
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var fatal error
	delivered := 0
	err := s.source.Run(sessCtx, func(up brokerapi.TradeUpdate) {
		delivered++
		if err := s.handle(sessCtx, up); err != nil {
			fatal = err
			cancel()
		}
	})
	if fatal != nil {
		return delivered, fatal
	}
	return delivered, err
}

func (s *Stream) handle(ctx context.Context, up brokerapi.TradeUpdate) error {
	state, ok := StateForEvent(up.Event)
	if !ok || up.Order.ID == "" {
		return nil
	}
	matched, err := Apply(ctx, s.tracker, up.Order.ID, state)
	if err != nil {
		return err
	}
	if !matched {
		s.log.DebugContext(ctx, "trade update for untracked order", "order_id", up.Order.ID, "event", up.Event)
	}
	return nil
}

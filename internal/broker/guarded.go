package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Remdon/DubK-Options-sub000/config"
	"github.com/Remdon/DubK-Options-sub000/internal/logger"
	"github.com/Remdon/DubK-Options-sub000/internal/metrics"
	"github.com/Remdon/DubK-Options-sub000/internal/model"
	"github.com/Remdon/DubK-Options-sub000/internal/notification"
	"github.com/Remdon/DubK-Options-sub000/internal/resilience"
)

// Upstream is everything the guarded decorator wraps.
type Upstream interface {
	model.Broker
	model.MarketData
}

// Guarded wraps a broker with a per-call timeout, bounded retries and one
// shared circuit breaker. Reads retry on any non-definitive error; writes
// retry only on transient errors and resend the same request, so the broker
// sees the same client order id on every attempt.
type Guarded struct {
	next    Upstream
	breaker *resilience.Breaker
	retry   *resilience.Retrier
	timeout time.Duration
	metrics *metrics.Metrics
	notify  notification.Notifier
	log     *slog.Logger
}

// NewGuarded creates the decorator from the resilience policy.
func NewGuarded(next Upstream, policy config.ResiliencePolicy, m *metrics.Metrics, n notification.Notifier, log *slog.Logger) *Guarded {
	log = logger.OrDefault(log).With("component", "broker")
	if n == nil {
		n = notification.Discard{}
	}
	g := &Guarded{
		next:    next,
		breaker: resilience.NewBreaker("broker", policy.BreakerMaxFailures, policy.BreakerCooldown),
		retry:   resilience.NewRetrier(policy.RetryAttempts, policy.RetryBase, policy.RetryFactor, log),
		timeout: policy.CallTimeout,
		metrics: m,
		notify:  n,
		log:     log,
	}
	g.breaker.IsFailure = resilience.CountsAsOutage
	g.breaker.OnStateChange = g.onStateChange
	m.SetBreakerState(g.breaker.Name(), int(resilience.StateClosed), false)
	return g
}

// Breaker exposes the circuit breaker, e.g. for tests and health checks.
func (g *Guarded) Breaker() *resilience.Breaker { return g.breaker }

// Retrier exposes the retrier so tests can replace its sleep.
func (g *Guarded) Retrier() *resilience.Retrier { return g.retry }

func (g *Guarded) onStateChange(name string, from, to resilience.State) {
	g.metrics.SetBreakerState(name, int(to), to == resilience.StateOpen)
	if to == resilience.StateOpen {
		g.log.Error("circuit breaker activated", "name", name, "from", from.String())
		if err := g.notify.Send(context.Background(), notification.Critical(notification.KindBreakerOpen, "", "",
			"Circuit breaker activated",
			fmt.Sprintf("%s calls disabled after repeated failures", name))); err != nil {
			g.log.Warn("alert delivery failed", "err", err)
		}
		return
	}
	g.log.Info("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
}

func (g *Guarded) call(ctx context.Context, class resilience.Class, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	defer func() { g.metrics.ObserveBrokerCall(op, time.Since(start)) }()

	return g.retry.Do(ctx, class, op, func(ctx context.Context) error {
		return g.breaker.Execute(func() error {
			cctx := ctx
			if g.timeout > 0 {
				var cancel context.CancelFunc
				cctx, cancel = context.WithTimeout(ctx, g.timeout)
				defer cancel()
			}
			return fn(cctx)
		})
	})
}

// SubmitOrder sends req with retries. When an attempt failed in a way that
// leaves its outcome unknown (timeout, 5xx) and the call ends in error, the
// broker is asked for the order by client id before the failure is reported,
// so an order whose acknowledgement was lost is adopted instead of orphaned.
func (g *Guarded) SubmitOrder(ctx context.Context, req model.OrderRequest) (string, error) {
	var id string
	var unknown bool
	err := g.call(ctx, resilience.ClassWrite, "submit_order", func(ctx context.Context) error {
		var err error
		id, err = g.next.SubmitOrder(ctx, req)
		if err != nil && resilience.Classify(err) == resilience.KindTransient {
			unknown = true
		}
		return err
	})
	if err == nil || !unknown || req.ClientOrderID == "" {
		return id, err
	}

	adopted, state, lerr := g.GetOrderByClientID(ctx, req.ClientOrderID)
	if lerr != nil {
		if !errors.Is(lerr, model.ErrOrderNotFound) {
			g.log.Error("could not resolve order after failed submit",
				"client_order_id", req.ClientOrderID, "symbol", req.Symbol, "submit_err", err, "lookup_err", lerr)
		}
		return "", err
	}
	g.log.Warn("adopted order after lost acknowledgement",
		"client_order_id", req.ClientOrderID, "order_id", adopted, "state", string(state), "submit_err", err)
	return adopted, nil
}

func (g *Guarded) GetOrderByClientID(ctx context.Context, clientOrderID string) (string, model.FillState, error) {
	var id string
	var st model.FillState
	err := g.call(ctx, resilience.ClassRead, "get_order_by_client_id", func(ctx context.Context) error {
		var err error
		id, st, err = g.next.GetOrderByClientID(ctx, clientOrderID)
		return err
	})
	return id, st, err
}

func (g *Guarded) GetOrderStatus(ctx context.Context, orderID string) (model.FillState, error) {
	var st model.FillState
	err := g.call(ctx, resilience.ClassRead, "get_order_status", func(ctx context.Context) error {
		var err error
		st, err = g.next.GetOrderStatus(ctx, orderID)
		return err
	})
	return st, err
}

func (g *Guarded) CancelOrder(ctx context.Context, orderID string) error {
	return g.call(ctx, resilience.ClassWrite, "cancel_order", func(ctx context.Context) error {
		return g.next.CancelOrder(ctx, orderID)
	})
}

func (g *Guarded) ClosePosition(ctx context.Context, contractID string) (string, error) {
	var id string
	err := g.call(ctx, resilience.ClassWrite, "close_position", func(ctx context.Context) error {
		var err error
		id, err = g.next.ClosePosition(ctx, contractID)
		return err
	})
	return id, err
}

func (g *Guarded) GetAllPositions(ctx context.Context) ([]model.Position, error) {
	var out []model.Position
	err := g.call(ctx, resilience.ClassRead, "get_positions", func(ctx context.Context) error {
		var err error
		out, err = g.next.GetAllPositions(ctx)
		return err
	})
	return out, err
}

func (g *Guarded) GetAccount(ctx context.Context) (model.Account, error) {
	var out model.Account
	err := g.call(ctx, resilience.ClassRead, "get_account", func(ctx context.Context) error {
		var err error
		out, err = g.next.GetAccount(ctx)
		return err
	})
	return out, err
}

func (g *Guarded) GetQuote(ctx context.Context, symbol string) (model.Quote, error) {
	var out model.Quote
	err := g.call(ctx, resilience.ClassRead, "get_quote", func(ctx context.Context) error {
		var err error
		out, err = g.next.GetQuote(ctx, symbol)
		return err
	})
	return out, err
}

func (g *Guarded) GetOptionsChain(ctx context.Context, symbol string) ([]model.OptionContract, error) {
	var out []model.OptionContract
	err := g.call(ctx, resilience.ClassRead, "get_options_chain", func(ctx context.Context) error {
		var err error
		out, err = g.next.GetOptionsChain(ctx, symbol)
		return err
	})
	return out, err
}

// Package ordersync keeps tracked leg orders in step with the broker. A
// Poller re-reads every open leg on each cycle; a Stream applies pushed
// trade updates as they arrive. Both go through the tracker's per-strategy
// lock so a fill update never interleaves with a cancel or close.
package ordersync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Remdon/DubK-Options-sub000/internal/logger"
	"github.com/Remdon/DubK-Options-sub000/internal/model"
	"github.com/Remdon/DubK-Options-sub000/internal/resilience"
	"github.com/Remdon/DubK-Options-sub000/internal/tracker"
)

// StatusReader reads the current fill state of a broker order.
type StatusReader interface {
	GetOrderStatus(ctx context.Context, orderID string) (model.FillState, error)
}

// Summary reports one refresh pass.
type Summary struct {
	Checked int
	Updated int
	Errors  []error
}

// Poller refreshes open strategies from the broker.
type Poller struct {
	broker  StatusReader
	tracker *tracker.Tracker
	log     *slog.Logger
}

func NewPoller(broker StatusReader, tr *tracker.Tracker, log *slog.Logger) *Poller {
	return &Poller{
		broker:  broker,
		tracker: tr,
		log:     logger.OrDefault(log).With("component", "ordersync"),
	}
}

// Refresh reads the status of every OPEN leg of every non-terminal strategy
// and applies changes. Fatal errors (auth, journal) stop the pass.
func (p *Poller) Refresh(ctx context.Context) (Summary, error) {
	var sum Summary
	for _, o := range p.tracker.Open() {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		err := p.tracker.Serialize(ctx, o.StrategyID, func(ctx context.Context) error {
			for _, oid := range p.tracker.UnfilledLegIDs(o.StrategyID) {
				sum.Checked++
				st, err := p.broker.GetOrderStatus(ctx, oid)
				if err != nil {
					if resilience.IsFatal(err) {
						return err
					}
					sum.Errors = append(sum.Errors, fmt.Errorf("order %s: %w", oid, err))
					continue
				}
				if st == model.FillOpen {
					continue
				}
				if _, err := p.tracker.UpdateLegStatus(ctx, o.StrategyID, oid, st); err != nil {
					return err
				}
				sum.Updated++
			}
			return nil
		})
		if err != nil {
			return sum, err
		}
	}
	if len(sum.Errors) > 0 {
		p.log.WarnContext(ctx, "order refresh incomplete", "checked", sum.Checked, "errors", len(sum.Errors))
	} else if sum.Updated > 0 {
		p.log.InfoContext(ctx, "orders refreshed", "checked", sum.Checked, "updated", sum.Updated)
	}
	return sum, nil
}

// Apply records a pushed fill state for a broker order. Orders the tracker
// does not know are ignored. It reports whether a strategy matched.
func Apply(ctx context.Context, tr *tracker.Tracker, orderID string, state model.FillState) (bool, error) {
	sid, ok := tr.FindStrategyByLeg(orderID)
	if !ok {
		return false, nil
	}
	err := tr.Serialize(ctx, sid, func(ctx context.Context) error {
		_, err := tr.UpdateLegStatus(ctx, sid, orderID, state)
		return err
	})
	return true, err
}

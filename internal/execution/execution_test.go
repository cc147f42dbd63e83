package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Remdon/DubK-Options-sub000/config"
	"github.com/Remdon/DubK-Options-sub000/internal/broker"
	"github.com/Remdon/DubK-Options-sub000/internal/model"
	"github.com/Remdon/DubK-Options-sub000/internal/notification"
	"github.com/Remdon/DubK-Options-sub000/internal/resilience"
	"github.com/Remdon/DubK-Options-sub000/internal/tracker"
)

const (
	put470  = "SPY240119P00470000"
	put465  = "SPY240119P00465000"
	call480 = "SPY240119C00480000"
	call485 = "SPY240119C00485000"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func leg(occ string, side model.Side, bid, ask string) SizedLeg {
	parts, err := model.ParseOCC(occ)
	if err != nil {
		panic(err)
	}
	return SizedLeg{
		Leg: model.Leg{
			ContractID: occ,
			OptionType: parts.Type,
			Strike:     parts.Strike,
			Expiration: parts.Expiration,
			Side:       side,
			Quantity:   1,
		},
		Quote: model.Quote{Symbol: occ, Bid: d(bid), Ask: d(ask)},
	}
}

type recorder struct {
	mu     sync.Mutex
	alerts []notification.Alert
}

func (r *recorder) Send(_ context.Context, a notification.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

type fixture struct {
	paper   *broker.Paper
	tracker *tracker.Tracker
	alerts  *recorder
	coord   *Coordinator
}

func newFixture() *fixture {
	f := &fixture{
		paper:   broker.NewPaper(d("100000"), 0),
		tracker: tracker.New(nil, nil),
		alerts:  &recorder{},
	}
	f.coord = New(config.DefaultPolicy().Execution, f.paper, f.tracker, nil).WithNotifier(f.alerts)
	return f
}

// ── Pricing ──

func TestLegLimit(t *testing.T) {
	p := NewPricer(config.DefaultPolicy().Execution)
	tests := []struct {
		name string
		side model.Side
		q    model.Quote
		mark string
		want string
	}{
		{"buy pays ask", model.Buy, model.Quote{Bid: d("1.00"), Ask: d("1.05")}, "0", "1.05"},
		{"sell takes bid", model.Sell, model.Quote{Bid: d("1.00"), Ask: d("1.05")}, "0", "1"},
		{"wide buy concedes", model.Buy, model.Quote{Bid: d("1.00"), Ask: d("1.40")}, "0", "1.44"},
		{"wide sell concedes", model.Sell, model.Quote{Bid: d("1.00"), Ask: d("1.40")}, "0", "0.96"},
		{"ask only", model.Buy, model.Quote{Ask: d("2.00")}, "0", "2"},
		{"bid only", model.Sell, model.Quote{Bid: d("0.50")}, "0", "0.5"},
		{"no quote buy", model.Buy, model.Quote{}, "1.00", "1.02"},
		{"no quote sell", model.Sell, model.Quote{}, "1.00", "0.98"},
		{"nothing clamps to floor", model.Sell, model.Quote{}, "0", "0.01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.LegLimit(tt.side, tt.q, d(tt.mark)).String())
		})
	}
}

func TestNetLimit(t *testing.T) {
	p := NewPricer(config.DefaultPolicy().Execution)

	credit := []SizedLeg{leg(put470, model.Sell, "2.00", "2.20"), leg(put465, model.Buy, "0.90", "1.00")}
	assert.Equal(t, "-1.15", Theoretical(credit).String())
	assert.Equal(t, "-0.98", p.NetLimit(credit).String())

	debit := []SizedLeg{leg(call480, model.Buy, "2.90", "3.10"), leg(call485, model.Sell, "0.95", "1.05")}
	assert.Equal(t, "2", Theoretical(debit).String())
	assert.Equal(t, "2.2", p.NetLimit(debit).String())
}

func TestIsAtomicVertical(t *testing.T) {
	plain := func(ls ...SizedLeg) []model.Leg {
		out := make([]model.Leg, len(ls))
		for i, l := range ls {
			out[i] = l.Leg
		}
		return out
	}
	assert.True(t, IsAtomicVertical(plain(leg(put470, model.Sell, "1", "1"), leg(put465, model.Buy, "1", "1"))))
	assert.False(t, IsAtomicVertical(plain(leg(call480, model.Buy, "1", "1"), leg(put470, model.Buy, "1", "1"))), "straddle-like mixes types")
	assert.False(t, IsAtomicVertical(plain(leg(put470, model.Buy, "1", "1"), leg(put465, model.Buy, "1", "1"))), "same side")
	assert.False(t, IsAtomicVertical(plain(leg(put470, model.Sell, "1", "1"))))
}

// ── Execute ──

func TestExecute_AtomicCreditSpread(t *testing.T) {
	f := newFixture()
	res, err := f.coord.Execute(context.Background(), Request{
		StrategyID:   "s-credit",
		Symbol:       "SPY",
		StrategyType: model.BullPutSpread,
		Quantity:     2,
		Legs:         []SizedLeg{leg(put470, model.Sell, "2.00", "2.20"), leg(put465, model.Buy, "0.90", "1.00")},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Partial)
	assert.Equal(t, model.ModeAtomic, res.Mode)
	require.Len(t, res.OrderIDs, 1)
	assert.Equal(t, "-0.98", res.LimitPrice.String())

	sent := f.paper.Orders()[res.OrderIDs[0]]
	assert.Equal(t, model.ModeAtomic, sent.Mode)
	assert.Equal(t, int64(2), sent.Quantity)
	assert.Equal(t, "-0.98", sent.LimitPrice.String())
	assert.NotEmpty(t, sent.ClientOrderID)
	assert.Len(t, sent.Legs, 2)

	o, ok := f.tracker.Get("s-credit")
	require.True(t, ok)
	assert.Equal(t, model.StatusPending, o.Status)
	assert.Equal(t, model.PurposeEntry, o.Purpose)
	require.Len(t, o.Legs, 2)
	for _, l := range o.Legs {
		assert.Equal(t, res.OrderIDs[0], l.OrderID)
		assert.Equal(t, int64(2), l.Quantity)
	}
	assert.Empty(t, f.alerts.alerts)
}

// droppedReply accepts the first order and then loses the broker's reply.
type droppedReply struct {
	*broker.Paper
	mu   sync.Mutex
	done bool
}

func (r *droppedReply) SubmitOrder(ctx context.Context, req model.OrderRequest) (string, error) {
	id, err := r.Paper.SubmitOrder(ctx, req)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil && !r.done {
		r.done = true
		return "", resilience.Transient(errors.New("504 gateway timeout"))
	}
	return id, err
}

func TestExecute_LostAckTracksLiveOrder(t *testing.T) {
	f := newFixture()
	up := &droppedReply{Paper: f.paper}
	guarded := broker.NewGuarded(up, config.ResiliencePolicy{
		BreakerMaxFailures: 3,
		BreakerCooldown:    time.Hour,
		RetryAttempts:      3,
		RetryBase:          time.Millisecond,
		RetryFactor:        2,
		CallTimeout:        time.Second,
	}, nil, nil, nil)
	guarded.Retrier().Sleep = func(context.Context, time.Duration) error { return nil }
	f.coord = New(config.DefaultPolicy().Execution, guarded, f.tracker, nil).WithNotifier(f.alerts)

	res, err := f.coord.Execute(context.Background(), Request{
		StrategyID:   "s-lost",
		Symbol:       "SPY",
		StrategyType: model.BullPutSpread,
		Quantity:     1,
		Legs:         []SizedLeg{leg(put470, model.Sell, "2.00", "2.20"), leg(put465, model.Buy, "0.90", "1.00")},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"PAPER-1"}, res.OrderIDs)
	assert.Len(t, f.paper.Orders(), 1)

	o, ok := f.tracker.Get("s-lost")
	require.True(t, ok)
	assert.Equal(t, model.StatusPending, o.Status)
	for _, l := range o.Legs {
		assert.Equal(t, "PAPER-1", l.OrderID)
		assert.Equal(t, model.FillOpen, l.FillState)
	}
	assert.Empty(t, f.alerts.alerts)
}

func TestExecute_AtomicDebitAndOverride(t *testing.T) {
	f := newFixture()
	res, err := f.coord.Execute(context.Background(), Request{
		Symbol: "SPY", StrategyType: model.BullCallSpread, Quantity: 1,
		Legs: []SizedLeg{leg(call480, model.Buy, "2.90", "3.10"), leg(call485, model.Sell, "0.95", "1.05")},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.StrategyID, "generated")
	assert.Equal(t, "2.2", res.LimitPrice.String())

	res, err = f.coord.Execute(context.Background(), Request{
		Symbol: "SPY", StrategyType: model.BullCallSpread, Quantity: 1, NetLimit: d("2.05"),
		Legs: []SizedLeg{leg(call480, model.Buy, "2.90", "3.10"), leg(call485, model.Sell, "0.95", "1.05")},
	})
	require.NoError(t, err)
	assert.Equal(t, "2.05", res.LimitPrice.String())
}

func TestExecute_IndependentLegsBuysFirst(t *testing.T) {
	f := newFixture()
	res, err := f.coord.Execute(context.Background(), Request{
		StrategyID: "s-condor", Symbol: "SPY", StrategyType: model.IronCondor, Quantity: 3,
		Legs: []SizedLeg{
			leg(put470, model.Sell, "2.00", "2.05"),
			leg(put465, model.Buy, "1.00", "1.04"),
			leg(call480, model.Sell, "1.50", "1.55"),
			leg(call485, model.Buy, "0.80", "0.84"),
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, model.ModeSingle, res.Mode)
	require.Len(t, res.OrderIDs, 4)

	orders := f.paper.Orders()
	first, second := orders["PAPER-1"], orders["PAPER-2"]
	assert.Equal(t, model.Buy, first.Legs[0].Side)
	assert.Equal(t, model.Buy, second.Legs[0].Side)
	assert.Equal(t, put465, first.Legs[0].ContractID)
	assert.Equal(t, "1.04", first.LimitPrice.String())
	assert.Equal(t, int64(3), first.Quantity)
	assert.Equal(t, model.Sell, orders["PAPER-3"].Legs[0].Side)
	assert.Equal(t, "2", orders["PAPER-3"].LimitPrice.String())

	clientIDs := map[string]bool{}
	for _, o := range orders {
		clientIDs[o.ClientOrderID] = true
	}
	assert.Len(t, clientIDs, 4, "one client id per leg")

	o, _ := f.tracker.Get("s-condor")
	assert.Len(t, o.OrderIDs(), 4)
}

func TestExecute_PartialSubmissionAlertsAndKeepsSiblings(t *testing.T) {
	f := newFixture()
	f.paper.RejectNext(put470, broker.ErrPaperRejected)

	res, err := f.coord.Execute(context.Background(), Request{
		StrategyID: "s-straddle", Symbol: "SPY", StrategyType: model.LongStrangle, Quantity: 1,
		Legs: []SizedLeg{leg(call480, model.Buy, "1.00", "1.05"), leg(put470, model.Buy, "2.00", "2.10")},
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.Partial)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, put470, res.Errors[0].ContractID)
	assert.Equal(t, resilience.KindDefinitive, res.Errors[0].Kind)
	assert.Contains(t, res.Reason(), "not tradable")

	require.Len(t, res.OrderIDs, 1)
	st, err := f.paper.GetOrderStatus(context.Background(), res.OrderIDs[0])
	require.NoError(t, err)
	assert.Equal(t, model.FillOpen, st, "accepted sibling is not cancelled")

	o, ok := f.tracker.Get("s-straddle")
	require.True(t, ok)
	require.Len(t, o.Legs, 2)
	states := map[string]model.FillState{}
	for _, l := range o.Legs {
		states[l.ContractID] = l.FillState
	}
	assert.Equal(t, model.FillOpen, states[call480])
	assert.Equal(t, model.FillFailed, states[put470])
	assert.Equal(t, model.StatusPending, o.Status)

	require.Len(t, f.alerts.alerts, 1)
	assert.Equal(t, notification.KindPartialSubmission, f.alerts.alerts[0].Kind)
	assert.Equal(t, notification.AlertCritical, f.alerts.alerts[0].Level)
	assert.Equal(t, "s-straddle", f.alerts.alerts[0].StrategyID)
}

func TestExecute_FatalStopsRemainingLegs(t *testing.T) {
	f := newFixture()
	f.paper.RejectNext(put465, resilience.Fatal(errors.New("unauthorized")))

	res, err := f.coord.Execute(context.Background(), Request{
		StrategyID: "s-fatal", Symbol: "SPY", StrategyType: model.IronCondor, Quantity: 1,
		Legs: []SizedLeg{
			leg(put470, model.Sell, "2.00", "2.05"),
			leg(put465, model.Buy, "1.00", "1.04"),
			leg(call480, model.Sell, "1.50", "1.55"),
			leg(call485, model.Buy, "0.80", "0.84"),
		},
	})
	require.Error(t, err)
	assert.True(t, resilience.IsFatal(err))
	assert.Empty(t, res.OrderIDs)
	assert.Len(t, res.Errors, 4)
	assert.Empty(t, f.paper.Orders(), "nothing submitted after the fatal error")

	o, ok := f.tracker.Get("s-fatal")
	require.True(t, ok)
	assert.Equal(t, model.StatusFailed, o.Status)
	assert.Empty(t, f.alerts.alerts, "no partial alert when nothing went out")
}

func TestExecute_RejectsInvalidAndDuplicate(t *testing.T) {
	f := newFixture()
	_, err := f.coord.Execute(context.Background(), Request{Symbol: "SPY", Quantity: 0,
		Legs: []SizedLeg{leg(put470, model.Sell, "1", "1.1")}})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.coord.Execute(context.Background(), Request{Symbol: "SPY", Quantity: 1})
	require.ErrorIs(t, err, ErrInvalidRequest)

	req := Request{StrategyID: "dup", Symbol: "SPY", StrategyType: model.LongCall, Quantity: 1,
		Legs: []SizedLeg{leg(call480, model.Buy, "1.00", "1.05")}}
	_, err = f.coord.Execute(context.Background(), req)
	require.NoError(t, err)
	_, err = f.coord.Execute(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Len(t, f.paper.Orders(), 1)
}

func TestExecute_CloseOrderCarriesParent(t *testing.T) {
	f := newFixture()
	cl := leg(put470, model.Buy, "0.40", "0.45")
	cl.Closing = true
	res, err := f.coord.Execute(context.Background(), Request{
		StrategyID: "close-1", Symbol: "SPY", StrategyType: model.ShortPut,
		Purpose: model.PurposeClose, ParentID: "entry-1", Quantity: 2,
		Legs: []SizedLeg{cl},
	})
	require.NoError(t, err)
	sent := f.paper.Orders()[res.OrderIDs[0]]
	assert.True(t, sent.Legs[0].Closing)

	kids := f.tracker.Children("entry-1")
	require.Len(t, kids, 1)
	assert.Equal(t, model.PurposeClose, kids[0].Purpose)
}

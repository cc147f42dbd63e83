package ordersync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Remdon/DubK-Options-sub000/internal/model"
	"github.com/Remdon/DubK-Options-sub000/internal/resilience"
	"github.com/Remdon/DubK-Options-sub000/internal/tracker"
	"github.com/Remdon/DubK-Options-sub000/pkg/brokerapi"
)

type statuses struct {
	mu     sync.Mutex
	states map[string]model.FillState
	errs   map[string]error
	calls  int
}

func (s *statuses) GetOrderStatus(_ context.Context, id string) (model.FillState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err, ok := s.errs[id]; ok {
		return "", err
	}
	if st, ok := s.states[id]; ok {
		return st, nil
	}
	return model.FillOpen, nil
}

func register(t *testing.T, tr *tracker.Tracker, sid string, orderIDs ...string) {
	t.Helper()
	legs := make([]model.Leg, len(orderIDs))
	for i, id := range orderIDs {
		legs[i] = model.Leg{OrderID: id, ContractID: "SPY240119P0047" + string(rune('0'+i)) + "000", Quantity: 1}
	}
	require.NoError(t, tr.Register(context.Background(), model.StrategyOrder{
		StrategyID: sid, Symbol: "SPY", StrategyType: model.LongStraddle, Legs: legs,
	}))
}

func TestPollerRefresh(t *testing.T) {
	ctx := context.Background()
	tr := tracker.New(nil, nil)
	register(t, tr, "s1", "o1", "o2")
	register(t, tr, "s2", "o3")
	register(t, tr, "s3", "o4")

	b := &statuses{
		states: map[string]model.FillState{"o1": model.FillFilled, "o3": model.FillCancelled},
		errs:   map[string]error{"o4": resilience.Transient(errors.New("timeout"))},
	}
	sum, err := NewPoller(b, tr, nil).Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Checked)
	assert.Equal(t, 2, sum.Updated)
	assert.Len(t, sum.Errors, 1)

	s1, _ := tr.Get("s1")
	assert.Equal(t, model.StatusPartiallyFilled, s1.Status)
	s2, _ := tr.Get("s2")
	assert.Equal(t, model.StatusCancelled, s2.Status)
	s3, _ := tr.Get("s3")
	assert.Equal(t, model.StatusPending, s3.Status)

	// Terminal strategies and already-filled legs are not re-read.
	b.calls = 0
	_, err = NewPoller(b, tr, nil).Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, b.calls)
}

func TestPollerRefreshStopsOnFatal(t *testing.T) {
	tr := tracker.New(nil, nil)
	register(t, tr, "s1", "o1")
	b := &statuses{errs: map[string]error{"o1": resilience.Fatal(errors.New("forbidden"))}}

	_, err := NewPoller(b, tr, nil).Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, resilience.IsFatal(err))
}

func TestApplySharedOrderID(t *testing.T) {
	ctx := context.Background()
	tr := tracker.New(nil, nil)
	register(t, tr, "spread", "mleg-1", "mleg-1")

	ok, err := Apply(ctx, tr, "mleg-1", model.FillFilled)
	require.NoError(t, err)
	assert.True(t, ok)
	o, _ := tr.Get("spread")
	assert.Equal(t, model.StatusFilled, o.Status)

	ok, err = Apply(ctx, tr, "unknown", model.FillFilled)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStateForEvent(t *testing.T) {
	tests := []struct {
		event string
		want  model.FillState
		ok    bool
	}{
		{brokerapi.EventFill, model.FillFilled, true},
		{brokerapi.EventCanceled, model.FillCancelled, true},
		{brokerapi.EventExpired, model.FillCancelled, true},
		{brokerapi.EventDoneToday, model.FillCancelled, true},
		{brokerapi.EventRejected, model.FillFailed, true},
		{brokerapi.EventPartial, "", false},
		{brokerapi.EventNew, "", false},
	}
	for _, tt := range tests {
		got, ok := StateForEvent(tt.event)
		assert.Equal(t, tt.ok, ok, tt.event)
		assert.Equal(t, tt.want, got, tt.event)
	}
}

// scripted is a Source whose sessions are played in order. After the last
// session it cancels the stream.
type scripted struct {
	mu       sync.Mutex
	sessions []session
	n        int
	stop     context.CancelFunc
}

type session struct {
	connectErr error
	updates    []brokerapi.TradeUpdate
	runErr     error
}

func (s *scripted) current() session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[s.n]
}

func (s *scripted) Connect(context.Context) error {
	cur := s.current()
	if cur.connectErr != nil {
		s.advance()
	}
	return cur.connectErr
}

func (s *scripted) advance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	if s.n == len(s.sessions) {
		s.stop()
		s.n--
	}
}

func (s *scripted) Run(ctx context.Context, fn func(brokerapi.TradeUpdate)) error {
	cur := s.current()
	for _, up := range cur.updates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fn(up)
	}
	s.advance()
	return cur.runErr
}

func update(event, orderID string) brokerapi.TradeUpdate {
	return brokerapi.TradeUpdate{Event: event, Order: brokerapi.Order{ID: orderID}}
}

func TestStreamAppliesUpdatesAcrossReconnects(t *testing.T) {
	tr := tracker.New(nil, nil)
	register(t, tr, "s1", "o1", "o2")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	src := &scripted{stop: cancel, sessions: []session{
		{connectErr: errors.New("dial refused")},
		{updates: []brokerapi.TradeUpdate{update("new", "o1"), update("fill", "o1"), update("fill", "zzz")}, runErr: errors.New("eof")},
		{updates: []brokerapi.TradeUpdate{update("fill", "o2")}},
	}}

	resyncs := 0
	s := NewStream(src, tr, nil, nil)
	s.MinBackoff, s.MaxBackoff = time.Millisecond, 2*time.Millisecond
	s.Resync = func(context.Context) error { resyncs++; return nil }

	require.NoError(t, s.Run(ctx))
	o, _ := tr.Get("s1")
	assert.Equal(t, model.StatusFilled, o.Status)
	assert.Equal(t, 2, resyncs)
}

func TestStreamStopsOnFatalResync(t *testing.T) {
	tr := tracker.New(nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	src := &scripted{stop: cancel, sessions: []session{{}, {}}}

	s := NewStream(src, tr, nil, nil)
	s.Resync = func(context.Context) error { return resilience.Fatal(errors.New("unauthorized")) }

	err := s.Run(ctx)
	require.Error(t, err)
	assert.True(t, resilience.IsFatal(err))
}

func TestStreamBackoffResetsAfterDeliveringSession(t *testing.T) {
	tr := tracker.New(nil, nil)
	register(t, tr, "s1", "o1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	drop := errors.New("dial refused")
	src := &scripted{stop: cancel, sessions: []session{
		{connectErr: drop},
		{connectErr: drop},
		{connectErr: drop},
		{updates: []brokerapi.TradeUpdate{update("new", "o1")}, runErr: errors.New("eof")},
		{connectErr: drop},
		{},
	}}

	s := NewStream(src, tr, nil, nil)
	s.MinBackoff, s.MaxBackoff = time.Millisecond, 8*time.Millisecond
	s.HealthySession = time.Hour
	var waits []time.Duration
	s.wait = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	require.NoError(t, s.Run(ctx))
	assert.Equal(t, []time.Duration{
		time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond,
		time.Millisecond, 2 * time.Millisecond,
	}, waits)
}

func TestStreamBackoffResetsAfterLongSession(t *testing.T) {
	tr := tracker.New(nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	drop := errors.New("dial refused")
	src := &scripted{stop: cancel, sessions: []session{
		{connectErr: drop},
		{connectErr: drop},
		{},
	}}

	s := NewStream(src, tr, nil, nil)
	s.MinBackoff, s.MaxBackoff = time.Millisecond, 8*time.Millisecond
	s.HealthySession = 0
	var waits []time.Duration
	s.wait = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	require.NoError(t, s.Run(ctx))
	assert.Equal(t, []time.Duration{time.Millisecond, time.Millisecond}, waits)
}

package redis

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Remdon/DubK-Options-sub000/internal/model"
	"github.com/Remdon/DubK-Options-sub000/internal/notification"
	"github.com/Remdon/DubK-Options-sub000/internal/resilience"
	"github.com/Remdon/DubK-Options-sub000/internal/tracker"
)

var (
	_ tracker.Journal       = (*Publisher)(nil)
	_ notification.Notifier = (*Publisher)(nil)
)

func transition(event tracker.Event) tracker.Transition {
	at := time.Date(2024, 1, 10, 15, 0, 0, 0, time.UTC)
	return tracker.Transition{
		Event:      event,
		StrategyID: "s1",
		OrderID:    "o1",
		LegFrom:    model.FillOpen,
		LegTo:      model.FillFilled,
		From:       model.StatusPending,
		To:         model.StatusFilled,
		At:         at,
		Order: model.StrategyOrder{
			StrategyID:   "s1",
			Symbol:       "SPY",
			StrategyType: model.BullPutSpread,
			Status:       model.StatusFilled,
			LimitPrice:   decimal.RequireFromString("-1.70"),
			Legs: []model.Leg{
				{OrderID: "o1", ContractID: "SPY240119P00470000", Side: model.Sell, Quantity: 2, FillState: model.FillFilled},
			},
		},
	}
}

func TestTransitionEncoding(t *testing.T) {
	in := transition(tracker.EventLegUpdated)
	w, err := transitionWrite(in)
	require.NoError(t, err)
	assert.Equal(t, StreamStrategyEvents, w.Stream)
	assert.Equal(t, "strategy:latest:s1", w.Key)
	assert.Equal(t, "SPY", w.Values["symbol"])

	out, err := decodeTransition(w.Values)
	require.NoError(t, err)
	assert.Equal(t, in.Event, out.Event)
	assert.Equal(t, in.OrderID, out.OrderID)
	assert.Equal(t, in.LegTo, out.LegTo)
	assert.Equal(t, in.To, out.To)
	assert.True(t, in.At.Equal(out.At))
	assert.Equal(t, "SPY", out.Order.Symbol)
	assert.True(t, decimal.RequireFromString("-1.7").Equal(out.Order.LimitPrice))

	swept, err := transitionWrite(transition(tracker.EventSwept))
	require.NoError(t, err)
	assert.Empty(t, swept.Key)

	_, err = decodeTransition(map[string]interface{}{"event": "registered"})
	assert.Error(t, err)
}

func TestBufferDropsOldestAndRequeuesInOrder(t *testing.T) {
	b := newBuffer(3)
	for _, k := range []string{"a", "b", "c", "d"} {
		b.push(write{Key: k})
	}
	assert.Equal(t, 3, b.len())
	assert.Equal(t, 1, b.dropped)

	got := b.drain()
	require.Len(t, got, 3)
	assert.Equal(t, "b", got[0].Key)
	assert.Equal(t, 0, b.len())

	b.push(write{Key: "e"})
	b.requeue(got[1:])
	keys := []string{}
	for _, w := range b.drain() {
		keys = append(keys, w.Key)
	}
	assert.Equal(t, []string{"c", "d", "e"}, keys)
}

func unreachable(t *testing.T) *Publisher {
	t.Helper()
	client := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
	})
	p := NewWithClient(client, WriterConfig{MaxFailures: 2, Cooldown: time.Hour})
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPublisherBuffersWhileRedisIsDown(t *testing.T) {
	ctx := context.Background()
	p := unreachable(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, p.RecordTransition(ctx, transition(tracker.EventLegUpdated)))
	}
	assert.Equal(t, 3, p.Pending())
	assert.Equal(t, resilience.StateOpen, p.Breaker().CurrentState())

	require.NoError(t, p.Send(ctx, notification.Alert{Level: notification.AlertInfo, Title: "fyi"}))
	assert.Equal(t, 3, p.Pending())
	require.NoError(t, p.Send(ctx, notification.Critical(notification.KindPartialFill, "SPY", "s1", "Partial fill", "1 of 2")))
	assert.Equal(t, 4, p.Pending())

	// The breaker is still open, so nothing is replayed or lost.
	assert.Equal(t, 0, p.Flush(ctx))
	assert.Equal(t, 4, p.Pending())
}

// Runs against a real server when REDIS_TEST_ADDR is set.
func TestPublisherRoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	ctx := context.Background()
	p, err := New(WriterConfig{Addr: addr})
	require.NoError(t, err)
	defer p.Close()
	r, err := NewReader(ReaderConfig{Addr: addr})
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, p.RecordTransition(ctx, transition(tracker.EventLegUpdated)))
	assert.Equal(t, 0, p.Pending())

	recent, err := r.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "s1", recent[0].StrategyID)

	o, ok, err := r.Latest(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.StatusFilled, o.Status)
}

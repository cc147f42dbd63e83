package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Remdon/DubK-Options-sub000/internal/exit"
	"github.com/Remdon/DubK-Options-sub000/internal/model"
	"github.com/Remdon/DubK-Options-sub000/internal/tracker"
)

var (
	_ tracker.Journal = (*Journal)(nil)
	_ exit.Book       = (*Journal)(nil)
)

func open(t *testing.T) (*Journal, *Reader) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	j, err := New(WriterConfig{DBPath: path})
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	r, err := NewReader(path)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return j, r
}

func TestJournalRecordsTrackerLifecycle(t *testing.T) {
	ctx := context.Background()
	j, r := open(t)
	now := time.Date(2024, 1, 10, 15, 0, 0, 0, time.UTC)
	tr := tracker.New(j, nil).WithClock(func() time.Time { return now })

	require.NoError(t, tr.Register(ctx, model.StrategyOrder{
		StrategyID:   "s1",
		Symbol:       "SPY",
		StrategyType: model.BullPutSpread,
		Mode:         model.ModeAtomic,
		LimitPrice:   decimal.RequireFromString("-1.70"),
		Legs: []model.Leg{
			{OrderID: "o1", ContractID: "SPY240119P00470000", Side: model.Sell, Quantity: 2},
			{OrderID: "o1", ContractID: "SPY240119P00465000", Side: model.Buy, Quantity: 2},
		},
	}))
	_, err := tr.UpdateLegStatus(ctx, "s1", "o1", model.FillFilled)
	require.NoError(t, err)
	require.NoError(t, tr.Archive(ctx, "s1"))

	orders, err := r.LoadStrategies(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	o := orders[0]
	assert.Equal(t, model.StatusFilled, o.Status)
	assert.False(t, o.ArchivedAt.IsZero())
	assert.True(t, decimal.RequireFromString("-1.7").Equal(o.LimitPrice))
	require.Len(t, o.Legs, 2)
	assert.Equal(t, model.FillFilled, o.Legs[1].FillState)

	log, err := r.Transitions(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, log, 3)
	assert.Equal(t, tracker.EventRegistered, log[0].Event)
	assert.Equal(t, model.StatusPending, log[0].To)
	assert.Equal(t, tracker.EventLegUpdated, log[1].Event)
	assert.Equal(t, model.FillOpen, log[1].LegFrom)
	assert.Equal(t, model.FillFilled, log[1].LegTo)
	assert.Equal(t, model.StatusFilled, log[1].To)
	assert.Equal(t, tracker.EventArchived, log[2].Event)
	assert.True(t, log[0].At.Equal(now))

	// A restarted tracker sees the same state.
	restored := tracker.New(nil, nil)
	restored.Restore(orders)
	got, ok := restored.Get("s1")
	require.True(t, ok)
	assert.Equal(t, model.StatusFilled, got.Status)
	sid, ok := restored.FindStrategyByLeg("o1")
	assert.True(t, ok)
	assert.Equal(t, "s1", sid)

	// Sweeping deletes the snapshot but keeps the log.
	now = now.Add(48 * time.Hour)
	n, err := tr.SweepExpired(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	orders, err = r.LoadStrategies(ctx)
	require.NoError(t, err)
	assert.Empty(t, orders)
	log, err = r.Transitions(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, log, 4)
}

func TestJournalFailureIsFatalAndNotCommitted(t *testing.T) {
	ctx := context.Background()
	j, _ := open(t)
	tr := tracker.New(j, nil)
	require.NoError(t, j.Close())

	err := tr.Register(ctx, model.StrategyOrder{
		StrategyID: "s1", Symbol: "SPY",
		Legs: []model.Leg{{OrderID: "o1", ContractID: "SPY240119P00470000"}},
	})
	require.Error(t, err)
	_, ok := tr.Get("s1")
	assert.False(t, ok)
}

func TestActivePositions(t *testing.T) {
	ctx := context.Background()
	j, r := open(t)
	entry := time.Date(2024, 1, 10, 14, 0, 0, 0, time.UTC)

	_, ok, err := j.ActivePosition(ctx, "SPY")
	require.NoError(t, err)
	assert.False(t, ok)

	p := model.ActivePosition{
		Symbol:       "SPY",
		StrategyID:   "s1",
		StrategyType: model.IronCondor,
		EntryTime:    entry,
		Confidence:   82,
		ContractIDs:  []string{"SPY240119P00465000", "SPY240119P00470000"},
		NetPremium:   decimal.RequireFromString("-1.45"),
		Quantity:     3,
	}
	require.NoError(t, j.SaveActivePosition(ctx, p))
	p.HighWaterPct = 0.22
	require.NoError(t, j.SaveActivePosition(ctx, p))

	got, ok, err := j.ActivePosition(ctx, "SPY")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "s1", got.StrategyID)
	assert.InDelta(t, 0.22, got.HighWaterPct, 1e-9)
	assert.True(t, got.EntryTime.Equal(entry))
	assert.True(t, decimal.RequireFromString("-1.45").Equal(got.NetPremium))

	// Another strategy id does not remove the record.
	require.NoError(t, j.RemoveActivePosition(ctx, "SPY", "other"))
	all, err := r.ActivePositions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, j.RemoveActivePosition(ctx, "SPY", "s1"))
	_, ok, err = j.ActivePosition(ctx, "SPY")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCloseOut(t *testing.T) {
	ctx := context.Background()
	j, r := open(t)
	day := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

	require.NoError(t, j.SaveActivePosition(ctx, model.ActivePosition{Symbol: "SPY", StrategyID: "s1"}))
	require.NoError(t, j.SaveActivePosition(ctx, model.ActivePosition{Symbol: "QQQ", StrategyID: "s2"}))

	require.NoError(t, j.CloseOut(ctx, model.ExitRecord{
		Symbol: "QQQ", StrategyID: "s0", CloseStrategyID: "c0", Reason: "time_exit",
		PnL: decimal.RequireFromString("12.5"), ExitTime: day.Add(-time.Hour),
	}))
	require.NoError(t, j.CloseOut(ctx, model.ExitRecord{
		Symbol:          "SPY",
		StrategyID:      "s1",
		CloseStrategyID: "c1",
		StrategyType:    model.BullPutSpread,
		Reason:          "stop_loss",
		Detail:          "P&L -80.0% at or below stop -75.0%",
		PnL:             decimal.RequireFromString("-128.40"),
		PnLPct:          -0.8,
		EntryTime:       day.Add(10 * time.Hour),
		ExitTime:        day.Add(15 * time.Hour),
	}))

	_, ok, err := j.ActivePosition(ctx, "SPY")
	require.NoError(t, err)
	assert.False(t, ok)
	// QQQ belongs to s2, not the s0 that was closed.
	_, ok, err = j.ActivePosition(ctx, "QQQ")
	require.NoError(t, err)
	assert.True(t, ok)

	exits, err := r.ExitsSince(ctx, day)
	require.NoError(t, err)
	require.Len(t, exits, 1)
	e := exits[0]
	assert.Equal(t, "SPY", e.Symbol)
	assert.Equal(t, "c1", e.CloseStrategyID)
	assert.Equal(t, model.BullPutSpread, e.StrategyType)
	assert.True(t, decimal.RequireFromString("-128.4").Equal(e.PnL))
	assert.True(t, e.IsLoss())
	assert.True(t, e.ExitTime.Equal(day.Add(15*time.Hour)))

	all, err := r.ExitsSince(ctx, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Remdon/DubK-Options-sub000/internal/model"
	"github.com/Remdon/DubK-Options-sub000/internal/tracker"
)

var now = time.Date(2024, 1, 10, 15, 0, 0, 0, time.UTC)

type fakeHistory struct {
	transitions map[string][]tracker.Transition
	exits       []model.ExitRecord
	since       time.Time
}

func (f *fakeHistory) Transitions(_ context.Context, id string) ([]tracker.Transition, error) {
	return f.transitions[id], nil
}

func (f *fakeHistory) ExitsSince(_ context.Context, since time.Time) ([]model.ExitRecord, error) {
	f.since = since
	return f.exits, nil
}

type fakeFeed struct {
	n   int64
	err error
}

func (f *fakeFeed) Recent(_ context.Context, n int64) ([]tracker.Transition, error) {
	f.n = n
	return nil, f.err
}

func setup(t *testing.T, feed EventFeed) (*http.ServeMux, *fakeHistory) {
	t.Helper()
	tr := tracker.New(nil, nil).WithClock(func() time.Time { return now })
	require.NoError(t, tr.Register(context.Background(), model.StrategyOrder{
		StrategyID: "live-1", Symbol: "SPY",
		Legs: []model.Leg{{OrderID: "o1", ContractID: "SPY240315P00470000", Side: model.Buy, Quantity: 1}},
	}))
	hist := &fakeHistory{transitions: map[string][]tracker.Transition{
		"old-1": {
			{Event: tracker.EventRegistered, StrategyID: "old-1", To: model.StatusPending},
			{Event: tracker.EventLegUpdated, StrategyID: "old-1", From: model.StatusPending, To: model.StatusFilled},
		},
	}}
	return NewRouter(Deps{Strategies: tr, History: hist, Events: feed, Now: func() time.Time { return now }}), hist
}

func get(t *testing.T, h http.Handler, path string, v interface{}) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	if v != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
	}
	return rec.Code
}

func TestStrategies(t *testing.T) {
	mux, _ := setup(t, nil)

	var list struct {
		Counts map[string]int        `json:"counts"`
		Open   []model.StrategyOrder `json:"open"`
	}
	require.Equal(t, http.StatusOK, get(t, mux, "/api/v1/strategies", &list))
	require.Len(t, list.Open, 1)
	assert.Equal(t, "live-1", list.Open[0].StrategyID)
	assert.Equal(t, 1, list.Counts["PENDING"])

	var one struct {
		Strategy    *model.StrategyOrder `json:"strategy"`
		Status      model.StrategyStatus `json:"status"`
		Live        bool                 `json:"live"`
		Transitions []tracker.Transition `json:"transitions"`
	}
	require.Equal(t, http.StatusOK, get(t, mux, "/api/v1/strategies/old-1", &one))
	assert.False(t, one.Live)
	assert.Nil(t, one.Strategy)
	assert.Equal(t, model.StatusFilled, one.Status)
	assert.Len(t, one.Transitions, 2)

	one.Transitions = nil
	require.Equal(t, http.StatusOK, get(t, mux, "/api/v1/strategies/live-1", &one))
	assert.True(t, one.Live)
	require.NotNil(t, one.Strategy)
	assert.Equal(t, "SPY", one.Strategy.Symbol)
	assert.Equal(t, model.StatusPending, one.Status)

	assert.Equal(t, http.StatusNotFound, get(t, mux, "/api/v1/strategies/nope", nil))
}

func TestExitsWindow(t *testing.T) {
	mux, hist := setup(t, nil)

	var exits []model.ExitRecord
	require.Equal(t, http.StatusOK, get(t, mux, "/api/v1/exits", &exits))
	assert.Empty(t, exits)
	assert.True(t, hist.since.Equal(now.Add(-24*time.Hour)))

	require.Equal(t, http.StatusOK, get(t, mux, "/api/v1/exits?since=6h", &exits))
	assert.True(t, hist.since.Equal(now.Add(-6*time.Hour)))

	require.Equal(t, http.StatusOK, get(t, mux, "/api/v1/exits?since=2024-01-09T00:00:00Z", &exits))
	assert.True(t, hist.since.Equal(time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC)))

	assert.Equal(t, http.StatusBadRequest, get(t, mux, "/api/v1/exits?since=yesterday", nil))
}

func TestEvents(t *testing.T) {
	mux, _ := setup(t, nil)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, mux, "/api/v1/events", nil))

	feed := &fakeFeed{}
	mux, _ = setup(t, feed)
	var events []tracker.Transition
	require.Equal(t, http.StatusOK, get(t, mux, "/api/v1/events?n=999999", &events))
	assert.Equal(t, int64(maxEvents), feed.n)
	assert.Empty(t, events)

	assert.Equal(t, http.StatusBadRequest, get(t, mux, "/api/v1/events?n=-1", nil))

	feed.err = errors.New("redis down")
	assert.Equal(t, http.StatusBadGateway, get(t, mux, "/api/v1/events", nil))
}

func TestMarket(t *testing.T) {
	mux, _ := setup(t, nil)
	var m struct {
		Open   bool   `json:"open"`
		Status string `json:"status"`
	}
	require.Equal(t, http.StatusOK, get(t, mux, "/api/v1/market", &m))
	assert.True(t, m.Open)
	assert.Contains(t, m.Status, "Market Open")
}

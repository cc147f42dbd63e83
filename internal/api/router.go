// Package api serves a read-only JSON view of the trading loop for operators:
// tracked strategies, their transaction logs, recent exits and the event feed.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/Remdon/DubK-Options-sub000/internal/markethours"
	"github.com/Remdon/DubK-Options-sub000/internal/model"
	"github.com/Remdon/DubK-Options-sub000/internal/tracker"
)

// Strategies is the live tracker view, e.g. *tracker.Tracker.
type Strategies interface {
	Open() []model.StrategyOrder
	Get(strategyID string) (model.StrategyOrder, bool)
	Counts() map[model.StrategyStatus]int
}

// History is the durable store, e.g. *sqlite.Reader.
type History interface {
	Transitions(ctx context.Context, strategyID string) ([]tracker.Transition, error)
	ExitsSince(ctx context.Context, since time.Time) ([]model.ExitRecord, error)
}

// EventFeed is the recent-transition stream, e.g. *redis.Reader.
type EventFeed interface {
	Recent(ctx context.Context, n int64) ([]tracker.Transition, error)
}

// Deps are the data sources of the router. Events may be nil.
type Deps struct {
	Strategies Strategies
	History    History
	Events     EventFeed
	Now        func() time.Time
}

const (
	defaultExitWindow = 24 * time.Hour
	defaultEvents     = 100
	maxEvents         = 5000
)

// NewRouter sets up the /api/v1 routes.
func NewRouter(d Deps) *http.ServeMux {
	if d.Now == nil {
		d.Now = time.Now
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /api/v1/market", func(w http.ResponseWriter, r *http.Request) {
		now := d.Now()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"open":   markethours.IsMarketOpen(now),
			"status": markethours.StatusString(now),
		})
	})

	mux.HandleFunc("GET /api/v1/strategies", func(w http.ResponseWriter, r *http.Request) {
		open := d.Strategies.Open()
		if open == nil {
			open = []model.StrategyOrder{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"counts": d.Strategies.Counts(),
			"open":   open,
		})
	})

	mux.HandleFunc("GET /api/v1/strategies/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		order, live := d.Strategies.Get(id)
		history, err := d.History.Transitions(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !live && len(history) == 0 {
			writeError(w, http.StatusNotFound, "unknown strategy "+id)
			return
		}
		resp := map[string]interface{}{
			"live":        live,
			"transitions": history,
		}
		if live {
			resp["strategy"] = order
			resp["status"] = order.Status
		} else {
			// Swept strategies keep only their transaction log.
			resp["status"] = history[len(history)-1].To
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("GET /api/v1/exits", func(w http.ResponseWriter, r *http.Request) {
		since := d.Now().Add(-defaultExitWindow)
		if v := r.URL.Query().Get("since"); v != "" {
			parsed, err := parseSince(v, d.Now())
			if err != nil {
				writeError(w, http.StatusBadRequest, "since: expected RFC3339 time or duration")
				return
			}
			since = parsed
		}
		exits, err := d.History.ExitsSince(r.Context(), since)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if exits == nil {
			exits = []model.ExitRecord{}
		}
		writeJSON(w, http.StatusOK, exits)
	})

	mux.HandleFunc("GET /api/v1/events", func(w http.ResponseWriter, r *http.Request) {
		if d.Events == nil {
			writeError(w, http.StatusServiceUnavailable, "event feed not configured")
			return
		}
		n := int64(defaultEvents)
		if v := r.URL.Query().Get("n"); v != "" {
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil || parsed <= 0 {
				writeError(w, http.StatusBadRequest, "n must be a positive integer")
				return
			}
			n = min(parsed, maxEvents)
		}
		events, err := d.Events.Recent(r.Context(), n)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		if events == nil {
			events = []tracker.Transition{}
		}
		writeJSON(w, http.StatusOK, events)
	})

	return mux
}

// parseSince accepts an RFC3339 timestamp or a look-back duration like "6h".
func parseSince(v string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return now.Add(-d), nil
	}
	return time.Parse(time.RFC3339, v)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Package metrics holds the Prometheus collectors for the options bot and
// the /metrics + /healthz HTTP server.
//
// All recording methods are safe on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the options bot.
type Metrics struct {
	OrdersSubmitted   *prometheus.CounterVec // labels: mode, purpose
	LegFailures       *prometheus.CounterVec // labels: kind
	SizingRejections  prometheus.Counter
	ExposureRejects   prometheus.Counter
	Exits             *prometheus.CounterVec // labels: reason
	PartialFills      prometheus.Counter
	PartialCloses     prometheus.Counter
	BreakerState      *prometheus.GaugeVec // labels: name; 0=closed, 1=open, 2=half-open
	BreakerTrips      *prometheus.CounterVec
	BrokerCallDur     *prometheus.HistogramVec // labels: op
	AllocatedEquity   prometheus.Gauge
	OpenStrategies    prometheus.Gauge
	EvaluationCycles  *prometheus.CounterVec // labels: result
	EvaluationDur     prometheus.Histogram
	StreamReconnects  prometheus.Counter
	StrategyEvents    *prometheus.CounterVec // labels: event
	MarketState       prometheus.Gauge
	SQLiteCommitDur   prometheus.Histogram
	RedisPublishFails prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optionsbot_orders_submitted_total",
			Help: "Orders accepted by the broker",
		}, []string{"mode", "purpose"}),
		LegFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optionsbot_leg_failures_total",
			Help: "Leg submissions that failed, by error kind",
		}, []string{"kind"}),
		SizingRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optionsbot_sizing_rejections_total",
			Help: "Trades declined by the sizing engine",
		}),
		ExposureRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optionsbot_exposure_rejections_total",
			Help: "Trades declined by the exposure guard",
		}),
		Exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optionsbot_exits_total",
			Help: "Exit rules fired, by reason",
		}, []string{"reason"}),
		PartialFills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optionsbot_partial_fills_total",
			Help: "Strategies that reached PARTIALLY_FILLED",
		}),
		PartialCloses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optionsbot_partial_closes_total",
			Help: "Close attempts where only some legs closed",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "optionsbot_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optionsbot_circuit_breaker_trips_total",
			Help: "Times a circuit breaker tripped open",
		}, []string{"name"}),
		BrokerCallDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "optionsbot_broker_call_duration_seconds",
			Help:    "Broker API call latency including retries",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"op"}),
		AllocatedEquity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optionsbot_allocated_equity_ratio",
			Help: "Total exposure as a fraction of equity at the last snapshot",
		}),
		OpenStrategies: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optionsbot_open_strategies",
			Help: "Tracked strategies that are not terminal",
		}),
		EvaluationCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optionsbot_evaluation_cycles_total",
			Help: "Monitor cycles run, by result",
		}, []string{"result"}),
		EvaluationDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "optionsbot_evaluation_duration_seconds",
			Help:    "Duration of one monitor cycle",
			Buckets: prometheus.DefBuckets,
		}),
		StreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optionsbot_stream_reconnects_total",
			Help: "Trade-update websocket reconnection attempts",
		}),
		StrategyEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optionsbot_strategy_events_total",
			Help: "Strategy transitions recorded, by event",
		}, []string{"event"}),
		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optionsbot_market_state",
			Help: "Options session state (0=closed, 1=open)",
		}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "optionsbot_sqlite_commit_duration_seconds",
			Help:    "SQLite transaction commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisPublishFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optionsbot_redis_publish_failures_total",
			Help: "Strategy events or alerts that could not be published to Redis",
		}),
	}

	reg.MustRegister(
		m.OrdersSubmitted,
		m.LegFailures,
		m.SizingRejections,
		m.ExposureRejects,
		m.Exits,
		m.PartialFills,
		m.PartialCloses,
		m.BreakerState,
		m.BreakerTrips,
		m.BrokerCallDur,
		m.AllocatedEquity,
		m.OpenStrategies,
		m.EvaluationCycles,
		m.EvaluationDur,
		m.StreamReconnects,
		m.StrategyEvents,
		m.MarketState,
		m.SQLiteCommitDur,
		m.RedisPublishFails,
	)
	return m
}

func (m *Metrics) OrderSubmitted(mode, purpose string) {
	if m != nil {
		m.OrdersSubmitted.WithLabelValues(mode, purpose).Inc()
	}
}

func (m *Metrics) LegFailed(kind string) {
	if m != nil {
		m.LegFailures.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) SizingRejected() {
	if m != nil {
		m.SizingRejections.Inc()
	}
}

func (m *Metrics) ExposureRejected() {
	if m != nil {
		m.ExposureRejects.Inc()
	}
}

func (m *Metrics) ExitFired(reason string) {
	if m != nil {
		m.Exits.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) PartialFill() {
	if m != nil {
		m.PartialFills.Inc()
	}
}

func (m *Metrics) PartialClose() {
	if m != nil {
		m.PartialCloses.Inc()
	}
}

// SetBreakerState records a breaker state; state uses the gauge encoding.
func (m *Metrics) SetBreakerState(name string, state int, tripped bool) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(float64(state))
	if tripped {
		m.BreakerTrips.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) ObserveBrokerCall(op string, d time.Duration) {
	if m != nil {
		m.BrokerCallDur.WithLabelValues(op).Observe(d.Seconds())
	}
}

func (m *Metrics) SetAllocated(pct float64) {
	if m != nil {
		m.AllocatedEquity.Set(pct)
	}
}

func (m *Metrics) SetOpenStrategies(n int) {
	if m != nil {
		m.OpenStrategies.Set(float64(n))
	}
}

func (m *Metrics) CycleDone(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.EvaluationCycles.WithLabelValues(result).Inc()
	m.EvaluationDur.Observe(d.Seconds())
}

func (m *Metrics) StreamReconnect() {
	if m != nil {
		m.StreamReconnects.Inc()
	}
}

func (m *Metrics) StrategyEvent(event string) {
	if m != nil {
		m.StrategyEvents.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) SetMarketOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.MarketState.Set(1)
	} else {
		m.MarketState.Set(0)
	}
}

func (m *Metrics) ObserveCommit(d time.Duration) {
	if m != nil {
		m.SQLiteCommitDur.Observe(d.Seconds())
	}
}

func (m *Metrics) RedisPublishFailed() {
	if m != nil {
		m.RedisPublishFails.Inc()
	}
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	BrokerOK        bool      `json:"broker_ok"`
	StreamConnected bool      `json:"stream_connected"`
	RedisConnected  bool      `json:"redis_connected"`
	SQLiteOK        bool      `json:"sqlite_ok"`
	LastCycleAt     time.Time `json:"last_cycle_at"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetBrokerOK(v bool) {
	h.mu.Lock()
	h.BrokerOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetStreamConnected(v bool) {
	h.mu.Lock()
	h.StreamConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastCycle(t time.Time) {
	h.mu.Lock()
	h.LastCycleAt = t
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint. The broker and the database are
// required; Redis and the stream only degrade the status.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.RedisConnected || !h.StreamConnected {
		overallStatus = "degraded"
	}
	if !h.BrokerOK || !h.SQLiteOK {
		overallStatus = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	}

	cycleAge := ""
	if !h.LastCycleAt.IsZero() {
		cycleAge = time.Since(h.LastCycleAt).Round(time.Second).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		BrokerOK        bool    `json:"broker_ok"`
		StreamConnected bool    `json:"stream_connected"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		CycleAge        string  `json:"cycle_age"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		BrokerOK:        h.BrokerOK,
		StreamConnected: h.StreamConnected,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		CycleAge:        cycleAge,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	mux  *http.ServeMux
	srv  *http.Server
}

// NewServer creates a metrics and health server over gatherer.
func NewServer(addr string, gatherer prometheus.Gatherer, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		mux:  mux,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Mount adds a handler next to /metrics and /healthz. Call before Start.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}

// Handler returns the server mux, for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

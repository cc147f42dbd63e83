// Package redis publishes strategy transitions and critical alerts to Redis
// for dashboards and external consumers. Redis is never the system of record:
// a publish failure is counted and buffered, not returned to the tracker.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/Remdon/DubK-Options-sub000/internal/metrics"
	"github.com/Remdon/DubK-Options-sub000/internal/notification"
	"github.com/Remdon/DubK-Options-sub000/internal/resilience"
	"github.com/Remdon/DubK-Options-sub000/internal/tracker"
)

const (
	StreamStrategyEvents  = "strategy:events"
	ChannelCriticalAlerts = "alerts:critical"

	// ~1 week of transitions for a busy account
	eventsMaxLen     = 20000
	latestKeyPrefix  = "strategy:latest:"
	defaultLatestTTL = 24 * time.Hour
	publishTimeout   = 2 * time.Second
)

// WriterConfig configures the Redis publisher.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int

	// MaxFailures consecutive errors open the breaker for Cooldown.
	MaxFailures int
	Cooldown    time.Duration
	// MaxBuffer bounds writes held while the breaker is open (default 10000).
	MaxBuffer int
}

// Publisher writes strategy transitions to a stream and alerts to a pub/sub
// channel through a circuit breaker.
type Publisher struct {
	client  *goredis.Client
	breaker *resilience.Breaker
	metrics *metrics.Metrics
	buf     *buffer
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// New creates a Publisher and pings the server.
func New(cfg WriterConfig) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client without pinging it.
func NewWithClient(client *goredis.Client, cfg WriterConfig) *Publisher {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	p := &Publisher{
		client:  client,
		breaker: resilience.NewBreaker("redis", cfg.MaxFailures, cfg.Cooldown),
		buf:     newBuffer(cfg.MaxBuffer),
	}
	p.breaker.OnStateChange = func(name string, from, to resilience.State) {
		log.Printf("[redis] breaker %s -> %s", from, to)
		p.metrics.SetBreakerState(name, int(to), to == resilience.StateOpen)
		if to == resilience.StateClosed {
			go p.Flush(context.Background())
		}
	}
	return p
}

// WithMetrics counts failed publishes and reports the breaker state.
func (p *Publisher) WithMetrics(m *metrics.Metrics) *Publisher {
	p.metrics = m
	return p
}

// Breaker exposes the publisher's circuit breaker.
func (p *Publisher) Breaker() *resilience.Breaker { return p.breaker }

// RecordTransition appends t to the strategy:events stream and refreshes the
// strategy's latest snapshot key. It never fails the caller: on error the
// write is buffered and replayed when the breaker closes.
func (p *Publisher) RecordTransition(ctx context.Context, t tracker.Transition) error {
	w, err := transitionWrite(t)
	if err != nil {
		log.Printf("[redis] encode transition %s/%s: %v", t.StrategyID, t.Event, err)
		p.metrics.RedisPublishFailed()
		return nil
	}
	p.submit(ctx, w)
	return nil
}

// Send publishes a CRITICAL alert to alerts:critical. Lower levels are not
// published. Like RecordTransition, failures are buffered.
func (p *Publisher) Send(ctx context.Context, alert notification.Alert) error {
	if alert.Level != notification.AlertCritical {
		return nil
	}
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	p.submit(ctx, write{Channel: ChannelCriticalAlerts, Payload: string(data)})
	return nil
}

func (p *Publisher) submit(ctx context.Context, w write) {
	err := p.breaker.Execute(func() error { return p.exec(ctx, w) })
	if err == nil {
		return
	}
	p.metrics.RedisPublishFailed()
	if err != resilience.ErrCircuitOpen {
		log.Printf("[redis] publish failed, buffering: %v", err)
	}
	p.buf.push(w)
}

func (p *Publisher) exec(ctx context.Context, w write) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	pipe := p.client.Pipeline()
	if w.Stream != "" {
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: w.Stream,
			MaxLen: eventsMaxLen,
			Approx: true,
			Values: w.Values,
		})
	}
	if w.Key != "" {
		pipe.Set(ctx, w.Key, w.Payload, defaultLatestTTL)
	}
	if w.Channel != "" {
		pipe.Publish(ctx, w.Channel, w.Payload)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Flush replays buffered writes in order. It stops at the first failure and
// keeps the rest buffered.
func (p *Publisher) Flush(ctx context.Context) int {
	pending := p.buf.drain()
	for i, w := range pending {
		if err := p.breaker.Execute(func() error { return p.exec(ctx, w) }); err != nil {
			p.buf.requeue(pending[i:])
			log.Printf("[redis] flush stopped after %d of %d writes: %v", i, len(pending), err)
			return i
		}
	}
	if len(pending) > 0 {
		log.Printf("[redis] flushed %d buffered writes", len(pending))
	}
	return len(pending)
}

// Pending returns the number of buffered writes.
func (p *Publisher) Pending() int { return p.buf.len() }

// Close closes the client. Buffered writes are dropped.
func (p *Publisher) Close() error {
	if n := p.buf.len(); n > 0 {
		log.Printf("[redis] closing with %d unpublished writes", n)
	}
	return p.client.Close()
}

// transitionWrite encodes t as a stream entry plus the latest-snapshot key.
func transitionWrite(t tracker.Transition) (write, error) {
	data, err := json.Marshal(t.Order)
	if err != nil {
		return write{}, err
	}
	w := write{
		Stream: StreamStrategyEvents,
		Values: map[string]interface{}{
			"event":       string(t.Event),
			"strategy_id": t.StrategyID,
			"symbol":      t.Order.Symbol,
			"order_id":    t.OrderID,
			"leg_from":    string(t.LegFrom),
			"leg_to":      string(t.LegTo),
			"from":        string(t.From),
			"to":          string(t.To),
			"at":          strconv.FormatInt(t.At.UnixNano(), 10),
			"order":       string(data),
		},
	}
	// A swept strategy's snapshot key is left to expire.
	if t.Event != tracker.EventSwept {
		w.Key = latestKeyPrefix + t.StrategyID
		w.Payload = string(data)
	}
	return w, nil
}

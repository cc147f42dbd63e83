package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/Remdon/DubK-Options-sub000/internal/model"
	"github.com/Remdon/DubK-Options-sub000/internal/notification"
	"github.com/Remdon/DubK-Options-sub000/internal/tracker"
)

// ReaderConfig configures the Redis reader.
type ReaderConfig struct {
	Addr     string
	Password string
	DB       int
}

// Reader reads back what the Publisher wrote, for dashboards and the CLI.
type Reader struct {
	client *goredis.Client
}

// NewReader creates a new Redis Reader and pings the server.
func NewReader(cfg ReaderConfig) (*Reader, error) {
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

	log.Printf("[redis-reader] connected to %s", cfg.Addr)
	return &Reader{client: client}, nil
}

// Recent returns up to n strategy transitions, newest first.
func (r *Reader) Recent(ctx context.Context, n int64) ([]tracker.Transition, error) {
	msgs, err := r.client.XRevRangeN(ctx, StreamStrategyEvents, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", StreamStrategyEvents, err)
	}
	out := make([]tracker.Transition, 0, len(msgs))
	for _, msg := range msgs {
		t, err := decodeTransition(msg.Values)
		if err != nil {
			log.Printf("[redis-reader] skip malformed entry %s: %v", msg.ID, err)
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Latest returns the last published snapshot of a strategy.
func (r *Reader) Latest(ctx context.Context, strategyID string) (model.StrategyOrder, bool, error) {
	data, err := r.client.Get(ctx, latestKeyPrefix+strategyID).Result()
	if err == goredis.Nil {
		return model.StrategyOrder{}, false, nil
	}
	if err != nil {
		return model.StrategyOrder{}, false, fmt.Errorf("get latest %s: %w", strategyID, err)
	}
	var o model.StrategyOrder
	if err := json.Unmarshal([]byte(data), &o); err != nil {
		return model.StrategyOrder{}, false, fmt.Errorf("unmarshal latest %s: %w", strategyID, err)
	}
	return o, true, nil
}

// SubscribeAlerts streams critical alerts to out until ctx is done.
func (r *Reader) SubscribeAlerts(ctx context.Context, out chan<- notification.Alert) error {
	sub := r.client.Subscribe(ctx, ChannelCriticalAlerts)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", ChannelCriticalAlerts, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var a notification.Alert
			if err := json.Unmarshal([]byte(msg.Payload), &a); err != nil {
				log.Printf("[redis-reader] bad alert payload: %v", err)
				continue
			}
			select {
			case out <- a:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.client.Close()
}

func decodeTransition(v map[string]interface{}) (tracker.Transition, error) {
	str := func(k string) string {
		s, _ := v[k].(string)
		return s
	}
	t := tracker.Transition{
		Event:      tracker.Event(str("event")),
		StrategyID: str("strategy_id"),
		OrderID:    str("order_id"),
		LegFrom:    model.FillState(str("leg_from")),
		LegTo:      model.FillState(str("leg_to")),
		From:       model.StrategyStatus(str("from")),
		To:         model.StrategyStatus(str("to")),
	}
	if t.StrategyID == "" || t.Event == "" {
		return t, fmt.Errorf("missing strategy_id or event")
	}
	if at := str("at"); at != "" {
		n, err := strconv.ParseInt(at, 10, 64)
		if err != nil {
			return t, fmt.Errorf("at %q: %w", at, err)
		}
		t.At = time.Unix(0, n).UTC()
	}
	if data := str("order"); data != "" {
		if err := json.Unmarshal([]byte(data), &t.Order); err != nil {
			return t, fmt.Errorf("order: %w", err)
		}
	}
	return t, nil
}

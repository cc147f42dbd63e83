// Package notification delivers critical trading alerts to external channels
// (log, Telegram, webhooks, Redis).
package notification

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Remdon/DubK-Options-sub000/internal/logger"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Kind identifies the event behind an alert.
type Kind string

const (
	KindPartialFill       Kind = "partial_fill"
	KindPartialSubmission Kind = "partial_submission"
	KindPartialClose      Kind = "partial_close"
	KindBreakerOpen       Kind = "circuit_breaker"
	KindStopLoss          Kind = "stop_loss"
	KindProfitTarget      Kind = "profit_target"
	KindEmergencyExit     Kind = "emergency_exit"
	KindExit              Kind = "exit"
	KindFatal             Kind = "fatal"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level      AlertLevel `json:"level"`
	Kind       Kind       `json:"kind"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Symbol     string     `json:"symbol,omitempty"`
	StrategyID string     `json:"strategy_id,omitempty"`
	Time       time.Time  `json:"time"`
}

// Key groups duplicate alerts for throttling.
func (a Alert) Key() string {
	return string(a.Kind) + "|" + a.Symbol + "|" + a.StrategyID + "|" + a.Title
}

// Critical builds a CRITICAL alert.
func Critical(kind Kind, symbol, strategyID, title, message string) Alert {
	return Alert{
		Level:      AlertCritical,
		Kind:       kind,
		Title:      title,
		Message:    message,
		Symbol:     symbol,
		StrategyID: strategyID,
		Time:       time.Now().UTC(),
	}
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: logger.OrDefault(log).With("component", "notify")}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	level := slog.LevelInfo
	switch alert.Level {
	case AlertWarning:
		level = slog.LevelWarn
	case AlertCritical:
		level = slog.LevelError
	}
	n.log.Log(ctx, level, alert.Title,
		"kind", alert.Kind, "symbol", alert.Symbol, "strategy_id", alert.StrategyID, "message", alert.Message)
	return nil
}

// Multi fans an alert out to every backend. A failing backend does not stop
// delivery to the others.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Throttled drops alerts whose Key was already sent within the window.
type Throttled struct {
	next   Notifier
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewThrottled wraps next with duplicate suppression.
func NewThrottled(next Notifier, window time.Duration) *Throttled {
	return &Throttled{
		next:   next,
		window: window,
		now:    time.Now,
		last:   make(map[string]time.Time),
	}
}

// WithClock overrides the time source for tests.
func (t *Throttled) WithClock(now func() time.Time) *Throttled {
	t.now = now
	return t
}

func (t *Throttled) Send(ctx context.Context, alert Alert) error {
	key := alert.Key()
	now := t.now()

	t.mu.Lock()
	if at, ok := t.last[key]; ok && now.Sub(at) < t.window {
		t.mu.Unlock()
		return nil
	}
	t.last[key] = now
	for k, at := range t.last {
		if now.Sub(at) >= t.window {
			delete(t.last, k)
		}
	}
	t.mu.Unlock()

	return t.next.Send(ctx, alert)
}

// Discard drops every alert.
type Discard struct{}

func (Discard) Send(context.Context, Alert) error { return nil }

package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Class is the operation class a call belongs to.
type Class int

const (
	// ClassRead is an idempotent read: retried on anything not definitive or fatal.
	ClassRead Class = iota
	// ClassWrite mutates broker state: retried only on errors known to be
	// transient, and callers must reuse the same client order id.
	ClassWrite
)

func (c Class) String() string {
	if c == ClassWrite {
		return "write"
	}
	return "read"
}

// Retrier runs a call with bounded exponential backoff.
type Retrier struct {
	Attempts int
	Base     time.Duration
	Factor   float64
	Max      time.Duration

	// Sleep waits for d or until ctx is done. Replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry is called before each wait.
	OnRetry func(class Class, attempt int, err error)

	log *slog.Logger
}

// NewRetrier creates a Retrier with the given attempt budget and backoff.
func NewRetrier(attempts int, base time.Duration, factor float64, log *slog.Logger) *Retrier {
	if attempts <= 0 {
		attempts = 1
	}
	if factor < 1 {
		factor = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Retrier{
		Attempts: attempts,
		Base:     base,
		Factor:   factor,
		Max:      30 * time.Second,
		Sleep:    sleepCtx,
		log:      log,
	}
}

// Retryable reports whether err may be retried for the given class.
func Retryable(class Class, err error) bool {
	if err == nil || errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	switch Classify(err) {
	case KindTransient:
		return true
	case KindUnknown:
		return class == ClassRead
	}
	return false
}

// Do runs fn until it succeeds, returns a non-retryable error, or the attempt
// budget is exhausted. The last error is returned.
func (r *Retrier) Do(ctx context.Context, class Class, op string, fn func(ctx context.Context) error) error {
	delay := r.Base
	var err error
	for attempt := 1; attempt <= r.Attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if attempt == r.Attempts || !Retryable(class, err) {
			return err
		}
		r.log.Warn("retrying broker call",
			"op", op, "class", class.String(), "attempt", attempt,
			"kind", Classify(err).String(), "delay", delay, "error", err)
		if r.OnRetry != nil {
			r.OnRetry(class, attempt, err)
		}
		if serr := r.Sleep(ctx, delay); serr != nil {
			return err
		}
		delay = time.Duration(float64(delay) * r.Factor)
		if r.Max > 0 && delay > r.Max {
			delay = r.Max
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestBreaker_StartsClosed(t *testing.T) {
	b := NewBreaker("broker", 3, time.Minute)
	assert.Equal(t, StateClosed, b.CurrentState())
}

func TestBreaker_OpensAfterFailures(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewBreaker("broker", 3, time.Minute).WithClock(clk.Now)
	errFail := errors.New("fail")

	var changes []string
	b.OnStateChange = func(name string, from, to State) {
		changes = append(changes, fmt.Sprintf("%s:%s->%s", name, from, to))
	}

	for i := 0; i < 3; i++ {
		err := b.Execute(func() error { return errFail })
		require.ErrorIs(t, err, errFail)
	}
	assert.Equal(t, StateOpen, b.CurrentState())
	assert.Equal(t, []string{"broker:closed->open"}, changes)

	called := false
	err := b.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewBreaker("broker", 2, time.Minute).WithClock(clk.Now)
	errFail := errors.New("fail")
	for i := 0; i < 2; i++ {
		_ = b.Execute(func() error { return errFail })
	}
	require.Equal(t, StateOpen, b.CurrentState())

	clk.Advance(61 * time.Second)
	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, b.CurrentState())
}

func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewBreaker("broker", 1, time.Minute).WithClock(clk.Now)
	_ = b.Execute(func() error { return errors.New("fail") })
	clk.Advance(2 * time.Minute)

	_ = b.Execute(func() error { return errors.New("still failing") })
	assert.Equal(t, StateOpen, b.CurrentState())
	assert.ErrorIs(t, b.Execute(func() error { return nil }), ErrCircuitOpen)
}

func TestBreaker_IgnoresNonOutageErrors(t *testing.T) {
	b := NewBreaker("broker", 2, time.Minute)
	b.IsFailure = CountsAsOutage
	for i := 0; i < 5; i++ {
		_ = b.Execute(func() error { return Definitive(errors.New("contract not tradable")) })
	}
	assert.Equal(t, StateClosed, b.CurrentState())
}

func TestBreaker_Reset(t *testing.T) {
	b := NewBreaker("broker", 1, time.Hour)
	_ = b.Execute(func() error { return errors.New("fail") })
	require.Equal(t, StateOpen, b.CurrentState())
	b.Reset()
	assert.Equal(t, StateClosed, b.CurrentState())
}

type httpErr struct{ code int }

func (e httpErr) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e httpErr) HTTPStatus() int { return e.code }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"marked", Definitive(errors.New("x")), KindDefinitive},
		{"wrapped marked", fmt.Errorf("submit: %w", Fatal(errors.New("db"))), KindFatal},
		{"503", httpErr{503}, KindTransient},
		{"429", httpErr{429}, KindTransient},
		{"422", httpErr{422}, KindDefinitive},
		{"401", fmt.Errorf("get: %w", httpErr{401}), KindFatal},
		{"timeout", timeoutErr{}, KindTransient},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"canceled", context.Canceled, KindDefinitive},
		{"plain", errors.New("mystery"), KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func newTestRetrier(attempts int) (*Retrier, *[]time.Duration) {
	r := NewRetrier(attempts, time.Second, 2, nil)
	var waits []time.Duration
	r.Sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	return r, &waits
}

func TestRetrier_BacksOffExponentially(t *testing.T) {
	r, waits := newTestRetrier(3)
	calls := 0
	err := r.Do(context.Background(), ClassRead, "get_positions", func(context.Context) error {
		calls++
		return Transient(errors.New("connection reset"))
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *waits)
}

func TestRetrier_SucceedsAfterTransient(t *testing.T) {
	r, _ := newTestRetrier(3)
	calls := 0
	err := r.Do(context.Background(), ClassWrite, "submit", func(context.Context) error {
		calls++
		if calls < 2 {
			return httpErr{502}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetrier_NeverRetriesDefinitive(t *testing.T) {
	r, waits := newTestRetrier(3)
	calls := 0
	err := r.Do(context.Background(), ClassWrite, "submit", func(context.Context) error {
		calls++
		return httpErr{422}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *waits)
}

func TestRetrier_WritesDoNotRetryUnknown(t *testing.T) {
	r, _ := newTestRetrier(3)
	writes, reads := 0, 0
	_ = r.Do(context.Background(), ClassWrite, "submit", func(context.Context) error {
		writes++
		return errors.New("mystery")
	})
	_ = r.Do(context.Background(), ClassRead, "status", func(context.Context) error {
		reads++
		return errors.New("mystery")
	})
	assert.Equal(t, 1, writes)
	assert.Equal(t, 3, reads)
}

func TestRetrier_StopsOnCircuitOpen(t *testing.T) {
	r, _ := newTestRetrier(3)
	calls := 0
	err := r.Do(context.Background(), ClassRead, "status", func(context.Context) error {
		calls++
		return ErrCircuitOpen
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 1, calls)
}

func TestRetrier_ContextCancelledDuringWait(t *testing.T) {
	r := NewRetrier(5, time.Hour, 2, nil)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- r.Do(ctx, ClassRead, "status", func(context.Context) error {
			calls++
			return Transient(errors.New("timeout"))
		})
	}()
	cancel()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("retrier did not abort on context cancellation")
	}
}

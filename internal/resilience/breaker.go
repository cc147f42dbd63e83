package resilience

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = 0 // normal operation, requests pass through
	StateOpen     State = 1 // tripped, requests rejected immediately
	StateHalfOpen State = 2 // one probe request allowed through
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker implements the circuit breaker pattern for broker calls.
// After maxFailures consecutive failures, the breaker opens and rejects all
// calls for cooldown. After the cooldown it enters half-open state and
// allows one probe call through. If the probe succeeds, the breaker closes;
// if it fails, it reopens.
type Breaker struct {
	name string

	mu          sync.Mutex
	state       State
	failures    int
	maxFailures int
	cooldown    time.Duration
	openedAt    time.Time
	probing     bool

	now func() time.Time

	// IsFailure decides whether an error counts toward tripping. Nil counts
	// every non-nil error.
	IsFailure func(error) bool

	// OnStateChange is called on transitions, outside the lock.
	OnStateChange func(name string, from, to State)
}

// NewBreaker creates a circuit breaker.
// maxFailures: consecutive failures before opening (e.g., 10)
// cooldown: time to wait before the half-open probe (e.g., 10m)
func NewBreaker(name string, maxFailures int, cooldown time.Duration) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	return &Breaker{
		name:        name,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		state:       StateClosed,
		now:         time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Name returns the breaker's label.
func (b *Breaker) Name() string { return b.name }

// Execute runs fn through the circuit breaker.
// Returns ErrCircuitOpen if the breaker is open and the cooldown hasn't elapsed,
// or if a half-open probe is already in flight.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	var change *[2]State
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		change = b.transition(StateHalfOpen)
		b.probing = true
	case StateHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.probing = true
	}
	b.mu.Unlock()
	b.notify(change)

	err := fn()

	b.mu.Lock()
	wasProbe := b.state == StateHalfOpen
	if wasProbe {
		b.probing = false
	}
	if err != nil && b.countable(err) {
		b.failures++
		if wasProbe || b.failures >= b.maxFailures {
			change = b.transition(StateOpen)
			b.openedAt = b.now()
		} else {
			change = nil
		}
	} else {
		change = nil
		if wasProbe {
			change = b.transition(StateClosed)
		}
		b.failures = 0
	}
	b.mu.Unlock()
	b.notify(change)
	return err
}

// CurrentState returns the current circuit breaker state.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed, e.g. after a config reload.
func (b *Breaker) Reset() {
	b.mu.Lock()
	change := b.transition(StateClosed)
	b.probing = false
	b.mu.Unlock()
	b.notify(change)
}

func (b *Breaker) countable(err error) bool {
	if b.IsFailure == nil {
		return true
	}
	return b.IsFailure(err)
}

// transition must be called with mu held. It returns the change to report,
// or nil if the state did not move.
func (b *Breaker) transition(to State) *[2]State {
	from := b.state
	b.state = to
	if to == StateClosed {
		b.failures = 0
	}
	if from == to {
		return nil
	}
	return &[2]State{from, to}
}

func (b *Breaker) notify(change *[2]State) {
	if change == nil || b.OnStateChange == nil {
		return
	}
	b.OnStateChange(b.name, change[0], change[1])
}

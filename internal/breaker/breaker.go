// Package breaker implements a circuit breaker protecting calls to an
// unreliable dependency. A breaker trips open after a configured number of
// consecutive counted failures, rejects calls until a reset timeout has
// elapsed, then lets exactly one trial call through to probe recovery.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned when a call is rejected because the circuit is open.
// The wrapped dependency is not invoked.
var ErrOpen = errors.New("circuit open")

// State is the breaker state machine position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

func (s State) String() string { return string(s) }

const (
	defaultFailureThreshold = 5
	defaultResetTimeout     = 30 * time.Second
)

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailureThreshold sets the consecutive failure count that trips the
// circuit open.
func WithFailureThreshold(threshold int) Option {
	return func(b *Breaker) {
		if threshold > 0 {
			b.failureThreshold = threshold
		}
	}
}

// WithResetTimeout sets how long the circuit stays open before allowing a
// half-open trial call.
func WithResetTimeout(timeout time.Duration) Option {
	return func(b *Breaker) {
		if timeout > 0 {
			b.resetTimeout = timeout
		}
	}
}

// WithExclude registers a predicate for error kinds that must not count as
// dependency failures, e.g. caller-input validation errors.
func WithExclude(exclude func(error) bool) Option {
	return func(b *Breaker) {
		if exclude != nil {
			b.exclude = exclude
		}
	}
}

// WithStateChangeHook registers a callback invoked on every state
// transition, outside the breaker lock.
func WithStateChangeHook(hook func(name string, from, to State)) Option {
	return func(b *Breaker) {
		b.onStateChange = hook
	}
}

// Breaker is a thread-safe circuit breaker for one named dependency.
// State lives in process memory only; worker processes do not share it.
type Breaker struct {
	name             string
	failureThreshold int
	resetTimeout     time.Duration
	exclude          func(error) bool
	onStateChange    func(name string, from, to State)

	mu            sync.Mutex
	state         State
	failureCount  int
	openedAt      time.Time
	probeInFlight bool

	now func() time.Time
}

func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: defaultFailureThreshold,
		resetTimeout:     defaultResetTimeout,
		state:            StateClosed,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) Name() string { return b.name }

// State returns the current state, accounting for an elapsed reset timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.resetElapsed() {
		return StateHalfOpen
	}
	return b.state
}

// Do runs fn under the breaker. When the circuit is open the call is
// rejected with ErrOpen and fn is never invoked. Excluded errors pass
// through without affecting breaker state.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}

	err := fn(ctx)
	b.record(err)
	return err
}

// Run executes fn under breaker protection and returns its value. On an
// open circuit the zero value and ErrOpen are returned.
func Run[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := b.Do(ctx, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = fn(ctx)
		return innerErr
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// IsOpen reports whether err is an open-circuit rejection.
func IsOpen(err error) bool {
	return errors.Is(err, ErrOpen)
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if !b.resetElapsed() {
			return fmt.Errorf("%w: %s", ErrOpen, b.name)
		}
		b.transition(StateHalfOpen)
		b.probeInFlight = true
		return nil
	case StateHalfOpen:
		// One trial call at a time.
		if b.probeInFlight {
			return fmt.Errorf("%w: %s", ErrOpen, b.name)
		}
		b.probeInFlight = true
		return nil
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	failed := err != nil && (b.exclude == nil || !b.exclude(err))

	switch b.state {
	case StateClosed:
		if !failed {
			b.failureCount = 0
			return
		}
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.probeInFlight = false
		if failed {
			b.openedAt = b.now()
			b.transition(StateOpen)
			return
		}
		b.failureCount = 0
		b.transition(StateClosed)
	}
}

func (b *Breaker) resetElapsed() bool {
	return b.now().Sub(b.openedAt) >= b.resetTimeout
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	if b.onStateChange != nil {
		go b.onStateChange(b.name, from, to)
	}
}

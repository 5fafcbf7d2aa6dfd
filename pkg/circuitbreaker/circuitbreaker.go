// Package circuitbreaker fails calls fast while a dependency keeps failing.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned without calling through while the circuit is open.
var ErrOpen = errors.New("circuit breaker open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
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

type Config struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before one probe call is let through.
	Cooldown time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		Cooldown:         5 * time.Second,
	}
}

type CircuitBreaker struct {
	config Config
	now    func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool

	onStateChange func(from, to State)
}

func New(config Config) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	return &CircuitBreaker{
		config: config,
		now:    time.Now,
		state:  StateClosed,
	}
}

// OnStateChange registers fn, called outside the breaker lock.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute calls fn unless the circuit is open. fn's error is returned as is.
// A cancelled ctx is neither a success nor a failure of the dependency.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cb.allow() {
		return ErrOpen
	}

	err := fn()
	switch {
	case err == nil:
		cb.record(true)
	case ctx.Err() != nil:
		cb.release()
	default:
		cb.record(false)
	}
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	var notify func()
	defer func() { cb.mu.Unlock(); run(notify) }()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.Cooldown {
			return false
		}
		cb.transitionLocked(StateHalfOpen, &notify)
		cb.probing = true
		return true
	case StateHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	}
	return true
}

func (cb *CircuitBreaker) record(ok bool) {
	cb.mu.Lock()
	var notify func()
	defer func() { cb.mu.Unlock(); run(notify) }()

	cb.probing = false
	if ok {
		cb.failures = 0
		cb.transitionLocked(StateClosed, &notify)
		return
	}

	cb.failures++
	if cb.state == StateHalfOpen || cb.failures >= cb.config.FailureThreshold {
		cb.openedAt = cb.now()
		cb.transitionLocked(StateOpen, &notify)
	}
}

// release gives back a half-open probe slot without judging the dependency.
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
}

func run(fn func()) {
	if fn != nil {
		fn()
	}
}

func (cb *CircuitBreaker) transitionLocked(to State, notify *func()) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if to == StateClosed {
		cb.failures = 0
	}
	if fn := cb.onStateChange; fn != nil {
		*notify = func() { fn(from, to) }
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var notify func()
	cb.probing = false
	cb.transitionLocked(StateClosed, &notify)
	cb.mu.Unlock()
	run(notify)
}

package circuit

import (
	"errors"
	"sync"
	"time"

	"feedhub/internal/logger"
)

// ErrOpen is returned by Execute while the breaker rejects calls.
var ErrOpen = errors.New("circuit open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name      string
	State     State
	Failures  int
	OpenUntil time.Time
}

// CircuitBreaker guards one exchange REST host. It opens after threshold
// consecutive failures, or when the venue bans the client (TripUntil), and
// lets a single trial call through once the open window has passed.
type CircuitBreaker struct {
	mu        sync.Mutex
	name      string
	threshold int
	cooldown  time.Duration
	state     State
	failures  int
	openUntil time.Time
	trialing  bool
	now       func() time.Time
	onChange  func(name string, from, to State)
}

func NewCircuitBreaker(name string, threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func (cb *CircuitBreaker) SetStateChangeHandler(handler func(name string, from, to State)) {
	cb.mu.Lock()
	cb.onChange = handler
	cb.mu.Unlock()
}

// SetClock is for tests.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	cb.mu.Lock()
	cb.now = now
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{Name: cb.name, State: cb.state, Failures: cb.failures, OpenUntil: cb.openUntil}
}

// Allow 判断调用能否继续，半开状态下同时只放行一个试探调用。
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Before(cb.openUntil) {
			return false
		}
		cb.transition(StateHalfOpen)
		cb.trialing = true
		return true
	case StateHalfOpen:
		if cb.trialing {
			return false
		}
		cb.trialing = true
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.trialing = false
	// 调用期间被 TripUntil 打开时保持 OPEN
	if cb.state == StateHalfOpen {
		cb.openUntil = time.Time{}
		cb.transition(StateClosed)
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.trialing = false
	if cb.state == StateHalfOpen || cb.failures >= cb.threshold {
		cb.open(cb.now().Add(cb.cooldown))
	}
}

// TripUntil opens the breaker until the given time regardless of the failure
// count. An earlier deadline never shortens an existing one.
func (cb *CircuitBreaker) TripUntil(until time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trialing = false
	cb.open(until)
}

// Execute runs fn when the breaker allows it. countable decides which
// errors trip the breaker; nil counts every error.
func (cb *CircuitBreaker) Execute(fn func() error, countable func(error) bool) error {
	if !cb.Allow() {
		return ErrOpen
	}
	err := fn()
	if err != nil && (countable == nil || countable(err)) {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return err
}

func (cb *CircuitBreaker) open(until time.Time) {
	if until.After(cb.openUntil) {
		cb.openUntil = until
	}
	if cb.state != StateOpen {
		cb.transition(StateOpen)
	}
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	if cb.onChange != nil {
		go cb.onChange(cb.name, from, to)
		return
	}
	logger.Warnf("[circuit] %s %s -> %s failures=%d/%d open_until=%s",
		cb.name, from, to, cb.failures, cb.threshold, cb.openUntil.UTC().Format(time.RFC3339))
}

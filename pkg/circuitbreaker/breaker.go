// Package circuitbreaker stops calls to an upstream that keeps failing and probes it again
// after a cool-off.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// OpenError is returned while the breaker rejects calls. It matches ErrCircuitOpen.
type OpenError struct {
	Name string
	// RetryAfter is the time left until the breaker lets a probe through.
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s: %v (retry in %s)", e.Name, ErrCircuitOpen, e.RetryAfter.Round(time.Millisecond))
}

func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

type Config struct {
	// MaxRequests bounds concurrent probes while half-open.
	MaxRequests uint32
	// Interval resets the closed-state counts periodically. Zero keeps them until a state change.
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
	// IsFailure decides which errors count against the breaker. Defaults to err != nil.
	IsFailure     func(err error) bool
	OnStateChange func(name string, from State, to State)
	Logger        *zap.Logger
	Now           func() time.Time
}

type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

type CircuitBreaker struct {
	name string
	cfg  Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

func NewCircuitBreaker(name string, cfg Config) *CircuitBreaker {
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	cb := &CircuitBreaker{name: name, cfg: cfg}
	cb.resetCounts(cfg.Now())
	return cb
}

// Execute runs fn unless the breaker is open. A panic in fn counts as a failure and is re-raised.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	generation, err := cb.admit()
	if err != nil {
		return err
	}

	succeeded := false
	defer func() {
		if !succeeded {
			if r := recover(); r != nil {
				cb.record(generation, false)
				panic(r)
			}
		}
	}()

	err = fn()
	succeeded = true
	cb.record(generation, !cb.cfg.IsFailure(err))
	return err
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.cfg.Now()
	switch cb.refresh(now) {
	case StateOpen:
		return cb.generation, &OpenError{Name: cb.name, RetryAfter: cb.expiry.Sub(now)}
	case StateHalfOpen:
		if cb.counts.Requests >= cb.cfg.MaxRequests {
			return cb.generation, ErrTooManyRequests
		}
	}

	cb.counts.Requests++
	return cb.generation, nil
}

// record applies an outcome unless the breaker moved to a new generation while fn ran.
func (cb *CircuitBreaker) record(generation uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.cfg.Now()
	state := cb.refresh(now)
	if generation != cb.generation {
		return
	}

	if success {
		cb.counts.TotalSuccesses++
		cb.counts.ConsecutiveSuccesses++
		cb.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.cfg.SuccessThreshold {
			cb.transition(StateClosed, now)
		}
		return
	}

	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	cb.counts.ConsecutiveSuccesses = 0
	switch {
	case state == StateHalfOpen:
		cb.transition(StateOpen, now)
	case state == StateClosed && cb.counts.ConsecutiveFailures >= cb.cfg.FailureThreshold:
		cb.transition(StateOpen, now)
	}
}

// refresh applies time-based transitions and returns the current state.
func (cb *CircuitBreaker) refresh(now time.Time) State {
	if cb.expiry.IsZero() || now.Before(cb.expiry) {
		return cb.state
	}
	switch cb.state {
	case StateClosed:
		cb.resetCounts(now)
	case StateOpen:
		cb.transition(StateHalfOpen, now)
	}
	return cb.state
}

func (cb *CircuitBreaker) transition(to State, now time.Time) {
	from := cb.state
	if from == to {
		return
	}
	failures := cb.counts.ConsecutiveFailures
	cb.state = to
	cb.resetCounts(now)

	cb.cfg.Logger.Info("Circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Uint32("failures", failures),
	)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
}

// resetCounts starts a new generation and sets when the current state next expires.
func (cb *CircuitBreaker) resetCounts(now time.Time) {
	cb.generation++
	cb.counts = Counts{}

	cb.expiry = time.Time{}
	switch cb.state {
	case StateClosed:
		if cb.cfg.Interval > 0 {
			cb.expiry = now.Add(cb.cfg.Interval)
		}
	case StateOpen:
		cb.expiry = now.Add(cb.cfg.Timeout)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.refresh(cb.cfg.Now())
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/taxfolio/taxfolio-api/internal/errs"
	"github.com/taxfolio/taxfolio-api/internal/logger"
	"go.uber.org/zap"
)

// BreakerState is one of the three circuit breaker states.
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerConfig configures a CircuitBreaker.
//
// MonitoringWindow bounds how long consecutive failures stay relevant: a
// failure arriving more than MonitoringWindow after the previous one resets
// the counter to 1 instead of incrementing it. A window <= 0 disables decay.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	MonitoringWindow time.Duration
}

// DefaultBreakerConfig returns the settings used for POS integrations.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		MonitoringWindow: 5 * time.Minute,
	}
}

// CircuitBreaker gates a wrapped operation behind a three-state failure
// machine. One breaker is owned by exactly one adapter instance; all state
// transitions happen under the mutex so concurrent callers cannot lose
// updates to the failure counter.
type CircuitBreaker struct {
	mu            sync.Mutex
	config        BreakerConfig
	state         BreakerState
	failureCount  int
	lastFailureAt time.Time
	nextAttemptAt time.Time
	halfOpenBusy  bool
	name          string
	logger        *zap.Logger
	now           func() time.Time
}

// NewCircuitBreaker creates a breaker in the CLOSED state.
func NewCircuitBreaker(name string, config BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
		name:   name,
		logger: logger.Log,
		now:    time.Now,
	}
}

// ErrBreakerOpen is returned without invoking the wrapped operation while
// the breaker is open and the cool-down has not elapsed.
var ErrBreakerOpen = errs.New(errs.KindBreakerOpen, "circuit breaker is open")

// Execute runs op through the breaker. While OPEN it fails immediately with
// ErrBreakerOpen until the recovery timeout elapses; the breaker then allows
// exactly one trial call (HALF_OPEN). Trial success closes the breaker and
// resets the failure count, trial failure reopens it with a fresh cool-down.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}

	err := op(ctx)
	cb.afterCall(err)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if cb.now().Before(cb.nextAttemptAt) {
			return ErrBreakerOpen
		}
		cb.transition(StateHalfOpen)
		cb.halfOpenBusy = true
		return nil
	case StateHalfOpen:
		// A single trial call is in flight; everyone else is rejected.
		if cb.halfOpenBusy {
			return ErrBreakerOpen
		}
		cb.halfOpenBusy = true
		return nil
	}
	return nil
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.halfOpenBusy = false
		if err != nil {
			cb.nextAttemptAt = cb.now().Add(cb.config.RecoveryTimeout)
			cb.transition(StateOpen)
			return
		}
		cb.failureCount = 0
		cb.transition(StateClosed)
		return
	}

	if err == nil {
		cb.failureCount = 0
		return
	}

	now := cb.now()
	if cb.config.MonitoringWindow > 0 &&
		!cb.lastFailureAt.IsZero() &&
		now.Sub(cb.lastFailureAt) > cb.config.MonitoringWindow {
		cb.failureCount = 0
	}
	cb.failureCount++
	cb.lastFailureAt = now

	if cb.failureCount >= cb.config.FailureThreshold {
		cb.nextAttemptAt = now.Add(cb.config.RecoveryTimeout)
		cb.transition(StateOpen)
	}
}

func (cb *CircuitBreaker) transition(next BreakerState) {
	if cb.state == next {
		return
	}
	cb.logger.Warn("Circuit breaker state change",
		zap.String("breaker", cb.name),
		zap.String("from", string(cb.state)),
		zap.String("to", string(next)),
		zap.Int("failure_count", cb.failureCount))
	cb.state = next
}

// State returns the current state. Transitions only happen inside Execute,
// so an OPEN breaker keeps reporting OPEN after the cool-down expires until
// the next call admits the trial.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// FailureCount returns the current consecutive failure count.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

// NextAttemptAt returns when an OPEN breaker will admit a trial call.
func (cb *CircuitBreaker) NextAttemptAt() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.nextAttemptAt
}

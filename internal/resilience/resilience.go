// Package resilience provides three fault-tolerance primitives: retry
// with exponential backoff and jitter (cenkalti/backoff), a circuit
// breaker (sony/gobreaker), and a bulkhead (a bounded semaphore with an
// admission timeout). When stacked, the order is
// bulkhead(circuit_breaker(retry(op))) so a retry storm stays inside one
// bulkhead slot.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/aristath/perfengine/internal/engineerr"
)

// State mirrors gobreaker's three-state machine.
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
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a named breaker. The breaker trips when
// the failure rate over the current counting window reaches
// FailureThreshold and at least MinRequests have been observed; the
// window resets every Window while closed.
type CircuitBreakerConfig struct {
	FailureThreshold float64 // trip when failure rate >= this, default 0.5
	MinRequests      int     // observations required before tripping
	Window           time.Duration
	Timeout          time.Duration
	HalfOpenMax      int
}

// CircuitBreaker wraps gobreaker.CircuitBreaker, preserving a small
// Execute(ctx, fn) surface so callers never see the gobreaker API
// directly.
type CircuitBreaker struct {
	name string
	gb   *gobreaker.CircuitBreaker[any]
	log  zerolog.Logger
}

func newCircuitBreaker(name string, cfg CircuitBreakerConfig, log zerolog.Logger) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 || cfg.FailureThreshold > 1 {
		cfg.FailureThreshold = 0.5
	}
	if cfg.MinRequests <= 0 {
		cfg.MinRequests = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}

	minRequests := uint32(cfg.MinRequests)
	threshold := cfg.FailureThreshold
	cb := &CircuitBreaker{name: name, log: log.With().Str("breaker", name).Logger()}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.HalfOpenMax),
		Interval:    cfg.Window,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= threshold
		},
		// Only service faults count against the breaker; a caller's bad
		// input or a legitimate not-found must never open it.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			switch engineerr.CodeOf(err) {
			case engineerr.Database, engineerr.ExternalService, engineerr.Timeout, engineerr.MaxRetriesExceeded:
				return false
			default:
				return true
			}
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cb.log.Warn().
				Str("from_state", State(from).String()).
				Str("to_state", State(to).String()).
				Msg("circuit breaker state changed")
		},
	}
	cb.gb = gobreaker.NewCircuitBreaker[any](settings)
	return cb
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() State { return State(cb.gb.State()) }

// Execute runs fn with circuit breaker protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	_, err := cb.gb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err != nil {
		return mapGobreakerError(cb.name, err)
	}
	return nil
}

func mapGobreakerError(name string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return engineerr.CircuitOpenErr(name)
	}
	return err
}

// RetryConfig configures exponential backoff with jitter.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // 0-1
}

// Retry executes fn with exponential backoff, retrying only when
// engineerr.IsRetryable(err) is true. Bounded by cfg.MaxAttempts.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	if cfg.InitialDelay > 0 {
		bo.InitialInterval = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		bo.MaxInterval = cfg.MaxDelay
	}
	if cfg.Multiplier > 0 {
		bo.Multiplier = cfg.Multiplier
	}
	bo.RandomizationFactor = cfg.Jitter
	bo.MaxElapsedTime = 0

	withMax := backoff.WithMaxRetries(bo, uint64(cfg.MaxAttempts-1))
	withCtx := backoff.WithContext(withMax, ctx)

	err := backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !engineerr.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, withCtx)

	if err == nil {
		return nil
	}
	// backoff unwraps Permanent before returning, so classify by the
	// error itself: a non-retryable failure aborted the loop and keeps its
	// own code; a retryable one means the attempt budget ran out.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return engineerr.TimeoutErr("retry: " + err.Error())
	}
	if !engineerr.IsRetryable(err) {
		return err
	}
	return engineerr.MaxRetriesExceededErr(err)
}

// Bulkhead is a per-name semaphore with a bounded admission wait.
type Bulkhead struct {
	name          string
	sem           chan struct{}
	admissionWait time.Duration
}

// NewBulkhead builds a Bulkhead allowing at most maxConcurrent
// simultaneous executions, rejecting admission after admissionWait.
func NewBulkhead(name string, maxConcurrent int, admissionWait time.Duration) *Bulkhead {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if admissionWait <= 0 {
		admissionWait = 100 * time.Millisecond
	}
	return &Bulkhead{name: name, sem: make(chan struct{}, maxConcurrent), admissionWait: admissionWait}
}

// Execute runs fn if a slot is available within the admission timeout,
// otherwise returns BulkheadFull.
func (b *Bulkhead) Execute(ctx context.Context, fn func() error) error {
	timer := time.NewTimer(b.admissionWait)
	defer timer.Stop()

	select {
	case b.sem <- struct{}{}:
	case <-timer.C:
		return engineerr.BulkheadFullErr(b.name)
	case <-ctx.Done():
		return engineerr.TimeoutErr("bulkhead admission: " + ctx.Err().Error())
	}
	defer func() { <-b.sem }()

	return fn()
}

// InFlight returns the current number of in-flight executions (for tests
// asserting the bulkhead cap invariant).
func (b *Bulkhead) InFlight() int { return len(b.sem) }

// Compose stacks bulkhead(circuit_breaker(retry(op))); the bulkhead
// outermost so concurrent retry storms stay bounded.
func Compose(bh *Bulkhead, cb *CircuitBreaker, retryCfg RetryConfig, op func() error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return bh.Execute(ctx, func() error {
			return cb.Execute(ctx, func() error {
				return Retry(ctx, retryCfg, op)
			})
		})
	}
}

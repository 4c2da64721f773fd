// Package retry runs fallible operations with bounded, exponentially backed-off retries.
//
// Each call to Do is a small state machine:
//
//	Attempting -> Waiting -> Attempting -> ... -> Succeeded | Failed | Exhausted | Cancelled
//
// Waits go through an injected clock.Clock so tests can observe them without
// sleeping, and every transition is reported to an Observer
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/trogers1052/portfolio-valuation/internal/apperr"
	"github.com/trogers1052/portfolio-valuation/internal/clock"
)

// Policy bounds a retried operation
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts" toml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" toml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" toml:"max_delay"`
	Jitter      bool          `yaml:"jitter" toml:"jitter"`
}

// DefaultPolicy is three attempts starting at 300ms
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 300 * time.Millisecond, MaxDelay: 5 * time.Second, Jitter: true}
}

// Normalize clamps MaxAttempts to at least one and negative delays to zero
func (p Policy) Normalize() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay < 0 {
		p.MaxDelay = 0
	}
	return p
}

// Backoff returns min(BaseDelay * 2^(attempt-1), MaxDelay), the wait after
// the given failed attempt, before jitter
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.Normalize()
	d := p.BaseDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Executor carries the clock, randomness and observer shared by retried calls
type Executor struct {
	clock    clock.Clock
	observer Observer
	rand     func() float64
}

// Option configures an Executor
type Option func(*Executor)

// WithClock sets the time source used for waits and deadline checks
func WithClock(c clock.Clock) Option {
	return func(e *Executor) { e.clock = c }
}

// WithObserver sets the hook notified of every attempt and wait
func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observer = o }
}

// WithRand sets the [0,1) source used for jitter
func WithRand(r func() float64) Option {
	return func(e *Executor) { e.rand = r }
}

// NewExecutor creates an Executor using the wall clock and no observer
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		clock: clock.Real{},
		rand:  rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do runs op under policy. Permanent failures are returned unchanged and
// immediately. Transient failures are retried until MaxAttempts, after which
// the last failure is returned wrapped in an *apperr.RetryExhaustedError. If
// ctx ends first, or its deadline would pass during the next wait, Do returns
// an *apperr.CancelledError instead
func Do[T any](ctx context.Context, e *Executor, name string, policy Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if e == nil {
		e = NewExecutor()
	}
	policy = policy.Normalize()

	var (
		state   = StateAttempting
		attempt int
		delay   time.Duration
		lastErr error
	)

	for {
		switch state {
		case StateAttempting:
			if err := ctx.Err(); err != nil {
				return zero, e.cancelled(name, attempt, err, lastErr)
			}
			attempt++
			e.observe(Event{Name: name, Attempt: attempt, State: StateAttempting})

			v, err := op(ctx)
			if err == nil {
				e.observe(Event{Name: name, Attempt: attempt, State: StateSucceeded})
				return v, nil
			}
			lastErr = err

			if ctxErr := ctx.Err(); ctxErr != nil {
				return zero, e.cancelled(name, attempt, ctxErr, lastErr)
			}
			if apperr.Classify(err) == apperr.Permanent {
				e.observe(Event{Name: name, Attempt: attempt, State: StateFailed, Err: err})
				return zero, err
			}
			if attempt >= policy.MaxAttempts {
				e.observe(Event{Name: name, Attempt: attempt, State: StateExhausted, Err: err})
				return zero, &apperr.RetryExhaustedError{Name: name, Attempts: attempt, Last: err}
			}
			delay = e.jitter(policy, policy.Backoff(attempt))
			state = StateWaiting

		case StateWaiting:
			if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
				return zero, e.cancelled(name, attempt, context.DeadlineExceeded, lastErr)
			}
			e.observe(Event{Name: name, Attempt: attempt, State: StateWaiting, Delay: delay, Err: lastErr})
			if err := e.clock.Sleep(ctx, delay); err != nil {
				return zero, e.cancelled(name, attempt, err, lastErr)
			}
			state = StateAttempting
		}
	}
}

func (e *Executor) jitter(p Policy, d time.Duration) time.Duration {
	if !p.Jitter || d <= 0 {
		return d
	}
	// scale into [0.5d, 1.5d)
	return time.Duration(float64(d) * (0.5 + e.rand()))
}

func (e *Executor) cancelled(name string, attempt int, cause, last error) error {
	e.observe(Event{Name: name, Attempt: attempt, State: StateCancelled, Err: cause})
	return &apperr.CancelledError{Name: name, Attempts: attempt, Cause: cause, Last: last}
}

func (e *Executor) observe(ev Event) {
	if e.observer == nil {
		return
	}
	defer func() { _ = recover() }()
	e.observer.Observe(ev)
}

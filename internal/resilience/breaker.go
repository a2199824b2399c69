// Package resilience guards calls to the upstream speech service.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open). The
// relay wraps every upstream connect in it so that a provider that keeps
// failing is reported to clients at once instead of after a full connect
// timeout per attempt, and readiness turns red while it is down.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// Breaker defaults.
const (
	DefaultMaxFailures  = 5
	DefaultResetTimeout = 30 * time.Second
	DefaultHalfOpenMax  = 1
)

// State is the operating mode of a [Breaker].
type State int

const (
	// Closed forwards every call.
	Closed State = iota

	// Open rejects calls with [ErrOpen] until the reset timeout elapsed.
	Open

	// HalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker, any failure re-opens it.
	HalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a [Breaker]. Zero fields take the defaults.
type Config struct {
	// Name labels log lines, e.g. the provider name.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of concurrent probes allowed, and of
	// successes needed to close again, in the half-open state.
	HalfOpenMax int
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	now          func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probes    int
	successes int
}

// New returns a closed breaker.
func New(cfg Config) *Breaker {
	b := &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		now:          time.Now,
	}
	if b.maxFailures <= 0 {
		b.maxFailures = DefaultMaxFailures
	}
	if b.resetTimeout <= 0 {
		b.resetTimeout = DefaultResetTimeout
	}
	if b.halfOpenMax <= 0 {
		b.halfOpenMax = DefaultHalfOpenMax
	}
	return b
}

// Do runs fn unless the breaker is open. A failure caused by the caller
// giving up (ctx cancelled or past its deadline) is not counted.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.acquire()
	if err != nil {
		return err
	}

	err = fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.probes--
	}
	switch {
	case err == nil:
		b.onSuccess(probe)
	case ctx.Err() != nil:
	default:
		b.onFailure(probe)
	}
	return err
}

// acquire admits one call and reports whether it is a half-open probe.
func (b *Breaker) acquire() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return false, fmt.Errorf("%w: %s", ErrOpen, b.name)
		}
		b.probes, b.successes = 0, 0
		b.transition(HalfOpen)
	}
	if b.state == HalfOpen {
		if b.probes >= b.halfOpenMax {
			return false, fmt.Errorf("%w: %s", ErrOpen, b.name)
		}
		b.probes++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) onSuccess(probe bool) {
	b.failures = 0
	if !probe || b.state != HalfOpen {
		return
	}
	b.successes++
	if b.successes >= b.halfOpenMax {
		b.transition(Closed)
	}
}

func (b *Breaker) onFailure(probe bool) {
	b.failures++
	if (probe && b.state == HalfOpen) || (b.state == Closed && b.failures >= b.maxFailures) {
		b.openedAt = b.now()
		b.transition(Open)
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if to == Open {
		slog.Warn("resilience: circuit opened", "name", b.name, "from", from, "failures", b.failures, "retry_in", b.resetTimeout)
		return
	}
	slog.Info("resilience: circuit state changed", "name", b.name, "from", from, "to", to)
}

// State returns the current state. An open breaker whose reset timeout
// elapsed reports [HalfOpen]; the transition itself happens on the next
// call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.resetTimeout {
		return HalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures, b.probes, b.successes = 0, 0, 0
	b.transition(Closed)
}

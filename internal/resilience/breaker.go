// Package resilience provides a circuit breaker and ordered provider
// failover, so a speech or language backend that keeps failing is bypassed
// in favour of a configured spare.
//
// Failures caused by the caller's own context (a command timeout or a
// shutdown) are never held against a backend: they neither trip a breaker
// nor move on to the next provider.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrOpen] until the reset timeout elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker; any failure opens it again.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// Defaults applied to a zero [BreakerConfig].
const (
	DefaultMaxFailures  = 3
	DefaultResetTimeout = 30 * time.Second
	DefaultProbes       = 1
)

// BreakerConfig holds the tuning knobs of a [Breaker]. Zero fields take the
// package defaults.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the
	// breaker.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration

	// Probes is the number of successful half-open calls needed to close.
	Probes int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.Probes <= 0 {
		c.Probes = DefaultProbes
	}
	return c
}

// options are shared by [Breaker] and [Failover].
type options struct {
	now func() time.Time
	log *slog.Logger
}

// Option configures a [Breaker] or [Failover].
type Option func(*options)

// WithClock replaces time.Now. Tests use it to step past the reset timeout.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger for state transitions and failovers.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

func newOptions(opts []Option) options {
	o := options{now: time.Now, log: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Breaker is a three-state circuit breaker guarding one backend.
type Breaker struct {
	name string
	cfg  BreakerConfig
	opts options

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	inflight int // half-open probes currently running
	passed   int // half-open probes that succeeded
}

// NewBreaker returns a closed Breaker named name.
func NewBreaker(name string, cfg BreakerConfig, opts ...Option) *Breaker {
	return &Breaker{
		name: name,
		cfg:  cfg.withDefaults(),
		opts: newOptions(opts),
	}
}

// Do runs fn if the breaker allows it and records the outcome. It returns
// [ErrOpen] without calling fn while the breaker is open or its probe budget
// is used up.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.allow()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.record(ctx, probe, err)
	return err
}

func (b *Breaker) allow() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.opts.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false, ErrOpen
		}
		b.state = StateHalfOpen
		b.inflight, b.passed = 0, 0
		b.opts.log.Info("circuit half-open", "provider", b.name)
	}
	if b.state == StateHalfOpen {
		if b.passed+b.inflight >= b.cfg.Probes {
			return false, ErrOpen
		}
		b.inflight++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(ctx context.Context, probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.inflight--
	}
	switch {
	case err == nil:
		if !probe {
			b.failures = 0
			return
		}
		b.passed++
		if b.state == StateHalfOpen && b.passed >= b.cfg.Probes {
			b.state, b.failures = StateClosed, 0
			b.opts.log.Info("circuit closed", "provider", b.name)
		}

	case ctx.Err() != nil:
		// The caller gave up; says nothing about the backend.

	case probe:
		b.trip()

	default:
		b.failures++
		if b.state == StateClosed && b.failures >= b.cfg.MaxFailures {
			b.trip()
		}
	}
}

// trip opens the breaker. Must be called with b.mu held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.opts.now()
	b.opts.log.Warn("circuit opened",
		"provider", b.name,
		"consecutive_failures", b.failures,
		"reset_after", b.cfg.ResetTimeout,
	)
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.opts.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures, b.inflight, b.passed = 0, 0, 0
}

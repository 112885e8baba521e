package resilience

import (
	"context"
	"errors"
	"fmt"
)

// ErrExhausted is returned when every provider of a [Failover] failed or
// had its circuit open.
var ErrExhausted = errors.New("resilience: every provider failed")

type member[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Failover holds a primary provider and its spares, each behind its own
// [Breaker]. Members are tried in the order they were added.
type Failover[T any] struct {
	cfg     BreakerConfig
	opts    []Option
	o       options
	members []member[T]
}

// NewFailover returns a Failover whose first member is primary.
func NewFailover[T any](name string, primary T, cfg BreakerConfig, opts ...Option) *Failover[T] {
	f := &Failover[T]{cfg: cfg, opts: opts, o: newOptions(opts)}
	f.Add(name, primary)
	return f
}

// Add appends a spare provider. Add is not safe to call concurrently with
// [Call]; finish wiring before serving.
func (f *Failover[T]) Add(name string, v T) {
	f.members = append(f.members, member[T]{
		name:    name,
		value:   v,
		breaker: NewBreaker(name, f.cfg, f.opts...),
	})
}

// Len returns the number of members.
func (f *Failover[T]) Len() int { return len(f.members) }

// State returns the breaker state of the named member and whether it exists.
func (f *Failover[T]) State(name string) (State, bool) {
	for i := range f.members {
		if f.members[i].name == name {
			return f.members[i].breaker.State(), true
		}
	}
	return StateClosed, false
}

// Call runs fn against each member in order until one succeeds. An error
// caused by ctx ending is returned at once without trying further members.
// When every member fails, the error wraps both [ErrExhausted] and the last
// member's error.
func Call[T, R any](ctx context.Context, f *Failover[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range f.members {
		m := &f.members[i]
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		var out R
		err := m.breaker.Do(ctx, func(ctx context.Context) error {
			var err error
			out, err = fn(ctx, m.value)
			return err
		})
		if err == nil {
			if i > 0 {
				f.o.log.Info("served by spare provider", "provider", m.name)
			}
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}

		lastErr = err
		if errors.Is(err, ErrOpen) {
			f.o.log.Debug("skipping provider, circuit open", "provider", m.name)
			continue
		}
		f.o.log.Warn("provider failed, trying next", "provider", m.name, "err", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrExhausted, lastErr)
}

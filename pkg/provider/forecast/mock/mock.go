// Package mock provides a test double for the forecast.Provider interface.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/elf/pkg/provider/forecast"
)

// Provider is a mock implementation of forecast.Provider.
type Provider struct {
	mu sync.Mutex

	// Conditions is returned by every Current call.
	Conditions forecast.Conditions

	// Err, if non-nil, is returned as the error from Current.
	Err error

	// Times records the at argument of every Current call.
	Times []time.Time
}

// Current records the call and returns Conditions, Err.
func (p *Provider) Current(_ context.Context, at time.Time) (forecast.Conditions, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Times = append(p.Times, at)
	if p.Err != nil {
		return forecast.Conditions{}, p.Err
	}
	return p.Conditions, nil
}

// CallCount returns the number of Current calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Times)
}

var _ forecast.Provider = (*Provider)(nil)

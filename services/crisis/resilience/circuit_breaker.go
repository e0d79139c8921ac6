// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resilience provides failure protection for the crisis core:
// per-downstream-service circuit breakers and per-connection rate limiting.
package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/LifelineLocal/services/crisis/datatypes"
)

// =============================================================================
// Circuit States
// =============================================================================

// BreakerState is the protective state machine position for one downstream
// service.
type BreakerState int

const (
	// StateClosed passes calls through normally.
	StateClosed BreakerState = iota

	// StateOpen rejects calls immediately without invoking the service.
	StateOpen

	// StateHalfOpen lets probe calls through to test recovery.
	StateHalfOpen
)

// String returns the lowercase wire name of the state.
func (s BreakerState) String() string {
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

// =============================================================================
// Configuration
// =============================================================================

// BreakerConfig configures breaker thresholds and the cooldown.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit. Default: 5.
	FailureThreshold int

	// Cooldown is how long the circuit stays open before allowing a
	// half-open probe. Default: 60s.
	Cooldown time.Duration

	// SuccessThreshold is the consecutive-success count in half-open
	// that closes the circuit. Default: 3.
	SuccessThreshold int
}

// DefaultBreakerConfig returns the production thresholds: open after 5
// consecutive failures, 60 second cooldown, close after 3 consecutive
// half-open successes.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
		SuccessThreshold: 3,
	}
}

// =============================================================================
// Breaker
// =============================================================================

// StateObserver is notified on every breaker state change, keyed by the
// downstream service name. The observability package satisfies this.
type StateObserver interface {
	SetBreakerState(service string, state int)
}

// Breaker is the circuit breaker for a single named downstream service.
//
// While open, Do rejects in well under a millisecond without touching the
// downstream dependency, protecting both the caller's latency budget and
// the failing service.
//
// Thread Safety: safe for concurrent use.
type Breaker struct {
	name     string
	config   BreakerConfig
	observer StateObserver

	// now is the clock source; replaceable in tests so the 60s cooldown
	// does not require a 60s test.
	now func() time.Time

	mu                   sync.Mutex
	state                BreakerState
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailure          time.Time
	lastStateChange      time.Time
}

// NewBreaker creates a closed breaker for the named service.
func NewBreaker(name string, config BreakerConfig) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 60 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 3
	}
	return &Breaker{
		name:   name,
		config: config,
		now:    time.Now,
		state:  StateClosed,
	}
}

// Do invokes fn under breaker protection.
//
// If the circuit is open and the cooldown has not elapsed, Do returns
// ErrServiceUnavailable immediately and fn is never invoked. Otherwise fn
// runs and its outcome is recorded: an error counts as a failure, nil as a
// success.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if !b.allow() {
		return datatypes.ErrServiceUnavailable
	}

	err := fn(ctx)
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// State returns the current circuit position, applying the cooldown
// transition if it is due.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// allow reports whether a call may proceed, transitioning open → half-open
// once the cooldown has elapsed.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.config.Cooldown {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return false
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.config.SuccessThreshold {
			b.transition(StateClosed)
		}
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		b.consecutiveSuccesses = 0
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		// Any half-open failure reopens the circuit.
		b.transition(StateOpen)
	}
}

// transition changes state. Must be called with the lock held.
func (b *Breaker) transition(next BreakerState) {
	if b.state == next {
		return
	}
	slog.Warn("circuit breaker state change",
		"service", b.name,
		"from", b.state.String(),
		"to", next.String(),
	)
	b.state = next
	b.lastStateChange = b.now()
	b.consecutiveSuccesses = 0
	if next == StateClosed {
		b.consecutiveFailures = 0
	}
	if b.observer != nil {
		b.observer.SetBreakerState(b.name, int(next))
	}
}

// =============================================================================
// Registry
// =============================================================================

// BreakerRegistry holds one breaker per downstream service name. The
// registry is process-wide; breaker lifecycle spans process uptime.
//
// Thread Safety: safe for concurrent use.
type BreakerRegistry struct {
	mu       sync.Mutex
	config   BreakerConfig
	observer StateObserver
	breakers map[string]*Breaker
}

// NewBreakerRegistry creates a registry applying config to every breaker it
// mints. observer may be nil.
func NewBreakerRegistry(config BreakerConfig, observer StateObserver) *BreakerRegistry {
	return &BreakerRegistry{
		config:   config,
		observer: observer,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for the named service, creating it closed on
// first use.
func (r *BreakerRegistry) For(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[service]; ok {
		return b
	}
	b := NewBreaker(service, r.config)
	b.observer = r.observer
	r.breakers[service] = b
	return b
}

// Do invokes fn under the named service's breaker.
func (r *BreakerRegistry) Do(ctx context.Context, service string, fn func(context.Context) error) error {
	return r.For(service).Do(ctx, fn)
}

// States returns a snapshot of every known breaker's state.
func (r *BreakerRegistry) States() map[string]BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]BreakerState, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/LifelineLocal/services/crisis/datatypes"
)

// fakeClock lets tests advance the breaker's cooldown without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestBreaker(clock *fakeClock) *Breaker {
	b := NewBreaker("downstream", DefaultBreakerConfig())
	b.now = clock.Now
	return b
}

var errDownstream = errors.New("downstream boom")

func failing(context.Context) error { return errDownstream }
func succeeding(context.Context) error { return nil }

func TestBreaker_OpensAfterFiveConsecutiveFailures(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if b.State() != StateClosed {
			t.Fatalf("expected closed before threshold, got %v at failure %d", b.State(), i)
		}
		if err := b.Do(ctx, failing); !errors.Is(err, errDownstream) {
			t.Fatalf("expected downstream error, got %v", err)
		}
	}

	if b.State() != StateOpen {
		t.Fatalf("expected open after 5 failures, got %v", b.State())
	}
}

func TestBreaker_OpenRejectsFastWithoutInvoking(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Do(ctx, failing)
	}

	invoked := false
	start := time.Now()
	err := b.Do(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	elapsed := time.Since(start)

	if !errors.Is(err, datatypes.ErrServiceUnavailable) {
		t.Errorf("expected ErrServiceUnavailable, got %v", err)
	}
	if invoked {
		t.Error("downstream must not be invoked while open")
	}
	if elapsed > time.Millisecond {
		t.Errorf("open rejection took %v, want <1ms", elapsed)
	}
}

func TestBreaker_HalfOpensAfterCooldown(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Do(ctx, failing)
	}

	// Just short of the cooldown: still rejecting.
	clock.Advance(59 * time.Second)
	if err := b.Do(ctx, succeeding); !errors.Is(err, datatypes.ErrServiceUnavailable) {
		t.Fatalf("expected rejection before cooldown, got %v", err)
	}

	// Past the cooldown: the probe goes through.
	clock.Advance(2 * time.Second)
	if err := b.Do(ctx, succeeding); err != nil {
		t.Fatalf("expected probe to pass after cooldown, got %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Errorf("expected half-open after probe, got %v", b.State())
	}
}

func TestBreaker_ClosesAfterThreeHalfOpenSuccesses(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Do(ctx, failing)
	}
	clock.Advance(61 * time.Second)

	for i := 0; i < 3; i++ {
		if err := b.Do(ctx, succeeding); err != nil {
			t.Fatalf("half-open success %d rejected: %v", i, err)
		}
	}

	if b.State() != StateClosed {
		t.Errorf("expected closed after 3 half-open successes, got %v", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Do(ctx, failing)
	}
	clock.Advance(61 * time.Second)

	_ = b.Do(ctx, succeeding)
	_ = b.Do(ctx, failing)

	if b.State() != StateOpen {
		t.Errorf("expected reopened after half-open failure, got %v", b.State())
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = b.Do(ctx, failing)
	}
	_ = b.Do(ctx, succeeding)
	for i := 0; i < 4; i++ {
		_ = b.Do(ctx, failing)
	}

	if b.State() != StateClosed {
		t.Errorf("expected closed (failure count reset by success), got %v", b.State())
	}
}

func TestBreakerRegistry_IsolatesServices(t *testing.T) {
	clock := newFakeClock()
	reg := NewBreakerRegistry(DefaultBreakerConfig(), nil)
	reg.For("hotline").now = clock.Now
	reg.For("supervisor").now = clock.Now
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = reg.Do(ctx, "hotline", failing)
	}

	if got := reg.For("hotline").State(); got != StateOpen {
		t.Errorf("hotline breaker should be open, got %v", got)
	}
	if got := reg.For("supervisor").State(); got != StateClosed {
		t.Errorf("supervisor breaker should be unaffected, got %v", got)
	}

	states := reg.States()
	if len(states) != 2 {
		t.Errorf("expected 2 tracked services, got %d", len(states))
	}
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(fail bool) {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				if fail {
					_ = b.Do(ctx, failing)
				} else {
					_ = b.Do(ctx, succeeding)
				}
			}
		}(i%2 == 0)
	}
	wg.Wait()
	// No race, no panic - final state depends on interleaving.
}

func TestBreakerState_String(t *testing.T) {
	tests := []struct {
		state    BreakerState
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{BreakerState(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("BreakerState(%d).String() = %q, want %q", tt.state, got, tt.expected)
		}
	}
}

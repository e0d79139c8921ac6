// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package failover

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/LifelineLocal/services/crisis/datatypes"
)

type fakeLink struct {
	mu      sync.Mutex
	pingErr error
	closed  bool
}

func (l *fakeLink) Ping(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pingErr
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

// fakeDialer scripts dial outcomes per endpoint.
type fakeDialer struct {
	mu    sync.Mutex
	fail  map[string]int // remaining failures per endpoint
	dials []string
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string) (Link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, endpoint)
	if n := d.fail[endpoint]; n != 0 {
		if n > 0 {
			d.fail[endpoint] = n - 1
		}
		return nil, errors.New("connection refused")
	}
	return &fakeLink{}, nil
}

type eventSink struct {
	mu     sync.Mutex
	events []datatypes.Event
}

func (s *eventSink) Publish(evt datatypes.Event) {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
}

func (s *eventSink) count(t datatypes.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func testConfig() Config {
	return Config{
		PrimaryEndpoint:      "ws://primary",
		SecondaryEndpoint:    "ws://secondary",
		EstablishBudget:      time.Second,
		AttemptTimeout:       100 * time.Millisecond,
		ReconnectInterval:    10 * time.Millisecond,
		MaxReconnectAttempts: 3,
		HeartbeatInterval:    20 * time.Millisecond,
	}
}

func TestEstablishUsesPrimary(t *testing.T) {
	dialer := &fakeDialer{}
	sink := &eventSink{}
	m := NewManager(testConfig(), dialer, sink, datatypes.NewConnectionID())

	link, metrics, err := m.Establish(context.Background())
	if err != nil {
		t.Fatalf("Establish returned error: %v", err)
	}
	defer link.Close()

	if metrics.Endpoint != "ws://primary" {
		t.Fatalf("endpoint = %s, want primary", metrics.Endpoint)
	}
	if metrics.FellOver {
		t.Fatal("primary success must not be marked as failover")
	}
	if sink.count(datatypes.EventConnected) != 1 {
		t.Fatal("expected one CONNECTED event")
	}
}

func TestEstablishFallsOverToSecondary(t *testing.T) {
	dialer := &fakeDialer{fail: map[string]int{"ws://primary": -1}}
	m := NewManager(testConfig(), dialer, nil, datatypes.NewConnectionID())

	start := time.Now()
	link, metrics, err := m.Establish(context.Background())
	if err != nil {
		t.Fatalf("Establish returned error: %v", err)
	}
	defer link.Close()

	if metrics.Endpoint != "ws://secondary" {
		t.Fatalf("endpoint = %s, want secondary", metrics.Endpoint)
	}
	if !metrics.FellOver {
		t.Fatal("fall-over not recorded")
	}
	if metrics.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", metrics.Attempts)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("failover took %v, budget is 5s", elapsed)
	}
}

func TestEstablishBothEndpointsDown(t *testing.T) {
	dialer := &fakeDialer{fail: map[string]int{"ws://primary": -1, "ws://secondary": -1}}
	m := NewManager(testConfig(), dialer, nil, datatypes.NewConnectionID())

	_, metrics, err := m.Establish(context.Background())
	if !errors.Is(err, datatypes.ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
	if metrics.LastError == "" {
		t.Fatal("last dial error not recorded")
	}
}

func TestSuperviseReconnectsAfterFailedHeartbeat(t *testing.T) {
	dialer := &fakeDialer{}
	sink := &eventSink{}
	m := NewManager(testConfig(), dialer, sink, datatypes.NewConnectionID())

	dead := &fakeLink{pingErr: errors.New("broken pipe")}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := m.Supervise(ctx, dead)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded after successful reconnect, got %v", err)
	}
	if sink.count(datatypes.EventDisconnected) == 0 {
		t.Fatal("no DISCONNECTED event published")
	}
	if sink.count(datatypes.EventReconnecting) == 0 {
		t.Fatal("no RECONNECTING event published")
	}
	if sink.count(datatypes.EventConnected) == 0 {
		t.Fatal("no CONNECTED event after reconnect")
	}
}

func TestSuperviseExhaustsReconnectBudget(t *testing.T) {
	dialer := &fakeDialer{fail: map[string]int{"ws://primary": -1, "ws://secondary": -1}}
	sink := &eventSink{}
	m := NewManager(testConfig(), dialer, sink, datatypes.NewConnectionID())

	dead := &fakeLink{pingErr: errors.New("broken pipe")}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := m.Supervise(ctx, dead)
	if !errors.Is(err, datatypes.ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
	if got := sink.count(datatypes.EventReconnecting); got != 3 {
		t.Fatalf("RECONNECTING events = %d, want 3", got)
	}
}

// flakyProber fails a fixed fraction of connects and deliveries.
type flakyProber struct {
	connectFailEvery int
	deliverFailEvery int
	connects         atomic64
	delivers         atomic64
}

type atomic64 struct {
	mu sync.Mutex
	n  int
}

func (a *atomic64) next() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n++
	return a.n
}

func (p *flakyProber) Connect(ctx context.Context) error {
	if p.connectFailEvery > 0 && p.connects.next()%p.connectFailEvery == 0 {
		return errors.New("handshake failed")
	}
	return nil
}

func (p *flakyProber) Deliver(ctx context.Context) error {
	if p.deliverFailEvery > 0 && p.delivers.next()%p.deliverFailEvery == 0 {
		return errors.New("delivery failed")
	}
	return nil
}

func TestValidateLoadHealthy(t *testing.T) {
	report := ValidateLoad(context.Background(), &flakyProber{}, LoadSpec{
		Sessions:           1000,
		MessagesPerSession: 3,
		Concurrency:        100,
	})
	if report.Verdict != VerdictHealthy {
		t.Fatalf("verdict = %s, want HEALTHY (connect %.3f, delivery %.3f)",
			report.Verdict, report.ConnectRate, report.DeliveryRate)
	}
	if report.Connected != 1000 {
		t.Fatalf("connected = %d, want 1000", report.Connected)
	}
}

func TestValidateLoadUnstable(t *testing.T) {
	// 1 in 30 deliveries fail: ~96.7%, under the 98% floor but above the
	// 95% failure floor.
	report := ValidateLoad(context.Background(), &flakyProber{deliverFailEvery: 30}, LoadSpec{
		Sessions:           200,
		MessagesPerSession: 5,
		Concurrency:        50,
	})
	if report.Verdict != VerdictUnstable {
		t.Fatalf("verdict = %s, want UNSTABLE (delivery %.3f)", report.Verdict, report.DeliveryRate)
	}
}

func TestValidateLoadFailed(t *testing.T) {
	// 1 in 4 connects fail: 75%, under the 90% failure floor.
	report := ValidateLoad(context.Background(), &flakyProber{connectFailEvery: 4}, LoadSpec{
		Sessions:           200,
		MessagesPerSession: 2,
		Concurrency:        50,
	})
	if report.Verdict != VerdictFailed {
		t.Fatalf("verdict = %s, want FAILED (connect %.3f)", report.Verdict, report.ConnectRate)
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/LifelineLocal/services/crisis/datatypes"
)

// fakeTransport scripts delivery outcomes and records delivered payloads
// in order.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	failNext  int
	delivered []datatypes.Message
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: true}
}

func (t *fakeTransport) Deliver(ctx context.Context, msg datatypes.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return errors.New("transport offline")
	}
	if t.failNext > 0 {
		t.failNext--
		return errors.New("ack timeout")
	}
	t.delivered = append(t.delivered, msg)
	return nil
}

func (t *fakeTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *fakeTransport) setConnected(v bool) {
	t.mu.Lock()
	t.connected = v
	t.mu.Unlock()
}

func (t *fakeTransport) setFailNext(n int) {
	t.mu.Lock()
	t.failNext = n
	t.mu.Unlock()
}

func (t *fakeTransport) payloads() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.delivered))
	for i, m := range t.delivered {
		out[i] = m.Payload
	}
	return out
}

func fastConfig() Config {
	return Config{
		AckTimeout:     50 * time.Millisecond,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		BackoffFactor:  2.0,
		MaxBackoff:     5 * time.Millisecond,
		Jitter:         0.2,
		QueueSize:      64,
	}
}

func TestSendDeliversAndReturnsSentReceipt(t *testing.T) {
	tr := newFakeTransport()
	q := NewQueue(datatypes.NewSessionID(), tr, fastConfig(), Options{})
	defer q.Drain(context.Background())

	receipt, err := q.Send(context.Background(), "hello", datatypes.SendOptions{
		Sender: datatypes.RolePerson,
	})
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if receipt.Status != datatypes.DeliverySent {
		t.Fatalf("status = %s, want SENT", receipt.Status)
	}
	if receipt.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", receipt.Attempts)
	}
}

func TestSendPreservesPerSessionOrder(t *testing.T) {
	tr := newFakeTransport()
	q := NewQueue(datatypes.NewSessionID(), tr, fastConfig(), Options{})
	defer q.Drain(context.Background())

	payloads := []string{"one", "two", "three", "four", "five"}
	for _, p := range payloads {
		if _, err := q.Send(context.Background(), p, datatypes.SendOptions{Sender: datatypes.RolePerson}); err != nil {
			t.Fatalf("Send(%q) returned error: %v", p, err)
		}
	}

	got := tr.payloads()
	if len(got) != len(payloads) {
		t.Fatalf("delivered %d messages, want %d", len(got), len(payloads))
	}
	for i := range payloads {
		if got[i] != payloads[i] {
			t.Fatalf("position %d = %q, want %q", i, got[i], payloads[i])
		}
	}
}

func TestSendRetriesTransientFailures(t *testing.T) {
	tr := newFakeTransport()
	tr.setFailNext(2)
	q := NewQueue(datatypes.NewSessionID(), tr, fastConfig(), Options{})
	defer q.Drain(context.Background())

	receipt, err := q.Send(context.Background(), "retry me", datatypes.SendOptions{Sender: datatypes.RoleVolunteer})
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if receipt.Status != datatypes.DeliverySent {
		t.Fatalf("status = %s, want SENT", receipt.Status)
	}
	if receipt.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", receipt.Attempts)
	}
}

func TestSendFailsAfterRetryBudget(t *testing.T) {
	tr := newFakeTransport()
	tr.setFailNext(10)
	q := NewQueue(datatypes.NewSessionID(), tr, fastConfig(), Options{})
	defer q.Drain(context.Background())

	receipt, err := q.Send(context.Background(), "doomed", datatypes.SendOptions{Sender: datatypes.RolePerson})
	if !errors.Is(err, datatypes.ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	if receipt.Status != datatypes.DeliveryFailed {
		t.Fatalf("status = %s, want FAILED", receipt.Status)
	}
	if receipt.Attempts != 4 {
		t.Fatalf("attempts = %d, want 4 (1 initial + 3 retries)", receipt.Attempts)
	}
}

func TestBestEffortNeverRetries(t *testing.T) {
	tr := newFakeTransport()
	tr.setFailNext(1)
	q := NewQueue(datatypes.NewSessionID(), tr, fastConfig(), Options{})
	defer q.Drain(context.Background())

	receipt, err := q.Send(context.Background(), "typing", datatypes.SendOptions{
		Sender:     datatypes.RolePerson,
		BestEffort: true,
	})
	if err != nil {
		t.Fatalf("best-effort failure must not surface an error, got %v", err)
	}
	if receipt.Status != datatypes.DeliveryFailed {
		t.Fatalf("status = %s, want FAILED", receipt.Status)
	}
	if receipt.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", receipt.Attempts)
	}
}

func TestOfflineSendReturnsQueuedReceipt(t *testing.T) {
	tr := newFakeTransport()
	tr.setConnected(false)
	q := NewQueue(datatypes.NewSessionID(), tr, fastConfig(), Options{})
	defer q.Drain(context.Background())

	receipt, err := q.Send(context.Background(), "while offline", datatypes.SendOptions{Sender: datatypes.RolePerson})
	if err != nil {
		t.Fatalf("offline Send returned error: %v", err)
	}
	if receipt.Status != datatypes.DeliveryQueued {
		t.Fatalf("status = %s, want QUEUED", receipt.Status)
	}
	if got := tr.payloads(); len(got) != 0 {
		t.Fatalf("offline transport delivered %d messages", len(got))
	}
}

func TestFlushReplaysOfflineQueueInOrder(t *testing.T) {
	tr := newFakeTransport()
	tr.setConnected(false)
	q := NewQueue(datatypes.NewSessionID(), tr, fastConfig(), Options{})
	defer q.Drain(context.Background())

	for _, p := range []string{"first", "second", "third"} {
		receipt, err := q.Send(context.Background(), p, datatypes.SendOptions{Sender: datatypes.RolePerson})
		if err != nil {
			t.Fatalf("Send(%q) returned error: %v", p, err)
		}
		if receipt.Status != datatypes.DeliveryQueued {
			t.Fatalf("Send(%q) status = %s, want QUEUED", p, receipt.Status)
		}
	}

	tr.setConnected(true)
	q.Flush()

	// New traffic after reconnect must land behind the backlog.
	if _, err := q.Send(context.Background(), "fourth", datatypes.SendOptions{Sender: datatypes.RolePerson}); err != nil {
		t.Fatalf("post-reconnect Send returned error: %v", err)
	}

	want := []string{"first", "second", "third", "fourth"}
	got := tr.payloads()
	if len(got) != len(want) {
		t.Fatalf("delivered %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestOfflineDropsBestEffort(t *testing.T) {
	tr := newFakeTransport()
	tr.setConnected(false)
	q := NewQueue(datatypes.NewSessionID(), tr, fastConfig(), Options{})
	defer q.Drain(context.Background())

	receipt, err := q.Send(context.Background(), "typing", datatypes.SendOptions{
		Sender:     datatypes.RolePerson,
		BestEffort: true,
	})
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if receipt.Status != datatypes.DeliveryFailed {
		t.Fatalf("status = %s, want FAILED (dropped)", receipt.Status)
	}
}

type denyLimiter struct{}

func (denyLimiter) Allow(datatypes.ConnectionID, int, datatypes.MessagePriority) error {
	return datatypes.ErrRateLimited
}

func TestSendRejectedByLimiter(t *testing.T) {
	tr := newFakeTransport()
	q := NewQueue(datatypes.NewSessionID(), tr, fastConfig(), Options{Limiter: denyLimiter{}})
	defer q.Drain(context.Background())

	_, err := q.Send(context.Background(), "spam", datatypes.SendOptions{Sender: datatypes.RolePerson})
	if !errors.Is(err, datatypes.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if got := tr.payloads(); len(got) != 0 {
		t.Fatalf("rate-limited message was delivered")
	}
}

type recordingHistory struct {
	mu   sync.Mutex
	msgs []datatypes.Message
}

func (h *recordingHistory) AppendHistory(_ datatypes.SessionID, msg datatypes.Message) {
	h.mu.Lock()
	h.msgs = append(h.msgs, msg)
	h.mu.Unlock()
}

func (h *recordingHistory) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

func TestDeliveredMessagesReachHistory(t *testing.T) {
	tr := newFakeTransport()
	hist := &recordingHistory{}
	q := NewQueue(datatypes.NewSessionID(), tr, fastConfig(), Options{History: hist})

	for i := 0; i < 3; i++ {
		if _, err := q.Send(context.Background(), "msg", datatypes.SendOptions{Sender: datatypes.RolePerson}); err != nil {
			t.Fatalf("Send returned error: %v", err)
		}
	}
	if err := q.Drain(context.Background()); err != nil {
		t.Fatalf("Drain returned error: %v", err)
	}
	if hist.count() != 3 {
		t.Fatalf("history has %d messages, want 3", hist.count())
	}
}

func TestSendAfterDrainReturnsSessionEnded(t *testing.T) {
	tr := newFakeTransport()
	q := NewQueue(datatypes.NewSessionID(), tr, fastConfig(), Options{})
	if err := q.Drain(context.Background()); err != nil {
		t.Fatalf("Drain returned error: %v", err)
	}

	_, err := q.Send(context.Background(), "late", datatypes.SendOptions{Sender: datatypes.RolePerson})
	if !errors.Is(err, datatypes.ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
}

func TestPipelineAttachDetach(t *testing.T) {
	pl := NewPipeline(fastConfig(), Options{})
	sessionID := datatypes.NewSessionID()
	tr := newFakeTransport()

	q := pl.Attach(sessionID, tr)
	if q == nil {
		t.Fatal("Attach returned nil queue")
	}
	if pl.Attach(sessionID, tr) != q {
		t.Fatal("second Attach must return the same queue")
	}
	if pl.Get(sessionID) != q {
		t.Fatal("Get must return the attached queue")
	}

	if err := pl.Detach(context.Background(), sessionID); err != nil {
		t.Fatalf("Detach returned error: %v", err)
	}
	if pl.Get(sessionID) != nil {
		t.Fatal("queue still present after Detach")
	}
}

func TestConcurrentSendersSingleSession(t *testing.T) {
	tr := newFakeTransport()
	q := NewQueue(datatypes.NewSessionID(), tr, fastConfig(), Options{})

	var wg sync.WaitGroup
	const n = 50
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.Send(context.Background(), "concurrent", datatypes.SendOptions{Sender: datatypes.RolePerson}); err != nil {
				t.Errorf("Send returned error: %v", err)
			}
		}()
	}
	wg.Wait()
	if err := q.Drain(context.Background()); err != nil {
		t.Fatalf("Drain returned error: %v", err)
	}
	if got := len(tr.payloads()); got != n {
		t.Fatalf("delivered %d messages, want %d", got, n)
	}
}

func TestDeliveryLatencySample(t *testing.T) {
	tr := newFakeTransport()
	q := NewQueue(datatypes.NewSessionID(), tr, fastConfig(), Options{})
	defer q.Drain(context.Background())

	const messages = 200
	within := 0
	for i := 0; i < messages; i++ {
		receipt, err := q.Send(context.Background(), "check-in", datatypes.SendOptions{Sender: datatypes.RolePerson})
		if err != nil {
			t.Fatalf("Send returned error: %v", err)
		}
		if receipt.Status != datatypes.DeliverySent {
			t.Fatalf("status = %s, want SENT", receipt.Status)
		}
		if receipt.Latency < 100*time.Millisecond {
			within++
		}
	}
	// 98th percentile budget, with slack for a loaded CI host.
	if min := messages * 98 / 100; within < min {
		t.Fatalf("%d of %d deliveries inside the latency budget, want >= %d", within, messages, min)
	}
}

func TestBurstDeliverySuccessRate(t *testing.T) {
	tr := newFakeTransport()
	q := NewQueue(datatypes.NewSessionID(), tr, fastConfig(), Options{})

	const burst = 500
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		sent int
	)
	for i := 0; i < burst; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			receipt, err := q.Send(context.Background(), "burst", datatypes.SendOptions{Sender: datatypes.RolePerson})
			if err != nil || receipt.Status != datatypes.DeliverySent {
				return
			}
			mu.Lock()
			sent++
			mu.Unlock()
		}()
	}
	wg.Wait()
	if err := q.Drain(context.Background()); err != nil {
		t.Fatalf("Drain returned error: %v", err)
	}

	// 99.5% of a 500-message burst must land.
	if min := burst - burst/200; sent < min {
		t.Fatalf("%d of %d burst messages delivered, want >= %d", sent, burst, min)
	}
}

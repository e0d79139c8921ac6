// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/LifelineLocal/services/crisis/datatypes"
)

func TestBus_PublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub1 := bus.Subscribe(4)
	sub2 := bus.Subscribe(4)

	bus.Publish(datatypes.Event{Type: datatypes.EventSessionStarted})

	for i, sub := range []*Subscription{sub1, sub2} {
		select {
		case evt := <-sub.C:
			if evt.Type != datatypes.EventSessionStarted {
				t.Errorf("subscriber %d: got %v, want SESSION_STARTED", i, evt.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: no event received", i)
		}
	}
}

func TestBus_CancelStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(1)
	sub.Cancel()
	sub.Cancel() // idempotent

	if n := bus.SubscriberCount(); n != 0 {
		t.Errorf("expected 0 subscribers after cancel, got %d", n)
	}

	// Channel must be closed.
	if _, ok := <-sub.C; ok {
		t.Error("expected closed channel after cancel")
	}

	// Publishing after cancel must not panic.
	bus.Publish(datatypes.Event{Type: datatypes.EventMessageReceived})
}

func TestBus_BestEffortDroppedWhenFull(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(1)

	// Fill the buffer with a critical event.
	bus.Publish(datatypes.Event{Type: datatypes.EventSessionStarted})

	// Best-effort events must not block even though the buffer is full.
	done := make(chan struct{})
	go func() {
		bus.Publish(datatypes.Event{Type: datatypes.EventQueueUpdate, Position: 3})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("best-effort publish blocked on a full subscriber")
	}

	// Only the critical event should be in the buffer.
	evt := <-sub.C
	if evt.Type != datatypes.EventSessionStarted {
		t.Errorf("got %v, want SESSION_STARTED", evt.Type)
	}
}

func TestBus_PublishOrderPreserved(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(64)

	for i := 0; i < 20; i++ {
		bus.Publish(datatypes.Event{
			Type:    datatypes.EventMessageReceived,
			Message: &datatypes.Message{RetryCount: i},
		})
	}

	for i := 0; i < 20; i++ {
		evt := <-sub.C
		if evt.Message.RetryCount != i {
			t.Fatalf("event %d observed out of order (got %d)", i, evt.Message.RetryCount)
		}
	}
}

func TestBus_ConcurrentPublishAndSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := bus.Subscribe(128)
			for j := 0; j < 50; j++ {
				bus.Publish(datatypes.Event{Type: datatypes.EventQueueUpdate})
			}
			sub.Cancel()
		}()
	}
	wg.Wait()
	// No panics, no deadlock - that's the test.
}

func TestBus_CancelUnblocksPendingPublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(1)
	// Fill the buffer so the next safety-critical publish blocks.
	bus.Publish(datatypes.Event{Type: datatypes.EventMessageReceived})

	published := make(chan struct{})
	go func() {
		bus.Publish(datatypes.Event{Type: datatypes.EventMessageReceived})
		close(published)
	}()

	// Give the publisher time to park on the full channel, then cancel
	// out from under it.
	time.Sleep(20 * time.Millisecond)
	sub.Cancel()

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publish still blocked after subscription cancel")
	}
}

func TestBus_CancelRacingBlockingPublish(t *testing.T) {
	// Cancelling while publishers are mid-fan-out must never panic on a
	// closed channel.
	for i := 0; i < 50; i++ {
		bus := NewBus()
		sub := bus.Subscribe(1)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				bus.Publish(datatypes.Event{Type: datatypes.EventMessageReceived})
			}
		}()
		go func() {
			defer wg.Done()
			sub.Cancel()
		}()
		wg.Wait()
		bus.Close()
	}
}

func TestBus_CloseUnblocksPendingPublish(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	_ = sub

	bus.Publish(datatypes.Event{Type: datatypes.EventMessageReceived})

	published := make(chan struct{})
	go func() {
		bus.Publish(datatypes.Event{Type: datatypes.EventMessageReceived})
		close(published)
	}()

	time.Sleep(20 * time.Millisecond)
	bus.Close()

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publish still blocked after bus close")
	}
}

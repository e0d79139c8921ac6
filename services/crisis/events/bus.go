// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events provides the typed publish/subscribe bus for the crisis
// service event stream.
//
// # Description
//
// The bus replaces ad hoc callback registration with explicit channel-based
// subscriptions carrying tagged union event variants. Delivery is
// at-least-once for safety-critical event kinds: Publish blocks until every
// subscriber has accepted the event. Best-effort kinds (queue position,
// reconnect progress) are dropped for subscribers whose buffers are full
// rather than stalling the publisher.
//
// # Thread Safety
//
// All methods are safe for concurrent use. A subscription may be cancelled
// while a publish is blocked on it; the pending send aborts instead of
// panicking, because the event channel is only ever closed after the
// subscription is unreachable to publishers.
package events

import (
	"log/slog"
	"sync"

	"github.com/AleutianAI/LifelineLocal/services/crisis/datatypes"
)

// Subscription is a live event stream. Cancel releases it; after Cancel
// returns no further events are delivered and C is closed.
type Subscription struct {
	// C receives published events in publish order.
	C <-chan datatypes.Event

	cancel func()
	once   sync.Once
}

// Cancel detaches the subscription from the bus and closes C. Safe to call
// more than once.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// subscriber pairs the event channel with a done signal. done lets a
// blocked publisher abandon the send the moment the subscription is
// cancelled, without the channel ever being closed under a sender.
type subscriber struct {
	ch   chan datatypes.Event
	done chan struct{}
	stop sync.Once
}

// signalDone releases any publisher parked on this subscriber. Both
// Cancel and Bus.Close reach here, so the close is once-guarded.
func (s *subscriber) signalDone() {
	s.stop.Do(func() { close(s.done) })
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscriber

	done      chan struct{}
	closeOnce sync.Once
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[int]*subscriber),
		done: make(chan struct{}),
	}
}

// Subscribe registers a new subscriber with the given channel buffer.
// A buffer of 0 is promoted to 1 so best-effort drops have somewhere to
// land.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{
		ch:   make(chan datatypes.Event, buffer),
		done: make(chan struct{}),
	}
	b.subs[id] = sub

	return &Subscription{
		C: sub.ch,
		cancel: func() {
			// Unblock any publisher parked on this subscriber before
			// taking the lock an in-flight fan-out may be waiting behind.
			sub.signalDone()
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				// The write lock excludes in-flight fan-outs and later
				// ones will not find sub in the map, so nothing can be
				// sending here.
				close(sub.ch)
			}
		},
	}
}

// Publish delivers evt to every current subscriber.
//
// Safety-critical kinds block until accepted, guaranteeing at-least-once
// delivery to every live subscriber; a subscriber cancelled mid-publish
// forfeits the event. Best-effort kinds are dropped for full subscribers;
// the drop is logged at debug level only.
func (b *Bus) Publish(evt datatypes.Event) {
	// The read lock is held across the whole fan-out so a concurrent
	// Cancel or Close, which closes channels under the write lock, can
	// never close one a send is parked on. Cancellation signals via the
	// done channels, which need no lock, so blocked sends still unwind.
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	for _, sub := range b.subs {
		if evt.BestEffort() {
			select {
			case sub.ch <- evt:
			case <-sub.done:
			default:
				slog.Debug("dropped best-effort event for slow subscriber",
					"type", evt.Type)
			}
			continue
		}
		// Blocking send; the subscriber contract is to drain promptly.
		select {
		case sub.ch <- evt:
		case <-sub.done:
		case <-b.done:
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close cancels all subscriptions. Publish becomes a no-op. Safe to call
// more than once.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		// Release publishers blocked on slow subscribers first, then
		// tear the map down under the write lock.
		close(b.done)
		b.mu.Lock()
		defer b.mu.Unlock()
		for id, sub := range b.subs {
			delete(b.subs, id)
			sub.signalDone()
			close(sub.ch)
		}
	})
}

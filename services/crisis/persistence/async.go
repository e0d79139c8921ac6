// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package persistence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/LifelineLocal/services/crisis/datatypes"
)

func marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

// writeOp is one queued persistence operation.
type writeOp func(ctx context.Context, store Store) error

// AsyncWriter decouples the delivery latency path from persistence. The
// pipeline enqueues records; a single background goroutine applies them in
// order against the underlying store.
//
// Enqueue never blocks the caller: if the queue is full the record is
// written from its own goroutine instead, trading write ordering for
// latency (records carry their own timestamps, so read-side ordering is
// unaffected).
type AsyncWriter struct {
	store Store
	ops   chan writeOp

	wg sync.WaitGroup

	// mu makes the closed check and the channel send atomic against
	// Close, which closes ops under the same lock.
	mu     sync.Mutex
	closed bool
}

// NewAsyncWriter starts the background writer. queueSize <= 0 defaults
// to 1024.
func NewAsyncWriter(store Store, queueSize int) *AsyncWriter {
	if queueSize <= 0 {
		queueSize = 1024
	}
	w := &AsyncWriter{
		store: store,
		ops:   make(chan writeOp, queueSize),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *AsyncWriter) loop() {
	defer w.wg.Done()
	for op := range w.ops {
		w.apply(op)
	}
}

func (w *AsyncWriter) apply(op writeOp) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := op(ctx, w.store); err != nil {
		slog.Warn("async persistence write failed", "error", err)
	}
}

// enqueue hands the op to the background loop, spilling to a fresh
// goroutine when the queue is full. Writes racing Close are dropped,
// never panicked on.
func (w *AsyncWriter) enqueue(op writeOp) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.ops <- op:
	default:
		slog.Warn("async persistence queue full, spilling write")
		go w.apply(op)
	}
}

// SaveMessage queues a message write.
func (w *AsyncWriter) SaveMessage(msg datatypes.Message) {
	w.enqueue(func(ctx context.Context, store Store) error {
		return store.SaveMessage(ctx, msg)
	})
}

// SaveSession queues a session record write.
func (w *AsyncWriter) SaveSession(sess datatypes.CrisisSession) {
	w.enqueue(func(ctx context.Context, store Store) error {
		return store.SaveSession(ctx, sess)
	})
}

// Close drains queued writes and stops the writer. Safe to call more
// than once.
func (w *AsyncWriter) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.ops)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

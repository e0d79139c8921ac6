// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package delivery implements the per-session message pipeline: FIFO
// ordering, acknowledgment tracking, bounded retry with exponential
// backoff, and an offline queue replayed in order on reconnection.
//
// # Description
//
// Each crisis session owns one Queue with a single worker goroutine, so
// per-session ordering holds without cross-message locking. Messages are
// submitted through Send, which blocks until a terminal receipt (SENT or
// FAILED) or an offline QUEUED receipt is produced.
//
// # Thread Safety
//
// Queue and Pipeline are safe for concurrent use.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/AleutianAI/LifelineLocal/services/crisis/datatypes"
)

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// Transport delivers a message to the remote peer of a session.
type Transport interface {
	// Deliver writes the message to the peer's link. A nil return means
	// the write went out (SENT); the recipient's read acknowledgment
	// arrives later out of band. An error means this attempt failed;
	// the pipeline decides retry.
	Deliver(ctx context.Context, msg datatypes.Message) error

	// Connected reports whether the transport can currently deliver.
	Connected() bool
}

// Limiter enforces per-connection send ceilings. resilience.RateLimiter
// satisfies this.
type Limiter interface {
	Allow(connID datatypes.ConnectionID, bytes int, priority datatypes.MessagePriority) error
}

// Persister records messages off the hot path. persistence.AsyncWriter
// satisfies this.
type Persister interface {
	SaveMessage(msg datatypes.Message)
}

// HistoryAppender receives successfully delivered messages for the
// session transcript.
type HistoryAppender interface {
	AppendHistory(sessionID datatypes.SessionID, msg datatypes.Message)
}

// Publisher emits pipeline events. events.Bus satisfies this.
type Publisher interface {
	Publish(evt datatypes.Event)
}

// Metrics records delivery outcomes. observability.CrisisMetrics
// satisfies this.
type Metrics interface {
	RecordDelivery(priority, status string, seconds float64, retries int)
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds the pipeline tuning knobs.
type Config struct {
	// AckTimeout bounds a single delivery attempt. Default: 100ms.
	AckTimeout time.Duration

	// MaxRetries is the number of re-attempts after the first failure.
	// Default: 3. Best-effort messages never retry.
	MaxRetries int

	// InitialBackoff is the delay before the first retry. Default: 25ms.
	InitialBackoff time.Duration

	// BackoffFactor multiplies the delay per retry. Default: 2.0.
	BackoffFactor float64

	// MaxBackoff caps the retry delay. Default: 1s.
	MaxBackoff time.Duration

	// Jitter is the +/- fraction applied to each backoff delay to avoid
	// synchronized retry storms. Default: 0.2.
	Jitter float64

	// QueueSize bounds the per-session intake channel. Default: 256.
	QueueSize int
}

// applyConfigDefaults fills zero-valued fields with production defaults.
func applyConfigDefaults(config *Config) {
	if config.AckTimeout <= 0 {
		config.AckTimeout = 100 * time.Millisecond
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 25 * time.Millisecond
	}
	if config.BackoffFactor <= 1 {
		config.BackoffFactor = 2.0
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = time.Second
	}
	if config.Jitter <= 0 || config.Jitter >= 1 {
		config.Jitter = 0.2
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
}

// Options carries the optional collaborators; any field may be nil.
type Options struct {
	Limiter   Limiter
	Persister Persister
	History   HistoryAppender
	Events    Publisher
	Metrics   Metrics
}

// =============================================================================
// Queue
// =============================================================================

// pendingMsg pairs a message with its receipt channel. Exactly one receipt
// is produced per pending message.
type pendingMsg struct {
	msg      datatypes.Message
	done     chan datatypes.DeliveryReceipt
	accepted time.Time
	notified bool
}

// Queue is the per-session delivery pipeline. A single worker goroutine
// owns the intake channel and the offline buffer, which preserves FIFO
// order across online and offline phases without per-message locking.
type Queue struct {
	sessionID datatypes.SessionID
	transport Transport
	config    Config
	opts      Options

	in      chan *pendingMsg
	flushCh chan struct{}

	mu     sync.Mutex
	closed bool

	// offline is owned by the worker goroutine.
	offline []*pendingMsg

	wg   sync.WaitGroup
	rand *rand.Rand
}

// NewQueue creates the pipeline for one session and starts its worker.
func NewQueue(sessionID datatypes.SessionID, transport Transport, config Config, opts Options) *Queue {
	applyConfigDefaults(&config)
	q := &Queue{
		sessionID: sessionID,
		transport: transport,
		config:    config,
		opts:      opts,
		in:        make(chan *pendingMsg, config.QueueSize),
		flushCh:   make(chan struct{}, 1),
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	q.wg.Add(1)
	go q.worker()
	return q
}

// Send submits one message and blocks until a receipt is available.
//
// # Description
//
// The message is rate-checked against the sending connection, then
// enqueued FIFO behind earlier messages of the session. The returned
// receipt is terminal (SENT, FAILED) when the transport is online, or
// QUEUED when it is offline; QUEUED messages are replayed in order after
// Flush.
//
// # Inputs
//
//   - ctx: Cancels the wait, not the delivery; an enqueued message still
//     drains through the worker.
//   - payload: Message body.
//   - opts: Sender role, connection, priority flags.
//
// # Outputs
//
//   - datatypes.DeliveryReceipt: One receipt per accepted message.
//   - error: ErrRateLimited, ErrSessionEnded, ErrDeliveryFailed, or a
//     context error.
func (q *Queue) Send(ctx context.Context, payload string, opts datatypes.SendOptions) (datatypes.DeliveryReceipt, error) {
	priority := opts.Priority()
	if q.opts.Limiter != nil {
		if err := q.opts.Limiter.Allow(opts.ConnectionID, len(payload), priority); err != nil {
			return datatypes.DeliveryReceipt{}, err
		}
	}

	msg := datatypes.Message{
		ID:         datatypes.NewMessageID(),
		SessionID:  q.sessionID,
		Sender:     opts.Sender,
		Payload:    payload,
		Priority:   priority,
		Status:     datatypes.DeliveryQueued,
		BestEffort: opts.BestEffort,
		Encrypted:  opts.Encrypted,
		SentAt:     time.Now(),
	}

	p := &pendingMsg{
		msg:      msg,
		done:     make(chan datatypes.DeliveryReceipt, 1),
		accepted: time.Now(),
	}

	// The enqueue stays under the lock so Drain cannot close the channel
	// between the closed check and the send. The worker consumes without
	// the lock, so a full queue still drains underneath us.
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return datatypes.DeliveryReceipt{}, datatypes.ErrSessionEnded
	}
	select {
	case q.in <- p:
		q.mu.Unlock()
	default:
		if msg.BestEffort {
			q.mu.Unlock()
			// Droppable traffic never blocks on a full queue.
			return datatypes.DeliveryReceipt{
				MessageID: msg.ID,
				SessionID: q.sessionID,
				Status:    datatypes.DeliveryFailed,
				Priority:  priority,
			}, nil
		}
		select {
		case q.in <- p:
			q.mu.Unlock()
		case <-ctx.Done():
			q.mu.Unlock()
			return datatypes.DeliveryReceipt{}, ctx.Err()
		}
	}

	select {
	case receipt := <-p.done:
		if receipt.Status == datatypes.DeliveryFailed && !msg.BestEffort {
			return receipt, datatypes.ErrDeliveryFailed
		}
		return receipt, nil
	case <-ctx.Done():
		return datatypes.DeliveryReceipt{}, ctx.Err()
	}
}

// Flush wakes the worker to replay the offline queue. Call after the
// transport reconnects. Replayed messages keep their original order and
// precede anything submitted afterwards.
func (q *Queue) Flush() {
	select {
	case q.flushCh <- struct{}{}:
	default:
	}
}

// Drain stops intake and waits for the worker to finish the queued
// backlog. Messages still offline at drain time receive FAILED receipts;
// they were already persisted as QUEUED for the session record.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.in)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// Worker
// =============================================================================

func (q *Queue) worker() {
	defer q.wg.Done()

	for {
		select {
		case <-q.flushCh:
			q.replayOffline()
		case p, ok := <-q.in:
			if !ok {
				q.shutdown()
				return
			}
			q.process(p)
		}
	}
}

// process handles one pending message in FIFO position. An offline
// transport parks retryable messages in the offline buffer after emitting
// a QUEUED receipt; best-effort messages are dropped.
func (q *Queue) process(p *pendingMsg) {
	// Earlier offline messages must go first.
	if len(q.offline) > 0 && q.transport.Connected() {
		q.replayOffline()
	}

	if !q.transport.Connected() {
		if p.msg.BestEffort {
			q.finish(p, datatypes.DeliveryFailed, 0, "transport offline")
			return
		}
		q.park(p)
		return
	}

	q.attemptChain(p)
}

// attemptChain runs the delivery attempts for one message while the
// transport is up. A disconnect observed mid-chain parks the message
// instead of burning the retry budget against a dead link.
func (q *Queue) attemptChain(p *pendingMsg) {
	attempts := p.msg.RetryCount
	maxAttempts := q.config.MaxRetries + 1
	if p.msg.BestEffort {
		maxAttempts = 1
	}

	var lastErr error
	for attempts < maxAttempts {
		ctx, cancel := context.WithTimeout(context.Background(), q.config.AckTimeout)
		err := q.transport.Deliver(ctx, p.msg)
		cancel()
		attempts++
		p.msg.RetryCount = attempts

		if err == nil {
			q.finish(p, datatypes.DeliverySent, attempts, "")
			return
		}
		lastErr = err

		if !q.transport.Connected() {
			if p.msg.BestEffort {
				q.finish(p, datatypes.DeliveryFailed, attempts, "transport offline")
				return
			}
			q.park(p)
			return
		}

		if attempts < maxAttempts {
			time.Sleep(q.backoff(attempts))
		}
	}

	reason := "delivery failed"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	slog.Warn("message delivery exhausted retries",
		"session_id", q.sessionID,
		"message_id", p.msg.ID,
		"attempts", attempts,
		"error", reason,
	)
	q.finish(p, datatypes.DeliveryFailed, attempts, reason)
}

// park moves a message to the offline buffer and emits its QUEUED receipt
// exactly once.
func (q *Queue) park(p *pendingMsg) {
	q.offline = append(q.offline, p)
	if q.opts.Persister != nil {
		q.opts.Persister.SaveMessage(p.msg)
	}
	if !p.notified {
		p.notified = true
		p.done <- datatypes.DeliveryReceipt{
			MessageID: p.msg.ID,
			SessionID: q.sessionID,
			Status:    datatypes.DeliveryQueued,
			Priority:  p.msg.Priority,
			Attempts:  p.msg.RetryCount,
			Latency:   time.Since(p.accepted),
		}
	}
}

// replayOffline re-delivers the offline buffer in arrival order. Stops at
// the first message that has to be re-parked so order is preserved.
func (q *Queue) replayOffline() {
	if len(q.offline) == 0 {
		return
	}

	backlog := q.offline
	q.offline = nil
	for i, p := range backlog {
		if !q.transport.Connected() {
			q.offline = append(q.offline, backlog[i:]...)
			return
		}
		q.attemptChain(p)
		if len(q.offline) > 0 {
			// attemptChain re-parked it; keep the rest behind it.
			q.offline = append(q.offline, backlog[i+1:]...)
			return
		}
	}
}

// shutdown drains remaining intake and fails whatever is still offline.
func (q *Queue) shutdown() {
	for p := range q.in {
		q.process(p)
	}
	for _, p := range q.offline {
		q.finish(p, datatypes.DeliveryFailed, p.msg.RetryCount, "session ended before reconnect")
	}
	q.offline = nil
}

// finish stamps the terminal status, persists, publishes, and emits the
// receipt unless an offline QUEUED receipt already went out.
func (q *Queue) finish(p *pendingMsg, status datatypes.DeliveryStatus, attempts int, reason string) {
	p.msg.Status = status
	latency := time.Since(p.accepted)

	if q.opts.Persister != nil {
		q.opts.Persister.SaveMessage(p.msg)
	}
	if status == datatypes.DeliverySent {
		if q.opts.History != nil {
			q.opts.History.AppendHistory(q.sessionID, p.msg)
		}
		if q.opts.Events != nil {
			q.opts.Events.Publish(datatypes.Event{
				Type:      datatypes.EventMessageReceived,
				At:        time.Now(),
				SessionID: q.sessionID,
				Message:   &p.msg,
			})
		}
	}
	if q.opts.Metrics != nil {
		retries := attempts - 1
		if retries < 0 {
			retries = 0
		}
		q.opts.Metrics.RecordDelivery(p.msg.Priority.String(), string(status), latency.Seconds(), retries)
	}

	if !p.notified {
		p.notified = true
		p.done <- datatypes.DeliveryReceipt{
			MessageID: p.msg.ID,
			SessionID: q.sessionID,
			Status:    status,
			Priority:  p.msg.Priority,
			Attempts:  attempts,
			Latency:   latency,
			Error:     reason,
		}
	}
}

// backoff computes the jittered delay before retry attempt n (1-based
// count of attempts already made).
func (q *Queue) backoff(attempt int) time.Duration {
	d := float64(q.config.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= q.config.BackoffFactor
		if d >= float64(q.config.MaxBackoff) {
			d = float64(q.config.MaxBackoff)
			break
		}
	}
	// Spread by +/- Jitter.
	spread := 1 + q.config.Jitter*(2*q.rand.Float64()-1)
	return time.Duration(d * spread)
}

// =============================================================================
// Pipeline
// =============================================================================

// Pipeline owns the per-session queues.
type Pipeline struct {
	config Config
	opts   Options

	mu     sync.Mutex
	queues map[datatypes.SessionID]*Queue
}

// NewPipeline creates the pipeline manager.
func NewPipeline(config Config, opts Options) *Pipeline {
	applyConfigDefaults(&config)
	return &Pipeline{
		config: config,
		opts:   opts,
		queues: make(map[datatypes.SessionID]*Queue),
	}
}

// BindHistory sets the transcript sink after construction. The session
// manager both drains queues and owns transcripts, so one of the two
// references has to land late; call this before the first Attach.
func (pl *Pipeline) BindHistory(h HistoryAppender) {
	pl.mu.Lock()
	pl.opts.History = h
	pl.mu.Unlock()
}

// Attach creates (or returns) the queue for a session bound to the given
// transport.
func (pl *Pipeline) Attach(sessionID datatypes.SessionID, transport Transport) *Queue {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if q, ok := pl.queues[sessionID]; ok {
		return q
	}
	q := NewQueue(sessionID, transport, pl.config, pl.opts)
	pl.queues[sessionID] = q
	return q
}

// Get returns the session's queue, or nil when none is attached.
func (pl *Pipeline) Get(sessionID datatypes.SessionID) *Queue {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.queues[sessionID]
}

// Detach drains and removes the session's queue.
func (pl *Pipeline) Detach(ctx context.Context, sessionID datatypes.SessionID) error {
	pl.mu.Lock()
	q := pl.queues[sessionID]
	delete(pl.queues, sessionID)
	pl.mu.Unlock()
	if q == nil {
		return nil
	}
	if err := q.Drain(ctx); err != nil {
		return errors.Join(datatypes.ErrDeliveryFailed, err)
	}
	return nil
}

// DrainAll drains every queue, for shutdown.
func (pl *Pipeline) DrainAll(ctx context.Context) error {
	pl.mu.Lock()
	queues := make([]*Queue, 0, len(pl.queues))
	for _, q := range pl.queues {
		queues = append(queues, q)
	}
	pl.queues = make(map[datatypes.SessionID]*Queue)
	pl.mu.Unlock()

	var errs []error
	for _, q := range queues {
		if err := q.Drain(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

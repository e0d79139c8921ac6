// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP and WebSocket surface of the
// crisis service.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/LifelineLocal/services/crisis/datatypes"
	"github.com/AleutianAI/LifelineLocal/services/crisis/delivery"
	"github.com/AleutianAI/LifelineLocal/services/crisis/events"
	"github.com/AleutianAI/LifelineLocal/services/crisis/observability"
	"github.com/AleutianAI/LifelineLocal/services/crisis/registry"
	"github.com/AleutianAI/LifelineLocal/services/crisis/resilience"
)

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// SessionService is the slice of the session manager the handlers use.
type SessionService interface {
	StartSession(ctx context.Context, personConn datatypes.ConnectionID, opts datatypes.StartOptions) (datatypes.CrisisSession, error)
	RequestVolunteer(ctx context.Context, sessionID datatypes.SessionID) (int, error)
	MatchVolunteer(ctx context.Context, sessionID datatypes.SessionID, volunteerConn datatypes.ConnectionID, volunteerID string) (datatypes.CrisisSession, error)
	UpdateSeverity(ctx context.Context, sessionID datatypes.SessionID, severity datatypes.Severity) (datatypes.CrisisSession, bool, error)
	EndSession(ctx context.Context, sessionID datatypes.SessionID, feedback datatypes.Feedback, resolved bool) (datatypes.SessionSummary, error)
	AcknowledgeMessage(sessionID datatypes.SessionID, messageID datatypes.MessageID) (datatypes.Message, error)
	Get(sessionID datatypes.SessionID) (datatypes.CrisisSession, error)
	Touch(sessionID datatypes.SessionID)
}

// EmergencyService triggers escalations. escalation.Escalator satisfies
// this.
type EmergencyService interface {
	TriggerEmergency(ctx context.Context, sessionID datatypes.SessionID, severity datatypes.Severity, reason string) (datatypes.EscalationEvent, error)
}

// HistoryLoader reads persisted transcripts. persistence.Store satisfies
// this.
type HistoryLoader interface {
	LoadSessionHistory(ctx context.Context, id datatypes.SessionID) ([]datatypes.Message, error)
}

// Core bundles the collaborators every handler needs.
type Core struct {
	Registry  *registry.Registry
	Sessions  SessionService
	Emergency EmergencyService
	Pipeline  *delivery.Pipeline
	Limiter   *resilience.RateLimiter
	Events    *events.Bus
	History   HistoryLoader
	Metrics   *observability.CrisisMetrics

	// transports maps live sessions to their routing transport, shared
	// between the person and volunteer sockets.
	transportsMu sync.Mutex
	transports   map[datatypes.SessionID]*sessionTransport
}

// transportFor returns (creating on first use) the session's transport.
func (core *Core) transportFor(sessionID datatypes.SessionID) *sessionTransport {
	core.transportsMu.Lock()
	defer core.transportsMu.Unlock()
	if core.transports == nil {
		core.transports = make(map[datatypes.SessionID]*sessionTransport)
	}
	t, ok := core.transports[sessionID]
	if !ok {
		t = &sessionTransport{}
		core.transports[sessionID] = t
	}
	return t
}

// dropTransport forgets an ended session's transport.
func (core *Core) dropTransport(sessionID datatypes.SessionID) {
	core.transportsMu.Lock()
	delete(core.transports, sessionID)
	core.transportsMu.Unlock()
}

// statusFor maps the service error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, datatypes.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, datatypes.ErrSessionActive),
		errors.Is(err, datatypes.ErrAlreadyConnected),
		errors.Is(err, datatypes.ErrSessionEnded):
		return http.StatusConflict
	case errors.Is(err, datatypes.ErrCapacityExceeded),
		errors.Is(err, datatypes.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, datatypes.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, datatypes.ErrHandshakeTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, datatypes.ErrAuthenticationRejected):
		return http.StatusUnauthorized
	case errors.Is(err, datatypes.ErrEscalationChannelUnreachable),
		errors.Is(err, datatypes.ErrDeliveryFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// WebSocket Plumbing
// =============================================================================

// wsWriteTimeout bounds one socket write; a stuck client must not wedge
// the delivery worker.
const wsWriteTimeout = 5 * time.Second

// wsConn wraps a websocket with a write lock (gorilla allows a single
// concurrent writer) and a liveness flag.
type wsConn struct {
	id datatypes.ConnectionID

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu   sync.Mutex
	live bool
}

func newWSConn(id datatypes.ConnectionID, conn *websocket.Conn) *wsConn {
	return &wsConn{id: id, conn: conn, live: true}
}

func (w *wsConn) writeJSON(v any) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := w.conn.WriteJSON(v); err != nil {
		w.markDead()
		return err
	}
	return nil
}

func (w *wsConn) alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.live
}

func (w *wsConn) markDead() {
	w.mu.Lock()
	w.live = false
	w.mu.Unlock()
}

// sessionTransport routes messages between the two participants of a
// session: a person's message is written to the volunteer's socket and
// vice versa. With no volunteer matched yet the transport reports
// offline, so the pipeline parks messages and replays them on match.
type sessionTransport struct {
	mu        sync.Mutex
	person    *wsConn
	volunteer *wsConn
}

var _ delivery.Transport = (*sessionTransport)(nil)

// wsServerFrame is the envelope for every server-to-client frame.
type wsServerFrame struct {
	Type    string                     `json:"type"`
	Event   *datatypes.Event           `json:"event,omitempty"`
	Message *datatypes.Message         `json:"message,omitempty"`
	Receipt *datatypes.DeliveryReceipt `json:"receipt,omitempty"`
	Error   string                     `json:"error,omitempty"`
}

// Deliver writes the message to the counterpart of its sender.
func (t *sessionTransport) Deliver(ctx context.Context, msg datatypes.Message) error {
	peer := t.peerFor(msg.Sender)
	if peer == nil || !peer.alive() {
		return datatypes.ErrDeliveryFailed
	}
	return peer.writeJSON(wsServerFrame{Type: "MESSAGE", Message: &msg})
}

// Connected reports whether the full conversation path is up: the person
// socket live, and the volunteer socket live once one is bound.
func (t *sessionTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.person == nil || !t.person.alive() {
		return false
	}
	return t.volunteer != nil && t.volunteer.alive()
}

func (t *sessionTransport) peerFor(sender datatypes.Role) *wsConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sender == datatypes.RolePerson {
		return t.volunteer
	}
	return t.person
}

func (t *sessionTransport) setPerson(c *wsConn) {
	t.mu.Lock()
	t.person = c
	t.mu.Unlock()
}

func (t *sessionTransport) setVolunteer(c *wsConn) {
	t.mu.Lock()
	t.volunteer = c
	t.mu.Unlock()
}

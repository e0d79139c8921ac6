// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/LifelineLocal/pkg/validation"
	"github.com/AleutianAI/LifelineLocal/services/crisis/datatypes"
	"github.com/AleutianAI/LifelineLocal/services/crisis/middleware"
	"github.com/AleutianAI/LifelineLocal/services/crisis/registry"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
}

// WSAction is one client-to-server frame.
type WSAction struct {
	Action      string `json:"action"`
	Payload     string `json:"payload,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
	Severity    int    `json:"severity,omitempty"`
	Emergency   bool   `json:"emergency,omitempty"`
	Reason      string `json:"reason,omitempty"`
	VolunteerID string `json:"volunteer_id,omitempty"`
	Anonymous   bool   `json:"anonymous,omitempty"`
	Resolved    bool   `json:"resolved,omitempty"`
	Rating      int    `json:"rating,omitempty"`
	Comment     string `json:"comment,omitempty"`
	Encrypted   bool   `json:"encrypted,omitempty"`
}

// connState is the per-socket mutable state shared between the read loop
// and the event write pump.
type connState struct {
	mu      sync.Mutex
	session datatypes.SessionID
}

func (s *connState) bind(id datatypes.SessionID) {
	s.mu.Lock()
	s.session = id
	s.mu.Unlock()
}

func (s *connState) bound() datatypes.SessionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// HandleCrisisWebSocket handles GET /v1/ws.
//
// # Description
//
// Upgrades the socket, admits the connection into the registry, and runs
// the action loop: messages, typing indicators, volunteer requests,
// severity updates, emergencies, session end. A write pump forwards the
// event stream scoped to this connection and its bound session.
func HandleCrisisWebSocket(core *Core) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := middleware.GetCallerInfo(c)
		if caller == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": datatypes.ErrAuthenticationRejected.Error()})
			return
		}

		admitStart := time.Now()
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("websocket upgrade failed", "error", err)
			return
		}
		defer ws.Close()

		connID, err := core.Registry.Admit(registry.ConnectionInfo{
			Identity: caller.Identity,
			Role:     caller.Role,
		})
		if err != nil {
			_ = ws.WriteJSON(wsServerFrame{Type: "ERROR", Error: err.Error()})
			return
		}
		if core.Metrics != nil {
			core.Metrics.RecordHandshake(time.Since(admitStart).Seconds())
		}

		wc := newWSConn(connID, ws)
		state := &connState{}
		sub := core.Events.Subscribe(64)

		defer func() {
			sub.Cancel()
			wc.markDead()
			core.Registry.Remove(connID)
			core.Limiter.RemoveConnection(connID)
			core.Events.Publish(datatypes.Event{
				Type:         datatypes.EventDisconnected,
				At:           time.Now(),
				ConnectionID: connID,
				SessionID:    state.bound(),
				Reason:       "socket closed",
			})
			slog.Info("websocket client disconnected",
				"connection_id", connID,
				"role", string(caller.Role),
			)
		}()

		// Event write pump: forwards the stream scoped to this socket.
		go func() {
			for evt := range sub.C {
				switch evt.Type {
				case datatypes.EventSessionStarted, datatypes.EventSessionMatched:
					// The acting socket got a direct confirmation before
					// it was bound to the session; skip its bus copy.
					if evt.ConnectionID == connID {
						continue
					}
				}
				if evt.ConnectionID != connID && (state.bound() == "" || evt.SessionID != state.bound()) {
					continue
				}
				if err := wc.writeJSON(wsServerFrame{Type: "EVENT", Event: &evt}); err != nil {
					return
				}
			}
		}()

		// The client needs its connection id before anything else.
		if err := wc.writeJSON(wsServerFrame{Type: "EVENT", Event: &datatypes.Event{
			Type:         datatypes.EventConnected,
			At:           time.Now(),
			ConnectionID: connID,
		}}); err != nil {
			return
		}
		slog.Info("websocket client connected",
			"connection_id", connID,
			"role", string(caller.Role),
		)

		for {
			var action WSAction
			if err := ws.ReadJSON(&action); err != nil {
				return
			}
			if !handleAction(c, core, caller, wc, state, action) {
				return
			}
		}
	}
}

// handleAction routes one client frame. Returns false when the socket
// should close.
func handleAction(c *gin.Context, core *Core, caller *middleware.CallerInfo, wc *wsConn, state *connState, action WSAction) bool {
	ctx := c.Request.Context()

	fail := func(err error) bool {
		return wc.writeJSON(wsServerFrame{Type: "ERROR", Error: err.Error()}) == nil
	}

	switch action.Action {
	case "start":
		sess, err := core.Sessions.StartSession(ctx, wc.id, datatypes.StartOptions{
			Severity:    datatypes.Severity(action.Severity),
			IsEmergency: action.Emergency,
			Anonymous:   action.Anonymous,
		})
		if err != nil {
			return fail(err)
		}
		tr := core.transportFor(sess.ID)
		tr.setPerson(wc)
		core.Pipeline.Attach(sess.ID, tr)
		state.bind(sess.ID)

		// The bus published SESSION_STARTED before this socket was bound
		// to the session; confirm directly.
		if wc.writeJSON(wsServerFrame{Type: "EVENT", Event: &datatypes.Event{
			Type:      datatypes.EventSessionStarted,
			At:        time.Now(),
			SessionID: sess.ID,
			Session:   &sess,
		}}) != nil {
			return false
		}
		if sess.IsEmergency {
			escalateAtIntake(ctx, core, sess)
		}
		return true

	case "match":
		volunteerID, err := validation.SanitizeIdentifier(action.VolunteerID)
		if err != nil {
			return fail(err)
		}
		sessionID := datatypes.SessionID(action.SessionID)
		sess, err := core.Sessions.MatchVolunteer(ctx, sessionID, wc.id, volunteerID)
		if err != nil {
			return fail(err)
		}
		tr := core.transportFor(sess.ID)
		tr.setVolunteer(wc)
		core.Pipeline.Attach(sess.ID, tr)
		state.bind(sess.ID)

		// Messages parked while the person waited go out now, in order.
		if q := core.Pipeline.Get(sess.ID); q != nil {
			q.Flush()
		}
		return wc.writeJSON(wsServerFrame{Type: "EVENT", Event: &datatypes.Event{
			Type:        datatypes.EventSessionMatched,
			At:          time.Now(),
			SessionID:   sess.ID,
			VolunteerID: sess.VolunteerID,
		}}) == nil

	case "message", "typing":
		sessionID := state.bound()
		if sessionID == "" {
			return fail(datatypes.ErrSessionNotFound)
		}
		q := core.Pipeline.Get(sessionID)
		if q == nil {
			return fail(datatypes.ErrSessionNotFound)
		}
		core.Sessions.Touch(sessionID)

		receipt, err := q.Send(ctx, action.Payload, datatypes.SendOptions{
			Sender:       caller.Role,
			ConnectionID: wc.id,
			IsEmergency:  action.Emergency,
			Encrypted:    action.Encrypted,
			BestEffort:   action.Action == "typing",
		})
		if err != nil {
			return fail(err)
		}
		if action.Action == "message" {
			if wc.writeJSON(wsServerFrame{Type: "RECEIPT", Receipt: &receipt}) != nil {
				return false
			}
			// A severity riding on a message is a live re-assessment and
			// escalates exactly like a standalone severity update.
			if action.Severity > 0 {
				if err := raiseSeverity(ctx, core, sessionID, datatypes.Severity(action.Severity)); err != nil {
					return fail(err)
				}
			}
		}

	case "request_volunteer":
		sessionID := state.bound()
		if sessionID == "" {
			return fail(datatypes.ErrSessionNotFound)
		}
		if _, err := core.Sessions.RequestVolunteer(ctx, sessionID); err != nil {
			return fail(err)
		}

	case "severity":
		sessionID := state.bound()
		if sessionID == "" {
			return fail(datatypes.ErrSessionNotFound)
		}
		if err := raiseSeverity(ctx, core, sessionID, datatypes.Severity(action.Severity)); err != nil {
			return fail(err)
		}

	case "ack":
		sessionID := state.bound()
		if sessionID == "" {
			return fail(datatypes.ErrSessionNotFound)
		}
		msg, err := core.Sessions.AcknowledgeMessage(sessionID, datatypes.MessageID(action.MessageID))
		if err != nil {
			return fail(err)
		}
		core.Sessions.Touch(sessionID)
		// The message's sender is the acker's peer; tell them it was read.
		if sender := core.transportFor(sessionID).peerFor(caller.Role); sender != nil && sender.alive() {
			_ = sender.writeJSON(wsServerFrame{Type: "RECEIPT", Receipt: &datatypes.DeliveryReceipt{
				MessageID: msg.ID,
				SessionID: sessionID,
				Status:    msg.Status,
				Priority:  msg.Priority,
			}})
		}

	case "emergency":
		sessionID := state.bound()
		if sessionID == "" {
			return fail(datatypes.ErrSessionNotFound)
		}
		severity := datatypes.Severity(action.Severity)
		if !severity.Emergency() {
			// An explicit emergency request is always top severity.
			severity = 10
		}
		reason := action.Reason
		if reason == "" {
			reason = "explicit emergency request"
		}
		if _, err := core.Emergency.TriggerEmergency(ctx, sessionID, severity, reason); err != nil {
			return fail(err)
		}

	case "end":
		sessionID := state.bound()
		if sessionID == "" {
			return fail(datatypes.ErrSessionNotFound)
		}
		_, err := core.Sessions.EndSession(ctx, sessionID,
			datatypes.Feedback{Rating: action.Rating, Comment: action.Comment}, action.Resolved)
		if err != nil {
			return fail(err)
		}
		core.dropTransport(sessionID)
		state.bind("")

	default:
		slog.Warn("unknown websocket action", "action", action.Action)
		return fail(fmt.Errorf("unknown action %q", action.Action))
	}

	return true
}

// raiseSeverity records a new assessment and runs the emergency fan-out
// when it crosses the threshold. A fan-out failure is logged, not
// returned: the severity was recorded and the circuit breakers own the
// retry story.
func raiseSeverity(ctx context.Context, core *Core, sessionID datatypes.SessionID, severity datatypes.Severity) error {
	_, emergency, err := core.Sessions.UpdateSeverity(ctx, sessionID, severity)
	if err != nil {
		return err
	}
	if emergency {
		if _, err := core.Emergency.TriggerEmergency(ctx, sessionID, severity, "severity threshold crossed"); err != nil {
			slog.Error("escalation failed",
				"session_id", sessionID,
				"error", err,
			)
		}
	}
	return nil
}

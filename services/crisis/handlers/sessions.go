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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/LifelineLocal/services/crisis/datatypes"
)

// StartSessionRequest starts a crisis session on an admitted connection.
// Severity is the intake self-assessment; at or above the emergency
// threshold (or with the emergency flag set) the session escalates
// immediately after creation.
type StartSessionRequest struct {
	ConnectionID string `json:"connection_id" binding:"required"`
	Severity     int    `json:"severity" binding:"omitempty,min=1,max=10"`
	IsEmergency  bool   `json:"is_emergency"`
	Anonymous    bool   `json:"anonymous"`
}

// MatchVolunteerRequest binds a volunteer connection to a session.
type MatchVolunteerRequest struct {
	ConnectionID string `json:"connection_id" binding:"required"`
	VolunteerID  string `json:"volunteer_id" binding:"required,identifier"`
}

// EmergencyRequest escalates a session.
type EmergencyRequest struct {
	Severity int    `json:"severity" binding:"required,min=1,max=10"`
	Reason   string `json:"reason"`
}

// EndSessionRequest closes a session with optional feedback.
type EndSessionRequest struct {
	Resolved bool   `json:"resolved"`
	Rating   int    `json:"rating" binding:"omitempty,min=1,max=5"`
	Comment  string `json:"comment"`
}

// escalateAtIntake triggers the emergency fan-out for a session born
// flagged. The session already exists, so a fan-out failure is logged
// rather than failing the start; partial channel notification beats no
// session at all.
func escalateAtIntake(ctx context.Context, core *Core, sess datatypes.CrisisSession) {
	severity := sess.Severity
	if !severity.Emergency() {
		// Flagged below the threshold: the explicit request wins.
		severity = 10
	}
	if _, err := core.Emergency.TriggerEmergency(ctx, sess.ID, severity, "emergency at intake"); err != nil {
		slog.Error("intake escalation failed",
			"session_id", sess.ID,
			"error", err,
		)
	}
}

// StartSession handles POST /v1/sessions.
func StartSession(core *Core) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req StartSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		sess, err := core.Sessions.StartSession(c.Request.Context(),
			datatypes.ConnectionID(req.ConnectionID), datatypes.StartOptions{
				Severity:    datatypes.Severity(req.Severity),
				IsEmergency: req.IsEmergency,
				Anonymous:   req.Anonymous,
			})
		if err != nil {
			slog.Warn("session start rejected",
				"connection_id", req.ConnectionID,
				"error", err,
			)
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		if sess.IsEmergency {
			escalateAtIntake(c.Request.Context(), core, sess)
			// The escalator mutated the session; return the current record.
			if current, err := core.Sessions.Get(sess.ID); err == nil {
				sess = current
			}
		}
		c.JSON(http.StatusCreated, sess)
	}
}

// GetSession handles GET /v1/sessions/:sessionId.
func GetSession(core *Core) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := core.Sessions.Get(datatypes.SessionID(c.Param("sessionId")))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, sess)
	}
}

// MatchVolunteer handles POST /v1/sessions/:sessionId/volunteer.
func MatchVolunteer(core *Core) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req MatchVolunteerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sessionID := datatypes.SessionID(c.Param("sessionId"))
		sess, err := core.Sessions.MatchVolunteer(c.Request.Context(), sessionID,
			datatypes.ConnectionID(req.ConnectionID), req.VolunteerID)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, sess)
	}
}

// TriggerEmergency handles POST /v1/sessions/:sessionId/emergency.
//
// The escalation event is returned even when some channels failed; 502
// with the event body signals a total fan-out failure so the caller can
// fall back to out-of-band dispatch.
func TriggerEmergency(core *Core) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req EmergencyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		sessionID := datatypes.SessionID(c.Param("sessionId"))
		evt, err := core.Emergency.TriggerEmergency(c.Request.Context(), sessionID,
			datatypes.Severity(req.Severity), req.Reason)
		if err != nil {
			if errors.Is(err, datatypes.ErrEscalationChannelUnreachable) {
				c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "escalation": evt})
				return
			}
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, evt)
	}
}

// EndSession handles DELETE /v1/sessions/:sessionId.
func EndSession(core *Core) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req EndSessionRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}

		sessionID := datatypes.SessionID(c.Param("sessionId"))
		summary, err := core.Sessions.EndSession(c.Request.Context(), sessionID,
			datatypes.Feedback{Rating: req.Rating, Comment: req.Comment}, req.Resolved)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

// GetSessionHistory handles GET /v1/sessions/:sessionId/history.
//
// Live sessions answer from memory; ended sessions fall back to the
// persisted transcript.
func GetSessionHistory(core *Core) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := datatypes.SessionID(c.Param("sessionId"))

		if sess, err := core.Sessions.Get(sessionID); err == nil {
			c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "history": sess.History})
			return
		}

		history, err := core.History.LoadSessionHistory(c.Request.Context(), sessionID)
		if err != nil {
			slog.Error("failed to load session history",
				"session_id", sessionID,
				"error", err,
			)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
			return
		}
		if len(history) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": datatypes.ErrSessionNotFound.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "history": history})
	}
}

// HealthCheck handles GET /health.
func HealthCheck(core *Core) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"connections": core.Registry.Len(),
		})
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// =============================================================================
// Roles
// =============================================================================

// Role identifies who is on the other end of a connection.
type Role string

const (
	// RolePerson is the person in crisis.
	RolePerson Role = "person"

	// RoleVolunteer is a volunteer counselor.
	RoleVolunteer Role = "volunteer"

	// RoleSupervisor is a supervising counselor notified on escalation.
	RoleSupervisor Role = "supervisor"
)

// =============================================================================
// Session Status
// =============================================================================

// SessionStatus is the lifecycle state of a crisis session.
//
// Valid transitions:
//
//	WAITING → ACTIVE → ESCALATED → RESOLVED
//	any non-terminal state → ESCALATED
//	any state → ENDED
type SessionStatus string

const (
	StatusWaiting   SessionStatus = "WAITING"
	StatusActive    SessionStatus = "ACTIVE"
	StatusEscalated SessionStatus = "ESCALATED"
	StatusResolved  SessionStatus = "RESOLVED"
	StatusEnded     SessionStatus = "ENDED"
)

// Terminal reports whether the status permits no further transitions other
// than cleanup.
func (s SessionStatus) Terminal() bool {
	return s == StatusResolved || s == StatusEnded
}

// ValidTransition reports whether moving from s to next is allowed by the
// session state machine. ENDED is reachable from every state.
func (s SessionStatus) ValidTransition(next SessionStatus) bool {
	if next == StatusEnded {
		return true
	}
	if s.Terminal() {
		return false
	}
	switch next {
	case StatusActive:
		return s == StatusWaiting
	case StatusEscalated:
		return s == StatusWaiting || s == StatusActive || s == StatusEscalated
	case StatusResolved:
		return s == StatusActive || s == StatusEscalated
	default:
		return false
	}
}

// =============================================================================
// Severity
// =============================================================================

// Severity is the assessed crisis risk on a 1-10 scale. Values at or above
// EmergencySeverity trigger escalation.
type Severity int

// EmergencySeverity is the threshold at which a session escalates.
const EmergencySeverity Severity = 8

// Valid reports whether the severity is on the 1-10 scale.
func (s Severity) Valid() bool { return s >= 1 && s <= 10 }

// Emergency reports whether the severity alone warrants escalation.
func (s Severity) Emergency() bool { return s >= EmergencySeverity }

// =============================================================================
// CrisisSession
// =============================================================================

// CrisisSession is one crisis conversation between a person in crisis and an
// optional volunteer counselor. The session owns its ordered message history;
// mutation happens only through the session manager, which serializes access.
type CrisisSession struct {
	ID          SessionID     `json:"session_id"`
	Status      SessionStatus `json:"status"`
	Severity    Severity      `json:"severity"`
	IsEmergency bool          `json:"is_emergency"`
	IsAnonymous bool          `json:"is_anonymous,omitempty"`

	// PersonConn is the connection of the person in crisis. Exactly one
	// non-terminal session may exist per person connection.
	PersonConn ConnectionID `json:"person_connection_id"`

	// VolunteerConn is set once a volunteer is matched.
	VolunteerConn ConnectionID `json:"volunteer_connection_id,omitempty"`
	VolunteerID   string       `json:"volunteer_id,omitempty"`

	// History is strictly ordered by send time. Append-only.
	History []Message `json:"history,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	MatchedAt   time.Time `json:"matched_at,omitempty"`
	EscalatedAt time.Time `json:"escalated_at,omitempty"`
	EndedAt     time.Time `json:"ended_at,omitempty"`
}

// StartOptions carries the intake assessment for a new session.
type StartOptions struct {
	// Severity is the self-reported initial assessment; 0 defaults to 1.
	Severity Severity

	// IsEmergency flags the session for immediate escalation regardless
	// of severity.
	IsEmergency bool

	// Anonymous hides the person's identity from volunteer-facing views.
	Anonymous bool
}

// Feedback is the optional rating a participant leaves when ending a session.
type Feedback struct {
	Rating  int    `json:"rating,omitempty" binding:"omitempty,min=1,max=5"`
	Comment string `json:"comment,omitempty"`
}

// SessionSummary is the terse record handed to subscribers when a session
// ends.
type SessionSummary struct {
	SessionID    SessionID     `json:"session_id"`
	Status       SessionStatus `json:"status"`
	Severity     Severity      `json:"severity"`
	MessageCount int           `json:"message_count"`
	Duration     time.Duration `json:"duration"`
	Rating       int           `json:"rating,omitempty"`
	Comment      string        `json:"comment,omitempty"`
}

// =============================================================================
// EscalationEvent
// =============================================================================

// ChannelResult is the per-channel outcome of an escalation fan-out.
type ChannelResult struct {
	Channel string        `json:"channel"`
	Reached bool          `json:"reached"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// EscalationEvent is the append-only audit record of one emergency
// escalation. It always references a session that was ACTIVE or ESCALATED
// at trigger time.
type EscalationEvent struct {
	AlertID            AlertID         `json:"alert_id"`
	SessionID          SessionID       `json:"session_id"`
	TriggeringSeverity Severity        `json:"triggering_severity"`
	Reason             string          `json:"reason"`
	Channels           []ChannelResult `json:"channels"`
	Outcome            string          `json:"outcome"`
	TriggeredAt        time.Time       `json:"triggered_at"`
	CompletedAt        time.Time       `json:"completed_at"`
}

// ContactedServices returns the channels that were successfully reached.
func (e EscalationEvent) ContactedServices() []string {
	var out []string
	for _, c := range e.Channels {
		if c.Reached {
			out = append(out, c.Channel)
		}
	}
	return out
}

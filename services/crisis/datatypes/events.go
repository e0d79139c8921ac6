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
// Event Stream
// =============================================================================

// EventType discriminates the event stream variants delivered to
// subscribers (the UI layer renders these; the core never renders).
type EventType string

const (
	EventConnected          EventType = "CONNECTED"
	EventDisconnected       EventType = "DISCONNECTED"
	EventReconnecting       EventType = "RECONNECTING"
	EventSessionStarted     EventType = "SESSION_STARTED"
	EventSessionMatched     EventType = "SESSION_MATCHED"
	EventQueueUpdate        EventType = "QUEUE_UPDATE"
	EventMessageReceived    EventType = "MESSAGE_RECEIVED"
	EventEmergencyTriggered EventType = "EMERGENCY_TRIGGERED"
	EventEmergencyResources EventType = "EMERGENCY_RESOURCES"
	EventSessionEnded       EventType = "SESSION_ENDED"
)

// EmergencyResource points a client at an external crisis resource
// (hotline number, crisis-text shortcode).
type EmergencyResource struct {
	Name    string `json:"name"`
	Contact string `json:"contact"`
}

// Event is the tagged union carried on the event stream. Type selects which
// payload fields are meaningful; unused fields are zero.
type Event struct {
	Type EventType `json:"type"`
	At   time.Time `json:"at"`

	SessionID    SessionID    `json:"session_id,omitempty"`
	ConnectionID ConnectionID `json:"connection_id,omitempty"`

	// Reason accompanies DISCONNECTED and EMERGENCY_TRIGGERED.
	Reason string `json:"reason,omitempty"`

	// Attempt accompanies RECONNECTING.
	Attempt int `json:"attempt,omitempty"`

	// Position accompanies QUEUE_UPDATE.
	Position int `json:"position,omitempty"`

	// VolunteerID accompanies SESSION_MATCHED.
	VolunteerID string `json:"volunteer_id,omitempty"`

	// Session accompanies SESSION_STARTED.
	Session *CrisisSession `json:"session,omitempty"`

	// Message accompanies MESSAGE_RECEIVED.
	Message *Message `json:"message,omitempty"`

	// Resources accompanies EMERGENCY_RESOURCES.
	Resources []EmergencyResource `json:"resources,omitempty"`

	// Summary accompanies SESSION_ENDED.
	Summary *SessionSummary `json:"summary,omitempty"`
}

// BestEffort reports whether the event kind may be dropped for a slow
// subscriber. Safety-critical kinds are always delivered at least once.
func (e Event) BestEffort() bool {
	switch e.Type {
	case EventQueueUpdate, EventReconnecting:
		return true
	default:
		return false
	}
}

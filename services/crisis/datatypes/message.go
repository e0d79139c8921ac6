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
// Message Priority
// =============================================================================

// MessagePriority orders messages by safety criticality. EMERGENCY traffic
// is exempt from rate limiting and request throttling.
type MessagePriority int

const (
	PriorityNormal MessagePriority = iota
	PriorityHigh
	PriorityCritical
	PriorityEmergency
)

// String returns the wire name of the priority.
func (p MessagePriority) String() string {
	switch p {
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	case PriorityEmergency:
		return "EMERGENCY"
	default:
		return "UNKNOWN"
	}
}

// =============================================================================
// Delivery Status
// =============================================================================

// DeliveryStatus tracks a message through the delivery pipeline. A message
// is immutable once acknowledged except for status transitions.
type DeliveryStatus string

const (
	DeliveryQueued       DeliveryStatus = "QUEUED"
	DeliverySent         DeliveryStatus = "SENT"
	DeliveryAcknowledged DeliveryStatus = "ACKNOWLEDGED"
	DeliveryFailed       DeliveryStatus = "FAILED"
)

// =============================================================================
// Message
// =============================================================================

// Message is one payload flowing through a session. Owned by the session
// that created it; ordering is guaranteed per session only.
type Message struct {
	ID        MessageID       `json:"message_id"`
	SessionID SessionID       `json:"session_id"`
	Sender    Role            `json:"sender"`
	Payload   string          `json:"payload"`
	Priority  MessagePriority `json:"priority"`
	Status    DeliveryStatus  `json:"status"`

	// BestEffort marks typing-indicator and presence traffic: no retry,
	// droppable while offline, never safety-critical.
	BestEffort bool `json:"best_effort,omitempty"`

	Encrypted  bool      `json:"encrypted,omitempty"`
	SentAt     time.Time `json:"sent_at"`
	RetryCount int       `json:"retry_count,omitempty"`
}

// SendOptions alters how a single message is delivered.
type SendOptions struct {
	// Sender is the role originating the message.
	Sender Role

	// ConnectionID is the sending connection, used for rate accounting.
	ConnectionID ConnectionID

	// IsEmergency promotes the message to EMERGENCY priority, bypassing
	// rate limits.
	IsEmergency bool

	// Encrypted marks the payload as client-side encrypted.
	Encrypted bool

	// BestEffort marks the message droppable (typing, presence).
	BestEffort bool
}

// Priority resolves the effective priority for the options.
func (o SendOptions) Priority() MessagePriority {
	if o.IsEmergency {
		return PriorityEmergency
	}
	if o.BestEffort {
		return PriorityNormal
	}
	return PriorityHigh
}

// DeliveryReceipt is returned to the caller for every accepted message.
// Status QUEUED means the transport was offline and the message sits in the
// local queue awaiting reconnection; clients must render that state rather
// than "sent".
type DeliveryReceipt struct {
	MessageID MessageID       `json:"message_id"`
	SessionID SessionID       `json:"session_id"`
	Status    DeliveryStatus  `json:"status"`
	Priority  MessagePriority `json:"priority"`
	Attempts  int             `json:"attempts"`
	Latency   time.Duration   `json:"latency"`
	Error     string          `json:"error,omitempty"`
}

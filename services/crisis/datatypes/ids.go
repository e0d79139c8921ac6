// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the shared data model for the crisis service:
// connections, sessions, messages, escalation events, the error taxonomy,
// and the typed event stream variants.
package datatypes

import "github.com/google/uuid"

// SessionID identifies a single crisis session.
type SessionID string

// ConnectionID identifies a live connection in the registry.
type ConnectionID string

// MessageID identifies a message within a session.
type MessageID string

// AlertID identifies an escalation event (append-only audit record).
type AlertID string

// NewSessionID returns a fresh, globally unique session id.
func NewSessionID() SessionID { return SessionID(uuid.New().String()) }

// NewConnectionID returns a fresh, globally unique connection id.
func NewConnectionID() ConnectionID { return ConnectionID(uuid.New().String()) }

// NewMessageID returns a fresh, globally unique message id.
func NewMessageID() MessageID { return MessageID(uuid.New().String()) }

// NewAlertID returns a fresh, globally unique alert id.
func NewAlertID() AlertID { return AlertID(uuid.New().String()) }

func (id SessionID) String() string    { return string(id) }
func (id ConnectionID) String() string { return string(id) }
func (id MessageID) String() string    { return string(id) }
func (id AlertID) String() string      { return string(id) }

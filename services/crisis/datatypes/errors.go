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

import "errors"

// Error taxonomy for the crisis core. Every externally visible failure wraps
// one of these sentinels so callers can classify errors with errors.Is and
// map them to user-actionable behavior. Nothing in the core surfaces an
// unstructured failure.
var (
	// ErrHandshakeTimeout indicates the connection handshake did not
	// complete within its latency budget.
	ErrHandshakeTimeout = errors.New("handshake timeout")

	// ErrCapacityExceeded indicates the connection registry is at its
	// configured ceiling. Admission fails rather than degrading latency
	// for existing sessions.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrAlreadyConnected indicates the identity already holds a live
	// connection in the registry.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrDeliveryFailed indicates a message exhausted its retry budget.
	// The message is marked FAILED and surfaced, never silently dropped.
	ErrDeliveryFailed = errors.New("delivery failed: retry budget exhausted")

	// ErrServiceUnavailable indicates a downstream service's circuit
	// breaker is open and the call was rejected without invocation.
	ErrServiceUnavailable = errors.New("service unavailable: circuit open")

	// ErrRateLimited indicates the per-connection rate ceiling was hit.
	// Emergency-priority traffic is exempt and never sees this error.
	ErrRateLimited = errors.New("rate limited")

	// ErrEscalationChannelUnreachable indicates a single escalation
	// channel could not be notified within the escalation deadline.
	// It is recorded as a partial failure and never aborts the fan-out.
	ErrEscalationChannelUnreachable = errors.New("escalation channel unreachable")

	// ErrSessionNotFound indicates the session id does not resolve to a
	// live session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrMessageNotFound indicates the message id does not appear in the
	// session transcript.
	ErrMessageNotFound = errors.New("message not found")

	// ErrSessionActive indicates the person-in-crisis connection already
	// has a non-terminal session. Exactly one active session per person
	// connection is an invariant.
	ErrSessionActive = errors.New("active session already exists for connection")

	// ErrAuthenticationRejected indicates token validation failed.
	ErrAuthenticationRejected = errors.New("authentication rejected")

	// ErrSessionEnded indicates an operation was attempted on a session
	// in a terminal state.
	ErrSessionEnded = errors.New("session already ended")
)

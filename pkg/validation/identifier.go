// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for caller-provided identifiers that
// end up in storage keys, structured log fields, and the escalation audit
// trail. Using these validators prevents injection attacks (log/JSONL
// injection, key poisoning, path traversal).
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// identifierPattern matches valid caller-provided identifiers.
// Allows: letters, digits, dots, hyphens, underscores, @ (email-style IDs)
// Max length: 64 characters
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@\-]{0,63}$`)

// ValidateVolunteerID validates a volunteer identifier before it is bound
// to a session.
//
// Valid IDs:
//   - 1-64 characters
//   - Letters and digits
//   - Dots, hyphens, underscores
//   - @ for email-style identifiers
//
// The ID is written into persisted session records and every audit line
// for escalations on that session, so anything outside this set is
// rejected rather than escaped.
//
// Example:
//
//	if err := validation.ValidateVolunteerID(req.VolunteerID); err != nil {
//	    c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
//	    return
//	}
func ValidateVolunteerID(id string) error {
	if id == "" {
		return fmt.Errorf("volunteer id cannot be empty")
	}

	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("invalid volunteer id: %q (must be 1-64 alphanumeric chars, dots, hyphens, underscores, or @)", id)
	}

	return nil
}

// ValidateIdentity validates a caller identity token resolved by the auth
// layer. Anonymous identities minted by the server already conform; this
// guards identities supplied as bearer tokens.
func ValidateIdentity(identity string) error {
	if identity == "" {
		return fmt.Errorf("identity cannot be empty")
	}

	if !identifierPattern.MatchString(identity) {
		return fmt.Errorf("invalid identity: %q", identity)
	}

	return nil
}

// SanitizeIdentifier normalizes and validates an identifier.
// Returns the trimmed identifier if valid, or an error if invalid.
//
// Use this when the input may carry incidental whitespace:
//
//	safeID, err := validation.SanitizeIdentifier(userInput)
//	if err != nil {
//	    return err
//	}
func SanitizeIdentifier(s string) (string, error) {
	normalized := strings.TrimSpace(s)
	if err := ValidateIdentity(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"testing"
)

func TestValidateVolunteerID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		// Valid IDs
		{"simple", "vol-42", false},
		{"single char", "a", false},
		{"with digits", "volunteer007", false},
		{"email style", "jane.doe@lifeline.org", false},
		{"underscore", "night_shift_3", false},
		{"max length", "v" + string(make64()), false},

		// Invalid IDs - injection attempts
		{"empty", "", true},
		{"jsonl injection", "vol\"}\n{\"forged\":true", true},
		{"newline injection", "vol\nADMIN", true},
		{"path traversal", "../../etc/passwd", true},
		{"null byte", "vol\x00", true},
		{"spaces", "vol 42", true},
		{"too long", "v" + string(make64()) + "x", true},
		{"starts with dot", ".vol", true},
		{"starts with hyphen", "-vol", true},
		{"shell chars", "vol;rm -rf", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVolunteerID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateVolunteerID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestValidateIdentity(t *testing.T) {
	tests := []struct {
		name     string
		identity string
		wantErr  bool
	}{
		{"anonymous minted", "anon-1f1b2c3d-0000-4000-8000-000000000000", false},
		{"plain token", "caller-17", false},
		{"empty", "", true},
		{"log injection", "id\nlevel=ERROR forged", true},
		{"unicode", "id™", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentity(tt.identity)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIdentity(%q) error = %v, wantErr %v", tt.identity, err, tt.wantErr)
			}
		})
	}
}

func TestSanitizeIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"already clean", "vol-42", "vol-42", false},
		{"trims whitespace", "  vol-42\t", "vol-42", false},
		{"rejects inner space", "vol 42", "", true},
		{"rejects empty after trim", "   ", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeIdentifier(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SanitizeIdentifier(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("SanitizeIdentifier(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// make64 returns 63 filler bytes so "v"+make64() is exactly 64 chars.
func make64() []byte {
	b := make([]byte, 63)
	for i := range b {
		b[i] = 'a'
	}
	return b
}

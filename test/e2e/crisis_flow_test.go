// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/LifelineLocal/services/crisis/datatypes"
)

// TestCrisisFlow_SurvivesRestart runs a full conversation against a
// default-wired service backed by on-disk storage, restarts the service,
// and verifies the transcript is still readable through the HTTP API.
func TestCrisisFlow_SurvivesRestart(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "badger")
	auditPath := filepath.Join(t.TempDir(), "escalations.jsonl")

	svc, ts := startService(t, dataDir, auditPath)

	person := dial(t, ts.URL, "person")
	send(t, person, clientAction{Action: "start", Anonymous: true})
	started := await(t, person, string(datatypes.EventSessionStarted))
	require.NotNil(t, started.Event.Session)
	sessionID := started.Event.SessionID

	// No volunteer yet: the message parks in the offline buffer.
	send(t, person, clientAction{
		Action:    "message",
		SessionID: string(sessionID),
		Payload:   "is anyone there",
	})
	receipt := await(t, person, "RECEIPT")
	assert.Equal(t, datatypes.DeliveryQueued, receipt.Receipt.Status)

	volunteer := dial(t, ts.URL, "volunteer")
	send(t, volunteer, clientAction{
		Action:      "match",
		SessionID:   string(sessionID),
		VolunteerID: "vol-e2e",
	})

	// The parked message replays to the volunteer on match.
	parked := await(t, volunteer, "MESSAGE")
	assert.Equal(t, "is anyone there", parked.Message.Payload)

	matched := await(t, person, string(datatypes.EventSessionMatched))
	assert.Equal(t, "vol-e2e", matched.Event.VolunteerID)

	send(t, volunteer, clientAction{
		Action:    "message",
		SessionID: string(sessionID),
		Payload:   "I'm here with you",
	})
	reply := await(t, person, "MESSAGE")
	assert.Equal(t, "I'm here with you", reply.Message.Payload)

	send(t, person, clientAction{
		Action:    "end",
		SessionID: string(sessionID),
		Resolved:  true,
		Rating:    5,
	})
	ended := await(t, volunteer, string(datatypes.EventSessionEnded))
	require.NotNil(t, ended.Event.Summary)
	assert.Equal(t, datatypes.StatusResolved, ended.Event.Summary.Status)

	person.Close()
	volunteer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))
	ts.Close()

	// Second process over the same data dir.
	svc2, ts2 := startService(t, dataDir, auditPath)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc2.Shutdown(ctx)
	}()

	resp, err := http.Get(ts2.URL + "/v1/sessions/" + string(sessionID) + "/history")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		SessionID string              `json:"session_id"`
		History   []datatypes.Message `json:"history"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.History, 2)
	assert.Equal(t, "is anyone there", body.History[0].Payload)
	assert.Equal(t, "I'm here with you", body.History[1].Payload)
}

// TestEscalation_WritesAuditTrail verifies that a high-severity message
// escalates the session and lands a line in the JSONL audit file.
func TestEscalation_WritesAuditTrail(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "badger")
	auditPath := filepath.Join(t.TempDir(), "escalations.jsonl")

	svc, ts := startService(t, dataDir, auditPath)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	}()

	person := dial(t, ts.URL, "person")
	send(t, person, clientAction{Action: "start", Anonymous: true})
	started := await(t, person, string(datatypes.EventSessionStarted))
	sessionID := started.Event.SessionID

	send(t, person, clientAction{
		Action:    "message",
		SessionID: string(sessionID),
		Payload:   "I can't do this anymore",
		Severity:  9,
	})

	triggered := await(t, person, string(datatypes.EventEmergencyTriggered))
	assert.Equal(t, sessionID, triggered.Event.SessionID)
	resources := await(t, person, string(datatypes.EventEmergencyResources))
	assert.NotEmpty(t, resources.Event.Resources)

	// The audit line is written right after the events publish; poll
	// briefly rather than racing it.
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(auditPath)
		return err == nil && strings.Contains(string(data), string(sessionID))
	}, 2*time.Second, 20*time.Millisecond, "escalation audit line not written")
}

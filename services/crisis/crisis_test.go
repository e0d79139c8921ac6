// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package crisis

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/LifelineLocal/services/crisis/escalation"
	"github.com/AleutianAI/LifelineLocal/services/crisis/notify"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	// Set Gin to test mode to reduce noise in test output
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Config Tests
// =============================================================================

// TestApplyConfigDefaults_AllDefaults verifies default values are applied.
func TestApplyConfigDefaults_AllDefaults(t *testing.T) {
	cfg := Config{}

	result := applyConfigDefaults(cfg)

	assert.Equal(t, 12310, result.Port, "default port should be 12310")
	assert.Equal(t, "./logs/escalations.jsonl", result.EscalationAuditPath)
	assert.Equal(t, 2000, result.MaxConnections)
	assert.Equal(t, 1024, result.PersistQueueSize)
}

// TestApplyConfigDefaults_PreservesCustomValues verifies custom values
// are not overwritten.
func TestApplyConfigDefaults_PreservesCustomValues(t *testing.T) {
	cfg := Config{
		Port:                8080,
		EscalationAuditPath: "/tmp/audit.jsonl",
		MaxConnections:      50,
	}

	result := applyConfigDefaults(cfg)

	assert.Equal(t, 8080, result.Port, "custom port should be preserved")
	assert.Equal(t, "/tmp/audit.jsonl", result.EscalationAuditPath)
	assert.Equal(t, 50, result.MaxConnections)
	assert.Equal(t, 1024, result.PersistQueueSize, "default queue size should be applied")
}

// =============================================================================
// Wiring Tests
// =============================================================================

func newTestService(t *testing.T) Service {
	t.Helper()
	svc, err := New(Config{
		EscalationAuditPath: filepath.Join(t.TempDir(), "escalations.jsonl"),
	}, &Options{
		Notifier: notify.SlogNotifier{},
		Audit:    escalation.NopAudit{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return svc
}

// TestNew_DefaultWiring verifies a zero-config service comes up with
// every component wired and serving.
func TestNew_DefaultWiring(t *testing.T) {
	svc := newTestService(t)
	require.NotNil(t, svc.Router())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	svc.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

// TestNew_MetricsEndpoint verifies the Prometheus registry is exposed.
func TestNew_MetricsEndpoint(t *testing.T) {
	svc := newTestService(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	svc.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "lifeline_")
}

// TestNew_SessionsRequireAuthHeaderPath verifies the v1 group is behind
// the auth middleware (the permissive validator still admits anonymous
// callers, so this checks routing, not rejection).
func TestNew_SessionsRequireAuthHeaderPath(t *testing.T) {
	svc := newTestService(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/nope", nil)
	svc.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestShutdown_Idempotent verifies Shutdown after Shutdown is safe.
func TestShutdown_Idempotent(t *testing.T) {
	svc, err := New(Config{
		EscalationAuditPath: filepath.Join(t.TempDir(), "escalations.jsonl"),
	}, nil)
	require.NoError(t, err)

	require.NoError(t, svc.Shutdown(context.Background()))
	assert.NoError(t, svc.Shutdown(context.Background()))
}

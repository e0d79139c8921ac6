// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package escalation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/AleutianAI/LifelineLocal/services/crisis/datatypes"
)

// Restricted permissions: the audit trail references crisis sessions.
const auditFileMode = 0600

// JSONLAudit appends escalation events to a JSON-lines file. Writes are
// serialized; a write failure is logged and the escalation proceeds, the
// audit trail must never block the emergency path.
//
// Thread Safety: safe for concurrent use.
type JSONLAudit struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
	path string
}

var _ AuditSink = (*JSONLAudit)(nil)

// NewJSONLAudit opens (or creates) the audit file in append mode.
func NewJSONLAudit(path string) (*JSONLAudit, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, auditFileMode)
	if err != nil {
		return nil, fmt.Errorf("failed to open escalation audit file: %w", err)
	}
	return &JSONLAudit{
		file: file,
		enc:  json.NewEncoder(file),
		path: path,
	}, nil
}

// Record appends one event as a single JSON line.
func (a *JSONLAudit) Record(evt datatypes.EscalationEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return
	}
	if err := a.enc.Encode(evt); err != nil {
		slog.Error("failed to write escalation audit record",
			"alert_id", evt.AlertID,
			"path", a.path,
			"error", err,
		)
	}
}

// Close syncs and closes the audit file.
func (a *JSONLAudit) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	if err := a.file.Sync(); err != nil {
		slog.Warn("failed to sync escalation audit file", "error", err)
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// NopAudit discards events, for tests and deployments without an audit
// path configured.
type NopAudit struct{}

func (NopAudit) Record(datatypes.EscalationEvent) {}

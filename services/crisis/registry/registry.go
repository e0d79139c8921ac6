// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry tracks live connections for the crisis service.
//
// # Description
//
// The registry is an arena-style store keyed by typed ConnectionIDs. It is
// one of only two process-wide mutable structures in the core (the other is
// the circuit breaker registry); all access is serialized through its
// mutex, and no session-level mutation spans a registry mutation.
//
// Admission is atomic: a connection is either fully admitted and visible,
// or admission fails with a typed error and no state is left behind.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/LifelineLocal/services/crisis/datatypes"
)

// ConnectionInfo describes a connection requesting admission.
type ConnectionInfo struct {
	// Identity is the stable caller identity (user id or anonymous
	// token). At most one live connection per identity.
	Identity string

	// Role is who is connecting.
	Role datatypes.Role
}

// Connection is one admitted connection. Destroyed on disconnect.
type Connection struct {
	ID           datatypes.ConnectionID
	Identity     string
	Role         datatypes.Role
	ConnectedAt  time.Time
	LastActivity time.Time
}

// Metrics is the observability surface the registry updates. The
// observability package satisfies this; nil disables metrics.
type Metrics interface {
	ConnectionAdmitted(role string)
	ConnectionRemoved(role string)
}

// Registry is the arena of live connections.
type Registry struct {
	maxConnections int
	metrics        Metrics

	mu         sync.RWMutex
	conns      map[datatypes.ConnectionID]*Connection
	byIdentity map[string]datatypes.ConnectionID
}

// New creates a registry with the given concurrent-connection ceiling.
// maxConnections <= 0 means unlimited. metrics may be nil.
func New(maxConnections int, metrics Metrics) *Registry {
	return &Registry{
		maxConnections: maxConnections,
		metrics:        metrics,
		conns:          make(map[datatypes.ConnectionID]*Connection),
		byIdentity:     make(map[string]datatypes.ConnectionID),
	}
}

// Admit registers a new connection and returns its id.
//
// Fails with ErrAlreadyConnected if the identity already holds a live
// connection, and with ErrCapacityExceeded at the connection ceiling:
// beyond the ceiling we refuse admission rather than silently degrade
// latency for existing sessions.
func (r *Registry) Admit(info ConnectionInfo) (datatypes.ConnectionID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byIdentity[info.Identity]; ok {
		return "", datatypes.ErrAlreadyConnected
	}
	if r.maxConnections > 0 && len(r.conns) >= r.maxConnections {
		slog.Warn("connection admission refused at capacity ceiling",
			"ceiling", r.maxConnections,
			"identity", info.Identity,
		)
		return "", datatypes.ErrCapacityExceeded
	}

	now := time.Now()
	conn := &Connection{
		ID:           datatypes.NewConnectionID(),
		Identity:     info.Identity,
		Role:         info.Role,
		ConnectedAt:  now,
		LastActivity: now,
	}
	r.conns[conn.ID] = conn
	r.byIdentity[info.Identity] = conn.ID

	if r.metrics != nil {
		r.metrics.ConnectionAdmitted(string(info.Role))
	}
	return conn.ID, nil
}

// Remove destroys the connection. Unknown ids are a no-op.
func (r *Registry) Remove(id datatypes.ConnectionID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return
	}
	delete(r.conns, id)
	delete(r.byIdentity, conn.Identity)

	if r.metrics != nil {
		r.metrics.ConnectionRemoved(string(conn.Role))
	}
}

// Lookup returns a copy of the connection record, or false if absent.
func (r *Registry) Lookup(id datatypes.ConnectionID) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

// Touch records activity on the connection.
func (r *Registry) Touch(id datatypes.ConnectionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[id]; ok {
		conn.LastActivity = time.Now()
	}
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns copies of all live connections. The snapshot is
// detached; mutating it does not affect the registry.
func (r *Registry) Snapshot() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, *conn)
	}
	return out
}

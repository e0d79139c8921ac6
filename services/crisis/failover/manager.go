// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package failover supervises transport links: primary-to-secondary
// establishment under a hard budget, heartbeat monitoring, and a bounded
// reconnect loop that surfaces RECONNECTING events so clients can render
// degraded connectivity instead of a dead screen.
package failover

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/LifelineLocal/services/crisis/datatypes"
)

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// Link is an established transport link.
type Link interface {
	// Ping verifies liveness; an error marks the link dead.
	Ping(ctx context.Context) error
	Close() error
}

// Dialer establishes links against an endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Link, error)
}

// Publisher emits connectivity events.
type Publisher interface {
	Publish(evt datatypes.Event)
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds the failover tuning knobs.
type Config struct {
	// PrimaryEndpoint is tried first.
	PrimaryEndpoint string

	// SecondaryEndpoint is the fallback; empty disables failover.
	SecondaryEndpoint string

	// EstablishBudget bounds the whole primary-then-secondary attempt.
	// Default: 5s.
	EstablishBudget time.Duration

	// AttemptTimeout bounds one dial. Default: 2s.
	AttemptTimeout time.Duration

	// ReconnectInterval is the pause between reconnect attempts.
	// Default: 1s.
	ReconnectInterval time.Duration

	// MaxReconnectAttempts bounds the reconnect loop before the link is
	// declared lost. Default: 5.
	MaxReconnectAttempts int

	// HeartbeatInterval is the ping cadence on a live link.
	// Default: 15s.
	HeartbeatInterval time.Duration
}

// applyConfigDefaults fills zero-valued fields with production defaults.
func applyConfigDefaults(config *Config) {
	if config.EstablishBudget <= 0 {
		config.EstablishBudget = 5 * time.Second
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = 2 * time.Second
	}
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = time.Second
	}
	if config.MaxReconnectAttempts <= 0 {
		config.MaxReconnectAttempts = 5
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 15 * time.Second
	}
}

// ConnectionMetrics describes one establishment outcome.
type ConnectionMetrics struct {
	Endpoint  string        `json:"endpoint"`
	FellOver  bool          `json:"fell_over"`
	Attempts  int           `json:"attempts"`
	Elapsed   time.Duration `json:"elapsed"`
	Establish time.Time     `json:"established_at"`
	LastError string        `json:"last_error,omitempty"`
}

// =============================================================================
// Manager
// =============================================================================

// Manager establishes and supervises one logical link.
type Manager struct {
	config Config
	dialer Dialer
	events Publisher

	connID datatypes.ConnectionID
}

// NewManager creates a failover manager for one connection.
func NewManager(config Config, dialer Dialer, events Publisher, connID datatypes.ConnectionID) *Manager {
	applyConfigDefaults(&config)
	return &Manager{
		config: config,
		dialer: dialer,
		events: events,
		connID: connID,
	}
}

// Establish connects to the primary endpoint, falling over to the
// secondary on failure.
//
// # Description
//
// The whole sequence runs inside EstablishBudget; session state is never
// resubmitted across the failover, the secondary receives the same
// connection identity. Both endpoints failing yields
// ErrServiceUnavailable with the last dial error attached.
func (m *Manager) Establish(ctx context.Context) (Link, ConnectionMetrics, error) {
	start := time.Now()
	budget, cancel := context.WithTimeout(ctx, m.config.EstablishBudget)
	defer cancel()

	metrics := ConnectionMetrics{}
	endpoints := []string{m.config.PrimaryEndpoint}
	if m.config.SecondaryEndpoint != "" {
		endpoints = append(endpoints, m.config.SecondaryEndpoint)
	}

	var lastErr error
	for i, endpoint := range endpoints {
		attempt, attemptCancel := context.WithTimeout(budget, m.config.AttemptTimeout)
		link, err := m.dialer.Dial(attempt, endpoint)
		attemptCancel()
		metrics.Attempts++

		if err == nil {
			metrics.Endpoint = endpoint
			metrics.FellOver = i > 0
			metrics.Elapsed = time.Since(start)
			metrics.Establish = time.Now()
			if metrics.FellOver {
				slog.Warn("primary transport unavailable, fell over to secondary",
					"connection_id", m.connID,
					"endpoint", endpoint,
				)
			}
			m.publish(datatypes.Event{
				Type:         datatypes.EventConnected,
				At:           metrics.Establish,
				ConnectionID: m.connID,
			})
			return link, metrics, nil
		}

		lastErr = err
		slog.Warn("transport dial failed",
			"connection_id", m.connID,
			"endpoint", endpoint,
			"error", err,
		)
		if budget.Err() != nil {
			break
		}
	}

	metrics.Elapsed = time.Since(start)
	if lastErr != nil {
		metrics.LastError = lastErr.Error()
	}
	return nil, metrics, fmt.Errorf("all transports failed: %w", datatypes.ErrServiceUnavailable)
}

// Supervise runs the heartbeat and reconnect loop until ctx is cancelled
// or the reconnect budget is exhausted.
//
// # Description
//
// Pings the link every HeartbeatInterval. On a failed ping the link is
// closed, a DISCONNECTED event goes out, and up to MaxReconnectAttempts
// re-establishments are tried, each preceded by a RECONNECTING(attempt)
// event. Exhausting the budget returns ErrServiceUnavailable.
func (m *Manager) Supervise(ctx context.Context, link Link) error {
	defer func() {
		if link != nil {
			link.Close()
		}
	}()

	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, m.config.AttemptTimeout)
			err := link.Ping(pingCtx)
			cancel()
			if err == nil {
				continue
			}

			slog.Warn("heartbeat failed, reconnecting",
				"connection_id", m.connID,
				"error", err,
			)
			link.Close()
			link = nil
			m.publish(datatypes.Event{
				Type:         datatypes.EventDisconnected,
				At:           time.Now(),
				ConnectionID: m.connID,
				Reason:       err.Error(),
			})

			relink, rerr := m.reconnect(ctx)
			if rerr != nil {
				return rerr
			}
			link = relink
		}
	}
}

// reconnect retries establishment with RECONNECTING events per attempt.
func (m *Manager) reconnect(ctx context.Context) (Link, error) {
	for attempt := 1; attempt <= m.config.MaxReconnectAttempts; attempt++ {
		m.publish(datatypes.Event{
			Type:         datatypes.EventReconnecting,
			At:           time.Now(),
			ConnectionID: m.connID,
			Attempt:      attempt,
		})

		link, _, err := m.Establish(ctx)
		if err == nil {
			return link, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.config.ReconnectInterval):
		}
	}
	return nil, fmt.Errorf("reconnect attempts exhausted: %w", datatypes.ErrServiceUnavailable)
}

func (m *Manager) publish(evt datatypes.Event) {
	if m.events != nil {
		m.events.Publish(evt)
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package escalation implements the emergency escalation path.
//
// # Description
//
// An escalation fans out to every configured notification channel in
// parallel under a hard deadline, records a per-channel audit trail, and
// pushes emergency resources to the session's event stream. Channel
// failures are isolated behind per-channel circuit breakers; a partial
// fan-out still completes and is recorded as partial rather than retried
// past the deadline.
//
// # Thread Safety
//
// Escalator is safe for concurrent use.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/LifelineLocal/services/crisis/datatypes"
	"github.com/AleutianAI/LifelineLocal/services/crisis/notify"
	"github.com/AleutianAI/LifelineLocal/services/crisis/resilience"
)

// Fan-out outcomes recorded on the audit trail.
const (
	OutcomeComplete = "complete"
	OutcomePartial  = "partial"
	OutcomeFailed   = "failed"
)

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// SessionControl marks a session escalated. session.Manager satisfies
// this; the indirection keeps the package dependency one-way.
type SessionControl interface {
	// Escalate transitions the session to ESCALATED and pins the
	// severity. changed is false when the session was already escalated
	// at an equal or higher severity.
	Escalate(ctx context.Context, sessionID datatypes.SessionID, severity datatypes.Severity, reason string) (session datatypes.CrisisSession, changed bool, err error)
}

// AuditSink records escalation events durably. Audit writes must never
// fail an escalation; implementations log and continue.
type AuditSink interface {
	Record(evt datatypes.EscalationEvent)
}

// Publisher emits events to the session event stream.
type Publisher interface {
	Publish(evt datatypes.Event)
}

// Metrics records escalation outcomes. observability.CrisisMetrics
// satisfies this.
type Metrics interface {
	RecordEscalation(outcome string, seconds float64)
	RecordChannelNotify(channel string, reached bool)
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds the escalation tuning knobs.
type Config struct {
	// Deadline bounds the whole fan-out. Default: 200ms.
	Deadline time.Duration

	// Channels is the fan-out set. Default: notify.DefaultChannels().
	Channels []notify.Channel

	// Resources are pushed to the person's event stream on every
	// escalation. Default: the national hotline and crisis text line.
	Resources []datatypes.EmergencyResource
}

// applyConfigDefaults fills zero-valued fields with production defaults.
func applyConfigDefaults(config *Config) {
	if config.Deadline <= 0 {
		config.Deadline = 200 * time.Millisecond
	}
	if len(config.Channels) == 0 {
		config.Channels = notify.DefaultChannels()
	}
	if len(config.Resources) == 0 {
		config.Resources = []datatypes.EmergencyResource{
			{Name: "Suicide & Crisis Lifeline", Contact: "988"},
			{Name: "Crisis Text Line", Contact: "text HOME to 741741"},
		}
	}
}

// =============================================================================
// Escalator
// =============================================================================

// Escalator coordinates emergency escalations.
type Escalator struct {
	config   Config
	sessions SessionControl
	notifier notify.Notifier
	breakers *resilience.BreakerRegistry
	audit    AuditSink
	events   Publisher
	metrics  Metrics
}

// NewEscalator wires the escalation path.
//
// # Inputs
//
//   - config: Fan-out deadline, channels, resources; zero values default.
//   - sessions: Session state control; required.
//   - notifier: Channel dispatch; required.
//   - breakers: Per-channel circuit breakers; required.
//   - audit: Durable audit sink; may be nil.
//   - events: Event stream publisher; may be nil.
//   - metrics: May be nil.
func NewEscalator(
	config Config,
	sessions SessionControl,
	notifier notify.Notifier,
	breakers *resilience.BreakerRegistry,
	audit AuditSink,
	events Publisher,
	metrics Metrics,
) *Escalator {
	applyConfigDefaults(&config)
	return &Escalator{
		config:   config,
		sessions: sessions,
		notifier: notifier,
		breakers: breakers,
		audit:    audit,
		events:   events,
		metrics:  metrics,
	}
}

// TriggerEmergency escalates one session.
//
// # Description
//
// Marks the session ESCALATED, fans out to every channel in parallel
// under the deadline, pushes emergency resources to the event stream, and
// records the audit event. A repeated trigger on an already-escalated
// session still fans out and is audited; the session state change is
// idempotent.
//
// # Outputs
//
//   - datatypes.EscalationEvent: The per-channel audit record, returned
//     even on partial or failed fan-out.
//   - error: Session lookup errors, or ErrEscalationChannelUnreachable
//     when no channel was reached.
func (e *Escalator) TriggerEmergency(ctx context.Context, sessionID datatypes.SessionID, severity datatypes.Severity, reason string) (datatypes.EscalationEvent, error) {
	triggered := time.Now()

	session, changed, err := e.sessions.Escalate(ctx, sessionID, severity, reason)
	if err != nil {
		return datatypes.EscalationEvent{}, fmt.Errorf("escalate session %s: %w", sessionID, err)
	}

	evt := datatypes.EscalationEvent{
		AlertID:            datatypes.NewAlertID(),
		SessionID:          sessionID,
		TriggeringSeverity: severity,
		Reason:             reason,
		TriggeredAt:        triggered,
	}

	evt.Channels = e.fanOut(ctx, sessionID, severity, reason, triggered)
	evt.CompletedAt = time.Now()
	evt.Outcome = outcomeOf(evt.Channels)

	e.publishEvents(session, evt, changed)
	e.record(evt)

	if evt.Outcome == OutcomeFailed {
		return evt, datatypes.ErrEscalationChannelUnreachable
	}
	return evt, nil
}

// fanOut notifies every channel in parallel under the deadline. Result
// slots are indexed per channel, so no locking is needed across workers.
func (e *Escalator) fanOut(ctx context.Context, sessionID datatypes.SessionID, severity datatypes.Severity, reason string, at time.Time) []datatypes.ChannelResult {
	deadline, cancel := context.WithTimeout(ctx, e.config.Deadline)
	defer cancel()

	payload := notify.Payload{
		SessionID: sessionID,
		Severity:  severity,
		Reason:    reason,
		At:        at,
	}

	results := make([]datatypes.ChannelResult, len(e.config.Channels))
	g, gctx := errgroup.WithContext(deadline)
	for i, ch := range e.config.Channels {
		g.Go(func() error {
			start := time.Now()
			var reached bool
			err := e.breakers.Do(gctx, string(ch), func(ctx context.Context) error {
				var notifyErr error
				reached, notifyErr = e.notifier.Notify(ctx, ch, payload)
				if notifyErr != nil {
					return notifyErr
				}
				if !reached {
					return datatypes.ErrEscalationChannelUnreachable
				}
				return nil
			})

			results[i] = datatypes.ChannelResult{
				Channel: string(ch),
				Reached: reached && err == nil,
				Latency: time.Since(start),
			}
			if err != nil {
				results[i].Error = err.Error()
			}
			// Channel failures are recorded, never propagated; one dead
			// channel must not cancel the others.
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// publishEvents pushes the escalation to the session's event stream.
func (e *Escalator) publishEvents(session datatypes.CrisisSession, evt datatypes.EscalationEvent, changed bool) {
	if e.events == nil {
		return
	}
	if changed {
		e.events.Publish(datatypes.Event{
			Type:      datatypes.EventEmergencyTriggered,
			At:        evt.TriggeredAt,
			SessionID: session.ID,
			Reason:    evt.Reason,
		})
	}
	e.events.Publish(datatypes.Event{
		Type:      datatypes.EventEmergencyResources,
		At:        time.Now(),
		SessionID: session.ID,
		Resources: e.config.Resources,
	})
}

// record writes the audit event and the metrics.
func (e *Escalator) record(evt datatypes.EscalationEvent) {
	latency := evt.CompletedAt.Sub(evt.TriggeredAt)
	slog.Info("emergency escalation completed",
		"alert_id", evt.AlertID,
		"session_id", evt.SessionID,
		"severity", int(evt.TriggeringSeverity),
		"outcome", evt.Outcome,
		"reached", evt.ContactedServices(),
		"latency_ms", latency.Milliseconds(),
	)
	if e.metrics != nil {
		e.metrics.RecordEscalation(evt.Outcome, latency.Seconds())
		for _, c := range evt.Channels {
			e.metrics.RecordChannelNotify(c.Channel, c.Reached)
		}
	}
	if e.audit != nil {
		e.audit.Record(evt)
	}
}

// outcomeOf classifies the fan-out result.
func outcomeOf(results []datatypes.ChannelResult) string {
	reached := 0
	for _, r := range results {
		if r.Reached {
			reached++
		}
	}
	switch {
	case reached == len(results) && reached > 0:
		return OutcomeComplete
	case reached > 0:
		return OutcomePartial
	default:
		return OutcomeFailed
	}
}

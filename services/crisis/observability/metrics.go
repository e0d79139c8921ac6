// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the crisis service.
//
// # Description
//
// Metrics cover the latency-sensitive paths of the core:
//   - Connection admissions and the live connection gauge
//   - Handshake latency histogram (50ms budget)
//   - Message delivery latency histogram (100ms budget) and retry counters
//   - Escalation fan-out latency and per-channel outcomes (200ms budget)
//   - Circuit breaker state and rate-limit rejections
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and latency-budget alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics.
const metricsNamespace = "lifeline"

// Subsystem for crisis session metrics.
const crisisSubsystem = "crisis"

// CrisisMetrics holds all Prometheus metrics for the crisis core.
//
// # Fields
//
//   - ActiveConnections: Gauge of admitted connections by role
//   - HandshakeSeconds: Histogram of connection handshake latency
//   - MessagesTotal: Counter of pipeline messages by priority and status
//   - DeliveryLatencySeconds: Histogram of submit-to-ack latency
//   - RetriesTotal: Counter of delivery retry attempts
//   - EscalationsTotal: Counter of escalations by outcome
//   - EscalationLatencySeconds: Histogram of trigger-to-joined latency
//   - ChannelNotifyTotal: Counter of escalation channel attempts by result
//   - BreakerState: Gauge of circuit state per downstream service
//   - RateLimitedTotal: Counter of rate-limit rejections
//   - ActiveSessions: Gauge of non-terminal sessions by status
type CrisisMetrics struct {
	ActiveConnections *prometheus.GaugeVec
	HandshakeSeconds  prometheus.Histogram

	MessagesTotal          *prometheus.CounterVec
	DeliveryLatencySeconds prometheus.Histogram
	RetriesTotal           prometheus.Counter

	EscalationsTotal         *prometheus.CounterVec
	EscalationLatencySeconds prometheus.Histogram
	ChannelNotifyTotal       *prometheus.CounterVec

	BreakerState     *prometheus.GaugeVec
	RateLimitedTotal prometheus.Counter

	ActiveSessions *prometheus.GaugeVec
}

// DefaultMetrics is the process-wide metrics instance set by InitMetrics.
var DefaultMetrics *CrisisMetrics

var initOnce sync.Once

// InitMetrics initializes and registers the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics against the default
// registry. Safe to call more than once; subsequent calls return the
// already-initialized instance (the service is constructed per process,
// but tests construct it repeatedly).
//
// # Outputs
//
//   - *CrisisMetrics: The initialized metrics instance.
func InitMetrics() *CrisisMetrics {
	initOnce.Do(func() {
		DefaultMetrics = &CrisisMetrics{
			ActiveConnections: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: metricsNamespace,
					Subsystem: crisisSubsystem,
					Name:      "active_connections",
					Help:      "Number of admitted connections by role",
				},
				[]string{"role"},
			),

			HandshakeSeconds: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: metricsNamespace,
					Subsystem: crisisSubsystem,
					Name:      "handshake_seconds",
					Help:      "Connection handshake latency in seconds",
					Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
				},
			),

			MessagesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: crisisSubsystem,
					Name:      "messages_total",
					Help:      "Pipeline messages by priority and final status",
				},
				[]string{"priority", "status"},
			),

			DeliveryLatencySeconds: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: metricsNamespace,
					Subsystem: crisisSubsystem,
					Name:      "delivery_latency_seconds",
					Help:      "Message submit-to-acknowledge latency in seconds",
					Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
				},
			),

			RetriesTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: crisisSubsystem,
					Name:      "delivery_retries_total",
					Help:      "Total delivery retry attempts",
				},
			),

			EscalationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: crisisSubsystem,
					Name:      "escalations_total",
					Help:      "Emergency escalations by outcome",
				},
				[]string{"outcome"},
			),

			EscalationLatencySeconds: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: metricsNamespace,
					Subsystem: crisisSubsystem,
					Name:      "escalation_latency_seconds",
					Help:      "Escalation trigger-to-all-channels latency in seconds",
					Buckets:   []float64{0.025, 0.05, 0.1, 0.2, 0.5, 1},
				},
			),

			ChannelNotifyTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: crisisSubsystem,
					Name:      "channel_notify_total",
					Help:      "Escalation channel notification attempts by channel and result",
				},
				[]string{"channel", "result"},
			),

			BreakerState: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: metricsNamespace,
					Subsystem: crisisSubsystem,
					Name:      "breaker_state",
					Help:      "Circuit breaker state per downstream service (0=closed, 1=open, 2=half-open)",
				},
				[]string{"service"},
			),

			RateLimitedTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: crisisSubsystem,
					Name:      "rate_limited_total",
					Help:      "Messages rejected by per-connection rate limiting",
				},
			),

			ActiveSessions: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: metricsNamespace,
					Subsystem: crisisSubsystem,
					Name:      "active_sessions",
					Help:      "Non-terminal crisis sessions by status",
				},
				[]string{"status"},
			),
		}
	})

	return DefaultMetrics
}

// =============================================================================
// Helper Methods
// =============================================================================

// ConnectionAdmitted updates the connection gauge on admit.
func (m *CrisisMetrics) ConnectionAdmitted(role string) {
	m.ActiveConnections.WithLabelValues(role).Inc()
}

// ConnectionRemoved updates the connection gauge on remove.
func (m *CrisisMetrics) ConnectionRemoved(role string) {
	m.ActiveConnections.WithLabelValues(role).Dec()
}

// RecordHandshake records one handshake duration.
func (m *CrisisMetrics) RecordHandshake(seconds float64) {
	m.HandshakeSeconds.Observe(seconds)
}

// RecordDelivery records a completed delivery attempt chain.
func (m *CrisisMetrics) RecordDelivery(priority, status string, seconds float64, retries int) {
	m.MessagesTotal.WithLabelValues(priority, status).Inc()
	m.DeliveryLatencySeconds.Observe(seconds)
	if retries > 0 {
		m.RetriesTotal.Add(float64(retries))
	}
}

// RecordEscalation records one escalation fan-out.
func (m *CrisisMetrics) RecordEscalation(outcome string, seconds float64) {
	m.EscalationsTotal.WithLabelValues(outcome).Inc()
	m.EscalationLatencySeconds.Observe(seconds)
}

// RecordChannelNotify records one escalation channel attempt.
func (m *CrisisMetrics) RecordChannelNotify(channel string, reached bool) {
	result := "reached"
	if !reached {
		result = "failed"
	}
	m.ChannelNotifyTotal.WithLabelValues(channel, result).Inc()
}

// SetBreakerState exposes the breaker state for a downstream service.
func (m *CrisisMetrics) SetBreakerState(service string, state int) {
	m.BreakerState.WithLabelValues(service).Set(float64(state))
}

// RecordRateLimited counts one rate-limit rejection.
func (m *CrisisMetrics) RecordRateLimited() {
	m.RateLimitedTotal.Inc()
}

// SessionTransition moves a session between status gauges. Pass an empty
// string for from on creation or for to on teardown.
func (m *CrisisMetrics) SessionTransition(from, to string) {
	if from != "" {
		m.ActiveSessions.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.ActiveSessions.WithLabelValues(to).Inc()
	}
}

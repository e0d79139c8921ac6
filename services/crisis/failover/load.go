// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package failover

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Verdict classifies a load validation run.
type Verdict string

const (
	VerdictHealthy  Verdict = "HEALTHY"
	VerdictUnstable Verdict = "UNSTABLE"
	VerdictFailed   Verdict = "FAILED"
)

// Service-level floors for a healthy verdict.
const (
	healthyConnectRate  = 0.95
	healthyDeliveryRate = 0.98
)

// Floors below which the run is an outright failure rather than
// instability.
const (
	failedConnectRate  = 0.90
	failedDeliveryRate = 0.95
)

// Prober drives one synthetic session against the system under load.
type Prober interface {
	// Connect runs one synthetic handshake.
	Connect(ctx context.Context) error

	// Deliver sends one synthetic message on an established session.
	Deliver(ctx context.Context) error
}

// LoadSpec describes a validation run.
type LoadSpec struct {
	// Sessions is the number of synthetic sessions. Default: 1000.
	Sessions int

	// MessagesPerSession is the sampled deliveries per connected
	// session. Default: 5.
	MessagesPerSession int

	// Concurrency bounds parallel sessions. Default: 100.
	Concurrency int

	// SessionTimeout bounds one synthetic session. Default: 5s.
	SessionTimeout time.Duration
}

func (s *LoadSpec) applyDefaults() {
	if s.Sessions <= 0 {
		s.Sessions = 1000
	}
	if s.MessagesPerSession <= 0 {
		s.MessagesPerSession = 5
	}
	if s.Concurrency <= 0 {
		s.Concurrency = 100
	}
	if s.SessionTimeout <= 0 {
		s.SessionTimeout = 5 * time.Second
	}
}

// LoadReport is the outcome of a validation run.
type LoadReport struct {
	Sessions     int           `json:"sessions"`
	Connected    int           `json:"connected"`
	Attempted    int           `json:"messages_attempted"`
	Delivered    int           `json:"messages_delivered"`
	ConnectRate  float64       `json:"connect_rate"`
	DeliveryRate float64       `json:"delivery_rate"`
	Elapsed      time.Duration `json:"elapsed"`
	Verdict      Verdict       `json:"verdict"`
}

// ValidateLoad runs the synthetic load and classifies the result.
//
// # Description
//
// Spins up spec.Sessions synthetic sessions with bounded concurrency;
// each connects and then samples deliveries. The verdict is HEALTHY only
// when the connect rate holds the 95% floor and the delivery rate holds
// the 98% floor; degraded-but-functional runs report UNSTABLE so
// operators see the erosion before it becomes an outage.
func ValidateLoad(ctx context.Context, prober Prober, spec LoadSpec) LoadReport {
	spec.applyDefaults()
	start := time.Now()

	var connected, attempted, delivered atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(spec.Concurrency)
	for i := 0; i < spec.Sessions; i++ {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, spec.SessionTimeout)
			defer cancel()

			if err := prober.Connect(sctx); err != nil {
				return nil
			}
			connected.Add(1)

			for j := 0; j < spec.MessagesPerSession; j++ {
				attempted.Add(1)
				if err := prober.Deliver(sctx); err == nil {
					delivered.Add(1)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	report := LoadReport{
		Sessions:  spec.Sessions,
		Connected: int(connected.Load()),
		Attempted: int(attempted.Load()),
		Delivered: int(delivered.Load()),
		Elapsed:   time.Since(start),
	}
	report.ConnectRate = rate(report.Connected, report.Sessions)
	report.DeliveryRate = rate(report.Delivered, report.Attempted)
	report.Verdict = classify(report.ConnectRate, report.DeliveryRate)

	slog.Info("load validation completed",
		"sessions", report.Sessions,
		"connect_rate", report.ConnectRate,
		"delivery_rate", report.DeliveryRate,
		"verdict", string(report.Verdict),
		"elapsed_s", int(report.Elapsed.Seconds()),
	)
	return report
}

func rate(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}

func classify(connectRate, deliveryRate float64) Verdict {
	switch {
	case connectRate < failedConnectRate || deliveryRate < failedDeliveryRate:
		return VerdictFailed
	case connectRate >= healthyConnectRate && deliveryRate >= healthyDeliveryRate:
		return VerdictHealthy
	default:
		return VerdictUnstable
	}
}

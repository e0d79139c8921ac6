// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/LifelineLocal/services/crisis/datatypes"
)

// =============================================================================
// Rate Limiter
// =============================================================================

// RateLimitConfig holds the per-connection ceilings.
type RateLimitConfig struct {
	// MaxMessagesPerSecond is the short-window message ceiling.
	// Default: 10.
	MaxMessagesPerSecond int

	// MaxMessagesPerMinute is the sustained message ceiling.
	// Default: 120.
	MaxMessagesPerMinute int

	// MaxBytesPerSecond is the payload byte ceiling. Default: 64 KiB.
	MaxBytesPerSecond int

	// BanDuration is how long a connection is banned after repeated
	// violations. Default: 30s.
	BanDuration time.Duration

	// BanThreshold is the violation count within a minute that triggers
	// a ban. Default: 10.
	BanThreshold int
}

// DefaultRateLimitConfig returns production ceilings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxMessagesPerSecond: 10,
		MaxMessagesPerMinute: 120,
		MaxBytesPerSecond:    64 * 1024,
		BanDuration:          30 * time.Second,
		BanThreshold:         10,
	}
}

// connLimits is the per-connection limiter state: token buckets for the
// per-second ceilings plus a fixed window for the per-minute ceiling.
type connLimits struct {
	perSecond *rate.Limiter
	bytes     *rate.Limiter

	windowStart  time.Time
	windowCount  int
	violations   int
	bannedUntil  time.Time
	lastActivity time.Time
}

// RateLimiter enforces per-connection message and byte ceilings.
//
// Emergency-priority messages are exempt: a person in crisis is never
// throttled on the escalation path.
//
// Thread Safety: safe for concurrent use.
type RateLimiter struct {
	config RateLimitConfig

	// Observer counts rejections; may be nil.
	Observer interface{ RecordRateLimited() }

	now func() time.Time

	mu    sync.Mutex
	conns map[datatypes.ConnectionID]*connLimits
}

// NewRateLimiter creates a limiter with the given ceilings. Zero-valued
// fields fall back to defaults.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	def := DefaultRateLimitConfig()
	if config.MaxMessagesPerSecond <= 0 {
		config.MaxMessagesPerSecond = def.MaxMessagesPerSecond
	}
	if config.MaxMessagesPerMinute <= 0 {
		config.MaxMessagesPerMinute = def.MaxMessagesPerMinute
	}
	if config.MaxBytesPerSecond <= 0 {
		config.MaxBytesPerSecond = def.MaxBytesPerSecond
	}
	if config.BanDuration <= 0 {
		config.BanDuration = def.BanDuration
	}
	if config.BanThreshold <= 0 {
		config.BanThreshold = def.BanThreshold
	}
	return &RateLimiter{
		config: config,
		now:    time.Now,
		conns:  make(map[datatypes.ConnectionID]*connLimits),
	}
}

// Allow checks whether the connection may send a message of size bytes at
// the given priority. Returns ErrRateLimited on rejection.
//
// EMERGENCY priority always passes and does not consume budget.
func (l *RateLimiter) Allow(connID datatypes.ConnectionID, bytes int, priority datatypes.MessagePriority) error {
	if priority == datatypes.PriorityEmergency {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c := l.conns[connID]
	if c == nil {
		c = &connLimits{
			perSecond:   rate.NewLimiter(rate.Limit(l.config.MaxMessagesPerSecond), l.config.MaxMessagesPerSecond),
			bytes:       rate.NewLimiter(rate.Limit(l.config.MaxBytesPerSecond), l.config.MaxBytesPerSecond),
			windowStart: now,
		}
		l.conns[connID] = c
	}
	c.lastActivity = now

	if now.Before(c.bannedUntil) {
		l.reject()
		return datatypes.ErrRateLimited
	}

	// Per-minute fixed window.
	if now.Sub(c.windowStart) >= time.Minute {
		c.windowStart = now
		c.windowCount = 0
		c.violations = 0
	}
	if c.windowCount >= l.config.MaxMessagesPerMinute {
		l.violation(connID, c, now)
		return datatypes.ErrRateLimited
	}

	// Per-second token buckets.
	if !c.perSecond.AllowN(now, 1) || !c.bytes.AllowN(now, bytes) {
		l.violation(connID, c, now)
		return datatypes.ErrRateLimited
	}

	c.windowCount++
	return nil
}

// RemoveConnection drops the limiter state for a departed connection.
func (l *RateLimiter) RemoveConnection(connID datatypes.ConnectionID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, connID)
}

// violation counts one rejection and bans the connection once it crosses
// the threshold. Must be called with the lock held.
func (l *RateLimiter) violation(connID datatypes.ConnectionID, c *connLimits, now time.Time) {
	c.violations++
	if c.violations >= l.config.BanThreshold && now.After(c.bannedUntil) {
		c.bannedUntil = now.Add(l.config.BanDuration)
		slog.Warn("connection banned for repeated rate violations",
			"connection_id", connID,
			"until", c.bannedUntil.Format(time.RFC3339),
		)
	}
	l.reject()
}

func (l *RateLimiter) reject() {
	if l.Observer != nil {
		l.Observer.RecordRateLimited()
	}
}

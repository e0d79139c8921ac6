// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/LifelineLocal/services/crisis/resilience"
)

func newLimitedRouter(limiter *resilience.RateLimiter) *gin.Engine {
	router := gin.New()
	group := router.Group("/v1/sessions")
	group.Use(RateLimitMiddleware(limiter))
	group.POST("", func(c *gin.Context) { c.Status(http.StatusCreated) })
	group.POST("/:id/emergency", func(c *gin.Context) { c.Status(http.StatusOK) })
	return router
}

func tightLimiter() *resilience.RateLimiter {
	return resilience.NewRateLimiter(resilience.RateLimitConfig{
		MaxMessagesPerSecond: 2,
		MaxMessagesPerMinute: 2,
		MaxBytesPerSecond:    64 * 1024,
		BanDuration:          time.Minute,
		BanThreshold:         100,
	})
}

func TestRateLimitMiddlewareRejectsBurst(t *testing.T) {
	router := newLimitedRouter(tightLimiter())

	var last int
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions", nil)
		req.Header.Set("X-Lifeline-Connection", "conn-1")
		router.ServeHTTP(w, req)
		last = w.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestRateLimitMiddlewareExemptsEmergency(t *testing.T) {
	router := newLimitedRouter(tightLimiter())

	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions/s-1/emergency", nil)
		req.Header.Set("X-Lifeline-Connection", "conn-1")
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestRateLimitMiddlewareIsolatesConnections(t *testing.T) {
	router := newLimitedRouter(tightLimiter())

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions", nil)
		req.Header.Set("X-Lifeline-Connection", "noisy")
		router.ServeHTTP(w, req)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", nil)
	req.Header.Set("X-Lifeline-Connection", "quiet")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code)
}

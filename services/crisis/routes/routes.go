// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/LifelineLocal/services/crisis/handlers"
	"github.com/AleutianAI/LifelineLocal/services/crisis/middleware"
	"github.com/AleutianAI/LifelineLocal/services/crisis/resilience"
)

// SetupRoutes registers the crisis service routes.
//
// The REST session surface sits behind the rate limiter (nil disables
// it); the websocket endpoint is excluded because the delivery pipeline
// limits per message there.
func SetupRoutes(router *gin.Engine, core *handlers.Core, validator middleware.TokenValidator, limiter *resilience.RateLimiter) {
	router.GET("/health", handlers.HealthCheck(core))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(validator))
	{
		v1.GET("/ws", handlers.HandleCrisisWebSocket(core))

		sessions := v1.Group("/sessions")
		if limiter != nil {
			sessions.Use(middleware.RateLimitMiddleware(limiter))
		}
		{
			sessions.POST("", handlers.StartSession(core))
			sessions.GET("/:sessionId", handlers.GetSession(core))
			sessions.POST("/:sessionId/volunteer", handlers.MatchVolunteer(core))
			sessions.POST("/:sessionId/emergency", handlers.TriggerEmergency(core))
			sessions.DELETE("/:sessionId", handlers.EndSession(core))
			sessions.GET("/:sessionId/history", handlers.GetSessionHistory(core))
		}
	}
}

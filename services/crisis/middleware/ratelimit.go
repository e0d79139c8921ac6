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
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/LifelineLocal/services/crisis/datatypes"
	"github.com/AleutianAI/LifelineLocal/services/crisis/resilience"
)

// RateLimitMiddleware rejects REST callers that exceed the per-connection
// budget with 429. Emergency endpoints are never limited: a person in
// crisis must be able to escalate no matter how chatty their client has
// been.
//
// The connection identity comes from the X-Lifeline-Connection header;
// requests without one share a per-remote-address bucket.
func RateLimitMiddleware(limiter *resilience.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.HasSuffix(c.FullPath(), "/emergency") {
			c.Next()
			return
		}

		connID := datatypes.ConnectionID(c.GetHeader("X-Lifeline-Connection"))
		if connID == "" {
			connID = datatypes.ConnectionID(c.ClientIP())
		}

		size := int(c.Request.ContentLength)
		if size < 0 {
			size = 0
		}

		if err := limiter.Allow(connID, size, datatypes.PriorityNormal); err != nil {
			if errors.Is(err, datatypes.ErrRateLimited) {
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the crisis service.
//
// # Authentication Flow
//
// The auth middleware extracts a bearer token from the Authorization
// header, validates it through the configured TokenValidator, and stores
// the resulting CallerInfo in the Gin context for downstream handlers.
//
// # Local Behavior
//
// With the default PermissiveValidator every request authenticates as an
// anonymous caller, so a local deployment works without any identity
// infrastructure. A person in crisis is never turned away over a missing
// token; deployments validate volunteers and supervisors, not people
// seeking help.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/LifelineLocal/services/crisis/datatypes"
)

// callerInfoKey is the context key for storing CallerInfo. Typed key
// string, scoped to this service.
const callerInfoKey = "lifeline_caller_info"

// CallerInfo is the validated identity attached to a request.
type CallerInfo struct {
	// Identity is the stable caller identity; anonymous callers get a
	// generated token.
	Identity string

	// Role is the validated role. Validators may restrict which roles a
	// token grants.
	Role datatypes.Role

	// Anonymous marks callers with no real identity behind the token.
	Anonymous bool
}

// TokenValidator validates bearer tokens.
type TokenValidator interface {
	// Validate resolves a token to caller info. An empty token is
	// passed through; permissive implementations accept it.
	Validate(ctx context.Context, token string, requestedRole datatypes.Role) (*CallerInfo, error)
}

// PermissiveValidator accepts every request. Anonymous people in crisis
// connect without credentials; the requested role is granted as-is.
type PermissiveValidator struct{}

// Validate grants the requested role to any caller.
func (PermissiveValidator) Validate(_ context.Context, token string, requestedRole datatypes.Role) (*CallerInfo, error) {
	role := requestedRole
	if role == "" {
		role = datatypes.RolePerson
	}
	identity := token
	anonymous := false
	if identity == "" {
		identity = "anon-" + string(datatypes.NewConnectionID())
		anonymous = true
	}
	return &CallerInfo{Identity: identity, Role: role, Anonymous: anonymous}, nil
}

// SetCallerInfo stores the validated caller in the Gin context.
func SetCallerInfo(c *gin.Context, info *CallerInfo) {
	c.Set(callerInfoKey, info)
}

// GetCallerInfo retrieves the validated caller, or nil when the request
// did not pass the auth middleware.
func GetCallerInfo(c *gin.Context) *CallerInfo {
	if info, exists := c.Get(callerInfoKey); exists {
		if caller, ok := info.(*CallerInfo); ok {
			return caller
		}
	}
	return nil
}

// AuthMiddleware validates the bearer token and stores CallerInfo.
//
// # Description
//
// Extracts "Authorization: Bearer <token>" (missing header yields an
// empty token), reads the requested role from the "role" query parameter
// or "X-Lifeline-Role" header, and calls the validator. Validation
// failure rejects with 401; anything else proceeds.
func AuthMiddleware(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c.GetHeader("Authorization"))
		role := datatypes.Role(c.Query("role"))
		if role == "" {
			role = datatypes.Role(c.GetHeader("X-Lifeline-Role"))
		}

		info, err := validator.Validate(c.Request.Context(), token, role)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": datatypes.ErrAuthenticationRejected.Error(),
			})
			return
		}

		SetCallerInfo(c, info)
		c.Next()
	}
}

// extractBearerToken pulls the token out of an Authorization header
// value. Returns empty for a missing or non-Bearer header.
func extractBearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

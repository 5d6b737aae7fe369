// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the control plane.
//
// # Authentication Flow
//
// Device-facing routes require a shared secret in the X-Api-Key header.
// The secret is immutable configuration loaded once at startup; there is
// no reload path.
//
//	Request
//	   │
//	   ▼
//	APIKeyMiddleware
//	   │
//	   ├─► Read "X-Api-Key" header
//	   │
//	   ├─► Constant-time compare against the configured secret
//	   │
//	   └─► 401 on absence or mismatch, otherwise next handler
//
// Operator UI paths and /health are mounted outside this middleware.
package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// APIKeyHeader is the shared-secret request header.
const APIKeyHeader = "X-Api-Key"

// APIKeyMiddleware creates a Gin middleware that rejects requests whose
// X-Api-Key header does not match the configured secret.
//
// # Inputs
//
//   - secret: The configured shared secret. Must be non-empty; a missing
//     header is always rejected, so with an empty secret no request can
//     pass, and startup refuses to run without one.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware function ready for use with Gin.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func APIKeyMiddleware(secret string) gin.HandlerFunc {
	secretBytes := []byte(secret)
	return func(c *gin.Context) {
		presented := c.GetHeader(APIKeyHeader)
		if presented == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing api key",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(presented), secretBytes) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid api key",
			})
			return
		}
		c.Next()
	}
}

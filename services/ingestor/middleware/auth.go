// Package middleware provides HTTP middleware for the ingestor service.
//
// The auth middleware extracts a bearer token from the Authorization
// header and verifies it against the key provider. Invalid keys abort
// with 403; the registration and health routes are mounted outside it.
package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/fhirbridge/fhirbridge/services/ingestor/auth"
)

// AuthMiddleware authenticates every request on the group it is
// mounted on. Verification runs per request; nothing is cached.
// Invalid keys abort with 403; a credential-store outage aborts with
// 503 so clients do not discard a valid cached key.
func AuthMiddleware(provider *auth.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)
		if err := provider.Verify(c.Request.Context(), token); err != nil {
			if errors.Is(err, auth.ErrInvalidKey) {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error": "invalid or missing API key",
				})
				return
			}
			slog.Error("Key verification failed", "error", err)
			c.Header("Retry-After", "30")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "authentication is temporarily unavailable",
			})
			return
		}
		c.Next()
	}
}

// extractBearerToken parses "Authorization: Bearer <token>". The scheme
// is case-insensitive per RFC 7235. Returns "" when missing or malformed.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

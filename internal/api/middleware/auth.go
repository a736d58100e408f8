// Package middleware provides HTTP middleware for the Gin router.
//
// Go Learning Note — Middleware Pattern (Gin):
// In Gin, middleware is any function with the signature `gin.HandlerFunc`, which
// is `func(*gin.Context)`. Middleware functions form a chain: each one runs,
// optionally calls c.Next() to pass control to the next handler, and can call
// c.Abort() to stop the chain. Here the chain is request ID, then logging,
// then rate limiting, and for admin routes the token check last.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// RequireToken guards admin routes with a static bearer token. An empty token
// disables the routes entirely rather than leaving them open.
//
// Go Learning Note — Constant-Time Comparison:
// Comparing secrets with == returns as soon as one byte differs, which leaks
// how much of a guess was right through response timing.
// subtle.ConstantTimeCompare always looks at every byte.
func RequireToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "admin endpoints are disabled"})
			c.Abort()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			c.Abort()
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		c.Next()
	}
}

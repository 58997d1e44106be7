// Package auth guards administrative endpoints with a single operator
// token. The engine has exactly one caller class (the proxy fleet and
// its operators), so there are no per-user accounts; either you hold
// the deployment token or you don't.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Middleware rejects requests that do not carry the operator token as
// a bearer credential. An empty token disables the check entirely,
// which is the development default; production deployments set
// ADMIN_TOKEN.
func Middleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		presented := bearerToken(c)
		if presented == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}

		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin token.",
			})
			return
		}

		c.Next()
	}
}

// bearerToken extracts the credential from the Authorization header,
// accepting X-Admin-Token as a fallback for clients that cannot set
// Authorization.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.GetHeader("X-Admin-Token")
}

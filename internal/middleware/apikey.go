package middleware

import (
	"crypto/subtle"
	"net/http"

	"kycbackend/pkg/response"

	"github.com/gin-gonic/gin"
)

// RequireAPIKey guards the automation finalize callbacks with a pre-shared
// key in the X-API-Key header. Automated callers cannot perform an
// interactive login, so this path is deliberately separate from session
// auth.
func RequireAPIKey(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader("X-API-Key")
		if provided == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, "Missing API key. Please provide X-API-Key header."))
			return
		}
		if expected == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, "Invalid API key"))
			return
		}
		c.Next()
	}
}

package middleware

import (
	"net/http"
	"strings"

	"livecore/internal/core/services"
	"livecore/pkg/logger"

	"github.com/gin-gonic/gin"
)

func bearerToken(c *gin.Context) (string, bool) {
	parts := strings.Split(c.GetHeader("Authorization"), " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", false
	}
	return parts[1], true
}

// setUser makes the user visible to gin handlers and to services reading
// the request context.
func setUser(c *gin.Context, claims *services.Claims) {
	c.Set("user_id", claims.UserID)
	c.Set("username", claims.Username)
	c.Request = c.Request.WithContext(logger.ContextWithUser(c.Request.Context(), string(claims.UserID)))
}

func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			return
		}

		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		setUser(c, claims)
		c.Next()
	}
}

// OptionalAuthMiddleware lets anonymous requests through. The auth service
// then falls back to the configured agent user.
func OptionalAuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := bearerToken(c); ok {
			if claims, err := authService.ValidateToken(token); err == nil {
				setUser(c, claims)
			}
		}
		c.Next()
	}
}

package middleware

import (
	"net/http"
	"strings"

	"peermesh/internal/infrastructure/signal"

	"github.com/gin-gonic/gin"
)

// Auth guards the diagnostics API with the same HS256 tokens the
// signaling broker accepts, so one secret covers both surfaces.
func Auth(tokenSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			return
		}

		claims, err := signal.ValidateToken(parts[1], tokenSecret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("peer_id", claims.PeerID)
		c.Next()
	}
}

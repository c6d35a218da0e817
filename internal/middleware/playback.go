package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/streamforge/pipeline/internal/session"
)

const PlaybackContextKey = "playback_claims"

// PlaybackAuth validates signed playback tokens on manifest and session
// endpoints. The token may arrive as a `token` query parameter (the form
// video players can emit) or as a bearer header. The failure reason is
// returned to the caller; internal details are not.
func PlaybackAuth(issuer *session.Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			authHeader := c.GetHeader("Authorization")
			if parts := strings.Split(authHeader, " "); len(parts) == 2 && parts[0] == "Bearer" {
				token = parts[1]
			}
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Playback token required"})
			c.Abort()
			return
		}

		claims, err := issuer.Validate(token, c.ClientIP())
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Set(PlaybackContextKey, claims)
		c.Next()
	}
}

// GetPlaybackClaims retrieves validated playback claims from the context
func GetPlaybackClaims(c *gin.Context) (*session.PlaybackClaims, bool) {
	v, exists := c.Get(PlaybackContextKey)
	if !exists {
		return nil, false
	}

	claims, ok := v.(*session.PlaybackClaims)
	return claims, ok
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/streamforge/pipeline/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func authRouter() *gin.Engine {
	r := gin.New()
	r.GET("/protected", JWTAuth(), func(c *gin.Context) {
		userID, _ := GetUserID(c)
		c.JSON(http.StatusOK, gin.H{"user_id": userID})
	})
	return r
}

func TestJWTAuthValidToken(t *testing.T) {
	SetJWTSecret("middleware-test-secret")

	token, err := GenerateToken("user-1", "user@example.com", time.Hour)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	authRouter().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "user-1")
}

func TestJWTAuthMissingHeader(t *testing.T) {
	SetJWTSecret("middleware-test-secret")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	authRouter().ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJWTAuthBadToken(t *testing.T) {
	SetJWTSecret("middleware-test-secret")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	authRouter().ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func playbackRouter(issuer *session.Issuer) *gin.Engine {
	r := gin.New()
	r.GET("/manifest", PlaybackAuth(issuer), func(c *gin.Context) {
		claims, ok := GetPlaybackClaims(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"video_id": claims.VideoID})
	})
	return r
}

func TestPlaybackAuthQueryToken(t *testing.T) {
	issuer := session.NewIssuer("playback-secret", time.Hour)
	token, err := issuer.Issue("vid-1", "user-1", session.TokenOptions{})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/manifest?token="+token, nil)
	playbackRouter(issuer).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "vid-1")
}

func TestPlaybackAuthMissingToken(t *testing.T) {
	issuer := session.NewIssuer("playback-secret", time.Hour)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/manifest", nil)
	playbackRouter(issuer).ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPlaybackAuthInvalidToken(t *testing.T) {
	issuer := session.NewIssuer("playback-secret", time.Hour)
	other := session.NewIssuer("another-secret", time.Hour)
	token, err := other.Issue("vid-1", "user-1", session.TokenOptions{})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/manifest?token="+token, nil)
	playbackRouter(issuer).ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRateLimit(t *testing.T) {
	rl := NewRateLimiter(1, 2)

	r := gin.New()
	r.GET("/limited", RateLimit(rl), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/limited", nil)
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	assert.Equal(t, http.StatusOK, codes[0])
	assert.Equal(t, http.StatusOK, codes[1])
	assert.Equal(t, http.StatusTooManyRequests, codes[2], "burst exhausted")
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	rl.getLimiter("ip:198.51.100.1")
	require.Len(t, rl.limiters, 1)

	rl.Cleanup(0)
	assert.Empty(t, rl.limiters)
}

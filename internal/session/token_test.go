package session

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/streamforge/pipeline/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-playback-secret"

func TestIssueAndValidate(t *testing.T) {
	issuer := NewIssuer(testSecret, time.Hour)

	token, err := issuer.Issue("video-1", "user-1", TokenOptions{
		MaxSessions: 3,
		MaxQuality:  "720p",
	})
	require.NoError(t, err)
	assert.Len(t, strings.Split(token, "."), 3, "JWT compact form has three segments")

	claims, err := issuer.Validate(token, "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, "video-1", claims.VideoID)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, 3, claims.MaxSessions)
	assert.Equal(t, "720p", claims.MaxQuality)
}

func TestValidateRejectsTamperedSignature(t *testing.T) {
	issuer := NewIssuer(testSecret, time.Hour)

	token, err := issuer.Issue("video-1", "user-1", TokenOptions{})
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	tampered := parts[0] + "." + parts[1] + "." + "AAAA" + parts[2][4:]

	_, err = issuer.Validate(tampered, "")
	var tokenErr *models.TokenError
	require.True(t, errors.As(err, &tokenErr))
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	issuer := NewIssuer(testSecret, time.Hour)
	other := NewIssuer("a-different-secret", time.Hour)

	token, err := issuer.Issue("video-1", "user-1", TokenOptions{})
	require.NoError(t, err)

	_, err = other.Validate(token, "")
	var tokenErr *models.TokenError
	require.True(t, errors.As(err, &tokenErr))
	assert.Equal(t, "bad signature", tokenErr.Reason)
}

func TestValidateRejectsExpired(t *testing.T) {
	issuer := NewIssuer(testSecret, time.Minute)

	issued := time.Now()
	issuer.now = func() time.Time { return issued }

	token, err := issuer.Issue("video-1", "user-1", TokenOptions{})
	require.NoError(t, err)

	issuer.now = func() time.Time { return issued.Add(2 * time.Minute) }

	_, err = issuer.Validate(token, "")
	var tokenErr *models.TokenError
	require.True(t, errors.As(err, &tokenErr))
	assert.Equal(t, "expired", tokenErr.Reason)
}

func TestValidateIPAllowList(t *testing.T) {
	issuer := NewIssuer(testSecret, time.Hour)

	token, err := issuer.Issue("video-1", "user-1", TokenOptions{
		AllowedIPs: []string{"203.0.113.7", "203.0.113.8"},
	})
	require.NoError(t, err)

	claims, err := issuer.Validate(token, "203.0.113.8")
	require.NoError(t, err)
	assert.Equal(t, "video-1", claims.VideoID)

	_, err = issuer.Validate(token, "198.51.100.1")
	var tokenErr *models.TokenError
	require.True(t, errors.As(err, &tokenErr))
	assert.Equal(t, "client ip not allowed", tokenErr.Reason)
}

func TestValidateRejectsMalformed(t *testing.T) {
	issuer := NewIssuer(testSecret, time.Hour)

	_, err := issuer.Validate("not-a-token", "")
	var tokenErr *models.TokenError
	require.True(t, errors.As(err, &tokenErr))
	assert.Equal(t, "malformed", tokenErr.Reason)
}

func TestTokenOptionsTTLOverride(t *testing.T) {
	issuer := NewIssuer(testSecret, time.Hour)

	issued := time.Now()
	issuer.now = func() time.Time { return issued }

	token, err := issuer.Issue("video-1", "user-1", TokenOptions{TTL: 24 * time.Hour})
	require.NoError(t, err)

	issuer.now = func() time.Time { return issued.Add(2 * time.Hour) }

	claims, err := issuer.Validate(token, "")
	require.NoError(t, err)
	assert.Equal(t, "video-1", claims.VideoID)
}

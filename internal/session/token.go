package session

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/streamforge/pipeline/pkg/models"
)

// PlaybackClaims is the claim set carried by a signed playback token.
// Immutable once issued; validity is a pure function of signature,
// expiry, and the claim checks below.
type PlaybackClaims struct {
	VideoID     string   `json:"video_id"`
	UserID      string   `json:"user_id"`
	AllowedIPs  []string `json:"allowed_ips,omitempty"`
	MaxSessions int      `json:"max_sessions,omitempty"`
	MaxQuality  string   `json:"max_quality,omitempty"`
	jwt.RegisteredClaims
}

// TokenOptions restricts where and how a playback token may be used.
type TokenOptions struct {
	AllowedIPs  []string
	MaxSessions int
	MaxQuality  string
	TTL         time.Duration
}

// Issuer signs and validates playback tokens with an HMAC-SHA256 secret.
type Issuer struct {
	secret     []byte
	defaultTTL time.Duration

	now func() time.Time
}

// NewIssuer creates a token issuer. defaultTTL applies when TokenOptions
// does not carry its own TTL.
func NewIssuer(secret string, defaultTTL time.Duration) *Issuer {
	return &Issuer{
		secret:     []byte(secret),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Issue signs a playback token for a (video, user) pair.
func (i *Issuer) Issue(videoID, userID string, opts TokenOptions) (string, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = i.defaultTTL
	}

	now := i.now()
	claims := PlaybackClaims{
		VideoID:     videoID,
		UserID:      userID,
		AllowedIPs:  opts.AllowedIPs,
		MaxSessions: opts.MaxSessions,
		MaxQuality:  opts.MaxQuality,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Validate checks signature, expiry, and, when the token carries an IP
// allow-list, membership of clientIP in that list. Failures come back as
// a *models.TokenError.
func (i *Issuer) Validate(tokenString, clientIP string) (*PlaybackClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &PlaybackClaims{}, func(token *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, &models.TokenError{Reason: tokenFailureReason(err), Err: err}
	}

	claims, ok := token.Claims.(*PlaybackClaims)
	if !ok || !token.Valid {
		return nil, &models.TokenError{Reason: "invalid claims"}
	}

	if len(claims.AllowedIPs) > 0 && !containsIP(claims.AllowedIPs, clientIP) {
		return nil, &models.TokenError{Reason: "client ip not allowed"}
	}

	return claims, nil
}

func tokenFailureReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "expired"
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return "not yet valid"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "bad signature"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed"
	default:
		return "invalid"
	}
}

func containsIP(allowed []string, ip string) bool {
	for _, a := range allowed {
		if a == ip {
			return true
		}
	}
	return false
}

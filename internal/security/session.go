package security

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// SessionCookieName is the cookie carrying the platform session JWT.
	SessionCookieName = "access_token_cookie"
	// CSRFCookieName is the cookie mirrored by the CSRF header on mutations.
	CSRFCookieName = "csrf_token"
	// CSRFHeaderName is the request header carrying the CSRF token.
	CSRFHeaderName = "X-CSRF-Token"
)

var (
	errEmptySecret   = errors.New("security: empty jwt secret")
	errEmptySubject  = errors.New("security: session token has no subject")
	errInvalidClaims = errors.New("security: invalid session claims")
)

// SessionClaims are the claims of a platform session token.
type SessionClaims struct {
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// Username returns the session subject.
func (c *SessionClaims) Username() string {
	if c == nil {
		return ""
	}
	return c.Subject
}

// IssueSessionToken signs an HS256 session token for username.
func IssueSessionToken(secret, username string, perms []string, expiry time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errEmptySecret
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return "", errEmptySubject
	}
	claims := SessionClaims{
		Permissions: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}
	signed, errSign := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if errSign != nil {
		return "", fmt.Errorf("security: sign session token: %w", errSign)
	}
	return signed, nil
}

// ParseSessionToken verifies an HS256 session token and returns its claims.
func ParseSessionToken(secret, token string) (*SessionClaims, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errEmptySecret
	}
	claims := &SessionClaims{}
	parsed, errParse := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if errParse != nil {
		return nil, fmt.Errorf("security: parse session token: %w", errParse)
	}
	if !parsed.Valid {
		return nil, errInvalidClaims
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, errEmptySubject
	}
	return claims, nil
}

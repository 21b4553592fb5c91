package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
)

// CSRFMatches reports whether the header token equals the cookie token.
// Both must be present.
func CSRFMatches(headerToken, cookieToken string) bool {
	if headerToken == "" || cookieToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(headerToken), []byte(cookieToken)) == 1
}

// NewCSRFToken returns a random token suitable for the CSRF cookie.
func NewCSRFToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

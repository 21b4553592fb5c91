package security

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionToken_RoundTrip(t *testing.T) {
	now := time.Now()
	token, err := IssueSessionToken("secret", "alice", []string{"manage_credits"}, time.Hour, now)
	require.NoError(t, err)

	claims, err := ParseSessionToken("secret", token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username())
	assert.Equal(t, []string{"manage_credits"}, claims.Permissions)
}

func TestParseSessionToken_Rejects(t *testing.T) {
	now := time.Now()
	valid, err := IssueSessionToken("secret", "alice", nil, time.Hour, now)
	require.NoError(t, err)

	_, err = ParseSessionToken("other-secret", valid)
	assert.Error(t, err)

	expired, err := IssueSessionToken("secret", "alice", nil, time.Minute, now.Add(-time.Hour))
	require.NoError(t, err)
	_, err = ParseSessionToken("secret", expired)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = ParseSessionToken("secret", noExpiry)
	assert.Error(t, err)

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "alice", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = ParseSessionToken("secret", hs512)
	assert.Error(t, err)

	_, err = ParseSessionToken("", valid)
	assert.Error(t, err)
}

func TestIssueSessionToken_RequiresSubject(t *testing.T) {
	_, err := IssueSessionToken("secret", "  ", nil, time.Hour, time.Now())
	assert.Error(t, err)
}

func TestCSRFMatches(t *testing.T) {
	token, err := NewCSRFToken()
	require.NoError(t, err)
	assert.Len(t, token, 64)
	assert.True(t, CSRFMatches(token, token))
	assert.False(t, CSRFMatches(token, token+"x"))
	assert.False(t, CSRFMatches("", ""))
}

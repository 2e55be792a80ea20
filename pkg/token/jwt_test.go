package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJWTManager_RoundTrip(t *testing.T) {
	m := NewJWTManager("secret", 1, 7)

	access, err := m.GenerateToken(42, "alice")
	require.NoError(t, err)
	claims, err := m.VerifyToken(access)
	require.NoError(t, err)
	require.Equal(t, uint(42), claims.UserID)
	require.Equal(t, "alice", claims.Username)
	require.Equal(t, TypeAccess, claims.TokenType)
	require.InDelta(t, time.Hour.Seconds(), claims.Remaining().Seconds(), 5)

	refresh, err := m.GenerateRefreshToken(42, "alice")
	require.NoError(t, err)
	claims, err = m.VerifyToken(refresh)
	require.NoError(t, err)
	require.Equal(t, TypeRefresh, claims.TokenType)
	require.InDelta(t, (7 * 24 * time.Hour).Seconds(), claims.Remaining().Seconds(), 5)
}

func TestJWTManager_TokensAreUnique(t *testing.T) {
	m := NewJWTManager("secret", 1, 7)
	a, err := m.GenerateToken(1, "u")
	require.NoError(t, err)
	b, err := m.GenerateToken(1, "u")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestJWTManager_Rejects(t *testing.T) {
	m := NewJWTManager("secret", 1, 7)
	tok, err := m.GenerateToken(1, "u")
	require.NoError(t, err)

	_, err = NewJWTManager("other", 1, 7).VerifyToken(tok)
	require.Error(t, err)
	_, err = m.VerifyToken("garbage")
	require.Error(t, err)

	expired := NewJWTManager("secret", -1, 7)
	tok, err = expired.GenerateToken(1, "u")
	require.NoError(t, err)
	_, err = m.VerifyToken(tok)
	require.Error(t, err)
}

func TestCustomClaims_RemainingWithoutExpiry(t *testing.T) {
	require.Zero(t, (&CustomClaims{}).Remaining())
}

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func newTestJWTManager(t *testing.T) *JWTManager {
	t.Helper()
	m, err := NewJWTManager([]byte("0123456789012345678901234567890123456789"), "fleetctl-server")
	require.NoError(t, err)
	return m
}

func TestGenerateAndValidateAccessToken(t *testing.T) {
	m := newTestJWTManager(t)
	sessionID := NewSessionID()

	token, err := m.GenerateAccessToken("user-1", "operator", sessionID)
	require.NoError(t, err)

	claims, err := m.ValidateAccessToken(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.UserID)
	require.Equal(t, "operator", claims.Role)
	require.Equal(t, sessionID, claims.ID)
}

func TestValidateAccessTokenRejectsWrongSigningMethod(t *testing.T) {
	m := newTestJWTManager(t)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		UserID: "user-1",
		Role:   "operator",
	}
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	tok, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = m.ValidateAccessToken(tok)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestValidateAccessTokenRejectsExpired(t *testing.T) {
	m := newTestJWTManager(t)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * accessTokenDuration)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
		UserID: "user-1",
		Role:   "operator",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	require.NoError(t, err)

	_, err = m.ValidateAccessToken(signed)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestNeedsRefresh(t *testing.T) {
	m := newTestJWTManager(t)

	fresh := &Claims{RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(accessTokenDuration))}}
	require.False(t, m.NeedsRefresh(fresh))

	expiringSoon := &Claims{RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))}}
	require.True(t, m.NeedsRefresh(expiringSoon))

	noExpiry := &Claims{}
	require.False(t, m.NeedsRefresh(noExpiry))
}

func TestRotatePreservesIdentityAndSessionID(t *testing.T) {
	m := newTestJWTManager(t)
	sessionID := NewSessionID()

	original, err := m.GenerateAccessToken("user-1", "operator", sessionID)
	require.NoError(t, err)
	claims, err := m.ValidateAccessToken(original)
	require.NoError(t, err)

	rotated, expiresAt, err := m.Rotate(claims)
	require.NoError(t, err)
	require.NotEqual(t, original, rotated)
	require.WithinDuration(t, time.Now().Add(accessTokenDuration), expiresAt, 5*time.Second)

	rotatedClaims, err := m.ValidateAccessToken(rotated)
	require.NoError(t, err)
	require.Equal(t, "user-1", rotatedClaims.UserID)
	require.Equal(t, "operator", rotatedClaims.Role)
	require.Equal(t, sessionID, rotatedClaims.ID, "rotation must not open a new session")
}

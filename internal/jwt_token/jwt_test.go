package jwttoken

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const clientID = "lms-gateway"

func newService(t *testing.T) *JWTService {
	t.Helper()
	s, err := NewJWTService("test-signing-key", "eventrelay")
	require.NoError(t, err)
	return s
}

func Test_NewJWTService_RequiresKey(t *testing.T) {
	_, err := NewJWTService("", "eventrelay")
	require.ErrorContains(t, err, "signing key is required")
}

func Test_GenerateToken(t *testing.T) {
	s := newService(t)
	token, err := s.GenerateToken(clientID, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := s.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, clientID, claims.ClientID)
	assert.Equal(t, "eventrelay", claims.Issuer)
	assert.NotEmpty(t, claims.ID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)
}

func Test_ValidateToken_InvalidToken(t *testing.T) {
	_, err := newService(t).ValidateToken("invalid-token-string")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func Test_ValidateToken_ExpiredToken(t *testing.T) {
	s := newService(t)
	token, err := s.GenerateToken(clientID, -time.Hour)
	require.NoError(t, err)

	_, err = s.ValidateToken(token)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func Test_ValidateToken_WrongKey(t *testing.T) {
	other, err := NewJWTService("other-key", "eventrelay")
	require.NoError(t, err)
	token, err := other.GenerateToken(clientID, time.Hour)
	require.NoError(t, err)

	_, err = newService(t).ValidateToken(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func Test_ValidateToken_WrongIssuer(t *testing.T) {
	other, err := NewJWTService("test-signing-key", "someone-else")
	require.NoError(t, err)
	token, err := other.GenerateToken(clientID, time.Hour)
	require.NoError(t, err)

	_, err = newService(t).ValidateToken(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func Test_ValidateToken_RejectsOtherAlgorithms(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "eventrelay",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte("test-signing-key"))
	require.NoError(t, err)

	_, err = newService(t).ValidateToken(signed)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func Test_Adapter(t *testing.T) {
	s := newService(t)
	token, err := s.GenerateToken(clientID, time.Hour)
	require.NoError(t, err)

	claims, err := NewJWTServiceAdapter(s).ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, clientID, claims.ClientID)
	assert.NotEmpty(t, claims.TokenID)

	_, err = NewJWTServiceAdapter(s).ValidateToken("garbage")
	require.Error(t, err)
}

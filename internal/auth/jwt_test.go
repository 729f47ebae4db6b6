package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// signTestToken plays the external auth service that issues the tokens we
// only validate.
func signTestToken(t *testing.T, secret string, claims *Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestValidateAccessToken(t *testing.T) {
	m := NewJWTManager("test-secret")

	claims := &Claims{
		UserID:   7,
		Nickname: "kim",
		Role:     "PARTICIPANT",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	got, err := m.ValidateAccessToken(signTestToken(t, "test-secret", claims))
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.UserID)
	assert.Equal(t, "kim", got.Nickname)
	assert.Equal(t, "PARTICIPANT", got.Role)
}

func TestValidateAccessTokenExpired(t *testing.T) {
	m := NewJWTManager("test-secret")
	claims := &Claims{
		UserID: 7,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}

	_, err := m.ValidateAccessToken(signTestToken(t, "test-secret", claims))
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestValidateAccessTokenInvalid(t *testing.T) {
	m := NewJWTManager("test-secret")
	claims := &Claims{
		UserID: 7,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}

	// 다른 시크릿으로 서명된 토큰
	_, err := m.ValidateAccessToken(signTestToken(t, "other-secret", claims))
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.ValidateAccessToken("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

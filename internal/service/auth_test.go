package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumire/homeservices/internal/domain"
)

func TestTokenRoundTrip(t *testing.T) {
	s := NewAuthService(AuthConfig{JWTSecret: "test-secret"})

	token, err := s.IssueToken(provider)
	require.NoError(t, err)

	actor, err := s.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, provider, actor)
}

func TestValidateTokenRejects(t *testing.T) {
	s := NewAuthService(AuthConfig{JWTSecret: "test-secret"})
	other := NewAuthService(AuthConfig{JWTSecret: "other-secret"})

	foreign, err := other.IssueToken(customer)
	require.NoError(t, err)
	_, err = s.ValidateToken(foreign)
	require.Error(t, err)

	sign := func(claims jwt.MapClaims) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
		require.NoError(t, err)
		return tok
	}
	exp := time.Now().Add(time.Minute).Unix()

	_, err = s.ValidateToken(sign(jwt.MapClaims{"sub": "u1", "role": "customer", "type": "refresh", "exp": exp}))
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = s.ValidateToken(sign(jwt.MapClaims{"sub": "u1", "role": "admin", "type": "access", "exp": exp}))
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = s.ValidateToken(sign(jwt.MapClaims{"role": "customer", "type": "access", "exp": exp}))
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	expired := sign(jwt.MapClaims{"sub": "u1", "role": "customer", "type": "access", "exp": time.Now().Add(-time.Minute).Unix()})
	_, err = s.ValidateToken(expired)
	require.Error(t, err)
}

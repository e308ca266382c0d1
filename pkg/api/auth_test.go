package api

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string, c claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestJWTVerifierAcceptsValidToken(t *testing.T) {
	v := NewJWTVerifier("s3cret")
	token := signToken(t, "s3cret", claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "trinity",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Email: "trinity@zion.example",
		Scope: "projects:read projects:write",
	})

	id, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "trinity", id.OwnerID)
	assert.Equal(t, "trinity@zion.example", id.OwnerEmail)
	assert.True(t, id.HasScope("projects:read"))
	assert.True(t, id.HasScope("projects:write"))
	assert.False(t, id.HasScope("admin"))
}

func TestJWTVerifierRejectsWrongSecret(t *testing.T) {
	v := NewJWTVerifier("s3cret")
	token := signToken(t, "wrong-secret", claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "trinity"},
	})

	_, err := v.Verify(context.Background(), token)
	assert.Error(t, err)
}

func TestJWTVerifierRejectsExpiredToken(t *testing.T) {
	v := NewJWTVerifier("s3cret")
	token := signToken(t, "s3cret", claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "trinity",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})

	_, err := v.Verify(context.Background(), token)
	assert.Error(t, err)
}

func TestJWTVerifierRejectsWhenUnconfigured(t *testing.T) {
	v := NewJWTVerifier("")
	_, err := v.Verify(context.Background(), "anything")
	assert.Error(t, err)
}

func TestIdentityHasScopeOnNilIdentity(t *testing.T) {
	var id *Identity
	assert.False(t, id.HasScope("admin"))
}

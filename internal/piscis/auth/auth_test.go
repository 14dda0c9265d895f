package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acuicola/piscis/common/sentinel"
	"github.com/acuicola/piscis/internal/piscis/auth"
)

const secret = "test-signing-key-0123456789"

func TestJWTService_RoundTrip(t *testing.T) {
	svc := auth.NewJWTService(secret, "piscis")
	token, err := svc.GenerateAccessToken(auth.Actor{ID: "op1", Email: "luis@granja.example", Role: "operador"}, time.Hour)
	require.NoError(t, err)

	actor, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "op1", actor.ID)
	assert.Equal(t, "luis@granja.example", actor.Email)
	assert.False(t, actor.Privileged())
}

func TestJWTService_AdminIsPrivileged(t *testing.T) {
	svc := auth.NewJWTService(secret, "piscis")
	token, err := svc.GenerateAccessToken(auth.Actor{ID: "adm1", Role: "admin"}, time.Hour)
	require.NoError(t, err)
	actor, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.True(t, actor.Privileged())
}

func TestJWTService_Rejects(t *testing.T) {
	svc := auth.NewJWTService(secret, "piscis")

	expired, err := svc.GenerateAccessToken(auth.Actor{ID: "op1"}, -time.Minute)
	require.NoError(t, err)
	_, err = svc.ValidateToken(expired)
	assert.True(t, errors.Is(err, sentinel.ErrUnauthorized), "expired: %v", err)

	other := auth.NewJWTService("another-signing-key-987654321", "piscis")
	forged, err := other.GenerateAccessToken(auth.Actor{ID: "op1", Role: "admin"}, time.Hour)
	require.NoError(t, err)
	_, err = svc.ValidateToken(forged)
	assert.True(t, errors.Is(err, sentinel.ErrUnauthorized), "wrong key: %v", err)

	wrongIssuer := auth.NewJWTService(secret, "elsewhere")
	tok, err := wrongIssuer.GenerateAccessToken(auth.Actor{ID: "op1"}, time.Hour)
	require.NoError(t, err)
	_, err = svc.ValidateToken(tok)
	assert.True(t, errors.Is(err, sentinel.ErrUnauthorized), "wrong issuer: %v", err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "op1", "iss": "piscis"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = svc.ValidateToken(unsigned)
	assert.True(t, errors.Is(err, sentinel.ErrUnauthorized), "alg none: %v", err)

	_, err = svc.ValidateToken("garbage")
	assert.True(t, errors.Is(err, sentinel.ErrUnauthorized))
}

func TestBearerToken(t *testing.T) {
	tok, err := auth.BearerToken("Bearer abc.def.ghi")
	require.NoError(t, err)
	assert.Equal(t, "abc.def.ghi", tok)

	tok, err = auth.BearerToken("bearer   xyz")
	require.NoError(t, err)
	assert.Equal(t, "xyz", tok)

	for _, h := range []string{"", "Bearer", "Basic abc", "Bearer   "} {
		_, err := auth.BearerToken(h)
		assert.ErrorIs(t, err, sentinel.ErrUnauthorized, "header %q", h)
	}
}

func TestActorContext(t *testing.T) {
	_, ok := auth.ActorFromContext(context.Background())
	assert.False(t, ok)

	ctx := auth.WithActor(context.Background(), auth.Actor{ID: "op1"})
	a, ok := auth.ActorFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "op1", a.ID)
}

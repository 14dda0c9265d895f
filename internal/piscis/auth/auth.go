// Package auth issues and validates the bearer tokens of the admin API and
// carries the authenticated actor through request contexts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/acuicola/piscis/common/sentinel"
	"github.com/acuicola/piscis/internal/piscis/store"
)

// Claims are the JWT claims of an access token. The subject is the actor ID.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Actor is the authenticated caller.
type Actor struct {
	ID    string
	Email string
	Role  string
}

// Privileged reports whether the actor holds the bypass capability, which
// also makes them an approver.
func (a Actor) Privileged() bool {
	return a.Role == store.RoleAdmin
}

// JWTService signs and validates HS256 access tokens.
type JWTService struct {
	signingKey []byte
	issuer     string
	now        func() time.Time
}

// NewJWTService creates a JWTService.
func NewJWTService(signingKey, issuer string) *JWTService {
	return &JWTService{signingKey: []byte(signingKey), issuer: issuer, now: time.Now}
}

// GenerateAccessToken returns a signed token for actor valid for expiresIn.
func (s *JWTService) GenerateAccessToken(actor Actor, expiresIn time.Duration) (string, error) {
	if actor.ID == "" {
		return "", errors.New("auth: actor ID is required")
	}
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Email: actor.Email,
		Role:  actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			ID:        uuid.NewString(),
		},
	})
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies tokenString and returns its actor.
func (s *JWTService) ValidateToken(tokenString string) (Actor, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Actor{}, fmt.Errorf("token has expired: %w", sentinel.ErrUnauthorized)
		}
		return Actor{}, fmt.Errorf("invalid token: %w", sentinel.ErrUnauthorized)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return Actor{}, fmt.Errorf("invalid token claims: %w", sentinel.ErrUnauthorized)
	}
	return Actor{ID: claims.Subject, Email: claims.Email, Role: claims.Role}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("missing bearer token: %w", sentinel.ErrUnauthorized)
	}
	return strings.TrimSpace(token), nil
}

type actorKey struct{}

// WithActor attaches actor to ctx.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor attached by WithActor.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}

// Package identity verifies bearer tokens issued by the external auth service.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/capitalize-ai/direct-messaging/internal/model"
)

// Verifier resolves a token to the user it was issued for.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// Claims represents the JWT claims we rely on.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scope,omitempty"`
}

// JWTVerifier validates HMAC-signed JWTs.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

var _ Verifier = (*JWTVerifier)(nil)

// NewJWTVerifier creates a verifier for tokens signed with secret.
func NewJWTVerifier(secret string, opts ...jwt.ParserOption) *JWTVerifier {
	opts = append([]jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5 * time.Second),
	}, opts...)
	return &JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(opts...),
	}
}

// Verify returns the token subject. Every failure wraps model.ErrAuth.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: missing token", model.ErrAuth)
	}

	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("%w: token expired", model.ErrAuth)
		}
		return "", fmt.Errorf("%w: %v", model.ErrAuth, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", model.ErrAuth)
	}
	return claims.Subject, nil
}

// Issue signs a token for userID. The real issuer lives elsewhere; this is
// used by tests and local tooling.
func Issue(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Static maps fixed tokens to users. Useful for tests.
type Static map[string]string

// Verify looks the token up.
func (s Static) Verify(ctx context.Context, token string) (string, error) {
	if userID, ok := s[token]; ok {
		return userID, nil
	}
	return "", fmt.Errorf("%w: unknown token", model.ErrAuth)
}

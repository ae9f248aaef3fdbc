// Package identity verifies the bearer tokens that carry a caller's
// principal id. Tokens are HS256 JWTs whose subject is the principal.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mrmushfiq/apiengine/internal/shared/apperr"
)

const issuer = "apiengine"

type claims struct {
	jwt.RegisteredClaims
}

// Verifier issues and checks principal tokens with a shared secret.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewVerifier(secret string) (*Verifier, error) {
	if len(secret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 characters")
	}
	return &Verifier{secret: []byte(secret), now: time.Now}, nil
}

// Issue signs a token for principal valid for ttl.
func (v *Verifier) Issue(principal string, ttl time.Duration) (string, error) {
	if principal == "" {
		return "", apperr.New(apperr.Invalid, "principal is required")
	}
	if ttl <= 0 {
		return "", apperr.New(apperr.Invalid, "ttl must be positive")
	}

	now := v.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   principal,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify returns the principal id carried by raw. Every failure is
// Unauthenticated; the cause is kept for logs.
func (v *Verifier) Verify(raw string) (string, error) {
	if raw == "" {
		return "", apperr.New(apperr.Unauthenticated, "missing bearer token")
	}

	parsed, err := jwt.ParseWithClaims(raw, &claims{}, func(token *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return "", apperr.Wrap(apperr.Unauthenticated, err, "invalid bearer token")
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || c.Subject == "" {
		return "", apperr.New(apperr.Unauthenticated, "invalid bearer token")
	}
	return c.Subject, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

// Package auth verifies the opaque sign-in credential a client presents in
// its auth frame and produces the verified identity attached to the session.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken indicates the credential failed verification. The reason is
// deliberately not surfaced to the client.
var ErrInvalidToken = errors.New("invalid token")

// Identity describes a verified user. Produced once per connection and
// immutable thereafter; Email is the unique key.
type Identity struct {
	Email string
	Name  string
	Pic   string
}

// Verifier turns an opaque credential into a verified identity. The context
// matters for verifiers that call out to the token issuer; the local JWT
// verifier ignores it.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Claims are the identity claims embedded in a sign-in token.
type Claims struct {
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HMAC-signed identity tokens issued by the sign-in
// provider.
type JWTVerifier struct {
	secret []byte
	leeway time.Duration
}

// NewJWTVerifier builds a verifier for tokens signed with the given shared
// secret. Expiry checks tolerate a small clock skew between issuer and relay.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), leeway: 10 * time.Second}
}

// Verify parses and validates a token and returns the identity embedded in
// it. A token without an email claim is invalid: email is the session key.
func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, error) {
	if len(v.secret) == 0 {
		return Identity{}, fmt.Errorf("%w: verifier has no secret", ErrInvalidToken)
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithLeeway(v.leeway))
	if err != nil {
		return Identity{}, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}

	email := strings.TrimSpace(claims.Email)
	if email == "" {
		return Identity{}, fmt.Errorf("%w: missing email claim", ErrInvalidToken)
	}

	name := strings.TrimSpace(claims.Name)
	if name == "" {
		name = email
	}

	return Identity{
		Email: email,
		Name:  name,
		Pic:   claims.Picture,
	}, nil
}

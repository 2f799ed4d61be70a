// Package auth verifies bearer tokens issued by the upstream identity layer.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"ai-chat-stream/internal/domain"
	"ai-chat-stream/internal/domain/ports/adapter"
)

var _ adapter.PrincipalVerifier = (*JWTVerifier)(nil)

// JWTVerifier accepts HS256 tokens and uses the subject claim as principal.
type JWTVerifier struct {
	secret []byte
	issuer string
}

func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}
}

func (v *JWTVerifier) Verify(_ context.Context, bearer string) (string, error) {
	if bearer == "" {
		return "", domain.ErrUnauthenticated
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &jwt.RegisteredClaims{}
	tkn, err := jwt.ParseWithClaims(bearer, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !tkn.Valid {
		return "", fmt.Errorf("%w: invalid token", domain.ErrUnauthenticated)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", domain.ErrUnauthenticated)
	}
	return claims.Subject, nil
}

// Mint signs a token for subject. Used by the dev token command and tests.
func (v *JWTVerifier) Mint(subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("auth: empty subject")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    v.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// BearerFromRequest extracts the token from "Authorization: Bearer <jwt>".
func BearerFromRequest(r *http.Request) string {
	hdr := r.Header.Get("Authorization")
	if len(hdr) > 7 && strings.EqualFold(hdr[:7], "bearer ") {
		return strings.TrimSpace(hdr[7:])
	}
	return ""
}

// StaticVerifier treats the bearer value itself as the principal. Dev only.
type StaticVerifier struct{}

func (StaticVerifier) Verify(_ context.Context, bearer string) (string, error) {
	if strings.TrimSpace(bearer) == "" {
		return "", domain.ErrUnauthenticated
	}
	return strings.TrimSpace(bearer), nil
}

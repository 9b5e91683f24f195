// Package admin gates the operator verbs (enrollment, revocation, queue
// cancellation) behind short-lived HS256 tokens. Fiscal submission itself
// never requires a token; only actions that change device identity or
// discard queued work do.
package admin

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "fiscalcore/admin"

// Scopes an admin token may carry.
const (
	ScopeEnroll = "enroll"
	ScopeRevoke = "revoke"
	ScopeQueue  = "queue"
)

var (
	ErrInvalidToken = errors.New("admin: invalid token")
	ErrMissingScope = errors.New("admin: missing scope")
)

// Claims extends the registered claims with tenant and scope fields.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
}

// TokenManager signs and validates admin tokens with a shared HS256 secret.
type TokenManager struct {
	secret []byte
}

// NewTokenManager requires a non-empty secret.
func NewTokenManager(secret string) (*TokenManager, error) {
	if secret == "" {
		return nil, fmt.Errorf("admin: empty secret")
	}
	return &TokenManager{secret: []byte(secret)}, nil
}

// Issue creates a token for a subject with the given scopes.
func (tm *TokenManager) Issue(subject, tenantID string, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: tenantID,
		Scopes:   scopes,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
}

// Validate parses a token and checks signature, issuer, and expiry.
func (tm *TokenManager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("admin: unexpected signing method %v", t.Header["alg"])
			}
			return tm.secret, nil
		},
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Require validates the token and checks it carries the scope.
func (tm *TokenManager) Require(tokenString, scope string) (*Claims, error) {
	claims, err := tm.Validate(tokenString)
	if err != nil {
		return nil, err
	}
	for _, s := range claims.Scopes {
		if s == scope {
			return claims, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrMissingScope, scope)
}

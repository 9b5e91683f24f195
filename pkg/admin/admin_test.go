package admin

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T) *TokenManager {
	t.Helper()
	tm, err := NewTokenManager("test-secret-please-rotate")
	require.NoError(t, err)
	return tm
}

func TestNewTokenManagerRejectsEmptySecret(t *testing.T) {
	_, err := NewTokenManager("")
	assert.Error(t, err)
}

func TestIssueValidateRoundtrip(t *testing.T) {
	tm := testManager(t)

	token, err := tm.Issue("ops@maisonpos", "resto-1", []string{ScopeEnroll, ScopeQueue}, time.Hour)
	require.NoError(t, err)

	claims, err := tm.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "ops@maisonpos", claims.Subject)
	assert.Equal(t, "resto-1", claims.TenantID)
	assert.Equal(t, []string{ScopeEnroll, ScopeQueue}, claims.Scopes)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	tm := testManager(t)
	token, err := tm.Issue("ops", "", []string{ScopeEnroll}, time.Hour)
	require.NoError(t, err)

	other, err := NewTokenManager("a-different-secret")
	require.NoError(t, err)
	_, err = other.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsExpired(t *testing.T) {
	tm := testManager(t)
	token, err := tm.Issue("ops", "", []string{ScopeEnroll}, -time.Minute)
	require.NoError(t, err)

	_, err = tm.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsWrongIssuer(t *testing.T) {
	tm := testManager(t)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops",
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
		SignedString([]byte("test-secret-please-rotate"))
	require.NoError(t, err)

	_, err = tm.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsAlgNone(t *testing.T) {
	tm := testManager(t)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = tm.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRequireScope(t *testing.T) {
	tm := testManager(t)
	token, err := tm.Issue("ops", "resto-1", []string{ScopeQueue}, time.Hour)
	require.NoError(t, err)

	claims, err := tm.Require(token, ScopeQueue)
	require.NoError(t, err)
	assert.Equal(t, "resto-1", claims.TenantID)

	_, err = tm.Require(token, ScopeRevoke)
	assert.ErrorIs(t, err, ErrMissingScope)
}

package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewright/gatewright/pkg/api"
	"github.com/gatewright/gatewright/pkg/auth"
)

func sign(t *testing.T, secret, issuer, sub string, exp time.Time, roles ...string) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Roles: roles,
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestValidate(t *testing.T) {
	v := auth.NewJWTValidator([]byte("secret"), "gatewright")
	exp := time.Now().Add(time.Hour)

	claims, err := v.Validate(sign(t, "secret", "gatewright", "sre@corp", exp, "operator"))
	require.NoError(t, err)
	assert.Equal(t, "sre@corp", claims.Subject)
	assert.Equal(t, []string{"operator"}, claims.Roles)

	_, err = v.Validate(sign(t, "wrong", "gatewright", "sre@corp", exp))
	assert.Error(t, err, "wrong signing key")

	_, err = v.Validate(sign(t, "secret", "someone-else", "sre@corp", exp))
	assert.Error(t, err, "wrong issuer")

	_, err = v.Validate(sign(t, "secret", "gatewright", "sre@corp", time.Now().Add(-time.Minute)))
	assert.Error(t, err, "expired token")
}

func TestValidate_RejectsAlgNone(t *testing.T) {
	v := auth.NewJWTValidator([]byte("secret"), "")
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "x"})
	unsigned, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Validate(unsigned)
	assert.Error(t, err)
}

func TestNewJWTValidator_EmptySecretFailsClosed(t *testing.T) {
	assert.Nil(t, auth.NewJWTValidator(nil, "gatewright"))
}

// The middleware hands the principal to handlers through the api package's
// context helpers; handlers never see the token machinery.
func TestMiddleware_AttachesPrincipal(t *testing.T) {
	v := auth.NewJWTValidator([]byte("secret"), "gatewright")
	tok := sign(t, "secret", "gatewright", "sre@corp", time.Now().Add(time.Hour), "operator", "auditor")

	var got *api.Principal
	handler := auth.Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := api.PrincipalFrom(r.Context())
		require.True(t, ok)
		got = p
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/plans/p1/pause", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.NotNil(t, got)
	assert.Equal(t, "sre@corp", got.ID)
	assert.True(t, got.HasRole("operator"))
	assert.False(t, got.HasRole("admin"))
}

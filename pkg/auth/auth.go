// Package auth validates operator identity for the control surface. Every
// pause, resume and rollback must carry an authenticated approver; the
// middleware fails closed when no validator is configured.
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gatewright/gatewright/pkg/api"
)

// Claims carried by gatewright operator tokens.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// JWTValidator validates HMAC-signed operator tokens.
type JWTValidator struct {
	secret []byte
	issuer string
}

// NewJWTValidator builds a validator. An empty secret yields nil, which the
// middleware treats as "reject everything".
func NewJWTValidator(secret []byte, issuer string) *JWTValidator {
	if len(secret) == 0 {
		return nil
	}
	return &JWTValidator{secret: secret, issuer: issuer}
}

// Validate parses and verifies a token string, returning its claims.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("auth: token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("auth: invalid token")
	}
	return claims, nil
}

// publicPaths need no authentication: liveness and telemetry ingestion,
// which carries no authority (samples can only make a rollout more
// cautious, never less).
var publicPaths = []string{
	"/health",
	"/api/telemetry",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// Middleware enforces Bearer-token auth on all non-public paths. A nil
// validator rejects every protected request.
func Middleware(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				api.WriteUnauthorized(w, "Missing Authorization header")
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				api.WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			if validator == nil {
				api.WriteUnauthorized(w, "Authentication not configured")
				return
			}

			claims, err := validator.Validate(parts[1])
			if err != nil {
				api.WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			if claims.Subject == "" {
				api.WriteUnauthorized(w, "Token subject is required")
				return
			}

			principal := &api.Principal{ID: claims.Subject, Roles: claims.Roles}
			next.ServeHTTP(w, r.WithContext(api.WithPrincipal(r.Context(), principal)))
		})
	}
}

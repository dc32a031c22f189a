// Package jwtauth guards the Local Key Manager's admin surface (`/pools`)
// with a bearer JWT, signed with a shared secret configured via
// LOCAL_KM_JWT_SECRET (spec.md §4.G/SPEC_FULL.md's ambient auth section).
package jwtauth

import (
	"net/http"
	"strings"

	jwt "github.com/dgrijalva/jwt-go"
	"github.com/r3e-network/qkd-kme/internal/httperr"
	"github.com/r3e-network/qkd-kme/internal/httputil"
)

// Claims is the minimal claim set this service issues and verifies.
type Claims struct {
	Subject string `json:"sub"`
	jwt.StandardClaims
}

// Verifier validates bearer tokens against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier constructs a Verifier over secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a bearer token, returning its subject claim.
func (v *Verifier) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, httperr.Forbidden("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return "", httperr.Forbidden("invalid or expired token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return "", httperr.Forbidden("invalid token claims")
	}
	return claims.Subject, nil
}

// Issue mints a bearer token for subject, used by operator tooling rather
// than any request path in this service.
func (v *Verifier) Issue(subject string) (string, error) {
	claims := Claims{Subject: subject, StandardClaims: jwt.StandardClaims{}}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Middleware rejects requests lacking a valid `Authorization: Bearer <jwt>`
// header with 403 Forbidden.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			httputil.WriteError(w, r, httperr.Forbidden("missing bearer token"))
			return
		}
		if _, err := v.Verify(strings.TrimPrefix(header, prefix)); err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

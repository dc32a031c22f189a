package jwtauth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	v := NewVerifier("test-secret")
	token, err := v.Issue("operator-1")
	require.NoError(t, err)

	subject, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "operator-1", subject)
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	v := NewVerifier("test-secret")
	token, err := v.Issue("operator-1")
	require.NoError(t, err)

	_, err = v.Verify(token + "tampered")
	require.Error(t, err)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer := NewVerifier("secret-a")
	token, err := issuer.Issue("operator-1")
	require.NoError(t, err)

	verifier := NewVerifier("secret-b")
	_, err = verifier.Verify(token)
	require.Error(t, err)
}

func TestMiddlewareRejectsMissingHeader(t *testing.T) {
	v := NewVerifier("test-secret")
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/pools", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMiddlewareAllowsValidToken(t *testing.T) {
	v := NewVerifier("test-secret")
	token, err := v.Issue("operator-1")
	require.NoError(t, err)

	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/pools", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

package httperr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  *Error
		want int
	}{
		{Validation("bad size"), http.StatusBadRequest},
		{UnknownSAE("SAE_X"), http.StatusBadRequest},
		{NotFound("key", "K1"), http.StatusNotFound},
		{PartialResult("some missing"), http.StatusPartialContent},
		{KeysUnavailable("timeout"), http.StatusServiceUnavailable},
		{Busy("sync running"), http.StatusServiceUnavailable},
		{AlreadyExists("sae", "SAE_A"), http.StatusBadRequest},
		{InsufficientKeys("SAE_A", 5, 2), http.StatusBadRequest},
		{Forbidden("master only"), http.StatusForbidden},
		{Transport("peer unreachable", errors.New("dial refused")), http.StatusBadGateway},
		{Config("size must be positive"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.err.HTTPStatus(), tc.err.Kind)
	}
}

func TestIsKind(t *testing.T) {
	err := NotFound("key", "K1")
	assert.True(t, IsKind(err, KindNotFound))
	assert.False(t, IsKind(err, KindForbidden))
	assert.False(t, IsKind(errors.New("plain"), KindNotFound))
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Transport("cross-KME fetch failed", cause)
	assert.ErrorIs(t, err, cause)
}

func TestHTTPStatusDefaultsToInternal(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
}

func TestWithDetails(t *testing.T) {
	err := Validation("bad number").WithDetails("field", "number").WithDetails("max", 10)
	assert.Equal(t, "number", err.Details["field"])
	assert.Equal(t, 10, err.Details["max"])
}

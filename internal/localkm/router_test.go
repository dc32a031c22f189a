package localkm

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/r3e-network/qkd-kme/internal/ratelimit"
	"github.com/r3e-network/qkd-kme/internal/userpool"
	"github.com/stretchr/testify/assert"
)

func testRouter(t *testing.T) http.Handler {
	repo := newFakeRepo()
	repo.allSAEIDs = []string{"sae-1"}
	pool := userpool.New(repo, nil)
	cfg := testConfig()
	cfg.UpstreamURL = "http://example.invalid"
	m := NewManager(cfg, pool, nil, nil, nil, nil, nil)

	return NewRouter(RouterConfig{
		Manager:   m,
		RateLimit: ratelimit.Config{RequestsPerSecond: 1000, Burst: 1000},
	})
}

func TestRouterRegisterCreatesUser(t *testing.T) {
	router := testRouter(t)
	body := bytes.NewBufferString(`{"sae_id":"sae-2","user_email":"a@example.com","initial_pool_size":5}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/user-keys/register", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestRouterPoolsAdminEndpointWithoutJWTSecretIsOpen(t *testing.T) {
	router := testRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/user-keys/pools", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterPoolsAdminEndpointRequiresBearerWhenSecretConfigured(t *testing.T) {
	repo := newFakeRepo()
	pool := userpool.New(repo, nil)
	cfg := testConfig()
	cfg.UpstreamURL = "http://example.invalid"
	m := NewManager(cfg, pool, nil, nil, nil, nil, nil)

	router := NewRouter(RouterConfig{
		Manager:   m,
		JWTSecret: "admin-secret",
		RateLimit: ratelimit.Config{RequestsPerSecond: 1000, Burst: 1000},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/user-keys/pools", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRouterHealthz(t *testing.T) {
	router := testRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterEncKeysRequiresSAEIdentity(t *testing.T) {
	router := testRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/user-keys/sae-1/enc_keys", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

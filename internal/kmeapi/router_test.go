package kmeapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/r3e-network/qkd-kme/internal/keygen"
	"github.com/r3e-network/qkd-kme/internal/keystore"
	"github.com/r3e-network/qkd-kme/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRouter(t *testing.T) http.Handler {
	client := &fakeClient{keys: []keygen.KeyRecord{{KeyID: "k1", KeyMaterial: "bQ==", SizeBytes: 32}}}
	store := keystore.New(nil)
	svc := NewService("kme-1", client, store, testLimits(), nil)

	return NewRouter(RouterConfig{
		Service:        svc,
		Store:          store,
		KMEID:          "kme-1",
		AttachedSAEIDs: []string{"sae-a"},
		IsMaster:       false,
		RateLimit:      ratelimit.Config{RequestsPerSecond: 1000, Burst: 1000},
	})
}

func TestRouterEncKeysRequiresSAEIdentity(t *testing.T) {
	router := testRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/keys/sae-b/enc_keys", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouterEncKeysSucceedsWithHeaderIdentity(t *testing.T) {
	router := testRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/keys/sae-b/enc_keys", nil)
	req.Header.Set("X-SAE-ID", "sae-a")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterInternalEndpointForbiddenOnSlave(t *testing.T) {
	router := testRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/internal/get_shared_key", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRouterAttachedSAEServedByAnyRole(t *testing.T) {
	router := testRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/internal/attached_sae", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp attachedSAEResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "kme-1", resp.KMEID)
	assert.Equal(t, []string{"sae-a"}, resp.SAEIDs)
}

func TestRouterRemoveKMEKeyAppliesWithoutRebroadcast(t *testing.T) {
	router := testRouter(t)
	body := strings.NewReader(`{"master_sae_id":"sae-a","slave_sae_id":"sae-b","key_ids":["k1"]}`)
	req := httptest.NewRequest(http.MethodPost, "/internal/remove_kme_key", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRouterHealthz(t *testing.T) {
	router := testRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

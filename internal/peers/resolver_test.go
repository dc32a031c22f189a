package peers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveKMEURLPrefersStaticMap(t *testing.T) {
	r := New(Config{StaticMap: map[string]string{"SAE_B": "https://kme2:8443"}})
	defer r.Stop()

	url, ok := r.ResolveKMEURL("SAE_B")
	require.True(t, ok)
	assert.Equal(t, "https://kme2:8443", url)
}

func TestResolveKMEURLScansPeersAndCaches(t *testing.T) {
	var probes int32
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, "/internal/attached_sae", req.URL.Path)
		atomic.AddInt32(&probes, 1)
		json.NewEncoder(w).Encode(attachedSAEResponse{KMEID: "2", SAEIDs: []string{"SAE_C"}})
	}))
	defer peer.Close()

	r := New(Config{PeerURLs: []string{peer.URL}, CacheTTL: time.Minute})
	defer r.Stop()

	url, ok := r.ResolveKMEURL("SAE_C")
	require.True(t, ok)
	assert.Equal(t, peer.URL, url)

	// Second lookup is served from the cache, not another probe.
	_, ok = r.ResolveKMEURL("SAE_C")
	require.True(t, ok)
	assert.Equal(t, int32(1), atomic.LoadInt32(&probes))
}

func TestResolveKMEURLSkipsUnreachablePeer(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(attachedSAEResponse{KMEID: "3", SAEIDs: []string{"SAE_D"}})
	}))
	defer up.Close()

	r := New(Config{PeerURLs: []string{down.URL, up.URL}})
	defer r.Stop()

	url, ok := r.ResolveKMEURL("SAE_D")
	require.True(t, ok)
	assert.Equal(t, up.URL, url)
}

func TestResolveKMEURLMiss(t *testing.T) {
	r := New(Config{})
	defer r.Stop()

	_, ok := r.ResolveKMEURL("SAE_UNKNOWN")
	assert.False(t, ok)
}

func TestParseStaticMap(t *testing.T) {
	m, err := ParseStaticMap("SAE_B=https://kme2:8443, SAE_C=https://kme3:8443")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"SAE_B": "https://kme2:8443",
		"SAE_C": "https://kme3:8443",
	}, m)
}

func TestParseStaticMapEmpty(t *testing.T) {
	m, err := ParseStaticMap("")
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestParseStaticMapMalformed(t *testing.T) {
	_, err := ParseStaticMap("SAE_B")
	assert.Error(t, err)

	_, err = ParseStaticMap("=https://kme2:8443")
	assert.Error(t, err)
}

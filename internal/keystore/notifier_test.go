package keystore

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/r3e-network/qkd-kme/internal/keygen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver struct {
	url string
	ok  bool
}

func (s staticResolver) ResolveKMEURL(saeID string) (string, bool) { return s.url, s.ok }

func TestHTTPNotifierPostsToResolvedPeer(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		assert.Equal(t, "requester-kme", r.Header.Get("X-KME-ID"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewHTTPNotifier(staticResolver{url: server.URL, ok: true}, "requester-kme", nil, nil)
	err := notifier.NotifyKeys(Pair{MasterSAEID: "m", SlaveSAEID: "s"}, []keygen.KeyRecord{{KeyID: "k1"}})
	require.NoError(t, err)
	assert.Equal(t, "/internal/kme_key_exchange", gotPath)
}

func TestHTTPNotifierRemovalPostsToRemoveEndpoint(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewHTTPNotifier(staticResolver{url: server.URL, ok: true}, "requester-kme", nil, nil)
	err := notifier.NotifyRemoved(Pair{MasterSAEID: "m", SlaveSAEID: "s"}, []string{"k1"})
	require.NoError(t, err)
	assert.Equal(t, "/internal/remove_kme_key", gotPath)
}

func TestHTTPNotifierSkipsWhenPeerUnresolved(t *testing.T) {
	notifier := NewHTTPNotifier(staticResolver{ok: false}, "requester-kme", nil, nil)
	err := notifier.NotifyKeys(Pair{MasterSAEID: "m", SlaveSAEID: "s"}, []keygen.KeyRecord{{KeyID: "k1"}})
	assert.NoError(t, err)
}

func TestHTTPNotifierSwallowsUnreachablePeerError(t *testing.T) {
	notifier := NewHTTPNotifier(staticResolver{url: "https://127.0.0.1:1", ok: true}, "requester-kme", nil, nil)
	err := notifier.NotifyKeys(Pair{MasterSAEID: "m", SlaveSAEID: "s"}, []keygen.KeyRecord{{KeyID: "k1"}})
	assert.NoError(t, err)
}

func TestNoopNotifierDoesNothing(t *testing.T) {
	var n NoopNotifier
	assert.NoError(t, n.NotifyKeys(Pair{}, nil))
}

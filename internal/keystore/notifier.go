package keystore

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/r3e-network/qkd-kme/internal/httperr"
	"github.com/r3e-network/qkd-kme/internal/keygen"
	"github.com/r3e-network/qkd-kme/internal/logging"
	"github.com/r3e-network/qkd-kme/internal/resilience"
)

// PeerNotifier mirrors Key Store mutations to the KME attached to the
// slave SAE of a pair, per spec.md §4.D: appends push the full records,
// removals push only the consumed ids.
type PeerNotifier interface {
	NotifyKeys(pair Pair, keys []keygen.KeyRecord) error
	NotifyRemoved(pair Pair, keyIDs []string) error
}

// NoopNotifier discards every notification. A Store built with a nil
// notifier behaves the same way; cmd/kme-server passes nil for a slave KME.
type NoopNotifier struct{}

func (NoopNotifier) NotifyKeys(Pair, []keygen.KeyRecord) error { return nil }
func (NoopNotifier) NotifyRemoved(Pair, []string) error        { return nil }

// SAEKMEResolver maps a slave SAE id to the base URL of its attached KME.
type SAEKMEResolver interface {
	ResolveKMEURL(saeID string) (string, bool)
}

// HTTPNotifier pushes key records to a peer KME's
// `/internal/kme_key_exchange` endpoint (and removals to
// `/internal/remove_kme_key`) over HTTPS, retried once per spec.md §7.
type HTTPNotifier struct {
	resolver       SAEKMEResolver
	requesterKMEID string
	httpClient     *http.Client
	retryCfg       resilience.RetryConfig
	logger         *logging.Logger
}

// NewHTTPNotifier constructs an HTTPNotifier.
func NewHTTPNotifier(resolver SAEKMEResolver, requesterKMEID string, httpClient *http.Client, logger *logging.Logger) *HTTPNotifier {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPNotifier{
		resolver:       resolver,
		requesterKMEID: requesterKMEID,
		httpClient:     httpClient,
		retryCfg:       resilience.DefaultRetryConfig(),
		logger:         logger,
	}
}

type notifyPayload struct {
	MasterSAEID string             `json:"master_sae_id"`
	SlaveSAEID  string             `json:"slave_sae_id"`
	Keys        []keygen.KeyRecord `json:"keys"`
}

type removePayload struct {
	MasterSAEID string   `json:"master_sae_id"`
	SlaveSAEID  string   `json:"slave_sae_id"`
	KeyIDs      []string `json:"key_ids"`
}

// NotifyKeys pushes keys to the peer KME attached to pair.SlaveSAEID. A
// peer that is unreachable is logged and swallowed, not surfaced as a
// pipeline error: the keys are already durably recorded in this KME's own
// Store, and spec.md §9 treats reconciliation as the slave KME's
// responsibility the next time it calls get_keys_by_ids.
func (n *HTTPNotifier) NotifyKeys(pair Pair, keys []keygen.KeyRecord) error {
	baseURL, ok := n.resolver.ResolveKMEURL(pair.SlaveSAEID)
	if !ok {
		if n.logger != nil {
			n.logger.WithFields(map[string]interface{}{"slave_sae_id": pair.SlaveSAEID}).
				Warn("no attached KME known for slave SAE; skipping broadcast")
		}
		return nil
	}

	body := notifyPayload{MasterSAEID: pair.MasterSAEID, SlaveSAEID: pair.SlaveSAEID, Keys: keys}

	err := resilience.Retry(context.Background(), n.retryCfg, func() error {
		return n.post(baseURL, "/internal/kme_key_exchange", body)
	})
	if err != nil && n.logger != nil {
		n.logger.WithError(err).WithFields(map[string]interface{}{
			"slave_sae_id": pair.SlaveSAEID,
			"peer_kme_url": baseURL,
		}).Warn("broadcast to peer KME failed after retry")
	}
	return nil
}

// NotifyRemoved mirrors a consumption to the peer KME so both stores drop
// the same ids, per spec.md §4.E step 5 (OTP consumption). Same
// best-effort policy as NotifyKeys.
func (n *HTTPNotifier) NotifyRemoved(pair Pair, keyIDs []string) error {
	baseURL, ok := n.resolver.ResolveKMEURL(pair.SlaveSAEID)
	if !ok {
		return nil
	}

	body := removePayload{MasterSAEID: pair.MasterSAEID, SlaveSAEID: pair.SlaveSAEID, KeyIDs: keyIDs}

	err := resilience.Retry(context.Background(), n.retryCfg, func() error {
		return n.post(baseURL, "/internal/remove_kme_key", body)
	})
	if err != nil && n.logger != nil {
		n.logger.WithError(err).WithFields(map[string]interface{}{
			"slave_sae_id": pair.SlaveSAEID,
			"peer_kme_url": baseURL,
		}).Warn("removal broadcast to peer KME failed after retry")
	}
	return nil
}

func (n *HTTPNotifier) post(baseURL, path string, payload interface{}) error {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + path)
	if err != nil {
		return httperr.Transport("invalid peer KME URL", err)
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return httperr.Wrap(httperr.KindConfig, "encode broadcast payload", err)
	}

	req, err := http.NewRequest(http.MethodPost, u.String(), bytes.NewReader(encoded))
	if err != nil {
		return httperr.Transport("build broadcast request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-KME-ID", n.requesterKMEID)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return httperr.Transport("broadcast request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return httperr.Transport("peer returned server error", nil)
	}
	return nil
}

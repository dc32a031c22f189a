package localkm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/r3e-network/qkd-kme/internal/httperr"
	"github.com/r3e-network/qkd-kme/internal/resilience"
)

// upstreamClient posts sync requests to the upstream KME's `/sync` endpoint
// (spec.md §6), guarded by the same circuit-breaker + bounded-retry policy
// used for KME-to-KME peer calls (spec.md §7).
type upstreamClient struct {
	baseURL    string
	localKMID  string
	deadline   time.Duration
	breaker    *resilience.CircuitBreaker
	httpClient *http.Client
	retryCfg   resilience.RetryConfig
}

func newUpstreamClient(baseURL, localKMID string, deadline time.Duration, breaker *resilience.CircuitBreaker, httpClient *http.Client) *upstreamClient {
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: deadline}
	}
	return &upstreamClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		localKMID:  localKMID,
		deadline:   deadline,
		breaker:    breaker,
		httpClient: httpClient,
		retryCfg:   resilience.DefaultRetryConfig(),
	}
}

type syncUserRequest struct {
	SAEID         string `json:"sae_id"`
	RequestedKeys int    `json:"requested_keys"`
}

type syncRequestBody struct {
	LocalKMID string            `json:"local_km_id"`
	Users     []syncUserRequest `json:"users"`
}

type syncedKey struct {
	KeyID string `json:"key_ID"`
	Key   string `json:"key"`
}

type syncUserResponse struct {
	SAEID         string      `json:"sae_id"`
	KeysDelivered int         `json:"keys_delivered"`
	Keys          []syncedKey `json:"keys,omitempty"`
}

type syncResponseBody struct {
	Success            bool               `json:"success"`
	SyncedUsers        int                `json:"synced_users"`
	TotalKeysDelivered int                `json:"total_keys_delivered"`
	UserSyncs          []syncUserResponse `json:"user_syncs"`
}

// sync POSTs {local_km_id, users} to the upstream KM with a bounded
// deadline, per spec.md §4.G step 4, retried once on transport error.
func (c *upstreamClient) sync(ctx context.Context, users []syncUserRequest) (syncResponseBody, error) {
	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	body := syncRequestBody{LocalKMID: c.localKMID, Users: users}
	var resp syncResponseBody

	op := func() error {
		encoded, err := json.Marshal(body)
		if err != nil {
			return httperr.Wrap(httperr.KindConfig, "encode sync request", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync", bytes.NewReader(encoded))
		if err != nil {
			return httperr.Transport("build sync request", err)
		}
		req.Header.Set("Content-Type", "application/json")

		httpResp, err := c.httpClient.Do(req)
		if err != nil {
			return httperr.Transport("upstream sync request failed", err)
		}
		defer httpResp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
		if err != nil {
			return httperr.Transport("read upstream sync response", err)
		}
		if httpResp.StatusCode >= 300 {
			return httperr.Transport(fmt.Sprintf("upstream returned %d", httpResp.StatusCode), fmt.Errorf("%s", string(data)))
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			return httperr.Transport("decode upstream sync response", err)
		}
		return nil
	}

	run := func() error {
		if c.breaker != nil {
			return c.breaker.Execute(ctx, op)
		}
		return op()
	}

	if err := resilience.Retry(ctx, c.retryCfg, run); err != nil {
		return syncResponseBody{}, httperr.Transport("upstream sync failed", err)
	}
	return resp, nil
}

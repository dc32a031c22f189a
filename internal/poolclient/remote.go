package poolclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/r3e-network/qkd-kme/internal/httperr"
	"github.com/r3e-network/qkd-kme/internal/keygen"
	"github.com/r3e-network/qkd-kme/internal/logging"
	"github.com/r3e-network/qkd-kme/internal/resilience"
)

// RemotePoolClient is the slave-role Client: it proxies requests to the
// master KME's internal peer endpoints (spec.md §6's `/internal/*`
// surface) over HTTPS, guarded by a circuit breaker and a bounded retry,
// per spec.md §7.
type RemotePoolClient struct {
	baseURL        string
	requesterKMEID string
	httpClient     *http.Client
	breaker        *resilience.CircuitBreaker
	retryCfg       resilience.RetryConfig
	logger         *logging.Logger
}

// RemoteConfig configures a RemotePoolClient.
type RemoteConfig struct {
	BaseURL        string
	RequesterKMEID string
	Timeout        time.Duration
	HTTPClient     *http.Client
}

// NewRemote constructs a RemotePoolClient pointed at a master KME's base
// URL, following this codebase's standard client-construction shape:
// normalize the base URL, apply a default timeout unless the caller
// supplied their own client.
func NewRemote(cfg RemoteConfig, breaker *resilience.CircuitBreaker, logger *logging.Logger) *RemotePoolClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &RemotePoolClient{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		requesterKMEID: cfg.RequesterKMEID,
		httpClient:     client,
		breaker:        breaker,
		retryCfg:       resilience.DefaultRetryConfig(),
		logger:         logger,
	}
}

func (c *RemotePoolClient) do(ctx context.Context, method, path string, query url.Values, body interface{}, out interface{}) error {
	op := func() error {
		var reqBody io.Reader
		if body != nil {
			encoded, err := json.Marshal(body)
			if err != nil {
				return httperr.Wrap(httperr.KindConfig, "encode request body", err)
			}
			reqBody = bytes.NewReader(encoded)
		}

		fullURL := c.baseURL + path
		if len(query) > 0 {
			fullURL += "?" + query.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
		if err != nil {
			return httperr.Transport("build request", err)
		}
		req.Header.Set("X-KME-ID", c.requesterKMEID)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return httperr.Transport("peer request failed", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return httperr.Transport("read peer response", err)
		}

		if resp.StatusCode == http.StatusServiceUnavailable {
			return httperr.Busy("peer KME is busy")
		}
		if resp.StatusCode >= 500 {
			return httperr.Transport(fmt.Sprintf("peer returned %d", resp.StatusCode), fmt.Errorf("%s", string(data)))
		}
		if resp.StatusCode == http.StatusNotFound {
			return httperr.NotFound("key", "")
		}
		if resp.StatusCode >= 400 {
			return httperr.New(httperr.KindValidation, fmt.Sprintf("peer returned %d: %s", resp.StatusCode, string(data)))
		}

		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return httperr.Transport("decode peer response", err)
			}
		}
		return nil
	}

	run := func() error {
		if c.breaker != nil {
			return c.breaker.Execute(ctx, op)
		}
		return op()
	}

	return resilience.Retry(ctx, c.retryCfg, run)
}

type remoteKeysResponse struct {
	Keys []keygen.KeyRecord `json:"keys"`
}

func (c *RemotePoolClient) GetKeys(ctx context.Context, n int, requesterKMEID string, timeout time.Duration) ([]keygen.KeyRecord, error) {
	q := url.Values{}
	q.Set("count", strconv.Itoa(n))
	q.Set("timeout_ms", strconv.FormatInt(timeout.Milliseconds(), 10))

	var resp remoteKeysResponse
	if err := c.do(ctx, http.MethodGet, "/internal/get_shared_key", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

func (c *RemotePoolClient) GetKeyByID(ctx context.Context, keyID, requesterKMEID string) (keygen.KeyRecord, bool, error) {
	q := url.Values{}
	q.Set("key_id", keyID)
	q.Set("remove", "true")

	var resp remoteKeysResponse
	err := c.do(ctx, http.MethodGet, "/internal/get_reserved_key", q, nil, &resp)
	if httperr.IsKind(err, httperr.KindNotFound) {
		return keygen.KeyRecord{}, false, nil
	}
	if err != nil {
		return keygen.KeyRecord{}, false, err
	}
	if len(resp.Keys) == 0 {
		return keygen.KeyRecord{}, false, nil
	}
	return resp.Keys[0], true, nil
}

// GetOneOffKey is served by the remote master the same way GetKeys is: a
// one-off key is just a non-default-size request that the master never
// persists, per spec.md §4.C.
func (c *RemotePoolClient) GetOneOffKey(ctx context.Context, sizeBytes int) (keygen.KeyRecord, error) {
	q := url.Values{}
	q.Set("count", "1")
	q.Set("size_bytes", strconv.Itoa(sizeBytes))
	q.Set("one_off", "true")

	var resp remoteKeysResponse
	if err := c.do(ctx, http.MethodGet, "/internal/get_shared_key", q, nil, &resp); err != nil {
		return keygen.KeyRecord{}, err
	}
	if len(resp.Keys) == 0 {
		return keygen.KeyRecord{}, httperr.KeysUnavailable("no one-off key returned by master")
	}
	return resp.Keys[0], nil
}

// AddKey is a no-op on a slave client, per spec.md §4.C: it logs a
// warning and returns nil without sending rec anywhere.
func (c *RemotePoolClient) AddKey(ctx context.Context, rec keygen.KeyRecord) error {
	if c.logger != nil {
		c.logger.WithContext(ctx).Warn("AddKey called on remote pool client; ignoring")
	}
	return nil
}

func (c *RemotePoolClient) Status(ctx context.Context) (Status, error) {
	var resp Status
	if err := c.do(ctx, http.MethodGet, "/internal/pool_status", nil, nil, &resp); err != nil {
		return Status{}, err
	}
	return resp, nil
}

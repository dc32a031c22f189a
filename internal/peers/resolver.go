// Package peers resolves which KME a given SAE sits behind. Resolution is
// two-tier: a statically configured SAE→KME map (the common two-KME
// deployment), and an HTTP scan of the configured peer KMEs' discovery
// endpoint for SAEs the static map does not name. Scan results are held
// in a TTL cache so the request pipeline does not re-probe peers on every
// enc_keys broadcast.
package peers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/r3e-network/qkd-kme/internal/cache"
	"github.com/r3e-network/qkd-kme/internal/logging"
)

// Resolver maps SAE ids to peer-KME base URLs. It implements
// keystore.SAEKMEResolver.
type Resolver struct {
	static   map[string]string
	peerURLs []string

	httpClient *http.Client
	cache      *cache.Cache
	logger     *logging.Logger
}

// Config configures a Resolver.
type Config struct {
	// StaticMap is the parsed SAE_KME_MAP entries: SAE id → peer KME base URL.
	StaticMap map[string]string
	// PeerURLs are the base URLs scanned when the static map misses.
	PeerURLs   []string
	HTTPClient *http.Client
	CacheTTL   time.Duration
	Logger     *logging.Logger
}

// New constructs a Resolver.
func New(cfg Config) *Resolver {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Resolver{
		static:     cfg.StaticMap,
		peerURLs:   cfg.PeerURLs,
		httpClient: client,
		cache:      cache.New(cache.Config{DefaultTTL: ttl}),
		logger:     cfg.Logger,
	}
}

// Stop releases the resolver's cache cleanup goroutine.
func (r *Resolver) Stop() { r.cache.Stop() }

// ResolveKMEURL returns the base URL of the KME attached to saeID.
// Order: static map, then cached scan results, then a live scan.
func (r *Resolver) ResolveKMEURL(saeID string) (string, bool) {
	if url, ok := r.static[saeID]; ok {
		return url, true
	}
	if v, ok := r.cache.Get(saeID); ok {
		return v.(string), true
	}
	url, ok := r.scan(saeID)
	if ok {
		r.cache.Set(saeID, url, 0)
	}
	return url, ok
}

type attachedSAEResponse struct {
	KMEID  string   `json:"kme_id"`
	SAEIDs []string `json:"sae_ids"`
}

// scan probes every configured peer's discovery endpoint until one claims
// saeID. An unreachable peer is skipped, not fatal: the next peer may
// still hold the answer, and the caller treats a full miss as UnknownSAE.
func (r *Resolver) scan(saeID string) (string, bool) {
	for _, base := range r.peerURLs {
		saeIDs, err := r.probe(base)
		if err != nil {
			if r.logger != nil {
				r.logger.WithError(err).WithFields(map[string]interface{}{"peer": base}).Warn("peer scan probe failed")
			}
			continue
		}
		for _, id := range saeIDs {
			if id == saeID {
				return base, true
			}
		}
	}
	return "", false
}

func (r *Resolver) probe(baseURL string) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.httpClient.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/internal/attached_sae", nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer discovery returned %d", resp.StatusCode)
	}
	var body attachedSAEResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.SAEIDs, nil
}

// ParseStaticMap parses the SAE_KME_MAP format:
// "SAE_B=https://kme2:8443,SAE_C=https://kme3:8443". Malformed entries
// are dropped with an error naming them, so a typo fails startup loudly
// instead of silently unrouting an SAE.
func ParseStaticMap(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 || strings.TrimSpace(kv[0]) == "" || strings.TrimSpace(kv[1]) == "" {
			return nil, fmt.Errorf("malformed SAE_KME_MAP entry %q", part)
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return out, nil
}

package kmeapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/r3e-network/qkd-kme/internal/identity"
	"github.com/r3e-network/qkd-kme/internal/keystore"
	"github.com/r3e-network/qkd-kme/internal/logging"
	"github.com/r3e-network/qkd-kme/internal/metrics"
	"github.com/r3e-network/qkd-kme/internal/ratelimit"
	"github.com/r3e-network/qkd-kme/internal/sharedpool"
)

// RouterConfig wires a Service and internal peer endpoints into a
// gorilla/mux router, per spec.md §6's external interface.
type RouterConfig struct {
	Service        *Service
	Resolver       *identity.Resolver
	Pool           *sharedpool.Pool // nil on a slave KME
	Store          *keystore.Store
	KMEID          string
	AttachedSAEIDs []string
	IsMaster       bool
	AcquireTimeout time.Duration
	RateLimit      ratelimit.Config
	Logger         *logging.Logger
	Metrics        *metrics.Registry
}

// NewRouter builds the full HTTP surface for a kme-server instance:
// `/api/v1/keys/...` for SAEs and `/internal/...` for peer KMEs, wrapped
// in recovery, request logging, and per-caller rate limiting, per
// spec.md §4.E.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Resolver == nil {
		cfg.Resolver = identity.New()
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}

	h := newHandlers(cfg.Service, cfg.Resolver)
	ih := newInternalHandlers(cfg.Pool, cfg.Store, cfg.KMEID, cfg.AttachedSAEIDs, cfg.IsMaster, cfg.AcquireTimeout, cfg.Logger)

	saeLimiter := ratelimit.NewPerKeyLimiter(cfg.RateLimit, 10*time.Minute)
	peerLimiter := ratelimit.NewPerKeyLimiter(cfg.RateLimit, 10*time.Minute)

	r := mux.NewRouter()
	r.Use(recoveryMiddleware(cfg.Logger))
	r.Use(loggingMiddleware(cfg.Logger))
	r.Use(metricsMiddleware(cfg.Metrics))

	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api/v1/keys").Subrouter()
	api.Use(rateLimitMiddleware(saeLimiter, func(req *http.Request) string {
		return req.Header.Get(identity.HeaderSAEID)
	}))
	api.HandleFunc("/{slave_sae_id}/status", h.status).Methods(http.MethodGet)
	api.HandleFunc("/{slave_sae_id}/enc_keys", h.encKeys).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/{master_sae_id}/dec_keys", h.decKeys).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/{peer_sae_id}/mark_consumed", h.markConsumed).Methods(http.MethodPost)

	internal := r.PathPrefix("/internal").Subrouter()
	internal.Use(rateLimitMiddleware(peerLimiter, func(req *http.Request) string {
		return req.Header.Get("X-KME-ID")
	}))
	internal.HandleFunc("/get_shared_key", ih.getSharedKey).Methods(http.MethodGet)
	internal.HandleFunc("/get_reserved_key", ih.getReservedKey).Methods(http.MethodGet)
	internal.HandleFunc("/kme_key_exchange", ih.kmeKeyExchange).Methods(http.MethodPost)
	internal.HandleFunc("/remove_kme_key", ih.removeKMEKey).Methods(http.MethodPost)
	internal.HandleFunc("/pool_status", ih.poolStatus).Methods(http.MethodGet)
	internal.HandleFunc("/attached_sae", ih.attachedSAE).Methods(http.MethodGet)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	return r
}

package localkm

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/r3e-network/qkd-kme/internal/identity"
	"github.com/r3e-network/qkd-kme/internal/jwtauth"
	"github.com/r3e-network/qkd-kme/internal/logging"
	"github.com/r3e-network/qkd-kme/internal/metrics"
	"github.com/r3e-network/qkd-kme/internal/ratelimit"
)

// RouterConfig wires a Local Key Manager's ETSI-shaped surface into a
// gorilla/mux router, mounted at /api/v1/user-keys per spec.md §6.
type RouterConfig struct {
	Manager    *Manager
	Resolver   *identity.Resolver
	JWTSecret  string
	RateLimit  ratelimit.Config
	Logger     *logging.Logger
	Metrics    *metrics.Registry
}

// NewRouter builds the full HTTP surface for a local-km instance.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Resolver == nil {
		cfg.Resolver = identity.New()
	}

	service := NewService(cfg.Manager)
	h := newHandlers(service, cfg.Resolver)

	saeLimiter := ratelimit.NewPerKeyLimiter(cfg.RateLimit, 10*time.Minute)

	r := mux.NewRouter()
	r.Use(recoveryMiddleware(cfg.Logger))
	r.Use(loggingMiddleware(cfg.Logger))
	r.Use(metricsMiddleware(cfg.Metrics))

	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api/v1/user-keys").Subrouter()
	api.Use(rateLimitMiddleware(saeLimiter, func(req *http.Request) string {
		return req.Header.Get(identity.HeaderSAEID)
	}))
	api.HandleFunc("/register", h.register).Methods(http.MethodPost)
	api.HandleFunc("/{sae_id}/refill", h.refill).Methods(http.MethodPost)
	api.HandleFunc("/{sae_id}/status", h.status).Methods(http.MethodGet)
	api.HandleFunc("/{sae_id}/enc_keys", h.encKeys).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/{sae_id}/dec_keys", h.decKeys).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/mark_consumed", h.markConsumed).Methods(http.MethodPost)
	api.HandleFunc("/sync", h.sync).Methods(http.MethodPost)

	admin := r.PathPrefix("/api/v1/user-keys").Subrouter()
	if cfg.JWTSecret != "" {
		admin.Use(jwtauth.NewVerifier(cfg.JWTSecret).Middleware)
	}
	admin.HandleFunc("/pools", h.pools).Methods(http.MethodGet)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	return r
}

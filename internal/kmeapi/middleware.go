package kmeapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/r3e-network/qkd-kme/internal/httperr"
	"github.com/r3e-network/qkd-kme/internal/httputil"
	"github.com/r3e-network/qkd-kme/internal/logging"
	"github.com/r3e-network/qkd-kme/internal/metrics"
	"github.com/r3e-network/qkd-kme/internal/ratelimit"
)

// statusRecorder captures the status code written by a handler so
// loggingMiddleware can record it after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// recoveryMiddleware converts a panicking handler into a 500 response,
// mirroring spec.md §7's "a handler panic must never crash the process".
func recoveryMiddleware(logger *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if logger != nil {
						logger.WithContext(r.Context()).WithFields(map[string]interface{}{"panic": rec}).Error("handler panicked")
					}
					httputil.WriteError(w, r, httperr.New(httperr.KindInternal, "internal server error"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// loggingMiddleware attaches a trace id to the request context and logs
// the outcome, following this codebase's request-logging convention.
func loggingMiddleware(logger *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := logging.WithTraceID(r.Context(), logging.NewTraceID())
			r = r.WithContext(ctx)
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			if logger != nil {
				logger.LogRequest(ctx, r.Method, r.URL.Path, rec.status, time.Since(start))
			}
		})
	}
}

// metricsMiddleware records request latency and outcome counts, per
// spec.md §6's METRICS_PORT scrape surface.
func metricsMiddleware(reg *metrics.Registry) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if reg == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			route := r.URL.Path
			if tmpl := mux.CurrentRoute(r); tmpl != nil {
				if p, err := tmpl.GetPathTemplate(); err == nil {
					route = p
				}
			}
			reg.ObserveRequest(route, r.Method, statusClass(rec.status), time.Since(start).Seconds())
		})
	}
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// rateLimitMiddleware throttles per-caller-SAE (or per-peer-KME) request
// rate, per spec.md §4.E's rate-limiting note. key extracts the bucket
// key from the request (e.g. the X-SAE-ID header or X-KME-ID header).
func rateLimitMiddleware(limiter *ratelimit.PerKeyLimiter, key func(*http.Request) string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bucket := key(r)
			if bucket != "" && !limiter.Allow(bucket) {
				httputil.WriteError(w, r, httperr.Busy("rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

package localkm

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

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

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

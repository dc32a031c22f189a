// Package httputil provides common HTTP request/response helpers shared by
// the KME and Local KM handlers.
package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/r3e-network/qkd-kme/internal/httperr"
	"github.com/r3e-network/qkd-kme/internal/logging"
)

// ErrorResponse is the JSON envelope written for every non-2xx response.
type ErrorResponse struct {
	Kind    string      `json:"kind"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	TraceID string      `json:"trace_id,omitempty"`
}

var defaultLogger = logging.NewFromEnv("httputil")

// WriteJSON writes v as a JSON body with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		defaultLogger.WithError(err).Warn("write json response")
	}
}

// WriteError writes err as the taxonomy-mapped JSON error envelope,
// following the HTTP boundary status mapping from spec.md §7.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := httperr.HTTPStatus(err)
	resp := ErrorResponse{Kind: "InternalError", Message: "internal server error"}

	if e, ok := httperr.As(err); ok {
		resp.Kind = string(e.Kind)
		resp.Message = e.Message
		if e.Details != nil {
			resp.Details = e.Details
		}
	}
	if r != nil {
		resp.TraceID = logging.GetTraceID(r.Context())
	}
	WriteJSON(w, status, resp)
}

// DecodeJSON decodes the request body into v, writing a ValidationError
// response and returning false on failure.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			// Empty body is valid for request structs whose fields are all optional.
			return true
		}
		WriteError(w, r, httperr.Validation("invalid request body"))
		return false
	}
	return true
}

// QueryInt extracts an integer query parameter, falling back to defaultVal.
func QueryInt(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(val); err == nil {
		return n
	}
	return defaultVal
}

// QueryStringList extracts a repeated query parameter (?key=a&key=b) or a
// single comma-separated value (?key=a,b), per spec.md §6's dec_keys GET form.
func QueryStringList(r *http.Request, key string) []string {
	values := r.URL.Query()[key]
	if len(values) > 1 {
		return values
	}
	if len(values) == 1 && strings.Contains(values[0], ",") {
		parts := strings.Split(values[0], ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	return values
}

// PathParamAt extracts the path segment at the given zero-based index after
// trimming leading/trailing slashes.
func PathParamAt(path string, index int) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if index >= 0 && index < len(parts) {
		return parts[index]
	}
	return ""
}

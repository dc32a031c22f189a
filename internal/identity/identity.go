// Package identity resolves the calling SAE's identity from an inbound
// HTTP request, per spec.md §4.E: either the client certificate's Common
// Name (the ETSI-specified mechanism for a production mTLS deployment) or
// an `X-SAE-ID` header (used in development, or when the request has
// already passed through a terminating proxy that attaches the header
// after validating the client cert itself).
package identity

import (
	"net/http"

	"github.com/r3e-network/qkd-kme/internal/httperr"
)

// HeaderSAEID is the development/proxy-terminated fallback header.
const HeaderSAEID = "X-SAE-ID"

// Resolver extracts the calling SAE's identity from a request.
type Resolver struct {
	// RequireCert, when true, rejects requests that carry no client
	// certificate even if X-SAE-ID is present — for deployments where the
	// header is trusted only as a display hint, not an identity source.
	RequireCert bool
}

// New constructs a Resolver. By default (RequireCert=false) it accepts
// either a verified client certificate or the X-SAE-ID header, matching
// spec.md §4.E's "certificate CN, or X-SAE-ID header" wording.
func New() *Resolver { return &Resolver{} }

// Resolve returns the requesting SAE's id, preferring the verified TLS
// client certificate's CN over the X-SAE-ID header.
func (r *Resolver) Resolve(req *http.Request) (string, error) {
	if req.TLS != nil && len(req.TLS.PeerCertificates) > 0 {
		cn := req.TLS.PeerCertificates[0].Subject.CommonName
		if cn != "" {
			return cn, nil
		}
	}

	if r.RequireCert {
		return "", httperr.Forbidden("client certificate required")
	}

	if header := req.Header.Get(HeaderSAEID); header != "" {
		return header, nil
	}

	return "", httperr.Validation("unable to determine calling SAE identity")
}

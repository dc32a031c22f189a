package kmeapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/r3e-network/qkd-kme/internal/httperr"
	"github.com/r3e-network/qkd-kme/internal/httputil"
	"github.com/r3e-network/qkd-kme/internal/identity"
)

// handlers binds Service operations to the ETSI-shaped SAE-facing routes.
type handlers struct {
	service  *Service
	resolver *identity.Resolver
}

func newHandlers(service *Service, resolver *identity.Resolver) *handlers {
	return &handlers{service: service, resolver: resolver}
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	masterSAEID, err := h.resolver.Resolve(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	slaveSAEID := mux.Vars(r)["slave_sae_id"]

	resp, err := h.service.Status(r.Context(), masterSAEID, slaveSAEID)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *handlers) encKeys(w http.ResponseWriter, r *http.Request) {
	masterSAEID, err := h.resolver.Resolve(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	slaveSAEID := mux.Vars(r)["slave_sae_id"]

	var req EncKeysRequest
	if r.Method == http.MethodPost {
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
	} else {
		req.Number = httputil.QueryInt(r, "number", 0)
		req.Size = httputil.QueryInt(r, "size", 0)
	}

	// enc_keys is all-or-nothing: a short draw surfaces as 503, never 206.
	resp, err := h.service.EncKeys(r.Context(), masterSAEID, slaveSAEID, req)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *handlers) decKeys(w http.ResponseWriter, r *http.Request) {
	slaveSAEID, err := h.resolver.Resolve(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	masterSAEID := mux.Vars(r)["master_sae_id"]

	var keyIDs []string
	if r.Method == http.MethodPost {
		var req DecKeysRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		for _, k := range req.KeyIDs {
			keyIDs = append(keyIDs, k.KeyID)
		}
	} else {
		keyIDs = httputil.QueryStringList(r, "key_ID")
	}

	resp, err := h.service.DecKeys(r.Context(), masterSAEID, slaveSAEID, keyIDs)
	writePartialOrError(w, r, resp, err)
}

func (h *handlers) markConsumed(w http.ResponseWriter, r *http.Request) {
	callerSAEID, err := h.resolver.Resolve(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	peerSAEID := mux.Vars(r)["peer_sae_id"]

	var req MarkConsumedRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	keyIDs := make([]string, 0, len(req.KeyIDs))
	for _, k := range req.KeyIDs {
		keyIDs = append(keyIDs, k.KeyID)
	}

	resp, err := h.service.MarkConsumed(r.Context(), callerSAEID, peerSAEID, keyIDs)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if len(resp.Consumed) == 0 {
		httputil.WriteError(w, r, httperr.NotFound("key", "no requested key_ID was found"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// writePartialOrError writes resp as 206 when err is a PartialResult, 200
// on success, or the mapped error status otherwise, per spec.md §7.
func writePartialOrError(w http.ResponseWriter, r *http.Request, resp interface{}, err error) {
	if err == nil {
		httputil.WriteJSON(w, http.StatusOK, resp)
		return
	}
	if httperr.IsKind(err, httperr.KindPartialResult) {
		httputil.WriteJSON(w, http.StatusPartialContent, resp)
		return
	}
	httputil.WriteError(w, r, err)
}

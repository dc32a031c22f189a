package localkm

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/r3e-network/qkd-kme/internal/httperr"
	"github.com/r3e-network/qkd-kme/internal/httputil"
	"github.com/r3e-network/qkd-kme/internal/identity"
)

type handlers struct {
	service  *Service
	resolver *identity.Resolver
}

func newHandlers(service *Service, resolver *identity.Resolver) *handlers {
	return &handlers{service: service, resolver: resolver}
}

func (h *handlers) register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	resp, err := h.service.Register(r.Context(), req.SAEID, req.UserEmail, req.InitialPoolSize)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, resp)
}

func (h *handlers) refill(w http.ResponseWriter, r *http.Request) {
	saeID := mux.Vars(r)["sae_id"]
	var req RefillRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	resp, err := h.service.Refill(r.Context(), saeID, req.KeysToAdd)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *handlers) pools(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.Pools(r.Context())
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *handlers) sync(w http.ResponseWriter, r *http.Request) {
	var req ManualSyncRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	resp, err := h.service.Sync(r.Context(), req)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	saeID := mux.Vars(r)["sae_id"]
	resp, err := h.service.Status(r.Context(), saeID)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *handlers) encKeys(w http.ResponseWriter, r *http.Request) {
	receiverSAE := mux.Vars(r)["sae_id"]
	senderSAE, err := h.resolver.Resolve(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}

	var req encKeysRequest
	if r.Method == http.MethodPost {
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
	} else {
		req.Number = httputil.QueryInt(r, "number", 1)
		req.Size = httputil.QueryInt(r, "size", 0)
	}

	resp, err := h.service.EncKeys(r.Context(), senderSAE, receiverSAE, req.Number, req.Size)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *handlers) decKeys(w http.ResponseWriter, r *http.Request) {
	callerSAE, err := h.resolver.Resolve(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}

	var keyIDs []string
	if r.Method == http.MethodPost {
		var req decKeysRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		for _, e := range req.KeyIDs {
			keyIDs = append(keyIDs, e.KeyID)
		}
	} else {
		keyIDs = httputil.QueryStringList(r, "key_ID")
	}

	resp, err := h.service.DecKeys(r.Context(), callerSAE, keyIDs)
	writePartialOrError(w, r, resp, err)
}

func (h *handlers) markConsumed(w http.ResponseWriter, r *http.Request) {
	callerSAE, err := h.resolver.Resolve(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}

	var req markConsumedRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	if err := h.service.MarkConsumed(r.Context(), callerSAE, req.KeyID); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writePartialOrError(w http.ResponseWriter, r *http.Request, resp decKeysResponse, err error) {
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

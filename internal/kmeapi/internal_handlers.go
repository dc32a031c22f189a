package kmeapi

import (
	"net/http"
	"time"

	"github.com/r3e-network/qkd-kme/internal/httperr"
	"github.com/r3e-network/qkd-kme/internal/httputil"
	"github.com/r3e-network/qkd-kme/internal/keygen"
	"github.com/r3e-network/qkd-kme/internal/keystore"
	"github.com/r3e-network/qkd-kme/internal/logging"
	"github.com/r3e-network/qkd-kme/internal/sharedpool"
)

// internalHandlers binds the peer surface (/internal/get_shared_key,
// /internal/get_reserved_key, /internal/kme_key_exchange,
// /internal/remove_kme_key, /internal/pool_status,
// /internal/attached_sae), per spec.md §6. get_shared_key, get_reserved_key
// and pool_status are master-only.
type internalHandlers struct {
	pool         *sharedpool.Pool // nil on a slave KME: these endpoints then always 403
	store        *keystore.Store
	kmeID        string
	attachedSAEs []string
	isMaster     bool
	acquireDefaultTimeout time.Duration
	logger       *logging.Logger
}

func newInternalHandlers(pool *sharedpool.Pool, store *keystore.Store, kmeID string, attachedSAEs []string, isMaster bool, defaultTimeout time.Duration, logger *logging.Logger) *internalHandlers {
	return &internalHandlers{pool: pool, store: store, kmeID: kmeID, attachedSAEs: attachedSAEs, isMaster: isMaster, acquireDefaultTimeout: defaultTimeout, logger: logger}
}

func (h *internalHandlers) requireMaster(w http.ResponseWriter, r *http.Request) bool {
	if !h.isMaster || h.pool == nil {
		httputil.WriteError(w, r, httperr.Forbidden("only the master KME serves this endpoint"))
		return false
	}
	return true
}

func (h *internalHandlers) getSharedKey(w http.ResponseWriter, r *http.Request) {
	if !h.requireMaster(w, r) {
		return
	}

	requesterKMEID := r.Header.Get("X-KME-ID")
	count := httputil.QueryInt(r, "count", 1)
	timeoutMS := httputil.QueryInt(r, "timeout_ms", int(h.acquireDefaultTimeout.Milliseconds()))
	oneOff := r.URL.Query().Get("one_off") == "true"

	var keys []keygen.KeyRecord
	if oneOff {
		sizeBytes := httputil.QueryInt(r, "size_bytes", 0)
		if sizeBytes <= 0 {
			httputil.WriteError(w, r, httperr.Validation("size_bytes required for one_off request"))
			return
		}
		// A one-off key is generated directly, never drawn from or
		// inserted into the shared pool, per spec.md §4.C.
		rec, err := keygen.New().Generate(sizeBytes)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		keys = []keygen.KeyRecord{rec}
	} else {
		// remove=false: the keys move into reserved at this master, per
		// spec.md §4.C, until the matching dec_keys consumes them.
		keys = h.pool.GetKeys(r.Context(), count, requesterKMEID, time.Duration(timeoutMS)*time.Millisecond, false)
	}

	httputil.WriteJSON(w, http.StatusOK, toWireKeys(keys))
}

func (h *internalHandlers) getReservedKey(w http.ResponseWriter, r *http.Request) {
	if !h.requireMaster(w, r) {
		return
	}

	requesterKMEID := r.Header.Get("X-KME-ID")
	keyID := r.URL.Query().Get("key_id")
	if keyID == "" {
		httputil.WriteError(w, r, httperr.Validation("key_id is required"))
		return
	}
	remove := r.URL.Query().Get("remove") != "false"

	rec, ok := h.pool.GetKeyByID(keyID, requesterKMEID, remove)
	if !ok {
		httputil.WriteError(w, r, httperr.NotFound("key", keyID))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toWireKeys([]keygen.KeyRecord{rec}))
}

func (h *internalHandlers) poolStatus(w http.ResponseWriter, r *http.Request) {
	if !h.requireMaster(w, r) {
		return
	}
	status := h.pool.Status()
	httputil.WriteJSON(w, http.StatusOK, poolStatusResponse{
		Available:      status.Available,
		Reserved:       status.Reserved,
		TotalAvailable: status.TotalAvailable,
		MaxCapacity:    status.MaxCapacity,
		TotalGenerated: status.TotalGenerated,
		TotalRetrieved: status.TotalRetrieved,
	})
}

// kmeKeyExchange applies an incoming append broadcast from a peer KME
// into this KME's own Key Store, per spec.md §4.D. Any KME (master or
// slave) may receive a broadcast — it is the sender that must be the
// master of the pair, not the receiver.
func (h *internalHandlers) kmeKeyExchange(w http.ResponseWriter, r *http.Request) {
	var req keyExchangeRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.MasterSAEID == "" || req.SlaveSAEID == "" {
		httputil.WriteError(w, r, httperr.Validation("master_sae_id and slave_sae_id are required"))
		return
	}

	records := make([]keygen.KeyRecord, len(req.Keys))
	for i, k := range req.Keys {
		records[i] = keygen.KeyRecord{KeyID: k.KeyID, KeyMaterial: k.KeyMaterial, SizeBytes: k.SizeBytes}
	}

	pair := keystore.Pair{MasterSAEID: req.MasterSAEID, SlaveSAEID: req.SlaveSAEID}
	h.store.ApplyBroadcast(pair, records)

	w.WriteHeader(http.StatusNoContent)
}

// removeKMEKey applies an incoming removal broadcast: the peer consumed
// these ids, so this KME's mirror of the pair drops them too. Unknown ids
// are ignored, making a replayed broadcast harmless.
func (h *internalHandlers) removeKMEKey(w http.ResponseWriter, r *http.Request) {
	var req removeKeysRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.MasterSAEID == "" || req.SlaveSAEID == "" {
		httputil.WriteError(w, r, httperr.Validation("master_sae_id and slave_sae_id are required"))
		return
	}

	pair := keystore.Pair{MasterSAEID: req.MasterSAEID, SlaveSAEID: req.SlaveSAEID}
	h.store.ApplyRemoveBroadcast(pair, req.KeyIDs)

	w.WriteHeader(http.StatusNoContent)
}

// attachedSAE answers the peer-scanner discovery probe: which SAE ids sit
// behind this KME. Served by both roles — a slave KME's attached SAEs are
// exactly what a master needs to discover before broadcasting.
func (h *internalHandlers) attachedSAE(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, attachedSAEResponse{KMEID: h.kmeID, SAEIDs: h.attachedSAEs})
}

func toWireKeys(keys []keygen.KeyRecord) sharedKeysResponse {
	resp := sharedKeysResponse{Keys: make([]keyRecordWireJSON, len(keys))}
	for i, k := range keys {
		resp.Keys[i] = keyRecordWireJSON{KeyID: k.KeyID, KeyMaterial: k.KeyMaterial, SizeBytes: k.SizeBytes}
	}
	return resp
}

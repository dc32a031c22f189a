// Package kmeapi implements the KME Request Pipeline (spec.md §4.E): the
// ETSI GS QKD 014-shaped REST surface an SAE calls (enc_keys, dec_keys,
// status, mark_consumed) plus the `/internal/*` surface peer KMEs use to
// exchange key material (spec.md §6).
package kmeapi

// KeyContainerEntry is one delivered key on the wire, per spec.md §6.
type KeyContainerEntry struct {
	KeyID string `json:"key_ID"`
	Key   string `json:"key"`
}

// StatusResponse answers GET /api/v1/keys/{slave_SAE_ID}/status.
type StatusResponse struct {
	SourceKMEID      string `json:"source_KME_ID"`
	TargetKMEID      string `json:"target_KME_ID"`
	MasterSAEID      string `json:"master_SAE_ID"`
	SlaveSAEID       string `json:"slave_SAE_ID"`
	KeySize          int    `json:"key_size"`
	StoredKeyCount   int    `json:"stored_key_count"`
	MaxKeyCount      int    `json:"max_key_count"`
	MaxKeyPerRequest int    `json:"max_key_per_request"`
	MaxKeySize       int    `json:"max_key_size"`
	MinKeySize       int    `json:"min_key_size"`
	MaxSAEIDCount    int    `json:"max_SAE_ID_count"`
}

// EncKeysRequest is the optional JSON body of POST .../enc_keys.
type EncKeysRequest struct {
	Number                int      `json:"number,omitempty"`
	Size                  int      `json:"size,omitempty"`
	AdditionalSlaveSAEIDs []string `json:"additional_slave_SAE_IDs,omitempty"`
}

// EncKeysResponse is the body of both GET and POST .../enc_keys.
type EncKeysResponse struct {
	Keys []KeyContainerEntry `json:"keys"`
}

// DecKeysRequest is the optional JSON body of POST .../dec_keys.
type DecKeysRequest struct {
	KeyIDs []KeyIDEntry `json:"key_IDs,omitempty"`
}

// KeyIDEntry wraps a key_ID the way the ETSI wire format nests it.
type KeyIDEntry struct {
	KeyID string `json:"key_ID"`
}

// DecKeysResponse is the body of both GET and POST .../dec_keys. Message
// is set only on a partial (206) result.
type DecKeysResponse struct {
	Message string              `json:"message,omitempty"`
	Keys    []KeyContainerEntry `json:"keys"`
}

// MarkConsumedRequest is the body of POST .../mark_consumed.
type MarkConsumedRequest struct {
	KeyIDs []KeyIDEntry `json:"key_IDs"`
}

// MarkConsumedResponse reports which key ids were actually found and removed.
type MarkConsumedResponse struct {
	Consumed []string `json:"consumed"`
	NotFound []string `json:"not_found,omitempty"`
}

// internal peer-to-peer payloads (spec.md §6's `/internal/*` surface).

type keyExchangeRequest struct {
	MasterSAEID string              `json:"master_sae_id"`
	SlaveSAEID  string              `json:"slave_sae_id"`
	Keys        []keyRecordWireJSON `json:"keys"`
}

type keyRecordWireJSON struct {
	KeyID       string `json:"key_id"`
	KeyMaterial string `json:"key_material"`
	SizeBytes   int    `json:"size_bytes"`
}

type sharedKeysResponse struct {
	Keys []keyRecordWireJSON `json:"keys"`
}

type removeKeysRequest struct {
	MasterSAEID string   `json:"master_sae_id"`
	SlaveSAEID  string   `json:"slave_sae_id"`
	KeyIDs      []string `json:"key_ids"`
}

type attachedSAEResponse struct {
	KMEID  string   `json:"kme_id"`
	SAEIDs []string `json:"sae_ids"`
}

type poolStatusResponse struct {
	Available      int   `json:"available"`
	Reserved       int   `json:"reserved"`
	TotalAvailable int   `json:"total_available"`
	MaxCapacity    int   `json:"max_capacity"`
	TotalGenerated int64 `json:"total_generated"`
	TotalRetrieved int64 `json:"total_retrieved"`
}

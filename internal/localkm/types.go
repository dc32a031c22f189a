package localkm

import "github.com/r3e-network/qkd-kme/internal/userpool"

// RegisterRequest is the body of POST /api/v1/user-keys/register.
type RegisterRequest struct {
	SAEID           string `json:"sae_id"`
	UserEmail       string `json:"user_email"`
	InitialPoolSize int    `json:"initial_pool_size,omitempty"`
}

// RegisterResponse answers a successful register_user call.
type RegisterResponse struct {
	Success       bool   `json:"success"`
	SAEID         string `json:"sae_id"`
	PoolSize      int    `json:"pool_size"`
	KeysGenerated int    `json:"keys_generated"`
}

// RefillRequest is the body of POST /api/v1/user-keys/{sae_id}/refill.
type RefillRequest struct {
	KeysToAdd int `json:"keys_to_add,omitempty"`
}

// RefillResponse answers refill_pool.
type RefillResponse struct {
	Success        bool `json:"success"`
	KeysAdded      int  `json:"keys_added"`
	AvailableAfter int  `json:"available_after"`
}

// PoolSummary is one row of the admin pools listing.
type PoolSummary struct {
	SAEID         string `json:"sae_id"`
	Total         int    `json:"total"`
	Available     int    `json:"available"`
	Used          int    `json:"used"`
	PoolSizeLimit int    `json:"pool_size_limit"`
	IsLow         bool   `json:"is_low"`
}

// PoolsResponse answers GET /api/v1/user-keys/pools.
type PoolsResponse struct {
	Pools   []PoolSummary `json:"pools"`
	Summary PoolsSummary  `json:"summary"`
}

// PoolsSummary aggregates the admin pools listing.
type PoolsSummary struct {
	TotalUsers int `json:"total_users"`
	LowPools   int `json:"low_pools"`
}

// ManualSyncRequest is the body of POST /api/v1/user-keys/sync.
type ManualSyncRequest struct {
	LocalKMID string            `json:"local_km_id,omitempty"`
	Users     []syncUserRequest `json:"users,omitempty"`
}

// statusResponse answers GET /api/v1/user-keys/{sae_id}/status, annotated
// with source_KME_ID = local_km_id and bit-valued sizes per spec.md §4.G.
type statusResponse struct {
	SourceKMEID    string `json:"source_KME_ID"`
	SAEID          string `json:"SAE_ID"`
	KeySize        int    `json:"key_size"`
	StoredKeyCount int    `json:"stored_key_count"`
	MaxKeyCount    int    `json:"max_key_count"`
}

// keyContainerEntry is one delivered key on the wire.
type keyContainerEntry struct {
	KeyID string `json:"key_ID"`
	Key   string `json:"key"`
}

func toWireKeys(keys []userpool.UserKey) []keyContainerEntry {
	out := make([]keyContainerEntry, len(keys))
	for i, k := range keys {
		out[i] = keyContainerEntry{KeyID: k.KeyID, Key: k.KeyMaterial}
	}
	return out
}

type encKeysRequest struct {
	Number int `json:"number,omitempty"`
	Size   int `json:"size,omitempty"`
}

type encKeysResponse struct {
	Keys []keyContainerEntry `json:"keys"`
}

type keyIDEntry struct {
	KeyID string `json:"key_ID"`
}

type decKeysRequest struct {
	KeyIDs []keyIDEntry `json:"key_IDs"`
}

type decKeysResponse struct {
	Message string              `json:"message,omitempty"`
	Keys    []keyContainerEntry `json:"keys"`
}

type markConsumedRequest struct {
	KeyID string `json:"key_id"`
}

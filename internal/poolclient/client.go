// Package poolclient implements the Pool Client facade (spec.md §4.C): a
// uniform interface over the shared pool that hides whether keys come from
// this process's own master pool (LocalPoolClient) or from a remote master
// KME over HTTPS (RemotePoolClient).
package poolclient

import (
	"context"
	"time"

	"github.com/r3e-network/qkd-kme/internal/keygen"
)

// Client is the role-agnostic facade spec.md §4.C describes: callers in
// the request pipeline and local key manager do not need to know whether
// they are talking to an in-process pool or a peer KME over the network.
type Client interface {
	// GetKeys requests n keys of the default size, blocking up to timeout.
	// May return fewer than n keys if the deadline passes.
	GetKeys(ctx context.Context, n int, requesterKMEID string, timeout time.Duration) ([]keygen.KeyRecord, error)

	// GetKeyByID retrieves (and removes) a specific key by id, used by
	// dec_keys. Returns (KeyRecord{}, false, nil) when not found.
	GetKeyByID(ctx context.Context, keyID, requesterKMEID string) (keygen.KeyRecord, bool, error)

	// GetOneOffKey requests a single key of a non-default size. Per
	// spec.md §4.C this is generated fresh and never persisted into the
	// shared pool.
	GetOneOffKey(ctx context.Context, sizeBytes int) (keygen.KeyRecord, error)

	// AddKey is a no-op on both implementations: LocalPoolClient and
	// RemotePoolClient log a warning and return nil rather than erroring,
	// and rec is not stored in any pool.
	AddKey(ctx context.Context, rec keygen.KeyRecord) error

	// Status reports pool occupancy, proxied from the master when remote.
	Status(ctx context.Context) (Status, error)
}

// Status mirrors sharedpool.Status without importing that package's
// concrete type, so RemotePoolClient can populate it from a JSON response.
type Status struct {
	Available      int   `json:"available"`
	Reserved       int   `json:"reserved"`
	TotalAvailable int   `json:"total_available"`
	MaxCapacity    int   `json:"max_capacity"`
	TotalGenerated int64 `json:"total_generated"`
	TotalRetrieved int64 `json:"total_retrieved"`
}

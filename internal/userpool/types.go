// Package userpool implements the Per-User Pool (spec.md §4.F): a
// SQL-backed per-SAE store of 1024-byte key material with a configurable
// pool_size_limit, maintained on each Local Key Manager by its sync
// worker (spec.md §4.G).
package userpool

import "time"

// KeySizeBytes is the fixed size of every key minted into a per-user pool,
// per spec.md §4.F's "every key in this pool is exactly 1024 bytes".
const KeySizeBytes = 1024

// Key state values, stored in the `keys.state` column (spec.md §4.H).
const (
	StateAvailable = "available"
	StateUsed      = "used"
)

// User is one row of the `users` table (spec.md §4.H).
type User struct {
	SAEID         string     `db:"sae_id"`
	Email         string     `db:"email"`
	PoolSizeLimit int        `db:"pool_size_limit"`
	CreatedAt     time.Time  `db:"created_at"`
	LastRefillAt  *time.Time `db:"last_refill_at"`
}

// UserKey is one row of the `keys` table (spec.md §4.H). KeyID is the
// table's primary key, not a separate owning id column.
type UserKey struct {
	KeyID        string     `db:"key_id"`
	SAEID        string     `db:"sae_id"`
	KeyMaterial  string     `db:"key_material"`
	State        string     `db:"state"`
	CreatedAt    time.Time  `db:"created_at"`
	UsedAt       *time.Time `db:"used_at"`
	UsedBySAEID  *string    `db:"used_by_sae_id"`
}

// Available reports whether the key has not yet been claimed.
func (k UserKey) Available() bool { return k.State == StateAvailable }

// RegistrationResult reports the outcome of register_user.
type RegistrationResult struct {
	SAEID         string `json:"sae_id"`
	PoolSize      int    `json:"pool_size"`
	KeysGenerated int    `json:"keys_generated"`
}

// Stats reports a SAE's pool occupancy, per spec.md §4.F's get_pool_status.
type Stats struct {
	SAEID         string  `json:"sae_id"`
	Total         int     `json:"total"`
	Available     int     `json:"available"`
	Used          int     `json:"used"`
	PoolSizeLimit int     `json:"pool_size_limit"`
	IsLow         bool    `json:"is_low"`
}

// computeIsLow implements `is_low iff available / pool_size_limit < low_threshold`.
func computeIsLow(available, poolSizeLimit int, lowThresholdPct float64) bool {
	if poolSizeLimit <= 0 {
		return false
	}
	return float64(available)/float64(poolSizeLimit) < lowThresholdPct
}

package userpool

import (
	"context"

	"github.com/google/uuid"
	"github.com/r3e-network/qkd-kme/internal/httperr"
	"github.com/r3e-network/qkd-kme/internal/keygen"
	"github.com/r3e-network/qkd-kme/internal/logging"
)

// Pool is the business-logic facade a Local Key Manager uses over its
// Repository, per spec.md §4.F.
type Pool struct {
	repo         Repository
	gen          *keygen.Generator
	lowThreshold float64
	logger       *logging.Logger
}

// DefaultLowThreshold mirrors the Local Key Manager's low_threshold_percent
// default (spec.md §4.G).
const DefaultLowThreshold = 0.10

// New constructs a Pool over repo using the default low-pool threshold.
func New(repo Repository, logger *logging.Logger) *Pool {
	return &Pool{repo: repo, gen: keygen.New(), lowThreshold: DefaultLowThreshold, logger: logger}
}

// WithLowThreshold overrides the low_threshold_percent used by Stats/LowPools.
func (p *Pool) WithLowThreshold(pct float64) *Pool {
	p.lowThreshold = pct
	return p
}

// RegisterUser creates a SAE's pool and mints initialPoolSize keys of
// KeySizeBytes each, per spec.md §4.F's register_user.
func (p *Pool) RegisterUser(ctx context.Context, saeID, email string, initialPoolSize int) (RegistrationResult, error) {
	keys := make([]UserKey, initialPoolSize)
	for i := 0; i < initialPoolSize; i++ {
		rec, err := p.gen.Generate(KeySizeBytes)
		if err != nil {
			return RegistrationResult{}, err
		}
		keys[i] = UserKey{KeyID: rec.KeyID, KeyMaterial: rec.KeyMaterial, State: StateAvailable}
	}

	if err := p.repo.CreateUser(ctx, saeID, email, initialPoolSize, keys); err != nil {
		return RegistrationResult{}, err
	}
	if p.logger != nil {
		p.logger.LogSyncOutcome(ctx, "register_user", 1, initialPoolSize, false, nil)
	}
	return RegistrationResult{SAEID: saeID, PoolSize: initialPoolSize, KeysGenerated: initialPoolSize}, nil
}

// GetKeysForReceiver claims `number` keys of sizeBytes owned by receiverSAE
// on senderSAE's behalf. sizeBytes must equal KeySizeBytes.
func (p *Pool) GetKeysForReceiver(ctx context.Context, senderSAE, receiverSAE string, number, sizeBytes int) ([]UserKey, error) {
	if sizeBytes != KeySizeBytes {
		return nil, httperr.Validation("size must be 1024 bytes for a per-user pool")
	}
	keys, err := p.repo.GetKeysForReceiver(ctx, senderSAE, receiverSAE, number)
	if p.logger != nil {
		p.logger.LogKeyOperation(ctx, "get_keys_for_receiver", receiverSAE, err)
	}
	return keys, err
}

// GetKeysByIDs returns previously delivered keys callerSAE is entitled to
// re-fetch by id, per spec.md §4.F's get_keys_by_ids.
func (p *Pool) GetKeysByIDs(ctx context.Context, callerSAE string, keyIDs []string) ([]UserKey, error) {
	keys, err := p.repo.GetKeysByIDs(ctx, callerSAE, keyIDs)
	if err != nil {
		return nil, err
	}
	if len(keys) < len(keyIDs) {
		return keys, httperr.PartialResult("some requested key_ids were not found for this caller")
	}
	return keys, nil
}

// GetPoolStatus reports a SAE's pool occupancy including is_low, per
// spec.md §4.F's get_pool_status.
func (p *Pool) GetPoolStatus(ctx context.Context, saeID string) (Stats, error) {
	stats, err := p.repo.Stats(ctx, saeID)
	if err != nil {
		return Stats{}, err
	}
	stats.IsLow = computeIsLow(stats.Available, stats.PoolSizeLimit, p.lowThreshold)
	return stats, nil
}

// RefillPool generates up to n keys (or up to the remaining headroom if n
// is zero) and stores them as available, per spec.md §4.F's refill_pool.
func (p *Pool) RefillPool(ctx context.Context, saeID string, n int) (int, error) {
	headroom, err := p.repo.Headroom(ctx, saeID)
	if err != nil {
		return 0, err
	}
	toGenerate := headroom
	if n > 0 && n < toGenerate {
		toGenerate = n
	}
	if toGenerate <= 0 {
		return 0, nil
	}

	keys := make([]UserKey, toGenerate)
	for i := 0; i < toGenerate; i++ {
		rec, err := p.gen.Generate(KeySizeBytes)
		if err != nil {
			return 0, err
		}
		keys[i] = UserKey{KeyID: rec.KeyID, KeyMaterial: rec.KeyMaterial, State: StateAvailable}
	}

	stored, err := p.repo.InsertRefillKeys(ctx, saeID, keys)
	if p.logger != nil {
		p.logger.LogSyncOutcome(ctx, "refill_pool", 1, stored, false, err)
	}
	return stored, err
}

// DeliverKeys stores externally-sourced keys (e.g. from an upstream KM sync
// response) as available, capped at remaining headroom.
func (p *Pool) DeliverKeys(ctx context.Context, saeID string, records []UserKey) (int, error) {
	stored, err := p.repo.InsertRefillKeys(ctx, saeID, records)
	if p.logger != nil {
		p.logger.LogSyncOutcome(ctx, "deliver", 1, stored, false, err)
	}
	return stored, err
}

// DeleteUser removes a SAE's pool, cascading to its keys.
func (p *Pool) DeleteUser(ctx context.Context, saeID string) error {
	return p.repo.DeleteUser(ctx, saeID)
}

// GetLowPools returns every user whose pool is low, per get_low_pools.
func (p *Pool) GetLowPools(ctx context.Context) ([]Stats, error) {
	return p.repo.LowPools(ctx, p.lowThreshold)
}

// GetPoolsBelow returns Stats for every pool whose available/pool_size_limit
// ratio is below pct, for callers that need a threshold other than the
// Pool's configured low_threshold (e.g. the Local Key Manager's separate
// emergency_threshold_percent, spec.md §4.G).
func (p *Pool) GetPoolsBelow(ctx context.Context, pct float64) ([]Stats, error) {
	return p.repo.LowPools(ctx, pct)
}

// Headroom reports how many more keys saeID's pool can hold.
func (p *Pool) Headroom(ctx context.Context, saeID string) (int, error) {
	return p.repo.Headroom(ctx, saeID)
}

// AllSAEIDs lists every registered SAE.
func (p *Pool) AllSAEIDs(ctx context.Context) ([]string, error) {
	return p.repo.AllSAEIDs(ctx)
}

// NewKeyID generates a fresh key_id, used by callers constructing UserKey
// values outside the Generator (e.g. when relaying upstream-sync keys that
// arrive with their own key_id already assigned, this is unused; it exists
// for local-only fallback paths that mint a key_id without a KeyRecord).
func NewKeyID() string { return uuid.New().String() }

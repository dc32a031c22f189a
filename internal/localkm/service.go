package localkm

import (
	"context"

	"github.com/r3e-network/qkd-kme/internal/httperr"
	"github.com/r3e-network/qkd-kme/internal/userpool"
)

// DefaultInitialPoolSize is the initial_pool_size that /register treats as
// omitted: Register replaces any value at or below it with the Local Key
// Manager's configured DefaultPoolSizeLimit.
const DefaultInitialPoolSize = 0

// Service is the HTTP-facing business logic for the Local Key Manager's
// ETSI-shaped surface (spec.md §4.G/§6).
type Service struct {
	manager *Manager
}

// NewService wraps a Manager for HTTP handlers.
func NewService(manager *Manager) *Service { return &Service{manager: manager} }

func (s *Service) localKMID() string { return s.manager.Config().LocalKMID }

// Register implements POST /register.
func (s *Service) Register(ctx context.Context, saeID, email string, initialPoolSize int) (RegisterResponse, error) {
	if saeID == "" {
		return RegisterResponse{}, httperr.Validation("sae_id is required")
	}
	if initialPoolSize <= 0 {
		initialPoolSize = s.manager.Config().DefaultPoolSizeLimit
	}
	result, err := s.manager.Pool().RegisterUser(ctx, saeID, email, initialPoolSize)
	if err != nil {
		return RegisterResponse{}, err
	}
	return RegisterResponse{Success: true, SAEID: result.SAEID, PoolSize: result.PoolSize, KeysGenerated: result.KeysGenerated}, nil
}

// Refill implements POST /{sae_id}/refill.
func (s *Service) Refill(ctx context.Context, saeID string, keysToAdd int) (RefillResponse, error) {
	stored, err := s.manager.Pool().RefillPool(ctx, saeID, keysToAdd)
	if err != nil {
		return RefillResponse{}, err
	}
	stats, err := s.manager.Pool().GetPoolStatus(ctx, saeID)
	if err != nil {
		return RefillResponse{}, err
	}
	return RefillResponse{Success: true, KeysAdded: stored, AvailableAfter: stats.Available}, nil
}

// Pools implements GET /pools, the admin listing.
func (s *Service) Pools(ctx context.Context) (PoolsResponse, error) {
	low, err := s.manager.Pool().GetLowPools(ctx)
	if err != nil {
		return PoolsResponse{}, err
	}
	lowSet := make(map[string]bool, len(low))
	for _, s := range low {
		lowSet[s.SAEID] = true
	}

	ids, err := s.manager.Pool().AllSAEIDs(ctx)
	if err != nil {
		return PoolsResponse{}, err
	}

	resp := PoolsResponse{Summary: PoolsSummary{TotalUsers: len(ids), LowPools: len(low)}}
	for _, id := range ids {
		stats, err := s.manager.Pool().GetPoolStatus(ctx, id)
		if err != nil {
			continue
		}
		resp.Pools = append(resp.Pools, PoolSummary{
			SAEID: id, Total: stats.Total, Available: stats.Available, Used: stats.Used,
			PoolSizeLimit: stats.PoolSizeLimit, IsLow: stats.IsLow,
		})
	}
	return resp, nil
}

// Sync implements POST /sync, a manually-triggered run of the sync
// procedure against the upstream KM.
func (s *Service) Sync(ctx context.Context, req ManualSyncRequest) (SyncResult, error) {
	users := make([]string, 0, len(req.Users))
	for _, u := range req.Users {
		users = append(users, u.SAEID)
	}
	return s.manager.TriggerManualSync(ctx, ReasonManual, users)
}

// Status implements GET /{sae_id}/status, annotated with source_KME_ID.
func (s *Service) Status(ctx context.Context, saeID string) (statusResponse, error) {
	stats, err := s.manager.Pool().GetPoolStatus(ctx, saeID)
	if err != nil {
		return statusResponse{}, err
	}
	return statusResponse{
		SourceKMEID:    s.localKMID(),
		SAEID:          saeID,
		KeySize:        userpool.KeySizeBytes * 8,
		StoredKeyCount: stats.Available,
		MaxKeyCount:    stats.PoolSizeLimit,
	}, nil
}

// EncKeys implements .../enc_keys: senderSAE draws keys owned by
// receiverSAE, stamping them used_by_sae_id = senderSAE. On success it
// enqueues a threshold sync if the receiver's pool becomes low.
func (s *Service) EncKeys(ctx context.Context, senderSAE, receiverSAE string, number, sizeBits int) (encKeysResponse, error) {
	if number <= 0 {
		number = 1
	}
	sizeBytes := userpool.KeySizeBytes
	if sizeBits > 0 {
		sizeBytes = sizeBits / 8
	}

	keys, err := s.manager.Pool().GetKeysForReceiver(ctx, senderSAE, receiverSAE, number, sizeBytes)
	if err != nil {
		return encKeysResponse{}, err
	}

	if stats, statErr := s.manager.Pool().GetPoolStatus(ctx, receiverSAE); statErr == nil && stats.IsLow {
		s.manager.EnqueueSync(ReasonThreshold, []string{receiverSAE})
	}

	return encKeysResponse{Keys: toWireKeys(keys)}, nil
}

// DecKeys implements .../dec_keys: callerSAE re-fetches previously
// delivered keys by id.
func (s *Service) DecKeys(ctx context.Context, callerSAE string, keyIDs []string) (decKeysResponse, error) {
	keys, err := s.manager.Pool().GetKeysByIDs(ctx, callerSAE, keyIDs)
	if err != nil && !httperr.IsKind(err, httperr.KindPartialResult) {
		return decKeysResponse{}, err
	}
	resp := decKeysResponse{Keys: toWireKeys(keys)}
	if httperr.IsKind(err, httperr.KindPartialResult) {
		resp.Message = "some requested key_IDs were not found"
	}
	return resp, err
}

// MarkConsumed implements POST /mark_consumed: acknowledges a key id is
// already accounted for as used in the per-user pool. Per spec.md §4.F,
// once a key transitions to used it is tracked permanently, so this is a
// validating lookup rather than a further state transition.
func (s *Service) MarkConsumed(ctx context.Context, callerSAE, keyID string) error {
	_, err := s.manager.Pool().GetKeysByIDs(ctx, callerSAE, []string{keyID})
	if httperr.IsKind(err, httperr.KindPartialResult) {
		return httperr.NotFound("key", keyID)
	}
	return err
}

package kmeapi

import (
	"context"
	"time"

	"github.com/r3e-network/qkd-kme/internal/httperr"
	"github.com/r3e-network/qkd-kme/internal/keygen"
	"github.com/r3e-network/qkd-kme/internal/keystore"
	"github.com/r3e-network/qkd-kme/internal/logging"
	"github.com/r3e-network/qkd-kme/internal/poolclient"
)

// Limits describes the constraints a Service enforces, per spec.md §6's
// status response fields.
type Limits struct {
	DefaultKeySize    int
	MaxKeySize        int
	MinKeySize        int
	MaxKeysPerRequest int
	MaxKeyCount       int
	MaxSAEIDCount     int
	AcquireTimeout    time.Duration
}

// Service implements the enc_keys/dec_keys/status/mark_consumed
// operations of the KME Request Pipeline, independent of transport.
type Service struct {
	kmeID    string
	client   poolclient.Client
	store    *keystore.Store
	limits   Limits
	logger   *logging.Logger
}

// NewService constructs a Service.
func NewService(kmeID string, client poolclient.Client, store *keystore.Store, limits Limits, logger *logging.Logger) *Service {
	return &Service{kmeID: kmeID, client: client, store: store, limits: limits, logger: logger}
}

// Status answers the status operation for a (master_SAE, slave_SAE) pair.
func (s *Service) Status(ctx context.Context, masterSAEID, slaveSAEID string) (StatusResponse, error) {
	pair := keystore.Pair{MasterSAEID: masterSAEID, SlaveSAEID: slaveSAEID}
	stored := s.store.Count(pair)

	return StatusResponse{
		SourceKMEID:      s.kmeID,
		TargetKMEID:      s.kmeID,
		MasterSAEID:      masterSAEID,
		SlaveSAEID:       slaveSAEID,
		KeySize:          s.limits.DefaultKeySize,
		StoredKeyCount:   stored,
		MaxKeyCount:      s.limits.MaxKeyCount,
		MaxKeyPerRequest: s.limits.MaxKeysPerRequest,
		MaxKeySize:       s.limits.MaxKeySize,
		MinKeySize:       s.limits.MinKeySize,
		MaxSAEIDCount:    s.limits.MaxSAEIDCount,
	}, nil
}

// EncKeys serves the master_SAE's enc_keys request: it draws `number` keys
// (default 1) of `size` bytes (default s.limits.DefaultKeySize) from the
// pool client, records them in the Key Store for (master_SAE, slave_SAE)
// so the slave side can later dec_keys the same ids, and returns them.
func (s *Service) EncKeys(ctx context.Context, masterSAEID, slaveSAEID string, req EncKeysRequest) (EncKeysResponse, error) {
	number := req.Number
	if number <= 0 {
		number = 1
	}
	if number > s.limits.MaxKeysPerRequest {
		return EncKeysResponse{}, httperr.Validation("requested key count exceeds max_key_per_request").
			WithDetails("requested", number).WithDetails("max", s.limits.MaxKeysPerRequest)
	}

	size := req.Size
	if size <= 0 {
		size = s.limits.DefaultKeySize
	}
	if size < s.limits.MinKeySize || size > s.limits.MaxKeySize {
		return EncKeysResponse{}, httperr.Validation("requested key size out of range").
			WithDetails("requested", size).WithDetails("min", s.limits.MinKeySize).WithDetails("max", s.limits.MaxKeySize)
	}

	pair := keystore.Pair{MasterSAEID: masterSAEID, SlaveSAEID: slaveSAEID}
	if stored := s.store.Count(pair); stored+number > s.limits.MaxKeyCount {
		return EncKeysResponse{}, httperr.Validation("stored key quota exceeded for SAE pair").
			WithDetails("stored", stored).WithDetails("requested", number).WithDetails("max", s.limits.MaxKeyCount)
	}

	var records []keygen.KeyRecord
	if size != s.limits.DefaultKeySize {
		for i := 0; i < number; i++ {
			rec, err := s.client.GetOneOffKey(ctx, size)
			if err != nil {
				return EncKeysResponse{}, err
			}
			records = append(records, rec)
		}
	} else {
		got, err := s.client.GetKeys(ctx, number, s.kmeID, s.limits.AcquireTimeout)
		if err != nil {
			return EncKeysResponse{}, err
		}
		records = got
	}

	if len(records) < number {
		// The whole request fails on a short draw: nothing reaches the
		// Key Store. The keys already drawn are purged from the pool
		// rather than re-queued — on the slave path their material has
		// already crossed a process boundary.
		for _, rec := range records {
			if _, _, err := s.client.GetKeyByID(ctx, rec.KeyID, s.kmeID); err != nil && s.logger != nil {
				s.logger.WithContext(ctx).WithError(err).Warn("failed to purge partially drawn key")
			}
		}
		return EncKeysResponse{}, httperr.KeysUnavailable("pool drained before the requested number of keys was available").
			WithDetails("requested", number).WithDetails("obtained", len(records))
	}

	if err := s.store.AppendKeys(pair, records); err != nil {
		return EncKeysResponse{}, err
	}

	resp := EncKeysResponse{Keys: make([]KeyContainerEntry, len(records))}
	for i, rec := range records {
		resp.Keys[i] = KeyContainerEntry{KeyID: rec.KeyID, Key: rec.KeyMaterial}
	}
	return resp, nil
}

// DecKeys serves the slave_SAE's dec_keys request: it looks up the
// requested key_ids (or, if none given, all undelivered keys) in the Key
// Store for the pair. Per spec.md §9 either side of the pair may call
// this, so the store is searched under both (master, slave) and
// (slave, master); requested ids found in neither are looked up in the
// shared pool.
func (s *Service) DecKeys(ctx context.Context, masterSAEID, slaveSAEID string, keyIDs []string) (DecKeysResponse, error) {
	forward := keystore.Pair{MasterSAEID: masterSAEID, SlaveSAEID: slaveSAEID}
	reverse := keystore.Pair{MasterSAEID: slaveSAEID, SlaveSAEID: masterSAEID}

	var records []keygen.KeyRecord
	var missing []string
	fromStore := map[keystore.Pair][]string{}

	if len(keyIDs) == 0 {
		// No explicit ids: deliver everything stored for the pair, in
		// either direction.
		for _, pair := range []keystore.Pair{forward, reverse} {
			for _, rec := range s.store.GetKeys(pair) {
				records = append(records, rec)
				fromStore[pair] = append(fromStore[pair], rec.KeyID)
			}
		}
	} else {
		for _, id := range keyIDs {
			// Tie-break rule: (master,slave) wins over (slave,master)
			// when both directions hold the same id.
			if rec, ok := s.store.GetKeyByID(forward, id); ok {
				records = append(records, rec)
				fromStore[forward] = append(fromStore[forward], id)
				continue
			}
			if rec, ok := s.store.GetKeyByID(reverse, id); ok {
				records = append(records, rec)
				fromStore[reverse] = append(fromStore[reverse], id)
				continue
			}
			// Not in the local store: the reservation may still sit in the
			// shared pool (local or at the remote master). remove=true, so
			// a hit here is already consumed pool-side.
			rec, ok, err := s.client.GetKeyByID(ctx, id, s.kmeID)
			if err != nil && s.logger != nil {
				s.logger.WithContext(ctx).WithError(err).Warn("shared-pool lookup for dec_keys id failed")
			}
			if ok {
				records = append(records, rec)
				continue
			}
			missing = append(missing, id)
		}
	}

	if len(records) == 0 {
		return DecKeysResponse{}, httperr.NotFound("key", "none of the requested key_IDs were found")
	}

	// One-time use: delivered ids leave the Key Store now, and the
	// removal is broadcast so the peer KME's mirror drops them too.
	for pair, ids := range fromStore {
		s.store.RemoveKeys(pair, ids)
	}

	resp := DecKeysResponse{Keys: make([]KeyContainerEntry, len(records))}
	for i, rec := range records {
		resp.Keys[i] = KeyContainerEntry{KeyID: rec.KeyID, Key: rec.KeyMaterial}
	}

	if len(missing) > 0 {
		resp.Message = "Some requested keys missing from this KME"
		return resp, httperr.PartialResult("some requested keys are missing").WithDetails("not_found", missing)
	}
	return resp, nil
}

// MarkConsumed acknowledges consumption of the given ids: each is purged
// from the shared pool (where an unconsumed reservation may still sit)
// and from both Key Store orientations of the caller/peer pair. An id
// found nowhere reports as not_found, per spec.md §4.E.
func (s *Service) MarkConsumed(ctx context.Context, callerSAEID, peerSAEID string, keyIDs []string) (MarkConsumedResponse, error) {
	pairs := []keystore.Pair{
		{MasterSAEID: callerSAEID, SlaveSAEID: peerSAEID},
		{MasterSAEID: peerSAEID, SlaveSAEID: callerSAEID},
	}

	resp := MarkConsumedResponse{}
	for _, id := range keyIDs {
		consumed := false
		if _, ok, err := s.client.GetKeyByID(ctx, id, s.kmeID); err == nil && ok {
			consumed = true
		}
		for _, pair := range pairs {
			if removed := s.store.RemoveKeys(pair, []string{id}); len(removed) > 0 {
				consumed = true
			}
		}
		if consumed {
			resp.Consumed = append(resp.Consumed, id)
		} else {
			resp.NotFound = append(resp.NotFound, id)
		}
	}
	return resp, nil
}

// Package keystore implements the Key Store (spec.md §4.D): the ledger of
// key records already handed out to a (master_SAE, slave_SAE) pair, kept
// so that both ends of a link can later retrieve the same keys by id.
package keystore

import (
	"sync"

	"github.com/r3e-network/qkd-kme/internal/keygen"
)

// Pair identifies one SAE-to-SAE key-sharing relationship.
type Pair struct {
	MasterSAEID string
	SlaveSAEID  string
}

// Store holds, per (master_SAE, slave_SAE) pair, the ordered list of key
// records delivered to that pair and not yet consumed.
type Store struct {
	mu      sync.RWMutex
	records map[Pair][]keygen.KeyRecord
	notify  PeerNotifier
}

// New constructs an empty Store. notify may be nil, in which case
// AppendKeys does not broadcast to peers (used on a slave KME, whose
// store is only ever written by applying an incoming broadcast).
func New(notify PeerNotifier) *Store {
	return &Store{records: make(map[Pair][]keygen.KeyRecord), notify: notify}
}

// AppendKeys records newly delivered keys for a pair and broadcasts them
// to the slave SAE's attached KME, per spec.md §4.D. Broadcast failures
// are logged by the notifier implementation, not surfaced here: the
// key record is already committed locally once AppendKeys returns nil.
func (s *Store) AppendKeys(pair Pair, keys []keygen.KeyRecord) error {
	s.mu.Lock()
	s.records[pair] = append(s.records[pair], keys...)
	s.mu.Unlock()

	if s.notify != nil {
		return s.notify.NotifyKeys(pair, keys)
	}
	return nil
}

// ApplyBroadcast records keys a peer KME pushed to us, without
// re-broadcasting them (idempotent: a retransmitted broadcast of keys
// this store already has is deduplicated by key_id).
func (s *Store) ApplyBroadcast(pair Pair, keys []keygen.KeyRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make(map[string]struct{}, len(s.records[pair]))
	for _, k := range s.records[pair] {
		existing[k.KeyID] = struct{}{}
	}
	for _, k := range keys {
		if _, dup := existing[k.KeyID]; dup {
			continue
		}
		s.records[pair] = append(s.records[pair], k)
		existing[k.KeyID] = struct{}{}
	}
}

// GetKeys returns a copy of all undelivered-to-caller key records for a
// pair. Per spec.md §9's literal get_keys_by_ids semantics, either the
// master_SAE or the slave_SAE side of the pair may call this — the Store
// does not enforce which side is asking.
func (s *Store) GetKeys(pair Pair) []keygen.KeyRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.records[pair]
	out := make([]keygen.KeyRecord, len(recs))
	copy(out, recs)
	return out
}

// GetKeyByID finds a specific key record within a pair's ledger.
func (s *Store) GetKeyByID(pair Pair, keyID string) (keygen.KeyRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, k := range s.records[pair] {
		if k.KeyID == keyID {
			return k, true
		}
	}
	return keygen.KeyRecord{}, false
}

// RemoveKey deletes a key record from a pair's ledger, used once a key is
// reported consumed (mark_consumed, spec.md §4.E).
func (s *Store) RemoveKey(pair Pair, keyID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(pair, keyID)
}

// RemoveKeys deletes the given ids from a pair's ledger and broadcasts
// the removal to the peer KME, per spec.md §4.D. Missing ids are not an
// error. Returns the ids actually removed.
func (s *Store) RemoveKeys(pair Pair, keyIDs []string) []string {
	s.mu.Lock()
	var removed []string
	for _, id := range keyIDs {
		if s.removeLocked(pair, id) {
			removed = append(removed, id)
		}
	}
	s.mu.Unlock()

	if s.notify != nil && len(removed) > 0 {
		_ = s.notify.NotifyRemoved(pair, removed)
	}
	return removed
}

// ApplyRemoveBroadcast drops keys a peer KME reported consumed, without
// re-broadcasting. Ids this store never held are ignored.
func (s *Store) ApplyRemoveBroadcast(pair Pair, keyIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range keyIDs {
		s.removeLocked(pair, id)
	}
}

func (s *Store) removeLocked(pair Pair, keyID string) bool {
	recs := s.records[pair]
	for i, k := range recs {
		if k.KeyID == keyID {
			s.records[pair] = append(recs[:i], recs[i+1:]...)
			return true
		}
	}
	return false
}

// Count returns the number of undelivered key records for a pair.
func (s *Store) Count(pair Pair) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[pair])
}

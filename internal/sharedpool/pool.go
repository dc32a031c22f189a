// Package sharedpool implements the Shared Pool Engine (spec.md §4.B): the
// master-KME-owned store of pre-generated key records split into an
// available FIFO queue and a reserved map, with a background refill loop.
//
// The reservation/release bookkeeping follows the mutex+condvar monitor
// pattern this codebase uses for its account-reservation pool: a single
// lock guards all pool state, and a sync.Cond wakes blocked requesters
// whenever new keys become available.
package sharedpool

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/r3e-network/qkd-kme/internal/httperr"
	"github.com/r3e-network/qkd-kme/internal/keygen"
	"github.com/r3e-network/qkd-kme/internal/logging"
)

// Config configures the Shared Pool Engine, per spec.md §4.B/§6.
type Config struct {
	DefaultKeySizeBytes int
	MaxKeyCount         int
	BatchSize           int
	RefillThreshold     int
	GenerateInterval    time.Duration
}

// Status reports the pool's current occupancy, per spec.md §4.B.
type Status struct {
	Available        int              `json:"available"`
	Reserved         int              `json:"reserved"`
	TotalAvailable   int              `json:"total_available"`
	MaxCapacity      int              `json:"max_capacity"`
	TotalGenerated   int64            `json:"total_generated"`
	TotalRetrieved   int64            `json:"total_retrieved"`
	PerKMERetrieved  map[string]int64 `json:"per_kme_retrieved"`
	UtilizationPct   float64          `json:"utilization_pct"`
}

// Snapshotter persists pool state. Implemented by the JSON
// temp-file-and-rename writer in internal/sharedpool/snapshot.go.
type Snapshotter interface {
	Save(keys []keygen.KeyRecord, totalGenerated, totalRetrieved int64) error
}

// Pool is the master-role Shared Pool Engine.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	cfg       Config
	generator *keygen.Generator
	snapshot  Snapshotter
	logger    *logging.Logger

	available *list.List // FIFO of keygen.KeyRecord
	reserved  map[string]keygen.KeyRecord

	totalGenerated  int64
	totalRetrieved  int64
	perKMERetrieved map[string]int64
}

// New constructs an empty Pool. Rehydrate with Restore before serving
// traffic if a prior snapshot exists.
func New(cfg Config, generator *keygen.Generator, snapshot Snapshotter, logger *logging.Logger) *Pool {
	if cfg.GenerateInterval <= 0 {
		cfg.GenerateInterval = 5 * time.Second
	}
	p := &Pool{
		cfg:             cfg,
		generator:       generator,
		snapshot:        snapshot,
		logger:          logger,
		available:       list.New(),
		reserved:        make(map[string]keygen.KeyRecord),
		perKMERetrieved: make(map[string]int64),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Restore rehydrates `available` and counters from a prior snapshot.
// `reserved` is intentionally left empty, per spec.md §9: in-flight
// encryptions lose their reservation across a restart.
func (p *Pool) Restore(keys []keygen.KeyRecord, totalGenerated, totalRetrieved int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.available = list.New()
	for _, k := range keys {
		p.available.PushBack(k)
	}
	p.totalGenerated = totalGenerated
	p.totalRetrieved = totalRetrieved
}

func (p *Pool) capacityLeftLocked() int {
	left := p.cfg.MaxKeyCount - p.available.Len()
	if left < 0 {
		return 0
	}
	return left
}

// AddKeysBatch generates up to min(n, capacity left) keys and appends them
// to `available`, per spec.md §4.B.
func (p *Pool) AddKeysBatch(n int) (int, error) {
	p.mu.Lock()
	capLeft := p.capacityLeftLocked()
	toAdd := n
	if toAdd > capLeft {
		toAdd = capLeft
	}
	p.mu.Unlock()

	if toAdd <= 0 {
		return 0, nil
	}

	added := make([]keygen.KeyRecord, 0, toAdd)
	for i := 0; i < toAdd; i++ {
		rec, err := p.generator.Generate(p.cfg.DefaultKeySizeBytes)
		if err != nil {
			return len(added), err
		}
		added = append(added, rec)
	}

	p.mu.Lock()
	for _, rec := range added {
		p.available.PushBack(rec)
	}
	p.totalGenerated += int64(len(added))
	p.cond.Broadcast()
	p.mu.Unlock()

	p.persist()
	return len(added), nil
}

// GetKeys blocks until n keys are available in `available` or timeout
// elapses, dequeuing FIFO. If remove is true the keys leave the pool
// entirely (counted as retrieved); otherwise they move into `reserved`.
// It may return fewer than n keys if the deadline passes first.
func (p *Pool) GetKeys(ctx context.Context, n int, requesterKMEID string, timeout time.Duration, remove bool) []keygen.KeyRecord {
	deadline := time.Now().Add(timeout)
	result := make([]keygen.KeyRecord, 0, n)

	// A single background timer wakes every blocked waiter at the deadline
	// (or on ctx cancellation) by broadcasting on the pool's condvar; it
	// exits on its own once either fires, so GetKeys never leaks it.
	stopTimer := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(timeout):
		case <-stopTimer:
			return
		}
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	}()
	defer close(stopTimer)

	p.mu.Lock()
	for len(result) < n {
		for p.available.Len() > 0 && len(result) < n {
			front := p.available.Front()
			rec := front.Value.(keygen.KeyRecord)
			p.available.Remove(front)

			if remove {
				p.totalRetrieved++
				p.perKMERetrieved[requesterKMEID]++
			} else {
				p.reserved[rec.KeyID] = rec
			}
			result = append(result, rec)
		}
		if len(result) >= n {
			break
		}
		if ctx.Err() != nil || !time.Now().Before(deadline) {
			break
		}

		p.cond.Wait()
	}
	p.mu.Unlock()

	// persist re-acquires the lock, so it must run after the unlock.
	if len(result) > 0 {
		p.persist()
	}
	return result
}

// GetKeyByID checks `reserved` first, then `available`, for key_id. If
// remove is true it removes the key from wherever it was found and counts
// it as retrieved; otherwise it returns a copy in place. Returns
// (KeyRecord{}, false) when not found.
func (p *Pool) GetKeyByID(keyID, requesterKMEID string, remove bool) (keygen.KeyRecord, bool) {
	var result keygen.KeyRecord
	found := false
	mutated := false

	p.mu.Lock()
	if rec, ok := p.reserved[keyID]; ok {
		result, found = rec, true
		if remove {
			delete(p.reserved, keyID)
			p.totalRetrieved++
			p.perKMERetrieved[requesterKMEID]++
			mutated = true
		}
	} else {
		for e := p.available.Front(); e != nil; e = e.Next() {
			rec := e.Value.(keygen.KeyRecord)
			if rec.KeyID == keyID {
				result, found = rec, true
				if remove {
					p.available.Remove(e)
					p.totalRetrieved++
					p.perKMERetrieved[requesterKMEID]++
					mutated = true
				}
				break
			}
		}
	}
	p.mu.Unlock()

	if mutated {
		p.persist()
	}
	return result, found
}

// RemoveByID removes a key from `available` or `reserved` without counting
// it as retrieved, used by mark_consumed (spec.md §4.E).
func (p *Pool) RemoveByID(keyID string) bool {
	removed := false

	p.mu.Lock()
	if _, ok := p.reserved[keyID]; ok {
		delete(p.reserved, keyID)
		removed = true
	} else {
		for e := p.available.Front(); e != nil; e = e.Next() {
			if e.Value.(keygen.KeyRecord).KeyID == keyID {
				p.available.Remove(e)
				removed = true
				break
			}
		}
	}
	p.mu.Unlock()

	if removed {
		p.persist()
	}
	return removed
}

// Status reports current occupancy, per spec.md §4.B.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	available := p.available.Len()
	reserved := len(p.reserved)
	perKME := make(map[string]int64, len(p.perKMERetrieved))
	for k, v := range p.perKMERetrieved {
		perKME[k] = v
	}

	utilization := 0.0
	if p.cfg.MaxKeyCount > 0 {
		utilization = float64(available+reserved) / float64(p.cfg.MaxKeyCount) * 100
	}

	return Status{
		Available:       available,
		Reserved:        reserved,
		TotalAvailable:  available + reserved,
		MaxCapacity:     p.cfg.MaxKeyCount,
		TotalGenerated:  p.totalGenerated,
		TotalRetrieved:  p.totalRetrieved,
		PerKMERetrieved: perKME,
		UtilizationPct:  utilization,
	}
}

// NeedsRefill reports whether `available` has fallen below the configured
// threshold and there is capacity left to generate into.
func (p *Pool) NeedsRefill() (needed int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.available.Len() >= p.cfg.RefillThreshold {
		return 0, false
	}
	capLeft := p.capacityLeftLocked()
	if capLeft <= 0 {
		return 0, false
	}
	batch := p.cfg.BatchSize
	if batch > capLeft {
		batch = capLeft
	}
	return batch, batch > 0
}

// RefillTick performs one iteration of the refill loop (spec.md §4.B):
// "if |available| < refill_threshold and capacity left, add_keys_batch(...)".
// Intended to be driven by internal/worker.Worker on GenerateInterval.
func (p *Pool) RefillTick(ctx context.Context) error {
	n, ok := p.NeedsRefill()
	if !ok {
		return nil
	}
	added, err := p.AddKeysBatch(n)
	if err != nil {
		return err
	}
	if p.logger != nil && added > 0 {
		p.logger.WithContext(ctx).WithFields(map[string]interface{}{"added": added}).Debug("shared pool refilled")
	}
	return nil
}

func (p *Pool) persist() {
	if p.snapshot == nil {
		return
	}
	p.mu.Lock()
	keys := make([]keygen.KeyRecord, 0, p.available.Len())
	for e := p.available.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(keygen.KeyRecord))
	}
	totalGenerated, totalRetrieved := p.totalGenerated, p.totalRetrieved
	p.mu.Unlock()

	if err := p.snapshot.Save(keys, totalGenerated, totalRetrieved); err != nil && p.logger != nil {
		p.logger.WithError(err).Warn("shared pool snapshot write failed")
	}
}

// ErrInvalidBatchSize is returned by AddKeysBatch callers that pass n<=0;
// kept as a sentinel for symmetry with the rest of the taxonomy even though
// AddKeysBatch itself simply treats n<=0 as "add nothing".
var ErrInvalidBatchSize = httperr.Config("batch size must be positive")

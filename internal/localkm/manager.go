// Package localkm implements the Local Key Manager (spec.md §4.G): a
// process-wide singleton wrapping a Per-User Pool (internal/userpool) and
// a sync worker that keeps that pool topped up from an upstream KME.
package localkm

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/r3e-network/qkd-kme/internal/config"
	"github.com/r3e-network/qkd-kme/internal/logging"
	"github.com/r3e-network/qkd-kme/internal/metrics"
	"github.com/r3e-network/qkd-kme/internal/resilience"
	"github.com/r3e-network/qkd-kme/internal/userpool"
	"github.com/r3e-network/qkd-kme/internal/worker"
)

// AuditLogger records a sync-audit row, per spec.md §4.H's `sync_logs` table.
type AuditLogger interface {
	RecordSync(ctx context.Context, entry SyncAuditEntry) error
}

// SyncAuditEntry is one row written after every sync attempt.
type SyncAuditEntry struct {
	Timestamp         time.Time
	Trigger           string // scheduled|threshold|emergency|manual
	UpstreamReachable bool
	Fallback          bool
	UsersTouched      int
	KeysDelivered     int
	DurationMS        int64
	Errors            []string
}

// Manager is the Local Key Manager singleton.
type Manager struct {
	cfg     *config.LocalKMConfig
	pool    *userpool.Pool
	logger  *logging.Logger
	audit   AuditLogger
	metrics *metrics.Registry

	upstream *upstreamClient
	worker   *worker.Worker
	queue    chan SyncRequest

	mu           sync.Mutex
	syncRunning  bool
	lastSyncTime time.Time
	nextSyncTime time.Time
}

// SyncRequest is one entry on the sync-request queue (spec.md §4.G).
type SyncRequest struct {
	Users  []string
	Reason string // scheduled|threshold|emergency|manual
}

const (
	ReasonScheduled = "scheduled"
	ReasonThreshold = "threshold"
	ReasonEmergency = "emergency"
	ReasonManual    = "manual"
)

// syncQueueCapacity bounds the pending-request queue; EnqueueSync drops the
// request rather than blocking the caller when it is full.
const syncQueueCapacity = 64

// NewManager constructs a Manager over pool, ready to Start. reg may be nil,
// in which case sync outcomes are not instrumented.
func NewManager(cfg *config.LocalKMConfig, pool *userpool.Pool, logger *logging.Logger, audit AuditLogger, breaker *resilience.CircuitBreaker, httpClient *http.Client, reg *metrics.Registry) *Manager {
	m := &Manager{
		cfg:          cfg,
		pool:         pool,
		logger:       logger,
		audit:        audit,
		metrics:      reg,
		upstream:     newUpstreamClient(cfg.UpstreamURL, cfg.LocalKMID, cfg.SyncDeadline, breaker, httpClient),
		queue:        make(chan SyncRequest, syncQueueCapacity),
		nextSyncTime: time.Now().Add(cfg.SyncInterval()),
	}
	m.worker = worker.New(worker.Config{
		Name:     "local-km-sync",
		Interval: cfg.SyncQueueDrainInterval,
		Logger:   logger,
	}, m.tick)
	return m
}

// Start begins the sync worker's drain loop.
func (m *Manager) Start(ctx context.Context) { m.worker.Start(ctx) }

// Stop halts the sync worker, waiting for an in-flight tick to finish.
func (m *Manager) Stop() { m.worker.Stop() }

// EnqueueSync offers a sync request onto the queue without blocking the
// caller; a full queue drops the request (the next scheduled/threshold
// scan will retry the same users soon enough).
func (m *Manager) EnqueueSync(reason string, users []string) {
	select {
	case m.queue <- SyncRequest{Users: users, Reason: reason}:
	default:
		if m.logger != nil {
			m.logger.WithFields(map[string]interface{}{"reason": reason}).Warn("sync queue full, dropping request")
		}
	}
}

// IsSyncRunning reports whether a sync procedure currently holds the lock.
func (m *Manager) IsSyncRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncRunning
}

// LastSyncTime returns the timestamp of the most recently completed sync.
func (m *Manager) LastSyncTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSyncTime
}

// RestoreSyncState rehydrates the sync clock from the persisted
// last_sync_time row, so a restart does not immediately re-run a
// scheduled sync that already completed. A zero time is ignored.
func (m *Manager) RestoreSyncState(lastSync time.Time) {
	if lastSync.IsZero() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSyncTime = lastSync
	m.nextSyncTime = lastSync.Add(m.cfg.SyncInterval())
}

// Pool exposes the underlying Per-User Pool for the HTTP layer.
func (m *Manager) Pool() *userpool.Pool { return m.pool }

// Config exposes the Local Key Manager's configuration for the HTTP layer.
func (m *Manager) Config() *config.LocalKMConfig { return m.cfg }

// tick implements the sync worker's per-minute cooperative task, per
// spec.md §4.G's three numbered steps.
func (m *Manager) tick(ctx context.Context) error {
	for {
		select {
		case req := <-m.queue:
			m.runSync(ctx, req.Reason, req.Users)
		default:
			goto scanned
		}
	}
scanned:
	m.mu.Lock()
	scheduledDue := !time.Now().Before(m.nextSyncTime)
	m.mu.Unlock()
	if scheduledDue {
		m.runSync(ctx, ReasonScheduled, nil)
	}

	emergency, err := m.pool.GetPoolsBelow(ctx, m.cfg.EmergencyThresholdPercent)
	if err != nil {
		if m.logger != nil {
			m.logger.WithError(err).Warn("scan for emergency pools failed")
		}
		return nil
	}
	if len(emergency) > 0 {
		users := make([]string, len(emergency))
		for i, s := range emergency {
			users[i] = s.SAEID
		}
		m.runSync(ctx, ReasonEmergency, users)
	}
	return nil
}

// TriggerManualSync runs the sync procedure immediately for the given
// users (or all low pools if users is empty), used by the `/sync` and
// admin surfaces. It returns Busy if a sync is already in flight.
func (m *Manager) TriggerManualSync(ctx context.Context, reason string, users []string) (SyncResult, error) {
	return m.syncOnce(ctx, reason, users)
}

func (m *Manager) runSync(ctx context.Context, reason string, users []string) {
	if _, err := m.syncOnce(ctx, reason, users); err != nil && m.logger != nil {
		m.logger.WithError(err).Warn("sync procedure failed")
	}
}

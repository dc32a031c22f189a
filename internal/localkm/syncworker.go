package localkm

import (
	"context"
	"time"

	"github.com/r3e-network/qkd-kme/internal/httperr"
	"github.com/r3e-network/qkd-kme/internal/userpool"
)

// UserSyncOutcome reports one user's share of a sync procedure's result.
type UserSyncOutcome struct {
	SAEID         string `json:"sae_id"`
	KeysDelivered int    `json:"keys_delivered"`
}

// SyncResult is the outcome of one sync procedure run (spec.md §4.G).
type SyncResult struct {
	Success            bool              `json:"success"`
	SyncedUsers        int               `json:"synced_users"`
	TotalKeysDelivered int               `json:"total_keys_delivered"`
	UserSyncs          []UserSyncOutcome `json:"user_syncs,omitempty"`
	Fallback           string            `json:"fallback,omitempty"`
	Errors             []string          `json:"errors,omitempty"`
}

// syncOnce runs the numbered sync procedure from spec.md §4.G.
func (m *Manager) syncOnce(ctx context.Context, reason string, users []string) (SyncResult, error) {
	m.mu.Lock()
	if m.syncRunning {
		m.mu.Unlock()
		return SyncResult{}, httperr.Busy("a sync is already running")
	}
	m.syncRunning = true
	m.mu.Unlock()

	start := time.Now()
	defer func() {
		m.mu.Lock()
		m.syncRunning = false
		m.lastSyncTime = time.Now()
		m.nextSyncTime = m.lastSyncTime.Add(m.cfg.SyncInterval())
		m.mu.Unlock()
	}()

	targets, err := m.resolveTargets(ctx, reason, users)
	if err != nil {
		m.recordAudit(ctx, reason, false, 0, 0, start, []string{err.Error()})
		return SyncResult{}, err
	}

	requests := make([]syncUserRequest, 0, len(targets))
	for _, saeID := range targets {
		headroom, err := m.pool.Headroom(ctx, saeID)
		if err != nil || headroom <= 0 {
			continue
		}
		requests = append(requests, syncUserRequest{SAEID: saeID, RequestedKeys: headroom})
	}
	if len(requests) == 0 {
		result := SyncResult{Success: true}
		m.recordAudit(ctx, reason, true, 0, 0, start, nil)
		return result, nil
	}

	resp, err := m.upstream.sync(ctx, requests)
	if err != nil {
		if httperr.IsKind(err, httperr.KindTransport) && reason == ReasonEmergency {
			return m.fallbackLocalGeneration(ctx, reason, requests, start)
		}
		m.recordAudit(ctx, reason, false, 0, 0, start, []string{err.Error()})
		return SyncResult{}, err
	}

	result := SyncResult{Success: true, SyncedUsers: resp.SyncedUsers, TotalKeysDelivered: resp.TotalKeysDelivered}
	for _, us := range resp.UserSyncs {
		keys := make([]userpool.UserKey, len(us.Keys))
		for i, k := range us.Keys {
			keys[i] = userpool.UserKey{KeyID: k.KeyID, KeyMaterial: k.Key, State: userpool.StateAvailable}
		}
		stored, err := m.pool.DeliverKeys(ctx, us.SAEID, keys)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.UserSyncs = append(result.UserSyncs, UserSyncOutcome{SAEID: us.SAEID, KeysDelivered: stored})
	}

	m.recordAudit(ctx, reason, true, len(result.UserSyncs), result.TotalKeysDelivered, start, result.Errors)
	return result, nil
}

// fallbackLocalGeneration implements step 6: on transport failure during an
// emergency sync, generate the shortfall locally instead of leaving the
// user's pool drained.
func (m *Manager) fallbackLocalGeneration(ctx context.Context, reason string, requests []syncUserRequest, start time.Time) (SyncResult, error) {
	result := SyncResult{Success: true, Fallback: "local_generation"}
	for _, req := range requests {
		stored, err := m.pool.RefillPool(ctx, req.SAEID, req.RequestedKeys)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.UserSyncs = append(result.UserSyncs, UserSyncOutcome{SAEID: req.SAEID, KeysDelivered: stored})
		result.TotalKeysDelivered += stored
	}
	result.SyncedUsers = len(result.UserSyncs)
	m.recordAuditWithFallback(ctx, reason, false, result.SyncedUsers, result.TotalKeysDelivered, start, result.Errors, true)
	return result, nil
}

// resolveTargets implements step 2: explicit users, else low-pool users,
// else (scheduled only) every registered user.
func (m *Manager) resolveTargets(ctx context.Context, reason string, users []string) ([]string, error) {
	if len(users) > 0 {
		return users, nil
	}
	low, err := m.pool.GetLowPools(ctx)
	if err != nil {
		return nil, err
	}
	if len(low) > 0 {
		ids := make([]string, len(low))
		for i, s := range low {
			ids[i] = s.SAEID
		}
		return ids, nil
	}
	if reason == ReasonScheduled {
		return m.pool.AllSAEIDs(ctx)
	}
	return nil, nil
}

func (m *Manager) recordAudit(ctx context.Context, reason string, upstreamReachable bool, usersTouched, keysDelivered int, start time.Time, errs []string) {
	m.recordAuditWithFallback(ctx, reason, upstreamReachable, usersTouched, keysDelivered, start, errs, false)
}

func (m *Manager) recordAuditWithFallback(ctx context.Context, reason string, upstreamReachable bool, usersTouched, keysDelivered int, start time.Time, errs []string, fallback bool) {
	durationMS := time.Since(start).Milliseconds()

	if m.metrics != nil {
		outcome := "success"
		if len(errs) > 0 {
			outcome = "partial_failure"
		}
		if !upstreamReachable && !fallback {
			outcome = "failure"
		}
		m.metrics.ObserveSync(reason, outcome, float64(durationMS), keysDelivered, fallback)
	}

	if m.audit == nil {
		return
	}
	entry := SyncAuditEntry{
		Timestamp:         time.Now(),
		Trigger:           reason,
		UpstreamReachable: upstreamReachable,
		Fallback:          fallback,
		UsersTouched:      usersTouched,
		KeysDelivered:     keysDelivered,
		DurationMS:        durationMS,
		Errors:            errs,
	}
	if err := m.audit.RecordSync(ctx, entry); err != nil && m.logger != nil {
		m.logger.WithError(err).Warn("failed to record sync audit entry")
	}
}

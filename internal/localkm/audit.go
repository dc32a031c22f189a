package localkm

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/r3e-network/qkd-kme/internal/httperr"
)

// configKeyLastSyncTime is the one required row of the local_km_config kv
// table. It survives restarts so a freshly started local-km does not
// immediately re-run a scheduled sync it already completed.
const configKeyLastSyncTime = "last_sync_time"

// SQLAuditLogger persists sync-audit rows to the sync_logs table and keeps
// local_km_config.last_sync_time current.
type SQLAuditLogger struct {
	db *sqlx.DB
}

// NewSQLAuditLogger wraps an existing *sqlx.DB (the same handle the
// userpool repository uses; writes are independent, no cross-table
// atomicity is needed).
func NewSQLAuditLogger(db *sqlx.DB) *SQLAuditLogger {
	return &SQLAuditLogger{db: db}
}

// RecordSync appends one sync_logs row and upserts last_sync_time.
func (l *SQLAuditLogger) RecordSync(ctx context.Context, entry SyncAuditEntry) error {
	const insertQ = `
		INSERT INTO sync_logs (created_at, trigger_reason, upstream_reachable, fallback, users_touched, keys_delivered, duration_ms, errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	var errText interface{}
	if len(entry.Errors) > 0 {
		errText = strings.Join(entry.Errors, "; ")
	}
	if _, err := l.db.ExecContext(ctx, insertQ,
		entry.Timestamp, entry.Trigger, entry.UpstreamReachable, entry.Fallback,
		entry.UsersTouched, entry.KeysDelivered, entry.DurationMS, errText); err != nil {
		return httperr.Wrap(httperr.KindInternal, "insert sync log", err)
	}

	const upsertQ = `
		INSERT INTO local_km_config (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	if _, err := l.db.ExecContext(ctx, upsertQ, configKeyLastSyncTime, entry.Timestamp.UTC().Format(time.RFC3339)); err != nil {
		return httperr.Wrap(httperr.KindInternal, "update last_sync_time", err)
	}
	return nil
}

// LastSyncTime reads local_km_config.last_sync_time. The zero time and nil
// are returned when no sync has ever completed.
func (l *SQLAuditLogger) LastSyncTime(ctx context.Context) (time.Time, error) {
	var value string
	err := l.db.QueryRowContext(ctx,
		`SELECT value FROM local_km_config WHERE key = $1`, configKeyLastSyncTime).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, httperr.Wrap(httperr.KindInternal, "read last_sync_time", err)
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, httperr.Wrap(httperr.KindInternal, "parse last_sync_time", err)
	}
	return ts, nil
}

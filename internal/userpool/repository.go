package userpool

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/r3e-network/qkd-kme/internal/httperr"
)

// Repository is the SQL-backed persistence layer for the Per-User Pool
// (spec.md §4.F/§4.H).
type Repository interface {
	// CreateUser inserts a users row and its initial batch of available
	// keys in one transaction. Fails AlreadyExists if saeID is registered.
	CreateUser(ctx context.Context, saeID, email string, poolSizeLimit int, keys []UserKey) error

	// GetKeysForReceiver atomically claims the oldest `number` available
	// keys owned by receiverSAE, stamping them used/used_by_sae_id=senderSAE.
	GetKeysForReceiver(ctx context.Context, senderSAE, receiverSAE string, number int) ([]UserKey, error)

	// GetKeysByIDs returns keys whose used_by_sae_id == callerSAE or whose
	// owner (sae_id) is callerSAE, restricted to the requested ids.
	GetKeysByIDs(ctx context.Context, callerSAE string, keyIDs []string) ([]UserKey, error)

	// Stats reports total/available/used counts and pool_size_limit.
	Stats(ctx context.Context, saeID string) (Stats, error)

	// InsertRefillKeys inserts up to the user's remaining headroom from
	// keys, returning how many were actually stored.
	InsertRefillKeys(ctx context.Context, saeID string, keys []UserKey) (int, error)

	// DeleteUser removes a user and cascades to its keys.
	DeleteUser(ctx context.Context, saeID string) error

	// LowPools returns Stats for every user whose is_low flag is true
	// under lowThresholdPct.
	LowPools(ctx context.Context, lowThresholdPct float64) ([]Stats, error)

	// Headroom reports pool_size_limit - available for saeID, used by the
	// sync worker to size its upstream request.
	Headroom(ctx context.Context, saeID string) (int, error)

	// AllSAEIDs lists every registered SAE, used by a scheduled sync with
	// no explicit target list and no low pools (spec.md §4.G step 2).
	AllSAEIDs(ctx context.Context) ([]string, error)
}

// SQLRepository implements Repository over Postgres via sqlx/lib/pq.
type SQLRepository struct {
	db *sqlx.DB
}

// NewSQLRepository wraps an existing *sqlx.DB (opened with driver "postgres").
func NewSQLRepository(db *sqlx.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

// CreateUser inserts the users row and its initial key batch atomically.
func (r *SQLRepository) CreateUser(ctx context.Context, saeID, email string, poolSizeLimit int, keys []UserKey) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return httperr.Wrap(httperr.KindInternal, "begin create user tx", err)
	}
	defer tx.Rollback()

	const insertUser = `INSERT INTO users (sae_id, email, pool_size_limit) VALUES ($1, $2, $3)`
	if _, err := tx.ExecContext(ctx, insertUser, saeID, email, poolSizeLimit); err != nil {
		if isUniqueViolation(err) {
			return httperr.AlreadyExists("sae", saeID)
		}
		return httperr.Wrap(httperr.KindInternal, "insert user", err)
	}

	const insertKey = `INSERT INTO keys (key_id, sae_id, key_material, state) VALUES ($1, $2, $3, $4)`
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, insertKey, k.KeyID, saeID, k.KeyMaterial, StateAvailable); err != nil {
			return httperr.Wrap(httperr.KindInternal, "insert initial key", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return httperr.Wrap(httperr.KindInternal, "commit create user tx", err)
	}
	return nil
}

// GetKeysForReceiver claims the oldest available keys for receiverSAE using
// SELECT ... FOR UPDATE SKIP LOCKED, stamping used_by_sae_id=senderSAE.
func (r *SQLRepository) GetKeysForReceiver(ctx context.Context, senderSAE, receiverSAE string, number int) ([]UserKey, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, httperr.Wrap(httperr.KindInternal, "begin claim tx", err)
	}
	defer tx.Rollback()

	var keys []UserKey
	const selectQ = `
		SELECT key_id, sae_id, key_material, state, created_at, used_at, used_by_sae_id
		FROM keys
		WHERE sae_id = $1 AND state = 'available'
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`
	if err := tx.SelectContext(ctx, &keys, selectQ, receiverSAE, number); err != nil {
		return nil, httperr.Wrap(httperr.KindInternal, "claim select", err)
	}
	if len(keys) < number {
		return nil, httperr.InsufficientKeys(receiverSAE, number, len(keys))
	}

	const updateQ = `UPDATE keys SET state = 'used', used_at = now(), used_by_sae_id = $1 WHERE key_id = $2`
	for i := range keys {
		if _, err := tx.ExecContext(ctx, updateQ, senderSAE, keys[i].KeyID); err != nil {
			return nil, httperr.Wrap(httperr.KindInternal, "claim update", err)
		}
		keys[i].State = StateUsed
		keys[i].UsedBySAEID = &senderSAE
	}

	if err := tx.Commit(); err != nil {
		return nil, httperr.Wrap(httperr.KindInternal, "commit claim tx", err)
	}
	return keys, nil
}

// GetKeysByIDs returns keys matching the used_by_sae_id-or-owner rule.
func (r *SQLRepository) GetKeysByIDs(ctx context.Context, callerSAE string, keyIDs []string) ([]UserKey, error) {
	const q = `
		SELECT key_id, sae_id, key_material, state, created_at, used_at, used_by_sae_id
		FROM keys
		WHERE key_id = ANY($1) AND (used_by_sae_id = $2 OR sae_id = $2)`

	var keys []UserKey
	if err := r.db.SelectContext(ctx, &keys, q, pq.Array(keyIDs), callerSAE); err != nil {
		return nil, httperr.Wrap(httperr.KindInternal, "get keys by ids", err)
	}
	return keys, nil
}

// Stats reports a SAE's pool occupancy (without is_low; callers compute it).
func (r *SQLRepository) Stats(ctx context.Context, saeID string) (Stats, error) {
	const q = `
		SELECT u.pool_size_limit,
		       COALESCE(SUM(CASE WHEN k.state = 'available' THEN 1 ELSE 0 END), 0) AS available,
		       COALESCE(SUM(CASE WHEN k.state = 'used' THEN 1 ELSE 0 END), 0) AS used
		FROM users u LEFT JOIN keys k ON k.sae_id = u.sae_id
		WHERE u.sae_id = $1
		GROUP BY u.pool_size_limit`

	var limit, available, used int
	if err := r.db.QueryRowContext(ctx, q, saeID).Scan(&limit, &available, &used); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Stats{}, httperr.UnknownSAE(saeID)
		}
		return Stats{}, httperr.Wrap(httperr.KindInternal, "read stats", err)
	}
	return Stats{SAEID: saeID, Total: available + used, Available: available, Used: used, PoolSizeLimit: limit}, nil
}

// Headroom returns pool_size_limit - available for saeID.
func (r *SQLRepository) Headroom(ctx context.Context, saeID string) (int, error) {
	stats, err := r.Stats(ctx, saeID)
	if err != nil {
		return 0, err
	}
	headroom := stats.PoolSizeLimit - stats.Available
	if headroom < 0 {
		headroom = 0
	}
	return headroom, nil
}

// InsertRefillKeys inserts up to the user's remaining headroom.
func (r *SQLRepository) InsertRefillKeys(ctx context.Context, saeID string, keys []UserKey) (int, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, httperr.Wrap(httperr.KindInternal, "begin refill tx", err)
	}
	defer tx.Rollback()

	var limit, available int
	const statsQ = `
		SELECT u.pool_size_limit, COALESCE(SUM(CASE WHEN k.state = 'available' THEN 1 ELSE 0 END), 0)
		FROM users u LEFT JOIN keys k ON k.sae_id = u.sae_id
		WHERE u.sae_id = $1
		GROUP BY u.pool_size_limit`
	if err := tx.QueryRowContext(ctx, statsQ, saeID).Scan(&limit, &available); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, httperr.UnknownSAE(saeID)
		}
		return 0, httperr.Wrap(httperr.KindInternal, "read refill headroom", err)
	}

	headroom := limit - available
	if headroom <= 0 {
		return 0, tx.Commit()
	}
	toInsert := keys
	if len(toInsert) > headroom {
		toInsert = toInsert[:headroom]
	}

	const insertQ = `INSERT INTO keys (key_id, sae_id, key_material, state) VALUES ($1, $2, $3, 'available') ON CONFLICT (key_id) DO NOTHING`
	for _, k := range toInsert {
		if _, err := tx.ExecContext(ctx, insertQ, k.KeyID, saeID, k.KeyMaterial); err != nil {
			return 0, httperr.Wrap(httperr.KindInternal, "insert refill key", err)
		}
	}

	const touchQ = `UPDATE users SET last_refill_at = now() WHERE sae_id = $1`
	if _, err := tx.ExecContext(ctx, touchQ, saeID); err != nil {
		return 0, httperr.Wrap(httperr.KindInternal, "touch last_refill_at", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, httperr.Wrap(httperr.KindInternal, "commit refill tx", err)
	}
	return len(toInsert), nil
}

// DeleteUser removes a user row; an ON DELETE CASCADE foreign key on
// keys.sae_id removes its keys.
func (r *SQLRepository) DeleteUser(ctx context.Context, saeID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE sae_id = $1`, saeID)
	if err != nil {
		return httperr.Wrap(httperr.KindInternal, "delete user", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return httperr.Wrap(httperr.KindInternal, "delete user rows affected", err)
	}
	if rows == 0 {
		return httperr.UnknownSAE(saeID)
	}
	return nil
}

// LowPools returns Stats for every user whose available/pool_size_limit
// ratio is below lowThresholdPct, feeding the Local Key Manager's
// threshold-triggered sync (spec.md §4.G) and the `/pools` admin endpoint.
func (r *SQLRepository) LowPools(ctx context.Context, lowThresholdPct float64) ([]Stats, error) {
	const q = `
		SELECT u.sae_id, u.pool_size_limit,
		       COALESCE(SUM(CASE WHEN k.state = 'available' THEN 1 ELSE 0 END), 0) AS available,
		       COALESCE(SUM(CASE WHEN k.state = 'used' THEN 1 ELSE 0 END), 0) AS used
		FROM users u LEFT JOIN keys k ON k.sae_id = u.sae_id
		GROUP BY u.sae_id, u.pool_size_limit
		HAVING u.pool_size_limit > 0
		   AND COALESCE(SUM(CASE WHEN k.state = 'available' THEN 1 ELSE 0 END), 0) < $1 * u.pool_size_limit`

	rows, err := r.db.QueryxContext(ctx, q, lowThresholdPct)
	if err != nil {
		return nil, httperr.Wrap(httperr.KindInternal, "low pools", err)
	}
	defer rows.Close()

	var out []Stats
	for rows.Next() {
		var s Stats
		if err := rows.Scan(&s.SAEID, &s.PoolSizeLimit, &s.Available, &s.Used); err != nil {
			return nil, httperr.Wrap(httperr.KindInternal, "scan low pool row", err)
		}
		s.Total = s.Available + s.Used
		s.IsLow = true
		out = append(out, s)
	}
	return out, rows.Err()
}

// AllSAEIDs lists every registered SAE.
func (r *SQLRepository) AllSAEIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, `SELECT sae_id FROM users ORDER BY sae_id`); err != nil {
		return nil, httperr.Wrap(httperr.KindInternal, "all sae ids", err)
	}
	return ids, nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), e.g. a duplicate sae_id on register_user.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

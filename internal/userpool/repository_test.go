package userpool

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/r3e-network/qkd-kme/internal/httperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepo(t *testing.T) (*SQLRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLRepository(sqlx.NewDb(db, "sqlmock")), mock
}

func TestCreateUserInsertsUserAndKeys(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO users").
		WithArgs("sae-1", "sae-1@example.com", 2).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO keys").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO keys").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	keys := []UserKey{{KeyID: "k1"}, {KeyID: "k2"}}
	err := repo.CreateUser(context.Background(), "sae-1", "sae-1@example.com", 2, keys)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUserAlreadyExists(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO users").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := repo.CreateUser(context.Background(), "sae-1", "e@example.com", 1, nil)
	assert.True(t, httperr.IsKind(err, httperr.KindAlreadyExists))
}

func TestGetKeysForReceiverSucceeds(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT key_id, sae_id, key_material").
		WithArgs("sae-2", 1).
		WillReturnRows(sqlmock.NewRows([]string{"key_id", "sae_id", "key_material", "state", "created_at", "used_at", "used_by_sae_id"}).
			AddRow("k1", "sae-2", "bQ==", StateAvailable, now, nil, nil))
	mock.ExpectExec("UPDATE keys SET state").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	keys, err := repo.GetKeysForReceiver(context.Background(), "sae-1", "sae-2", 1)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, StateUsed, keys[0].State)
	assert.Equal(t, "sae-1", *keys[0].UsedBySAEID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetKeysForReceiverInsufficientKeys(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT key_id, sae_id, key_material").
		WithArgs("sae-2", 2).
		WillReturnRows(sqlmock.NewRows([]string{"key_id", "sae_id", "key_material", "state", "created_at", "used_at", "used_by_sae_id"}))
	mock.ExpectRollback()

	_, err := repo.GetKeysForReceiver(context.Background(), "sae-1", "sae-2", 2)
	assert.True(t, httperr.IsKind(err, httperr.KindInsufficientKey))
}

func TestStatsComputesCounts(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT u.pool_size_limit").
		WithArgs("sae-1").
		WillReturnRows(sqlmock.NewRows([]string{"pool_size_limit", "available", "used"}).AddRow(100, 40, 10))

	stats, err := repo.Stats(context.Background(), "sae-1")
	require.NoError(t, err)
	assert.Equal(t, 50, stats.Total)
	assert.Equal(t, 100, stats.PoolSizeLimit)
}

func TestStatsUnknownSAE(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT u.pool_size_limit").
		WithArgs("sae-missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Stats(context.Background(), "sae-missing")
	assert.True(t, httperr.IsKind(err, httperr.KindUnknownSAE))
}

func TestInsertRefillKeysCapsAtHeadroom(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT u.pool_size_limit").
		WithArgs("sae-1").
		WillReturnRows(sqlmock.NewRows([]string{"pool_size_limit", "available"}).AddRow(2, 1))
	mock.ExpectExec("INSERT INTO keys").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE users SET last_refill_at").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	keys := []UserKey{{KeyID: "k1"}, {KeyID: "k2"}, {KeyID: "k3"}}
	stored, err := repo.InsertRefillKeys(context.Background(), "sae-1", keys)
	require.NoError(t, err)
	assert.Equal(t, 1, stored)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteUserNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec("DELETE FROM users").
		WithArgs("sae-missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.DeleteUser(context.Background(), "sae-missing")
	assert.True(t, httperr.IsKind(err, httperr.KindUnknownSAE))
}

func TestAllSAEIDsReturnsRows(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT sae_id FROM users").
		WillReturnRows(sqlmock.NewRows([]string{"sae_id"}).AddRow("sae-1").AddRow("sae-2"))

	ids, err := repo.AllSAEIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"sae-1", "sae-2"}, ids)
}

func TestLowPoolsReturnsRows(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT u.sae_id, u.pool_size_limit").
		WithArgs(0.1).
		WillReturnRows(sqlmock.NewRows([]string{"sae_id", "pool_size_limit", "available", "used"}).
			AddRow("sae-1", 100, 5, 10).
			AddRow("sae-2", 50, 2, 3))

	pools, err := repo.LowPools(context.Background(), 0.1)
	require.NoError(t, err)
	require.Len(t, pools, 2)
	assert.True(t, pools[0].IsLow)
}

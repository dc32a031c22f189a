package localkm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/r3e-network/qkd-kme/internal/config"
	"github.com/r3e-network/qkd-kme/internal/httperr"
	"github.com/r3e-network/qkd-kme/internal/userpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	headroomBySAE map[string]int
	lowPools      []userpool.Stats
	allSAEIDs     []string
	inserted      map[string][]userpool.UserKey
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{headroomBySAE: map[string]int{}, inserted: map[string][]userpool.UserKey{}}
}

func (f *fakeRepo) CreateUser(ctx context.Context, saeID, email string, poolSizeLimit int, keys []userpool.UserKey) error {
	return nil
}

func (f *fakeRepo) GetKeysForReceiver(ctx context.Context, senderSAE, receiverSAE string, number int) ([]userpool.UserKey, error) {
	return nil, nil
}

func (f *fakeRepo) GetKeysByIDs(ctx context.Context, callerSAE string, keyIDs []string) ([]userpool.UserKey, error) {
	return nil, nil
}

func (f *fakeRepo) Stats(ctx context.Context, saeID string) (userpool.Stats, error) {
	return userpool.Stats{SAEID: saeID, PoolSizeLimit: 10, Available: 10 - f.headroomBySAE[saeID]}, nil
}

func (f *fakeRepo) InsertRefillKeys(ctx context.Context, saeID string, keys []userpool.UserKey) (int, error) {
	f.inserted[saeID] = append(f.inserted[saeID], keys...)
	return len(keys), nil
}

func (f *fakeRepo) DeleteUser(ctx context.Context, saeID string) error { return nil }

func (f *fakeRepo) LowPools(ctx context.Context, lowThresholdPct float64) ([]userpool.Stats, error) {
	return f.lowPools, nil
}

func (f *fakeRepo) Headroom(ctx context.Context, saeID string) (int, error) {
	return f.headroomBySAE[saeID], nil
}

func (f *fakeRepo) AllSAEIDs(ctx context.Context) ([]string, error) { return f.allSAEIDs, nil }

func testConfig() *config.LocalKMConfig {
	return &config.LocalKMConfig{
		LocalKMID:                 "local-km-1",
		SyncIntervalHours:         24,
		LowThresholdPercent:       0.10,
		EmergencyThresholdPercent: 0.05,
		SyncQueueDrainInterval:    time.Minute,
		SyncDeadline:              2 * time.Second,
		DefaultPoolSizeLimit:      10,
	}
}

func TestSyncOnceDeliversKeysFromUpstream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body syncRequestBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		resp := syncResponseBody{
			Success: true, SyncedUsers: 1, TotalKeysDelivered: 2,
			UserSyncs: []syncUserResponse{{SAEID: "sae-1", KeysDelivered: 2, Keys: []syncedKey{{KeyID: "k1", Key: "bQ=="}, {KeyID: "k2", Key: "cQ=="}}}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.UpstreamURL = server.URL
	repo := newFakeRepo()
	repo.headroomBySAE["sae-1"] = 2
	pool := userpool.New(repo, nil)

	m := NewManager(cfg, pool, nil, nil, nil, nil, nil)
	result, err := m.syncOnce(context.Background(), ReasonScheduled, []string{"sae-1"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.TotalKeysDelivered)
	assert.Len(t, repo.inserted["sae-1"], 2)
}

func TestSyncOnceRejectsWhenAlreadyRunning(t *testing.T) {
	cfg := testConfig()
	cfg.UpstreamURL = "http://example.invalid"
	pool := userpool.New(newFakeRepo(), nil)
	m := NewManager(cfg, pool, nil, nil, nil, nil, nil)
	m.syncRunning = true

	_, err := m.syncOnce(context.Background(), ReasonManual, []string{"sae-1"})
	assert.True(t, httperr.IsKind(err, httperr.KindBusy))
}

func TestSyncOnceFallsBackToLocalGenerationOnEmergencyTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.UpstreamURL = server.URL
	repo := newFakeRepo()
	repo.headroomBySAE["sae-1"] = 3
	pool := userpool.New(repo, nil)

	m := NewManager(cfg, pool, nil, nil, nil, nil, nil)
	result, err := m.syncOnce(context.Background(), ReasonEmergency, []string{"sae-1"})
	require.NoError(t, err)
	assert.Equal(t, "local_generation", result.Fallback)
	assert.Len(t, repo.inserted["sae-1"], 3)
}

func TestSyncOnceNoTargetsReturnsSuccessWithoutCallingUpstream(t *testing.T) {
	cfg := testConfig()
	cfg.UpstreamURL = "http://example.invalid"
	repo := newFakeRepo() // no headroom anywhere, no low pools, no all-sae-ids
	pool := userpool.New(repo, nil)

	m := NewManager(cfg, pool, nil, nil, nil, nil, nil)
	result, err := m.syncOnce(context.Background(), ReasonManual, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Zero(t, result.TotalKeysDelivered)
}

func TestResolveTargetsFallsBackToAllUsersOnlyForScheduled(t *testing.T) {
	cfg := testConfig()
	repo := newFakeRepo()
	repo.allSAEIDs = []string{"sae-1", "sae-2"}
	pool := userpool.New(repo, nil)
	m := NewManager(cfg, pool, nil, nil, nil, nil, nil)

	ids, err := m.resolveTargets(context.Background(), ReasonScheduled, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"sae-1", "sae-2"}, ids)

	ids, err = m.resolveTargets(context.Background(), ReasonManual, nil)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

package keystore

import (
	"testing"

	"github.com/r3e-network/qkd-kme/internal/keygen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	calls   []Pair
	removed map[Pair][]string
}

func (r *recordingNotifier) NotifyKeys(pair Pair, keys []keygen.KeyRecord) error {
	r.calls = append(r.calls, pair)
	return nil
}

func (r *recordingNotifier) NotifyRemoved(pair Pair, keyIDs []string) error {
	if r.removed == nil {
		r.removed = map[Pair][]string{}
	}
	r.removed[pair] = append(r.removed[pair], keyIDs...)
	return nil
}

func TestAppendKeysBroadcastsToNotifier(t *testing.T) {
	notifier := &recordingNotifier{}
	store := New(notifier)
	pair := Pair{MasterSAEID: "sae-1", SlaveSAEID: "sae-2"}

	require.NoError(t, store.AppendKeys(pair, []keygen.KeyRecord{{KeyID: "k1"}}))
	assert.Len(t, notifier.calls, 1)
	assert.Equal(t, pair, notifier.calls[0])
	assert.Equal(t, 1, store.Count(pair))
}

func TestAppendKeysWithNilNotifierDoesNotPanic(t *testing.T) {
	store := New(nil)
	pair := Pair{MasterSAEID: "sae-1", SlaveSAEID: "sae-2"}
	assert.NoError(t, store.AppendKeys(pair, []keygen.KeyRecord{{KeyID: "k1"}}))
}

func TestGetKeysReturnsAppendedKeys(t *testing.T) {
	store := New(nil)
	pair := Pair{MasterSAEID: "sae-1", SlaveSAEID: "sae-2"}
	require.NoError(t, store.AppendKeys(pair, []keygen.KeyRecord{{KeyID: "k1"}}))

	// GetKeys returns the records appended under the same pair.
	keys := store.GetKeys(pair)
	require.Len(t, keys, 1)
	assert.Equal(t, "k1", keys[0].KeyID)
}

func TestGetKeyByIDAndRemoveKey(t *testing.T) {
	store := New(nil)
	pair := Pair{MasterSAEID: "sae-1", SlaveSAEID: "sae-2"}
	require.NoError(t, store.AppendKeys(pair, []keygen.KeyRecord{{KeyID: "k1"}, {KeyID: "k2"}}))

	rec, ok := store.GetKeyByID(pair, "k1")
	require.True(t, ok)
	assert.Equal(t, "k1", rec.KeyID)

	assert.True(t, store.RemoveKey(pair, "k1"))
	assert.Equal(t, 1, store.Count(pair))
	assert.False(t, store.RemoveKey(pair, "k1"))
}

func TestApplyBroadcastDeduplicatesByKeyID(t *testing.T) {
	store := New(nil)
	pair := Pair{MasterSAEID: "sae-1", SlaveSAEID: "sae-2"}

	store.ApplyBroadcast(pair, []keygen.KeyRecord{{KeyID: "k1"}})
	store.ApplyBroadcast(pair, []keygen.KeyRecord{{KeyID: "k1"}, {KeyID: "k2"}})

	assert.Equal(t, 2, store.Count(pair))
}

func TestRemoveKeysBroadcastsRemovedIDsOnly(t *testing.T) {
	notifier := &recordingNotifier{}
	store := New(notifier)
	pair := Pair{MasterSAEID: "sae-1", SlaveSAEID: "sae-2"}
	require.NoError(t, store.AppendKeys(pair, []keygen.KeyRecord{{KeyID: "k1"}, {KeyID: "k2"}}))

	removed := store.RemoveKeys(pair, []string{"k1", "never-existed"})
	assert.Equal(t, []string{"k1"}, removed)
	assert.Equal(t, []string{"k1"}, notifier.removed[pair])
	assert.Equal(t, 1, store.Count(pair))
}

func TestRemoveKeysAllMissingDoesNotBroadcast(t *testing.T) {
	notifier := &recordingNotifier{}
	store := New(notifier)
	pair := Pair{MasterSAEID: "sae-1", SlaveSAEID: "sae-2"}

	removed := store.RemoveKeys(pair, []string{"ghost"})
	assert.Empty(t, removed)
	assert.Empty(t, notifier.removed)
}

func TestApplyRemoveBroadcastIgnoresUnknownIDs(t *testing.T) {
	store := New(nil)
	pair := Pair{MasterSAEID: "sae-1", SlaveSAEID: "sae-2"}
	store.ApplyBroadcast(pair, []keygen.KeyRecord{{KeyID: "k1"}, {KeyID: "k2"}})

	store.ApplyRemoveBroadcast(pair, []string{"k2", "ghost"})
	assert.Equal(t, 1, store.Count(pair))

	// Replaying the same removal is a no-op.
	store.ApplyRemoveBroadcast(pair, []string{"k2"})
	assert.Equal(t, 1, store.Count(pair))
}

package poolclient

import (
	"context"
	"testing"
	"time"

	"github.com/r3e-network/qkd-kme/internal/keygen"
	"github.com/r3e-network/qkd-kme/internal/sharedpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePool struct {
	keys       []keygen.KeyRecord
	status     sharedpool.Status
	lastRemove bool
}

func (f *fakePool) GetKeys(ctx context.Context, n int, requesterKMEID string, timeout time.Duration, remove bool) []keygen.KeyRecord {
	f.lastRemove = remove
	if n > len(f.keys) {
		n = len(f.keys)
	}
	out := f.keys[:n]
	f.keys = f.keys[n:]
	return out
}

func (f *fakePool) GetKeyByID(keyID, requesterKMEID string, remove bool) (keygen.KeyRecord, bool) {
	for i, k := range f.keys {
		if k.KeyID == keyID {
			if remove {
				f.keys = append(f.keys[:i], f.keys[i+1:]...)
			}
			return k, true
		}
	}
	return keygen.KeyRecord{}, false
}

func (f *fakePool) Status() sharedpool.Status { return f.status }

func TestLocalPoolClientGetKeys(t *testing.T) {
	pool := &fakePool{keys: []keygen.KeyRecord{{KeyID: "a"}, {KeyID: "b"}}}
	client := NewLocal(pool, keygen.New(), nil)

	keys, err := client.GetKeys(context.Background(), 2, "kme-2", time.Second)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	assert.False(t, pool.lastRemove, "enc_keys draws must reserve, not consume")
}

func TestLocalPoolClientGetKeyByIDMissing(t *testing.T) {
	pool := &fakePool{}
	client := NewLocal(pool, keygen.New(), nil)

	_, ok, err := client.GetKeyByID(context.Background(), "missing", "kme-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalPoolClientGetOneOffKeyNotPersisted(t *testing.T) {
	pool := &fakePool{}
	client := NewLocal(pool, keygen.New(), nil)

	rec, err := client.GetOneOffKey(context.Background(), 64)
	require.NoError(t, err)
	assert.Equal(t, 64, rec.SizeBytes)
	assert.Empty(t, pool.keys) // one-off key never enters the pool
}

func TestLocalPoolClientAddKeyIsNoOp(t *testing.T) {
	pool := &fakePool{}
	client := NewLocal(pool, keygen.New(), nil)
	assert.NoError(t, client.AddKey(context.Background(), keygen.KeyRecord{KeyID: "x"}))
}

func TestLocalPoolClientStatus(t *testing.T) {
	pool := &fakePool{status: sharedpool.Status{Available: 3, MaxCapacity: 10}}
	client := NewLocal(pool, keygen.New(), nil)

	status, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, status.Available)
	assert.Equal(t, 10, status.MaxCapacity)
}

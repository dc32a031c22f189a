package poolclient

import (
	"context"
	"time"

	"github.com/r3e-network/qkd-kme/internal/keygen"
	"github.com/r3e-network/qkd-kme/internal/logging"
	"github.com/r3e-network/qkd-kme/internal/sharedpool"
)

// LocalPool is the subset of *sharedpool.Pool that LocalPoolClient needs,
// declared as an interface so tests can substitute a fake.
type LocalPool interface {
	GetKeys(ctx context.Context, n int, requesterKMEID string, timeout time.Duration, remove bool) []keygen.KeyRecord
	GetKeyByID(keyID, requesterKMEID string, remove bool) (keygen.KeyRecord, bool)
	Status() sharedpool.Status
}

// LocalPoolClient is the master-role Client: it is served directly by this
// process's own Shared Pool Engine.
type LocalPoolClient struct {
	pool      LocalPool
	generator *keygen.Generator
	logger    *logging.Logger
}

// NewLocal wraps a shared pool for master-role use.
func NewLocal(pool LocalPool, generator *keygen.Generator, logger *logging.Logger) *LocalPoolClient {
	return &LocalPoolClient{pool: pool, generator: generator, logger: logger}
}

// GetKeys draws keys with reservation semantics (remove=false): the keys
// move from available into reserved, and leave the pool for good only on
// dec_keys or mark_consumed.
func (c *LocalPoolClient) GetKeys(ctx context.Context, n int, requesterKMEID string, timeout time.Duration) ([]keygen.KeyRecord, error) {
	return c.pool.GetKeys(ctx, n, requesterKMEID, timeout, false), nil
}

func (c *LocalPoolClient) GetKeyByID(ctx context.Context, keyID, requesterKMEID string) (keygen.KeyRecord, bool, error) {
	rec, ok := c.pool.GetKeyByID(keyID, requesterKMEID, true)
	return rec, ok, nil
}

func (c *LocalPoolClient) GetOneOffKey(ctx context.Context, sizeBytes int) (keygen.KeyRecord, error) {
	return c.generator.Generate(sizeBytes)
}

// AddKey is a no-op on the master: the master pool only ever receives keys
// from its own generator/refill loop, never from an external caller.
func (c *LocalPoolClient) AddKey(ctx context.Context, rec keygen.KeyRecord) error {
	if c.logger != nil {
		c.logger.WithContext(ctx).Warn("AddKey called on master pool client; ignoring")
	}
	return nil
}

func (c *LocalPoolClient) Status(ctx context.Context) (Status, error) {
	s := c.pool.Status()
	return Status{
		Available:      s.Available,
		Reserved:       s.Reserved,
		TotalAvailable: s.TotalAvailable,
		MaxCapacity:    s.MaxCapacity,
		TotalGenerated: s.TotalGenerated,
		TotalRetrieved: s.TotalRetrieved,
	}, nil
}

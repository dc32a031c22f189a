package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSetGet(t *testing.T) {
	c := New(DefaultConfig())
	defer c.Stop()

	c.Set("SAE_A", "kme-1", time.Minute)
	v, ok := c.Get("SAE_A")
	assert.True(t, ok)
	assert.Equal(t, "kme-1", v)
}

func TestGetMissing(t *testing.T) {
	c := New(DefaultConfig())
	defer c.Stop()

	_, ok := c.Get("missing")
	assert.False(t, ok)
}

func TestExpiry(t *testing.T) {
	c := New(DefaultConfig())
	defer c.Stop()

	c.Set("SAE_A", "kme-1", time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get("SAE_A")
	assert.False(t, ok)
}

func TestInvalidate(t *testing.T) {
	c := New(DefaultConfig())
	defer c.Stop()

	c.Set("SAE_A", "kme-1", time.Minute)
	c.Invalidate("SAE_A")
	_, ok := c.Get("SAE_A")
	assert.False(t, ok)
}

func TestCleanupRemovesExpiredEntries(t *testing.T) {
	c := New(Config{DefaultTTL: time.Millisecond, CleanupInterval: 2 * time.Millisecond})
	defer c.Stop()

	c.Set("SAE_A", "kme-1", 0)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, c.Size())
}

package localkm

import (
	"testing"
	"time"

	"github.com/r3e-network/qkd-kme/internal/userpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	cfg := testConfig()
	cfg.UpstreamURL = "http://example.invalid"
	return NewManager(cfg, userpool.New(newFakeRepo(), nil), nil, nil, nil, nil, nil)
}

func TestNewSchedulerRejectsInvalidExpression(t *testing.T) {
	_, err := NewScheduler("not a cron expr", newTestManager(), nil)
	assert.Error(t, err)
}

func TestNewSchedulerAcceptsStandardAndDescriptorExpressions(t *testing.T) {
	for _, expr := range []string{"0 3 * * *", "@daily", "*/5 * * * *"} {
		_, err := NewScheduler(expr, newTestManager(), nil)
		assert.NoError(t, err, "expression %q", expr)
	}
}

func TestSchedulerFireEnqueuesScheduledSync(t *testing.T) {
	m := newTestManager()
	s, err := NewScheduler("@daily", m, nil)
	require.NoError(t, err)

	s.fire()

	select {
	case req := <-m.queue:
		assert.Equal(t, ReasonScheduled, req.Reason)
		assert.Empty(t, req.Users)
	case <-time.After(time.Second):
		t.Fatal("no sync request enqueued")
	}
}

func TestSchedulerStartStopIdempotent(t *testing.T) {
	s, err := NewScheduler("@daily", newTestManager(), nil)
	require.NoError(t, err)

	s.Start()
	s.Start()
	s.Stop()
	s.Stop()
}

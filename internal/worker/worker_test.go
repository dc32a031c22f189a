package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWorkerTicksAndStops(t *testing.T) {
	var count int32
	w := New(Config{Name: "test", Interval: 5 * time.Millisecond}, func(ctx context.Context) error {
		atomic.AddInt32(&count, 1)
		return nil
	})

	ctx := context.Background()
	w.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	w.Stop()

	assert.False(t, w.IsRunning())
	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&count)), 2)
}

func TestWorkerSurvivesTickError(t *testing.T) {
	var count int32
	w := New(Config{Name: "test", Interval: 2 * time.Millisecond}, func(ctx context.Context) error {
		atomic.AddInt32(&count, 1)
		return assertErr{}
	})
	w.Start(context.Background())
	time.Sleep(15 * time.Millisecond)
	w.Stop()

	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&count)), 2)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestWorkerSurvivesPanic(t *testing.T) {
	var count int32
	w := New(Config{Name: "test", Interval: 2 * time.Millisecond}, func(ctx context.Context) error {
		atomic.AddInt32(&count, 1)
		panic("boom")
	})
	w.Start(context.Background())
	time.Sleep(15 * time.Millisecond)
	w.Stop()

	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&count)), 2)
}

func TestGroupStartStopAll(t *testing.T) {
	var count int32
	g := NewGroup()
	g.Add(New(Config{Name: "a", Interval: 2 * time.Millisecond}, func(ctx context.Context) error {
		atomic.AddInt32(&count, 1)
		return nil
	}))
	g.Add(New(Config{Name: "b", Interval: 2 * time.Millisecond}, func(ctx context.Context) error {
		atomic.AddInt32(&count, 1)
		return nil
	}))

	g.StartAll(context.Background())
	time.Sleep(15 * time.Millisecond)
	g.StopAll()

	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&count)), 4)
}

func TestStartIsIdempotent(t *testing.T) {
	w := New(Config{Name: "test", Interval: time.Millisecond}, func(ctx context.Context) error { return nil })
	ctx := context.Background()
	w.Start(ctx)
	w.Start(ctx)
	assert.True(t, w.IsRunning())
	w.Stop()
}

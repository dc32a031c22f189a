// Package worker provides the background-task abstraction used by the
// Shared Pool Engine's refill loop and the Local Key Manager's sync worker:
// a named, ticker-driven task that can be started and stopped cleanly.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/r3e-network/qkd-kme/internal/logging"
)

// Config configures a Worker.
type Config struct {
	Name     string
	Interval time.Duration
	Logger   *logging.Logger
}

// Worker runs a func on a fixed interval until stopped, never letting a
// panicking or erroring tick take down the process — per spec.md §7
// ("Background refill loop never crashes the process; it logs and sleeps
// on any exception").
type Worker struct {
	cfg     Config
	fn      func(ctx context.Context) error
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a Worker that calls fn every cfg.Interval once started.
func New(cfg Config, fn func(ctx context.Context) error) *Worker {
	return &Worker{cfg: cfg, fn: fn}
}

// Start begins the ticker loop in a background goroutine. Calling Start on
// an already-running Worker is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	go w.run(ctx)
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil && w.cfg.Logger != nil {
			w.cfg.Logger.WithFields(map[string]interface{}{
				"worker": w.cfg.Name,
				"panic":  r,
			}).Error("worker tick panicked")
		}
	}()

	if err := w.fn(ctx); err != nil && w.cfg.Logger != nil {
		w.cfg.Logger.WithFields(map[string]interface{}{"worker": w.cfg.Name}).WithError(err).Warn("worker tick failed")
	}
}

// Stop signals the loop to exit and waits for the current tick to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	doneCh := w.doneCh
	w.mu.Unlock()

	<-doneCh
}

// IsRunning reports whether the worker's loop is active.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Group runs multiple named Workers together and stops them all on Stop.
type Group struct {
	workers []*Worker
}

// NewGroup creates an empty Group.
func NewGroup() *Group { return &Group{} }

// Add registers a worker with the group.
func (g *Group) Add(w *Worker) { g.workers = append(g.workers, w) }

// StartAll starts every registered worker.
func (g *Group) StartAll(ctx context.Context) {
	for _, w := range g.workers {
		w.Start(ctx)
	}
}

// StopAll stops every registered worker, waiting for each to drain.
func (g *Group) StopAll() {
	for _, w := range g.workers {
		w.Stop()
	}
}

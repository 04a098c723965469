// Package worker holds the construction and teardown contract shared by the
// background sync workers.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chatapi"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Worker is a background component with an explicit lifecycle.
type Worker interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
}

// Base carries the handles every worker is built from.
type Base struct {
	DB     *store.DB
	API    chatapi.API
	Bus    *bus.Bus
	Logger *zap.Logger
}

// NewBase builds a Base; a nil logger is replaced by a no-op one.
func NewBase(db *store.DB, api chatapi.API, b *bus.Bus, logger *zap.Logger) Base {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Base{DB: db, API: api, Bus: b, Logger: logger}
}

// Named returns a copy whose logger is tagged with the worker name.
func (b Base) Named(name string) Base {
	b.Logger = b.Logger.With(zap.String("worker", name))
	return b
}

// Lifecycle tracks a worker's goroutines. Stop cancels the shared context
// and waits for in-flight work; completions check Stopped before writing
// follow-up state.
type Lifecycle struct {
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// Begin derives the worker context from parent. It is not canceled by
// parent's cancellation, only by End.
func (l *Lifecycle) Begin(parent context.Context) context.Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ctx, l.cancel = context.WithCancel(context.WithoutCancel(parent))
	l.stopped = false
	return l.ctx
}

// Context returns the worker context, or a canceled one before Begin.
func (l *Lifecycle) Context() context.Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return l.ctx
}

// Go runs fn on a tracked goroutine unless the worker is stopped.
func (l *Lifecycle) Go(fn func(ctx context.Context)) bool {
	l.mu.Lock()
	if l.stopped || l.ctx == nil {
		l.mu.Unlock()
		return false
	}
	ctx := l.ctx
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		fn(ctx)
	}()
	return true
}

// Stopped reports whether End was called.
func (l *Lifecycle) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// End cancels the worker context and waits for tracked goroutines.
func (l *Lifecycle) End() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Unlock()
	l.wg.Wait()
}

// Group starts workers in order and stops them in reverse.
type Group struct {
	workers []Worker
	started []Worker
	logger  *zap.Logger
}

// NewGroup creates a group over workers.
func NewGroup(logger *zap.Logger, workers ...Worker) *Group {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Group{workers: workers, logger: logger}
}

// Start starts every worker. On failure the already started ones are
// stopped and the error is returned.
func (g *Group) Start(ctx context.Context) error {
	for _, w := range g.workers {
		if err := w.Start(ctx); err != nil {
			g.Stop()
			return fmt.Errorf("start %s: %w", w.Name(), err)
		}
		g.started = append(g.started, w)
		g.logger.Debug("worker started", zap.String("worker", w.Name()))
	}
	return nil
}

// Stop stops started workers in reverse order.
func (g *Group) Stop() {
	for i := len(g.started) - 1; i >= 0; i-- {
		g.started[i].Stop()
		g.logger.Debug("worker stopped", zap.String("worker", g.started[i].Name()))
	}
	g.started = nil
}

package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/matheus3301/chatsync/internal/syncerr"
	"go.uber.org/zap"
)

// ProcessFunc handles one queued id. Returning syncerr.ErrEntityVanished
// marks a benign skip.
type ProcessFunc func(ctx context.Context, id string) error

// Queue runs ProcessFunc over ids grouped by scope: strictly one at a time
// and in enqueue order within a scope, concurrently across scopes. An id that
// is already waiting is not added again; an id in flight may be queued once
// more behind it.
type Queue struct {
	process ProcessFunc
	logger  *zap.Logger
	life    Lifecycle

	mu       sync.Mutex
	pending  map[string][]string
	draining map[string]bool
	queued   map[string]bool
	inflight int
}

// NewQueue creates a stopped queue.
func NewQueue(process ProcessFunc, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{process: process, logger: logger}
	q.reset()
	return q
}

func (q *Queue) reset() {
	q.pending = make(map[string][]string)
	q.draining = make(map[string]bool)
	q.queued = make(map[string]bool)
}

// Start lets the queue drain.
func (q *Queue) Start(ctx context.Context) {
	q.life.Begin(ctx)
}

// Stop waits for the operations in flight; nothing queued behind them runs.
func (q *Queue) Stop() {
	q.life.End()
	q.mu.Lock()
	q.reset()
	q.mu.Unlock()
}

// Enqueue appends ids to scope, skipping ids already waiting.
func (q *Queue) Enqueue(scope string, ids ...string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range ids {
		if q.queued[id] {
			continue
		}
		q.queued[id] = true
		q.pending[scope] = append(q.pending[scope], id)
	}
	if q.draining[scope] || len(q.pending[scope]) == 0 {
		return
	}
	if q.life.Go(func(ctx context.Context) { q.drain(ctx, scope) }) {
		q.draining[scope] = true
		return
	}
	for _, id := range q.pending[scope] {
		delete(q.queued, id)
	}
	delete(q.pending, scope)
}

// Len returns the number of waiting and in-flight ids.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued) + q.inflight
}

// drain owns scope until its queue is empty.
func (q *Queue) drain(ctx context.Context, scope string) {
	for {
		q.mu.Lock()
		ids := q.pending[scope]
		if len(ids) == 0 || ctx.Err() != nil {
			delete(q.pending, scope)
			delete(q.draining, scope)
			q.mu.Unlock()
			return
		}
		id := ids[0]
		q.pending[scope] = ids[1:]
		delete(q.queued, id)
		q.inflight++
		q.mu.Unlock()

		err := q.process(ctx, id)
		switch {
		case errors.Is(err, syncerr.ErrEntityVanished):
			q.logger.Debug("skipping vanished entity", zap.String("id", id), zap.String("scope", scope))
		case err != nil:
			q.logger.Error("pending operation failed", zap.String("id", id), zap.String("scope", scope), zap.Error(err))
		}

		q.mu.Lock()
		q.inflight--
		q.mu.Unlock()
	}
}

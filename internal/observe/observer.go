// Package observe watches store commits and turns them into ordered change
// sets over a fetched list.
package observe

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/syncerr"
	"go.uber.org/zap"
)

// Committer is the part of the store an Observer registers with.
type Committer interface {
	OnCommit(hook store.CommitHook) (unregister func())
}

// ChangeKind is the kind of a list change.
type ChangeKind int

const (
	Insert ChangeKind = iota
	Update
	Remove
	Move
)

func (k ChangeKind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Remove:
		return "remove"
	case Move:
		return "move"
	}
	return "unknown"
}

// Change is one entry of a change set. Index is the position in the new list,
// except for Remove where it is the position in the old list. From is only
// set for Move.
type Change[T any] struct {
	Kind  ChangeKind
	Item  T
	Index int
	From  int
}

// Config describes what an Observer watches.
type Config[T any] struct {
	// Entity is the kind whose rows are listed; an Updated change of a listed
	// key yields an Update.
	Entity store.EntityKind
	// Related kinds also trigger a refetch (e.g. query links for a list
	// scoped to a saved query).
	Related []store.EntityKind
	Fetch   func(ctx context.Context) ([]T, error)
	Key     func(T) string
	// OnChange receives every non-empty change set on the store dispatcher
	// goroutine. It must not block on remote work.
	OnChange func([]Change[T])
	Logger   *zap.Logger
}

// Observer keeps a live snapshot of Fetch's result.
type Observer[T any] struct {
	db  Committer
	cfg Config[T]
	log *zap.Logger

	mu         sync.Mutex
	items      []T
	started    bool
	stopped    bool
	unregister func()
	ctx        context.Context
	cancel     context.CancelFunc
}

// New creates an observer; nothing happens until Start.
func New[T any](db Committer, cfg Config[T]) *Observer[T] {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Observer[T]{db: db, cfg: cfg, log: log}
}

// Start performs the initial fetch and registers for commits. Calling it on
// a started observer is a no-op. A failed fetch leaves Items empty, returns
// an error matching syncerr.ErrObservationFailed, and is not retried.
func (o *Observer[T]) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started || o.stopped {
		return nil
	}

	items, err := o.cfg.Fetch(ctx)
	if err != nil {
		return errors.Join(syncerr.ErrObservationFailed, err)
	}
	o.items = items
	o.started = true
	o.ctx, o.cancel = context.WithCancel(context.WithoutCancel(ctx))
	o.unregister = o.db.OnCommit(o.onCommit)
	return nil
}

// Started reports whether Start succeeded.
func (o *Observer[T]) Started() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.started && !o.stopped
}

// Items returns a copy of the current snapshot.
func (o *Observer[T]) Items() []T {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.items)
}

// Stop unregisters from the store. A commit being handled may still finish
// but its change set is not delivered.
func (o *Observer[T]) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return
	}
	o.stopped = true
	if o.unregister != nil {
		o.unregister()
		o.cancel()
	}
}

func (o *Observer[T]) relevant(changes []store.Change) (bool, map[string]bool) {
	hit := false
	updated := make(map[string]bool)
	for _, c := range changes {
		if c.Entity == o.cfg.Entity {
			hit = true
			if c.Kind == store.Updated {
				updated[c.Key] = true
			}
			continue
		}
		if slices.Contains(o.cfg.Related, c.Entity) {
			hit = true
		}
	}
	return hit, updated
}

func (o *Observer[T]) onCommit(changes []store.Change) {
	hit, updated := o.relevant(changes)
	if !hit {
		return
	}

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	items, err := o.cfg.Fetch(o.ctx)
	if err != nil {
		o.mu.Unlock()
		o.log.Warn("observer refetch failed", zap.String("entity", string(o.cfg.Entity)), zap.Error(err))
		return
	}
	diff := Diff(o.items, items, o.cfg.Key, updated)
	o.items = items
	o.mu.Unlock()

	if len(diff) > 0 && o.cfg.OnChange != nil {
		o.cfg.OnChange(diff)
	}
}

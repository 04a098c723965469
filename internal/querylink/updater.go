// Package querylink keeps saved-query membership in step with entities that
// change outside of any query response, e.g. through realtime events.
package querylink

import (
	"context"
	"fmt"
	"sync"

	"github.com/matheus3301/chatsync/internal/chatapi"
	"github.com/matheus3301/chatsync/internal/filter"
	"github.com/matheus3301/chatsync/internal/observe"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/syncerr"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/worker"
	"go.uber.org/zap"
)

// scope is the single queue scope; reconciliation is sequential.
const scope = "querylink"

// source adapts one entity kind to the updater.
type source[T any] struct {
	name     string
	kind     store.QueryKind
	entity   store.EntityKind
	keyField string
	list     func(ctx context.Context) ([]T, error)
	get      func(ctx context.Context, key string) (*T, error)
	key      func(T) string
	fields   func(T) filter.Fields
	// refresh asks the server for q narrowed to key and stores the answer
	// under q's own hash.
	refresh func(ctx context.Context, q store.SavedQuery, narrowed filter.Filter, key string) error
}

// Updater re-evaluates saved-query links for every inserted or updated
// entity of one kind. Filters are evaluated locally first: a definite
// mismatch unlinks without a round trip, a linked match is left alone, and
// everything else is confirmed by the server.
type Updater[T any] struct {
	worker.Base
	src      source[T]
	queue    *worker.Queue
	observer *observe.Observer[T]

	mu      sync.Mutex
	live    bool
	backlog []string
}

func newUpdater[T any](base worker.Base, src source[T]) *Updater[T] {
	u := &Updater[T]{Base: base.Named(src.name), src: src}
	u.queue = worker.NewQueue(u.process, u.Logger)
	u.observer = observe.New(u.DB, observe.Config[T]{
		Entity:   src.entity,
		Fetch:    src.list,
		Key:      src.key,
		OnChange: u.onChange,
		Logger:   u.Logger,
	})
	return u
}

// NewChannelUpdater creates the updater for channel queries.
func NewChannelUpdater(base worker.Base, save *intsync.ChannelListUpdater) *Updater[store.Channel] {
	return newUpdater(base, source[store.Channel]{
		name:     "channel_query_updater",
		kind:     store.QueryChannels,
		entity:   store.EntityChannel,
		keyField: "cid",
		list:     base.DB.Channels,
		get:      base.DB.Channel,
		key:      func(c store.Channel) string { return c.CID },
		fields:   func(c store.Channel) filter.Fields { return c.Fields() },
		refresh: func(ctx context.Context, q store.SavedQuery, narrowed filter.Filter, cid string) error {
			resp, err := base.API.QueryChannels(ctx, chatapi.ChannelQuery{
				Filter: narrowed,
				Sort:   q.Sort,
				Limit:  1,
			})
			if err != nil {
				return err
			}
			return save.Refresh(ctx, q.FilterHash, cid, resp)
		},
	})
}

// NewUserUpdater creates the updater for user queries.
func NewUserUpdater(base worker.Base, save *intsync.UserListUpdater) *Updater[store.User] {
	return newUpdater(base, source[store.User]{
		name:     "user_query_updater",
		kind:     store.QueryUsers,
		entity:   store.EntityUser,
		keyField: "id",
		list:     base.DB.Users,
		get:      base.DB.User,
		key:      func(u store.User) string { return u.ID },
		fields:   func(u store.User) filter.Fields { return u.Fields() },
		refresh: func(ctx context.Context, q store.SavedQuery, narrowed filter.Filter, id string) error {
			resp, err := base.API.QueryUsers(ctx, chatapi.UserQuery{
				Filter: narrowed,
				Sort:   q.Sort,
				Limit:  1,
			})
			if err != nil {
				return err
			}
			return save.Refresh(ctx, q.FilterHash, id, resp)
		},
	})
}

// Name implements worker.Worker.
func (u *Updater[T]) Name() string { return u.src.name }

// Start queues every entity already stored for reconciliation and returns.
// The catch-up keys drain first; changes committed before they are queued
// wait in the backlog and follow them.
func (u *Updater[T]) Start(ctx context.Context) error {
	if err := u.observer.Start(ctx); err != nil {
		return err
	}
	items := u.observer.Items()
	keys := make([]string, 0, len(items))
	for _, item := range items {
		keys = append(keys, u.src.key(item))
	}
	u.queue.Start(ctx)
	u.queue.Enqueue(scope, keys...)

	u.mu.Lock()
	backlog := u.backlog
	u.backlog, u.live = nil, true
	u.mu.Unlock()
	u.queue.Enqueue(scope, backlog...)
	return nil
}

// Stop stops observing and waits for the reconciliation in flight.
func (u *Updater[T]) Stop() {
	u.observer.Stop()
	u.queue.Stop()
	u.mu.Lock()
	u.live, u.backlog = false, nil
	u.mu.Unlock()
}

func (u *Updater[T]) onChange(changes []observe.Change[T]) {
	var keys []string
	for _, c := range changes {
		if c.Kind == observe.Insert || c.Kind == observe.Update {
			keys = append(keys, u.src.key(c.Item))
		}
	}
	if len(keys) == 0 {
		return
	}
	u.mu.Lock()
	if !u.live {
		u.backlog = append(u.backlog, keys...)
		u.mu.Unlock()
		return
	}
	u.mu.Unlock()
	u.queue.Enqueue(scope, keys...)
}

func (u *Updater[T]) process(ctx context.Context, key string) error {
	item, err := u.src.get(ctx, key)
	if err != nil {
		return err
	}
	if item == nil {
		return syncerr.ErrEntityVanished
	}
	return u.Reconcile(ctx, *item)
}

// Reconcile re-evaluates item against every saved query of its kind.
// Remote failures are logged; the first local error is returned.
func (u *Updater[T]) Reconcile(ctx context.Context, item T) error {
	queries, err := u.DB.SavedQueries(ctx, u.src.kind)
	if err != nil {
		return fmt.Errorf("load saved queries: %w", err)
	}
	key := u.src.key(item)
	fields := u.src.fields(item)
	for _, q := range queries {
		matched, decidable := q.Filter.Match(fields)
		if decidable && !matched {
			if err := u.DB.Write(ctx, func(tx *store.Tx) error {
				return tx.Unlink(ctx, q.FilterHash, key)
			}); err != nil {
				return fmt.Errorf("unlink %s from %s: %w", key, q.FilterHash, err)
			}
			continue
		}
		linked, err := u.DB.IsLinked(ctx, q.FilterHash, key)
		if err != nil {
			return err
		}
		if linked {
			continue
		}
		narrowed := filter.And(q.Filter, filter.Eq(u.src.keyField, key))
		if err := u.src.refresh(ctx, q, narrowed, key); err != nil {
			if syncerr.IsRemote(err) {
				u.Logger.Warn("query refresh failed", zap.String("key", key),
					zap.String("filter_hash", q.FilterHash), zap.Error(err))
				continue
			}
			return err
		}
	}
	return nil
}

package controller

import (
	"context"
	"sync"

	"github.com/matheus3301/chatsync/internal/observe"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// CurrentUser follows the signed-in user row. Accessors call EnsureStarted,
// so the first read starts observing.
type CurrentUser struct {
	observer *observe.Observer[store.LocalUser]
	changed  listeners[*store.LocalUser]

	startMu sync.Mutex
}

// NewCurrentUser creates the controller.
func NewCurrentUser(db *store.DB, logger *zap.Logger) *CurrentUser {
	c := &CurrentUser{}
	c.observer = observe.New(db, observe.Config[store.LocalUser]{
		Entity: store.EntityLocalUser,
		Fetch: func(ctx context.Context) ([]store.LocalUser, error) {
			u, err := db.LocalUser(ctx)
			if err != nil || u == nil {
				return nil, err
			}
			return []store.LocalUser{*u}, nil
		},
		Key:      func(u store.LocalUser) string { return u.UserID },
		OnChange: c.onChange,
		Logger:   logger,
	})
	return c
}

// EnsureStarted starts observing once. A failed start is retried by the
// next call.
func (c *CurrentUser) EnsureStarted(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.observer.Started() {
		return nil
	}
	return c.observer.Start(ctx)
}

// Current returns the signed-in user, or nil before the first handshake.
func (c *CurrentUser) Current(ctx context.Context) (*store.LocalUser, error) {
	if err := c.EnsureStarted(ctx); err != nil {
		return nil, err
	}
	items := c.observer.Items()
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// OnChange registers fn for every change of the user row; fn receives nil
// when the row is gone.
func (c *CurrentUser) OnChange(fn func(*store.LocalUser)) (remove func()) {
	return c.changed.add(fn)
}

// Stop stops observing.
func (c *CurrentUser) Stop() { c.observer.Stop() }

func (c *CurrentUser) onChange([]observe.Change[store.LocalUser]) {
	items := c.observer.Items()
	if len(items) == 0 {
		c.changed.notify(nil)
		return
	}
	c.changed.notify(&items[0])
}

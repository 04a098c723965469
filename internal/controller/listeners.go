// Package controller exposes the synced store to feature code: live lists,
// the signed-in user, and local message mutations that the outbox workers
// later push to the server.
package controller

import (
	"errors"
	"maps"
	"slices"
	"sync"
)

var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrMessageNotFound = errors.New("message not found")
	// ErrMessageBusy is returned for a message whose first send is on the wire.
	ErrMessageBusy = errors.New("message is being sent")
	ErrNotFailed   = errors.New("message is not in sync_failed state")
	// ErrNotDiscardable is returned for messages the server already knows.
	ErrNotDiscardable = errors.New("only unsent messages can be discarded")
)

// listeners is a registry of callbacks removed through the func returned
// by add.
type listeners[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(T)
}

func (l *listeners[T]) add(fn func(T)) (remove func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(T))
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

// notify calls every callback in registration order, outside the lock.
func (l *listeners[T]) notify(v T) {
	l.mu.Lock()
	ids := slices.Sorted(maps.Keys(l.fns))
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.fns[id])
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// Package reconnect re-derives what a dropped connection may have missed:
// events delivered while offline and the server-side watch registrations.
package reconnect

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chatapi"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/worker"
	"go.uber.org/zap"
)

// MissingEvents replays the events of watched channels that were sent
// while the connection was down.
//
// The watermark is captured when the connection starts connecting, before
// the handshake moves it to the connection time.
type MissingEvents struct {
	worker.Base
	machine *status.Machine
	life    worker.Lifecycle

	mu         sync.Mutex
	since      int64
	unregister func()
}

// NewMissingEvents creates the worker.
func NewMissingEvents(base worker.Base, machine *status.Machine) *MissingEvents {
	return &MissingEvents{Base: base.Named("missing_events"), machine: machine}
}

// Name implements worker.Worker.
func (m *MissingEvents) Name() string { return "missing_events" }

// Start follows connection transitions.
func (m *MissingEvents) Start(ctx context.Context) error {
	m.life.Begin(ctx)
	unregister := m.machine.OnTransition(m.onTransition)
	m.mu.Lock()
	m.unregister = unregister
	m.mu.Unlock()
	return nil
}

// Stop unregisters and waits for a replay in flight.
func (m *MissingEvents) Stop() {
	m.mu.Lock()
	unregister := m.unregister
	m.unregister = nil
	m.mu.Unlock()
	if unregister != nil {
		unregister()
	}
	m.life.End()
}

// onTransition runs under the machine lock; it only reads the watermark
// and hands the replay to a tracked goroutine.
func (m *MissingEvents) onTransition(change status.StatusChange) {
	switch change.To {
	case status.Connecting:
		since := int64(0)
		u, err := m.DB.LocalUser(m.life.Context())
		if err != nil {
			m.Logger.Warn("read sync watermark", zap.Error(err))
		} else if u != nil {
			since = u.LastSyncedAt
		}
		m.mu.Lock()
		m.since = since
		m.mu.Unlock()
	case status.Connected:
		m.mu.Lock()
		since := m.since
		m.mu.Unlock()
		m.life.Go(func(ctx context.Context) { m.replay(ctx, since) })
	}
}

func (m *MissingEvents) replay(ctx context.Context, since int64) {
	if since == 0 {
		m.Logger.Debug("first connection, nothing to replay")
		return
	}
	cids, err := m.DB.WatchedCIDs(ctx)
	if err != nil {
		m.Logger.Warn("read watched channels", zap.Error(err))
		return
	}
	if len(cids) == 0 {
		return
	}

	resp, err := m.API.MissingEvents(ctx, time.UnixMilli(since), cids)
	if err != nil {
		m.Logger.Warn("fetch missing events failed", zap.Int("channels", len(cids)), zap.Error(err))
		m.rollback(ctx, since)
		return
	}

	published := 0
	for i, raw := range resp.Events {
		evt, err := chatapi.DecodeEvent(raw)
		if err != nil {
			m.Logger.Warn("skip undecodable event", zap.Int("index", i), zap.Error(err))
			continue
		}
		m.Bus.Publish(bus.Event{Kind: chatapi.EventPrefix + evt.Type, Payload: evt})
		published++
	}
	m.Logger.Info("missing events replayed",
		zap.Int("received", len(resp.Events)), zap.Int("published", published))
}

// rollback puts the watermark back so the next connection asks again from
// the same point.
func (m *MissingEvents) rollback(ctx context.Context, since int64) {
	ctx = context.WithoutCancel(ctx)
	if err := m.DB.Write(ctx, func(tx *store.Tx) error {
		return tx.SetLastSyncedAt(ctx, since)
	}); err != nil {
		m.Logger.Error("restore sync watermark", zap.Int64("since", since), zap.Error(err))
	}
}

package reconnect

import (
	"context"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chatapi"
	"github.com/matheus3301/chatsync/internal/filter"
	"github.com/matheus3301/chatsync/internal/status"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/worker"
	"go.uber.org/zap"
)

// DefaultWatchMessageLimit is the message page size of a watch request.
const DefaultWatchMessageLimit = 1

// WatchState asks the server to watch every locally known channel again
// once a connection is established.
type WatchState struct {
	worker.Base
	save         *intsync.ChannelListUpdater
	messageLimit int
	life         worker.Lifecycle

	mu    sync.Mutex
	unsub func()
}

// NewWatchState creates the worker. messageLimit <= 0 means
// DefaultWatchMessageLimit.
func NewWatchState(base worker.Base, save *intsync.ChannelListUpdater, messageLimit int) *WatchState {
	if messageLimit <= 0 {
		messageLimit = DefaultWatchMessageLimit
	}
	return &WatchState{Base: base.Named("watch_state"), save: save, messageLimit: messageLimit}
}

// Name implements worker.Worker.
func (w *WatchState) Name() string { return "watch_state" }

// Start subscribes to connection status events.
func (w *WatchState) Start(ctx context.Context) error {
	w.life.Begin(ctx)
	unsub := w.Bus.Subscribe("connection.", w.handle)
	w.mu.Lock()
	w.unsub = unsub
	w.mu.Unlock()
	return nil
}

// Stop unsubscribes and waits for a watch request in flight.
func (w *WatchState) Stop() {
	w.mu.Lock()
	unsub := w.unsub
	w.unsub = nil
	w.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	w.life.End()
}

func (w *WatchState) handle(evt bus.Event) {
	change, ok := evt.Payload.(status.StatusChange)
	if !ok || change.To != status.Connected {
		return
	}
	w.life.Go(func(ctx context.Context) { w.Rewatch(ctx, change.ConnectionID) })
}

// Rewatch registers watch intent for every stored channel on connectionID.
// Failures are logged.
func (w *WatchState) Rewatch(ctx context.Context, connectionID string) {
	cids, err := w.DB.ChannelCIDs(ctx)
	if err != nil {
		w.Logger.Warn("read channels", zap.Error(err))
		return
	}
	if len(cids) == 0 {
		return
	}
	resp, err := w.API.QueryChannels(ctx, chatapi.ChannelQuery{
		Filter:       filter.In("cid", cids...),
		Limit:        len(cids),
		MessageLimit: w.messageLimit,
		Watch:        true,
		ConnectionID: connectionID,
	})
	if err != nil {
		w.Logger.Warn("watch channels failed", zap.Int("channels", len(cids)), zap.Error(err))
		return
	}
	if err := w.save.SaveWatched(ctx, resp); err != nil {
		w.Logger.Warn("store watched channels", zap.Error(err))
		return
	}
	w.Logger.Debug("channels watched", zap.Int("channels", len(resp.Channels)))
}

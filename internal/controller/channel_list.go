package controller

import (
	"context"
	"fmt"
	"sync"

	"github.com/matheus3301/chatsync/internal/chatapi"
	"github.com/matheus3301/chatsync/internal/observe"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
)

// ListState is the synchronization state of a ChannelList.
type ListState string

const (
	ListInitialized           ListState = "initialized"
	ListLocalDataFetched      ListState = "local_data_fetched"
	ListLocalDataFetchFailed  ListState = "local_data_fetch_failed"
	ListRemoteDataFetched     ListState = "remote_data_fetched"
	ListRemoteDataFetchFailed ListState = "remote_data_fetch_failed"
)

// messagesPerChannel is how many recent messages a page brings per channel.
const messagesPerChannel = 25

// ChannelList is a live, paginated view of one saved channel query.
type ChannelList struct {
	api     chatapi.API
	save    *intsync.ChannelListUpdater
	machine *status.Machine
	query   store.SavedQuery
	logger  *zap.Logger

	observer *observe.Observer[store.Channel]
	changes  listeners[[]observe.Change[store.Channel]]
	states   listeners[ListState]

	mu    sync.Mutex
	state ListState
}

// NewChannelList creates a controller for q. machine may be nil; when it
// reports Connected the list is also watched on that connection.
func NewChannelList(db *store.DB, api chatapi.API, save *intsync.ChannelListUpdater, machine *status.Machine, q store.SavedQuery, logger *zap.Logger) *ChannelList {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &ChannelList{
		api:     api,
		save:    save,
		machine: machine,
		query:   q,
		logger:  logger.With(zap.String("filter_hash", q.FilterHash)),
		state:   ListInitialized,
	}
	l.observer = observe.New(db, observe.Config[store.Channel]{
		Entity:  store.EntityChannel,
		Related: []store.EntityKind{store.EntityQueryLink},
		Fetch: func(ctx context.Context) ([]store.Channel, error) {
			return db.ChannelsForQuery(ctx, q.FilterHash)
		},
		Key:      func(c store.Channel) string { return c.CID },
		OnChange: l.changes.notify,
		Logger:   l.logger,
	})
	return l
}

// Query returns the saved query behind the list.
func (l *ChannelList) Query() store.SavedQuery { return l.query }

// State returns the current synchronization state.
func (l *ChannelList) State() ListState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *ChannelList) setState(s ListState) {
	l.mu.Lock()
	if l.state == s {
		l.mu.Unlock()
		return
	}
	l.state = s
	l.mu.Unlock()
	l.states.notify(s)
}

// OnChannelsChange registers fn for change sets of the list.
func (l *ChannelList) OnChannelsChange(fn func([]observe.Change[store.Channel])) (remove func()) {
	return l.changes.add(fn)
}

// OnStateChange registers fn for state transitions.
func (l *ChannelList) OnStateChange(fn func(ListState)) (remove func()) {
	return l.states.add(fn)
}

// EnsureStarted loads the stored list and starts following it.
func (l *ChannelList) EnsureStarted(ctx context.Context) error {
	if l.observer.Started() {
		return nil
	}
	if err := l.observer.Start(ctx); err != nil {
		l.setState(ListLocalDataFetchFailed)
		return err
	}
	if l.State() == ListInitialized {
		l.setState(ListLocalDataFetched)
	}
	return nil
}

// Channels returns the stored channels of the query.
func (l *ChannelList) Channels(ctx context.Context) ([]store.Channel, error) {
	if err := l.EnsureStarted(ctx); err != nil {
		return nil, err
	}
	return l.observer.Items(), nil
}

// Synchronize shows what is stored, then replaces it with the first page
// from the server.
func (l *ChannelList) Synchronize(ctx context.Context) error {
	if err := l.EnsureStarted(ctx); err != nil {
		return err
	}
	if err := l.fetch(ctx, 0); err != nil {
		l.setState(ListRemoteDataFetchFailed)
		return err
	}
	l.setState(ListRemoteDataFetched)
	return nil
}

// LoadNextPage appends the page after the channels already listed.
func (l *ChannelList) LoadNextPage(ctx context.Context) error {
	if err := l.EnsureStarted(ctx); err != nil {
		return err
	}
	return l.fetch(ctx, len(l.observer.Items()))
}

func (l *ChannelList) fetch(ctx context.Context, offset int) error {
	req := chatapi.ChannelQuery{
		Filter:       l.query.Filter,
		Sort:         l.query.Sort,
		Limit:        l.query.PageSize,
		Offset:       offset,
		MessageLimit: messagesPerChannel,
	}
	if l.machine != nil && l.machine.Current() == status.Connected {
		req.Watch = true
		req.Presence = true
		req.ConnectionID = l.machine.ConnectionID()
	}
	resp, err := l.api.QueryChannels(ctx, req)
	if err != nil {
		l.logger.Warn("query channels failed", zap.Int("offset", offset), zap.Error(err))
		return err
	}
	if err := l.save.Update(ctx, l.query, offset, resp, req.Watch); err != nil {
		return fmt.Errorf("store channel page: %w", err)
	}
	l.logger.Debug("channel page stored", zap.Int("offset", offset), zap.Int("channels", len(resp.Channels)))
	return nil
}

// Stop stops following the list.
func (l *ChannelList) Stop() { l.observer.Stop() }

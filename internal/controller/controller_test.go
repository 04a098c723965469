package controller

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chatapi"
	"github.com/matheus3301/chatsync/internal/filter"
	"github.com/matheus3301/chatsync/internal/observe"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/syncerr"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// pagedAPI serves channels "team:0".."team:<n-1>" in pages.
type pagedAPI struct {
	mu      sync.Mutex
	total   int
	err     error
	queries []chatapi.ChannelQuery
}

func (p *pagedAPI) QueryChannels(_ context.Context, q chatapi.ChannelQuery) (*chatapi.QueryChannelsResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queries = append(p.queries, q)
	if p.err != nil {
		return nil, syncerr.Remote("query_channels", p.err)
	}
	resp := &chatapi.QueryChannelsResponse{}
	for i := q.Offset; i < q.Offset+q.Limit && i < p.total; i++ {
		id := string(rune('a' + i))
		resp.Channels = append(resp.Channels, chatapi.ChannelState{
			Channel: &chatapi.ChannelPayload{
				CID: "team:" + id, Type: "team", ID: id,
				LastMessageAt: time.Date(2026, 1, 1, 0, 0, 100-i, 0, time.UTC),
			},
		})
	}
	return resp, nil
}

func (p *pagedAPI) QueryUsers(context.Context, chatapi.UserQuery) (*chatapi.QueryUsersResponse, error) {
	return &chatapi.QueryUsersResponse{}, nil
}

func (p *pagedAPI) MissingEvents(context.Context, time.Time, []string) (*chatapi.MissingEventsResponse, error) {
	return &chatapi.MissingEventsResponse{}, nil
}

func (p *pagedAPI) SendMessage(context.Context, string, chatapi.MessageRequest) (*chatapi.MessagePayload, error) {
	return nil, errors.New("not implemented")
}

func (p *pagedAPI) UpdateMessage(context.Context, chatapi.MessageRequest) (*chatapi.MessagePayload, error) {
	return nil, errors.New("not implemented")
}

func cids(chs []store.Channel) []string {
	out := make([]string, 0, len(chs))
	for _, c := range chs {
		out = append(out, c.CID)
	}
	return out
}

func newList(t *testing.T, db *store.DB, api chatapi.API, machine *status.Machine) *ChannelList {
	t.Helper()
	q := store.NewSavedQuery(store.QueryChannels, filter.Eq("type", "team"), "-last_message_at", 2)
	l := NewChannelList(db, api, intsync.NewChannelListUpdater(db, "alice"), machine, q, nil)
	t.Cleanup(l.Stop)
	return l
}

func TestChannelListSynchronizeAndPaginate(t *testing.T) {
	db := testDB(t)
	api := &pagedAPI{total: 3}
	l := newList(t, db, api, nil)

	var mu sync.Mutex
	var states []ListState
	l.OnStateChange(func(s ListState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	ctx := context.Background()
	require.NoError(t, l.Synchronize(ctx))
	require.Eventually(t, func() bool {
		chs, _ := l.Channels(ctx)
		return len(chs) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, l.LoadNextPage(ctx))
	require.Eventually(t, func() bool {
		chs, _ := l.Channels(ctx)
		return len(chs) == 3
	}, 2*time.Second, 10*time.Millisecond)
	chs, err := l.Channels(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"team:a", "team:b", "team:c"}, cids(chs))

	require.Len(t, api.queries, 2)
	require.Equal(t, 0, api.queries[0].Offset)
	require.Equal(t, 2, api.queries[1].Offset)
	require.False(t, api.queries[0].Watch, "no connection, no watch")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []ListState{ListLocalDataFetched, ListRemoteDataFetched}, states)
	require.Equal(t, ListRemoteDataFetched, l.State())
}

func TestChannelListRemoteFailure(t *testing.T) {
	db := testDB(t)
	api := &pagedAPI{total: 3, err: errors.New("boom")}
	l := newList(t, db, api, nil)

	err := l.Synchronize(context.Background())
	require.True(t, syncerr.IsRemote(err))
	require.Equal(t, ListRemoteDataFetchFailed, l.State())
}

func TestChannelListLocalFailure(t *testing.T) {
	db := testDB(t)
	l := newList(t, db, &pagedAPI{}, nil)
	require.NoError(t, db.Close())

	_, err := l.Channels(context.Background())
	require.ErrorIs(t, err, syncerr.ErrObservationFailed)
	require.Equal(t, ListLocalDataFetchFailed, l.State())
}

func TestChannelListWatchesWhenConnected(t *testing.T) {
	db := testDB(t)
	api := &pagedAPI{total: 1}
	machine := status.NewMachine(bus.New())
	require.NoError(t, machine.Transition(status.Connecting))
	require.NoError(t, machine.Transition(status.WaitingForConnectionID))
	require.NoError(t, machine.Connected("conn-9"))
	l := newList(t, db, api, machine)

	require.NoError(t, l.Synchronize(context.Background()))
	require.True(t, api.queries[0].Watch)
	require.Equal(t, "conn-9", api.queries[0].ConnectionID)

	watched, err := db.WatchedCIDs(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"team:a"}, watched)
}

func TestChannelListDeliversChanges(t *testing.T) {
	db := testDB(t)
	l := newList(t, db, &pagedAPI{total: 1}, nil)
	ctx := context.Background()
	_, err := l.Channels(ctx)
	require.NoError(t, err)

	got := make(chan []observe.Change[store.Channel], 4)
	remove := l.OnChannelsChange(func(c []observe.Change[store.Channel]) { got <- c })
	defer remove()

	require.NoError(t, l.Synchronize(ctx))
	select {
	case changes := <-got:
		require.Equal(t, observe.Insert, changes[0].Kind)
		require.Equal(t, "team:a", changes[0].Item.CID)
	case <-time.After(2 * time.Second):
		t.Fatal("no change set delivered")
	}
}

func TestCurrentUser(t *testing.T) {
	db := testDB(t)
	c := NewCurrentUser(db, nil)
	defer c.Stop()
	ctx := context.Background()

	u, err := c.Current(ctx)
	require.NoError(t, err)
	require.Nil(t, u)

	got := make(chan *store.LocalUser, 4)
	c.OnChange(func(u *store.LocalUser) { got <- u })

	h := intsync.NewHandshake(db, "alice", nil)
	require.NoError(t, h.Run(ctx, "conn-1"))

	select {
	case u := <-got:
		require.Equal(t, "alice", u.UserID)
		require.NotZero(t, u.LastSyncedAt)
	case <-time.After(2 * time.Second):
		t.Fatal("no change delivered")
	}
	u, err = c.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, "alice", u.UserID)
}

func channelFixture(t *testing.T) (*store.DB, *Channel) {
	t.Helper()
	db := testDB(t)
	ctx := context.Background()
	require.NoError(t, db.Write(ctx, func(tx *store.Tx) error {
		return tx.SaveChannel(ctx, &store.Channel{CID: "team:a", Type: "team", ID: "a"})
	}))
	return db, NewChannel(db, "team:a", "alice", nil)
}

func setState(t *testing.T, db *store.DB, id string, state store.LocalState) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.Write(ctx, func(tx *store.Tx) error {
		_, err := tx.SetMessageState(ctx, id, state, "boom")
		return err
	}))
}

func TestCreateMessage(t *testing.T) {
	db, ch := channelFixture(t)
	ctx := context.Background()

	m1, err := ch.CreateMessage(ctx, "one")
	require.NoError(t, err)
	m2, err := ch.CreateMessage(ctx, "two")
	require.NoError(t, err)
	require.Less(t, m1.ID, m2.ID, "ids sort by creation")

	stored, err := db.Message(ctx, m1.ID)
	require.NoError(t, err)
	require.Equal(t, store.StateUnsyncedCreate, stored.LocalState)
	require.Equal(t, store.OpCreate, stored.PendingOp)
	require.Equal(t, "alice", stored.UserID)

	pending, err := db.MessagesInState(ctx, store.StateUnsyncedCreate)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	_, err = NewChannel(db, "team:zzz", "alice", nil).CreateMessage(ctx, "x")
	require.ErrorIs(t, err, ErrChannelNotFound)
}

func TestEditMessage(t *testing.T) {
	db, ch := channelFixture(t)
	ctx := context.Background()

	m, err := ch.CreateMessage(ctx, "draft")
	require.NoError(t, err)
	require.NoError(t, ch.EditMessage(ctx, m.ID, "draft 2"))
	stored, _ := db.Message(ctx, m.ID)
	require.Equal(t, "draft 2", stored.Text)
	require.Equal(t, store.StateUnsyncedCreate, stored.LocalState)

	setState(t, db, m.ID, store.StateSyncing)
	require.ErrorIs(t, ch.EditMessage(ctx, m.ID, "late"), ErrMessageBusy)

	setState(t, db, m.ID, store.StateSynced)
	require.NoError(t, ch.EditMessage(ctx, m.ID, "final"))
	stored, _ = db.Message(ctx, m.ID)
	require.Equal(t, "final", stored.Text)
	require.Equal(t, store.StateUnsyncedUpdate, stored.LocalState)
	require.Equal(t, store.OpUpdate, stored.PendingOp)

	require.ErrorIs(t, ch.EditMessage(ctx, "nope", "x"), ErrMessageNotFound)
}

func TestResubmitMessage(t *testing.T) {
	db, ch := channelFixture(t)
	ctx := context.Background()

	m, err := ch.CreateMessage(ctx, "hi")
	require.NoError(t, err)
	require.ErrorIs(t, ch.ResubmitMessage(ctx, m.ID), ErrNotFailed)

	setState(t, db, m.ID, store.StateSyncFailed)
	require.NoError(t, ch.ResubmitMessage(ctx, m.ID))
	stored, _ := db.Message(ctx, m.ID)
	require.Equal(t, store.StateUnsyncedCreate, stored.LocalState)
	require.Empty(t, stored.ErrorMessage)

	// A failed edit goes back to the editor.
	setState(t, db, m.ID, store.StateSynced)
	require.NoError(t, ch.EditMessage(ctx, m.ID, "edited"))
	setState(t, db, m.ID, store.StateSyncFailed)
	require.NoError(t, ch.ResubmitMessage(ctx, m.ID))
	stored, _ = db.Message(ctx, m.ID)
	require.Equal(t, store.StateUnsyncedUpdate, stored.LocalState)
}

func TestDiscardMessage(t *testing.T) {
	db, ch := channelFixture(t)
	ctx := context.Background()

	m, err := ch.CreateMessage(ctx, "oops")
	require.NoError(t, err)
	setState(t, db, m.ID, store.StateSyncFailed)
	require.NoError(t, ch.DiscardMessage(ctx, m.ID))
	stored, err := db.Message(ctx, m.ID)
	require.NoError(t, err)
	require.Nil(t, stored)

	sent, err := ch.CreateMessage(ctx, "sent")
	require.NoError(t, err)
	setState(t, db, sent.ID, store.StateSynced)
	require.ErrorIs(t, ch.DiscardMessage(ctx, sent.ID), ErrNotDiscardable)
}

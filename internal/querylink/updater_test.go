package querylink

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
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/syncerr"
	"github.com/matheus3301/chatsync/internal/worker"
	"github.com/stretchr/testify/require"
)

// fakeAPI answers narrowed queries with the channels and users it knows.
type fakeAPI struct {
	mu       sync.Mutex
	channels map[string]chatapi.ChannelPayload
	users    map[string]chatapi.UserPayload
	queries  []filter.Filter
	err      error
	// hold, when set, blocks channel queries until it is closed.
	hold chan struct{}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{channels: make(map[string]chatapi.ChannelPayload), users: make(map[string]chatapi.UserPayload)}
}

func (f *fakeAPI) recorded() []filter.Filter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]filter.Filter(nil), f.queries...)
}

func (f *fakeAPI) QueryChannels(ctx context.Context, q chatapi.ChannelQuery) (*chatapi.QueryChannelsResponse, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q.Filter)
	hold := f.hold
	f.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, syncerr.Remote("query_channels", ctx.Err())
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, syncerr.Remote("query_channels", f.err)
	}
	resp := &chatapi.QueryChannelsResponse{}
	if ch, ok := f.channels[narrowedKey(q.Filter, "cid")]; ok {
		resp.Channels = append(resp.Channels, chatapi.ChannelState{Channel: &ch})
	}
	return resp, nil
}

// narrowedKey pulls the key out of the trailing {field: {"$eq": key}} clause.
func narrowedKey(f filter.Filter, field string) string {
	clauses, _ := f["$and"].([]any)
	if len(clauses) == 0 {
		return ""
	}
	last, _ := clauses[len(clauses)-1].(map[string]any)
	cond, _ := last[field].(map[string]any)
	key, _ := cond["$eq"].(string)
	return key
}

func (f *fakeAPI) QueryUsers(_ context.Context, q chatapi.UserQuery) (*chatapi.QueryUsersResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q.Filter)
	resp := &chatapi.QueryUsersResponse{}
	if u, ok := f.users[narrowedKey(q.Filter, "id")]; ok {
		resp.Users = append(resp.Users, u)
	}
	return resp, nil
}

func (f *fakeAPI) MissingEvents(context.Context, time.Time, []string) (*chatapi.MissingEventsResponse, error) {
	return &chatapi.MissingEventsResponse{}, nil
}

func (f *fakeAPI) SendMessage(context.Context, string, chatapi.MessageRequest) (*chatapi.MessagePayload, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAPI) UpdateMessage(context.Context, chatapi.MessageRequest) (*chatapi.MessagePayload, error) {
	return nil, errors.New("not implemented")
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func saveQuery(t *testing.T, db *store.DB, kind store.QueryKind, f filter.Filter) store.SavedQuery {
	t.Helper()
	q := store.NewSavedQuery(kind, f, "", 0)
	ctx := context.Background()
	require.NoError(t, db.Write(ctx, func(tx *store.Tx) error { return tx.SaveQuery(ctx, &q) }))
	return q
}

func saveChannel(t *testing.T, db *store.DB, c store.Channel) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.Write(ctx, func(tx *store.Tx) error { return tx.SaveChannel(ctx, &c) }))
}

func startChannelUpdater(t *testing.T, db *store.DB, api *fakeAPI) *Updater[store.Channel] {
	t.Helper()
	base := worker.NewBase(db, api, bus.New(), nil)
	u := NewChannelUpdater(base, intsync.NewChannelListUpdater(db, "alice"))
	require.NoError(t, u.Start(context.Background()))
	t.Cleanup(u.Stop)
	return u
}

func TestNewChannelMatchingOneQuery(t *testing.T) {
	db := testDB(t)
	api := newFakeAPI()
	h1 := saveQuery(t, db, store.QueryChannels, filter.Eq("type", "team"))
	h2 := saveQuery(t, db, store.QueryChannels, filter.Filter{"unread_count": map[string]any{"$gt": 0}})
	startChannelUpdater(t, db, api)

	ch := chatapi.ChannelPayload{CID: "team:a", Type: "team", ID: "a"}
	api.channels[ch.CID] = ch
	saveChannel(t, db, store.Channel{CID: "team:a", Type: "team", ID: "a"})

	require.Eventually(t, func() bool {
		linked, _ := db.IsLinked(context.Background(), h1.FilterHash, "team:a")
		return linked
	}, 2*time.Second, 10*time.Millisecond)

	calls := api.recorded()
	require.Len(t, calls, 1)
	require.Equal(t, filter.And(h1.Filter, filter.Eq("cid", "team:a")).Hash(), calls[0].Hash())

	linked, err := db.IsLinked(context.Background(), h2.FilterHash, "team:a")
	require.NoError(t, err)
	require.False(t, linked)
	require.Never(t, func() bool { return len(api.recorded()) > 1 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestNoSavedQueriesNoCalls(t *testing.T) {
	db := testDB(t)
	api := newFakeAPI()
	startChannelUpdater(t, db, api)

	saveChannel(t, db, store.Channel{CID: "team:a", Type: "team", ID: "a"})
	require.Never(t, func() bool { return len(api.recorded()) > 0 }, 150*time.Millisecond, 10*time.Millisecond)
}

func TestCatchUpReconcilesStoredChannels(t *testing.T) {
	db := testDB(t)
	api := newFakeAPI()
	q := saveQuery(t, db, store.QueryChannels, filter.Filter{"color": "red"})
	saveChannel(t, db, store.Channel{CID: "team:a", Type: "team", ID: "a"})
	saveChannel(t, db, store.Channel{CID: "team:b", Type: "team", ID: "b"})
	api.channels["team:b"] = chatapi.ChannelPayload{CID: "team:b", Type: "team", ID: "b"}

	startChannelUpdater(t, db, api)

	// color is not a known field, so both channels go to the server.
	require.Eventually(t, func() bool {
		linked, _ := db.IsLinked(context.Background(), q.FilterHash, "team:b")
		return linked
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(api.recorded()) == 2 }, 2*time.Second, 10*time.Millisecond)
	keys, err := db.LinkedKeys(context.Background(), q.FilterHash)
	require.NoError(t, err)
	require.Equal(t, []string{"team:b"}, keys)
}

func TestStartDoesNotWaitForCatchUp(t *testing.T) {
	db := testDB(t)
	api := newFakeAPI()
	api.hold = make(chan struct{})
	q := saveQuery(t, db, store.QueryChannels, filter.Filter{"color": "red"})
	saveChannel(t, db, store.Channel{CID: "team:a", Type: "team", ID: "a"})
	api.channels["team:a"] = chatapi.ChannelPayload{CID: "team:a", Type: "team", ID: "a"}

	base := worker.NewBase(db, api, bus.New(), nil)
	u := NewChannelUpdater(base, intsync.NewChannelListUpdater(db, "alice"))
	started := make(chan error, 1)
	go func() { started <- u.Start(context.Background()) }()
	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start blocked on the catch-up query")
	}
	t.Cleanup(u.Stop)

	require.Eventually(t, func() bool { return len(api.recorded()) == 1 }, 2*time.Second, 10*time.Millisecond)
	close(api.hold)
	require.Eventually(t, func() bool {
		linked, _ := db.IsLinked(context.Background(), q.FilterHash, "team:a")
		return linked
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUpdateThatStopsMatchingUnlinksLocally(t *testing.T) {
	db := testDB(t)
	api := newFakeAPI()
	q := saveQuery(t, db, store.QueryChannels, filter.Filter{"member_count": map[string]any{"$gte": 2}})
	ctx := context.Background()
	saveChannel(t, db, store.Channel{CID: "team:a", Type: "team", ID: "a", MemberCount: 3})
	require.NoError(t, db.Write(ctx, func(tx *store.Tx) error { return tx.Link(ctx, q.FilterHash, "team:a") }))

	startChannelUpdater(t, db, api)
	require.Never(t, func() bool { return len(api.recorded()) > 0 }, 100*time.Millisecond, 10*time.Millisecond,
		"linked match needs no round trip")

	// A member left: the local filter rules the channel out.
	saveChannel(t, db, store.Channel{CID: "team:a", Type: "team", ID: "a", MemberCount: 1})
	require.Eventually(t, func() bool {
		linked, _ := db.IsLinked(ctx, q.FilterHash, "team:a")
		return !linked
	}, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, api.recorded())
}

func TestRemoteFailureIsLogged(t *testing.T) {
	db := testDB(t)
	api := newFakeAPI()
	api.err = errors.New("unavailable")
	saveQuery(t, db, store.QueryChannels, filter.Eq("type", "team"))
	saveChannel(t, db, store.Channel{CID: "team:a", Type: "team", ID: "a"})

	u := startChannelUpdater(t, db, api)
	c, err := db.Channel(context.Background(), "team:a")
	require.NoError(t, err)
	require.NoError(t, u.Reconcile(context.Background(), *c))
	// One call from the catch-up pass, one from the direct reconcile.
	require.Eventually(t, func() bool { return len(api.recorded()) == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestUserUpdater(t *testing.T) {
	db := testDB(t)
	api := newFakeAPI()
	q := saveQuery(t, db, store.QueryUsers, filter.Eq("role", "admin"))
	api.users["bob"] = chatapi.UserPayload{ID: "bob", Role: "admin"}

	base := worker.NewBase(db, api, bus.New(), nil)
	u := NewUserUpdater(base, intsync.NewUserListUpdater(db))
	require.NoError(t, u.Start(context.Background()))
	defer u.Stop()

	ctx := context.Background()
	require.NoError(t, db.Write(ctx, func(tx *store.Tx) error {
		if err := tx.SaveUser(ctx, &store.User{ID: "bob", Role: "admin"}); err != nil {
			return err
		}
		return tx.SaveUser(ctx, &store.User{ID: "carol", Role: "user"})
	}))

	require.Eventually(t, func() bool {
		linked, _ := db.IsLinked(ctx, q.FilterHash, "bob")
		return linked
	}, 2*time.Second, 10*time.Millisecond)
	require.Len(t, api.recorded(), 1, "carol is ruled out locally")
}

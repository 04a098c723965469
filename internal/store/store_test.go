package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/filter"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func write(t *testing.T, db *DB, fn func(tx *Tx) error) {
	t.Helper()
	require.NoError(t, db.Write(context.Background(), fn))
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so a second run must be a no-op.
	result, err := db.Migrate()
	require.NoError(t, err)
	require.False(t, result.Changed)
	require.EqualValues(t, 1, result.Version)

	v, err := db.SchemaVersion()
	require.NoError(t, err)
	require.EqualValues(t, 1, v)
}

func TestChannelUpsertAndList(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	ch := &Channel{CID: "messaging:general", Type: "messaging", ID: "general", Name: "General", LastMessageAt: 1000}
	write(t, db, func(tx *Tx) error { return tx.SaveChannel(ctx, ch) })

	ch.Name = "General Updated"
	ch.LastMessageAt = 500 // older activity must not move the channel back
	write(t, db, func(tx *Tx) error { return tx.SaveChannel(ctx, ch) })

	channels, err := db.Channels(ctx)
	require.NoError(t, err)
	require.Len(t, channels, 1)
	require.Equal(t, "General Updated", channels[0].Name)
	require.EqualValues(t, 1000, channels[0].LastMessageAt)

	missing, err := db.Channel(ctx, "messaging:missing")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestCommitHookReceivesChanges(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	got := make(chan []Change, 4)
	unregister := db.OnCommit(func(changes []Change) { got <- changes })

	write(t, db, func(tx *Tx) error {
		return tx.SaveChannel(ctx, &Channel{CID: "messaging:a", Type: "messaging", ID: "a"})
	})
	write(t, db, func(tx *Tx) error {
		return tx.SaveChannel(ctx, &Channel{CID: "messaging:a", Type: "messaging", ID: "a", Name: "A"})
	})

	for i, kind := range []ChangeKind{Inserted, Updated} {
		select {
		case changes := <-got:
			require.Equal(t, []Change{{Entity: EntityChannel, Kind: kind, Key: "messaging:a"}}, changes, "batch %d", i)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for batch %d", i)
		}
	}

	unregister()
	write(t, db, func(tx *Tx) error {
		return tx.SaveChannel(ctx, &Channel{CID: "messaging:b", Type: "messaging", ID: "b"})
	})
	require.Never(t, func() bool { return len(got) > 0 }, 100*time.Millisecond, 10*time.Millisecond,
		"batch delivered after unregister")
}

func TestRolledBackWriteIsNotAnnounced(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	got := make(chan []Change, 1)
	db.OnCommit(func(changes []Change) { got <- changes })

	err := db.Write(ctx, func(tx *Tx) error {
		if err := tx.SaveChannel(ctx, &Channel{CID: "messaging:a", Type: "messaging", ID: "a"}); err != nil {
			return err
		}
		return context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)

	c, err := db.Channel(ctx, "messaging:a")
	require.NoError(t, err)
	require.Nil(t, c, "rolled back channel stored")
	require.Never(t, func() bool { return len(got) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestRemoteMessageKeepsUnsentText(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	write(t, db, func(tx *Tx) error {
		return tx.SaveMessage(ctx, &Message{ID: "m1", CID: "messaging:a", Text: "local edit",
			LocalState: StateUnsyncedUpdate, PendingOp: OpUpdate})
	})
	write(t, db, func(tx *Tx) error {
		return tx.SaveRemoteMessage(ctx, &Message{ID: "m1", CID: "messaging:a", Text: "server text", CreatedAt: 1})
	})

	m, err := db.Message(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, "local edit", m.Text)
	require.Equal(t, StateUnsyncedUpdate, m.LocalState)
}

func TestMessageStateTransitions(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	write(t, db, func(tx *Tx) error {
		return tx.SaveMessage(ctx, &Message{ID: "m1", CID: "messaging:a", Text: "hi",
			LocalState: StateUnsyncedCreate, PendingOp: OpCreate})
	})

	var ok bool
	write(t, db, func(tx *Tx) (err error) {
		ok, err = tx.SetMessageState(ctx, "m1", StateSyncFailed, "boom")
		return err
	})
	require.True(t, ok, "SetMessageState reported missing message")
	m, err := db.Message(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, StateSyncFailed, m.LocalState)
	require.Equal(t, "boom", m.ErrorMessage)
	require.Equal(t, OpCreate, m.PendingOp)

	write(t, db, func(tx *Tx) (err error) {
		ok, err = tx.SetMessageState(ctx, "m1", StateSynced, "ignored")
		return err
	})
	m, err = db.Message(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, StateSynced, m.LocalState)
	require.Empty(t, m.ErrorMessage)
	require.Equal(t, OpNone, m.PendingOp)

	write(t, db, func(tx *Tx) (err error) {
		ok, err = tx.SetMessageState(ctx, "gone", StateSynced, "")
		return err
	})
	require.False(t, ok)
}

func TestResetInterruptedSync(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	write(t, db, func(tx *Tx) error {
		if err := tx.SaveMessage(ctx, &Message{ID: "c", CID: "messaging:a", LocalState: StateSyncing, PendingOp: OpCreate}); err != nil {
			return err
		}
		if err := tx.SaveMessage(ctx, &Message{ID: "u", CID: "messaging:a", LocalState: StateSyncing, PendingOp: OpUpdate}); err != nil {
			return err
		}
		return tx.SaveMessage(ctx, &Message{ID: "s", CID: "messaging:a"})
	})

	var n int
	write(t, db, func(tx *Tx) (err error) {
		n, err = tx.ResetInterruptedSync(ctx)
		return err
	})
	require.Equal(t, 2, n)

	creates, err := db.MessagesInState(ctx, StateUnsyncedCreate)
	require.NoError(t, err)
	require.Len(t, creates, 1)
	require.Equal(t, "c", creates[0].ID)

	updates, err := db.MessagesInState(ctx, StateUnsyncedUpdate)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.Equal(t, "u", updates[0].ID)
}

func TestQueryLinks(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	q := NewSavedQuery(QueryChannels, filter.Eq("type", "messaging"), "", 0)
	write(t, db, func(tx *Tx) error {
		if err := tx.SaveQuery(ctx, &q); err != nil {
			return err
		}
		if err := tx.SaveChannel(ctx, &Channel{CID: "messaging:a", Type: "messaging", ID: "a"}); err != nil {
			return err
		}
		if err := tx.Link(ctx, q.FilterHash, "messaging:a"); err != nil {
			return err
		}
		// Linking twice is a no-op.
		return tx.Link(ctx, q.FilterHash, "messaging:a")
	})

	saved, err := db.SavedQuery(ctx, q.FilterHash)
	require.NoError(t, err)
	require.NotNil(t, saved)
	require.Equal(t, 20, saved.PageSize)
	require.Equal(t, q.FilterHash, saved.Filter.Hash())

	linked, err := db.IsLinked(ctx, q.FilterHash, "messaging:a")
	require.NoError(t, err)
	require.True(t, linked)
	channels, err := db.ChannelsForQuery(ctx, q.FilterHash)
	require.NoError(t, err)
	require.Len(t, channels, 1)

	write(t, db, func(tx *Tx) error { return tx.DeleteChannel(ctx, "messaging:a") })
	keys, err := db.LinkedKeys(ctx, q.FilterHash)
	require.NoError(t, err)
	require.Empty(t, keys, "links survived channel delete")
}

func TestLocalUserWatermark(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	u, err := db.LocalUser(ctx)
	require.NoError(t, err)
	require.Nil(t, u)

	write(t, db, func(tx *Tx) error {
		if err := tx.SetLocalUser(ctx, "alice"); err != nil {
			return err
		}
		return tx.SetLastSyncedAt(ctx, 5000)
	})
	u, err = db.LocalUser(ctx)
	require.NoError(t, err)
	require.Equal(t, "alice", u.UserID)
	require.EqualValues(t, 5000, u.LastSyncedAt)

	// Same user keeps the watermark.
	write(t, db, func(tx *Tx) error { return tx.SetLocalUser(ctx, "alice") })
	u, err = db.LocalUser(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 5000, u.LastSyncedAt)

	// A different user starts over.
	write(t, db, func(tx *Tx) error { return tx.SetLocalUser(ctx, "bob") })
	u, err = db.LocalUser(ctx)
	require.NoError(t, err)
	require.Equal(t, "bob", u.UserID)
	require.Zero(t, u.LastSyncedAt)
}

package sync

import (
	"context"
	"fmt"
	"slices"

	"github.com/matheus3301/chatsync/internal/chatapi"
	"github.com/matheus3301/chatsync/internal/store"
)

// ChannelListUpdater is the save path of channel query responses. It keeps
// query_links in step with what the server returned.
type ChannelListUpdater struct {
	db     *store.DB
	userID string
}

// NewChannelListUpdater creates an updater; userID selects whose unread
// counts are stored.
func NewChannelListUpdater(db *store.DB, userID string) *ChannelListUpdater {
	return &ChannelListUpdater{db: db, userID: userID}
}

// Update stores one page of q. The first page (offset 0) replaces the
// query's links; later pages add to them.
func (u *ChannelListUpdater) Update(ctx context.Context, q store.SavedQuery, offset int, resp *chatapi.QueryChannelsResponse, watched bool) error {
	return u.db.Write(ctx, func(tx *store.Tx) error {
		if err := tx.SaveQuery(ctx, &q); err != nil {
			return fmt.Errorf("save query: %w", err)
		}
		if offset == 0 {
			if err := tx.ClearLinks(ctx, q.FilterHash); err != nil {
				return err
			}
		}
		for _, st := range resp.Channels {
			if st.Channel == nil {
				continue
			}
			cid, err := saveChannelState(ctx, tx, st, u.userID, watched)
			if err != nil {
				return err
			}
			if err := tx.Link(ctx, q.FilterHash, cid); err != nil {
				return err
			}
		}
		return nil
	})
}

// Refresh stores the response of a query narrowed to one channel. Returned
// channels are linked to filterHash, the hash of the unnarrowed query; cid is
// unlinked when the server did not return it.
func (u *ChannelListUpdater) Refresh(ctx context.Context, filterHash, cid string, resp *chatapi.QueryChannelsResponse) error {
	return u.db.Write(ctx, func(tx *store.Tx) error {
		var returned []string
		for _, st := range resp.Channels {
			if st.Channel == nil {
				continue
			}
			saved, err := saveChannelState(ctx, tx, st, u.userID, false)
			if err != nil {
				return err
			}
			if err := tx.Link(ctx, filterHash, saved); err != nil {
				return err
			}
			returned = append(returned, saved)
		}
		if !slices.Contains(returned, cid) {
			return tx.Unlink(ctx, filterHash, cid)
		}
		return nil
	})
}

// SaveWatched stores channels returned by a watch request and flags them as
// watched.
func (u *ChannelListUpdater) SaveWatched(ctx context.Context, resp *chatapi.QueryChannelsResponse) error {
	return u.db.Write(ctx, func(tx *store.Tx) error {
		for _, st := range resp.Channels {
			if st.Channel == nil {
				continue
			}
			if _, err := saveChannelState(ctx, tx, st, u.userID, true); err != nil {
				return err
			}
		}
		return nil
	})
}

// UserListUpdater is the save path of user query responses.
type UserListUpdater struct {
	db *store.DB
}

// NewUserListUpdater creates an updater.
func NewUserListUpdater(db *store.DB) *UserListUpdater {
	return &UserListUpdater{db: db}
}

// Update stores one page of q, replacing links on the first page.
func (u *UserListUpdater) Update(ctx context.Context, q store.SavedQuery, offset int, resp *chatapi.QueryUsersResponse) error {
	return u.db.Write(ctx, func(tx *store.Tx) error {
		if err := tx.SaveQuery(ctx, &q); err != nil {
			return fmt.Errorf("save query: %w", err)
		}
		if offset == 0 {
			if err := tx.ClearLinks(ctx, q.FilterHash); err != nil {
				return err
			}
		}
		for i := range resp.Users {
			usr := userFromPayload(&resp.Users[i])
			if err := tx.SaveUser(ctx, usr); err != nil {
				return fmt.Errorf("save user %s: %w", usr.ID, err)
			}
			if err := tx.Link(ctx, q.FilterHash, usr.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

// Refresh stores the response of a query narrowed to one user, linking to
// filterHash and unlinking id when it was not returned.
func (u *UserListUpdater) Refresh(ctx context.Context, filterHash, id string, resp *chatapi.QueryUsersResponse) error {
	return u.db.Write(ctx, func(tx *store.Tx) error {
		found := false
		for i := range resp.Users {
			usr := userFromPayload(&resp.Users[i])
			if err := tx.SaveUser(ctx, usr); err != nil {
				return fmt.Errorf("save user %s: %w", usr.ID, err)
			}
			if err := tx.Link(ctx, filterHash, usr.ID); err != nil {
				return err
			}
			found = found || usr.ID == id
		}
		if !found {
			return tx.Unlink(ctx, filterHash, id)
		}
		return nil
	})
}

package controller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/store"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Channel performs local message mutations in one channel. Mutations only
// touch the store; the outbox workers pick the rows up by state.
type Channel struct {
	db     *store.DB
	cid    string
	userID string
	logger *zap.Logger
	now    func() time.Time
}

// NewChannel creates a controller for cid acting as userID.
func NewChannel(db *store.DB, cid, userID string, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		db:     db,
		cid:    cid,
		userID: userID,
		logger: logger.With(zap.String("cid", cid)),
		now:    time.Now,
	}
}

// CID returns the channel id.
func (c *Channel) CID() string { return c.cid }

// Messages returns up to limit messages older than beforeTs (0 for the
// newest), newest first.
func (c *Channel) Messages(ctx context.Context, beforeTs int64, limit int) ([]store.Message, error) {
	return c.db.ListMessages(ctx, c.cid, beforeTs, limit)
}

// CreateMessage stores a new message waiting to be sent.
func (c *Channel) CreateMessage(ctx context.Context, text string) (*store.Message, error) {
	now := c.now()
	m := &store.Message{
		ID:         strings.ToLower(ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()),
		CID:        c.cid,
		UserID:     c.userID,
		Text:       text,
		LocalState: store.StateUnsyncedCreate,
		PendingOp:  store.OpCreate,
		CreatedAt:  now.UnixMilli(),
	}
	err := c.db.Write(ctx, func(tx *store.Tx) error {
		ch, err := tx.Channel(ctx, c.cid)
		if err != nil {
			return err
		}
		if ch == nil {
			return ErrChannelNotFound
		}
		if err := tx.SaveMessage(ctx, m); err != nil {
			return err
		}
		return tx.BumpChannelActivity(ctx, c.cid, m.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	c.logger.Debug("message created", zap.String("id", m.ID))
	return m, nil
}

// EditMessage changes the text of a message. A message that was never sent
// stays a create; anything the server knows becomes a pending update.
func (c *Channel) EditMessage(ctx context.Context, id, text string) error {
	err := c.db.Write(ctx, func(tx *store.Tx) error {
		m, err := c.message(ctx, tx, id)
		if err != nil {
			return err
		}
		switch {
		case m.LocalState == store.StateSyncing && m.PendingOp == store.OpCreate:
			return ErrMessageBusy
		case m.PendingOp == store.OpCreate:
			m.LocalState, m.PendingOp = store.StateUnsyncedCreate, store.OpCreate
		default:
			m.LocalState, m.PendingOp = store.StateUnsyncedUpdate, store.OpUpdate
		}
		m.Text = text
		m.ErrorMessage = ""
		return tx.SaveMessage(ctx, m)
	})
	if err != nil {
		return fmt.Errorf("edit message %s: %w", id, err)
	}
	return nil
}

// ResubmitMessage queues a failed message again for the operation it
// failed on.
func (c *Channel) ResubmitMessage(ctx context.Context, id string) error {
	err := c.db.Write(ctx, func(tx *store.Tx) error {
		m, err := c.message(ctx, tx, id)
		if err != nil {
			return err
		}
		if m.LocalState != store.StateSyncFailed {
			return ErrNotFailed
		}
		_, err = tx.SetMessageState(ctx, id, m.PendingOp.UnsyncedState(), "")
		return err
	})
	if err != nil {
		return fmt.Errorf("resubmit message %s: %w", id, err)
	}
	return nil
}

// DiscardMessage deletes a message the server has never accepted.
func (c *Channel) DiscardMessage(ctx context.Context, id string) error {
	err := c.db.Write(ctx, func(tx *store.Tx) error {
		m, err := c.message(ctx, tx, id)
		if err != nil {
			return err
		}
		if m.PendingOp != store.OpCreate || m.LocalState == store.StateSyncing {
			return ErrNotDiscardable
		}
		return tx.DeleteMessage(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("discard message %s: %w", id, err)
	}
	return nil
}

func (c *Channel) message(ctx context.Context, tx *store.Tx, id string) (*store.Message, error) {
	m, err := tx.Message(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil || m.CID != c.cid || m.Deleted {
		return nil, ErrMessageNotFound
	}
	return m, nil
}

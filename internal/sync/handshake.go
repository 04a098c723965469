package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Handshake records the signed-in user and moves the sync watermark to the
// connection time once the server assigned a connection id.
type Handshake struct {
	db     *store.DB
	userID string
	logger *zap.Logger
	now    func() time.Time
}

// NewHandshake creates the handshake step for userID.
func NewHandshake(db *store.DB, userID string, logger *zap.Logger) *Handshake {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handshake{db: db, userID: userID, logger: logger, now: time.Now}
}

// Run is a chatapi.Handshake.
func (h *Handshake) Run(ctx context.Context, connectionID string) error {
	now := h.now().UnixMilli()
	err := h.db.Write(ctx, func(tx *store.Tx) error {
		if err := tx.SetLocalUser(ctx, h.userID); err != nil {
			return err
		}
		return tx.SetLastSyncedAt(ctx, now)
	})
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	h.logger.Debug("handshake stored", zap.String("connection_id", connectionID), zap.Int64("last_synced_at", now))
	return nil
}

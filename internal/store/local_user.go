package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// LocalUser returns the signed-in user's row, or nil before the first handshake.
func (r Reader) LocalUser(ctx context.Context) (*LocalUser, error) {
	var u LocalUser
	err := r.q.QueryRowContext(ctx, `SELECT user_id, last_synced_at FROM local_user WHERE id = 1`).
		Scan(&u.UserID, &u.LastSyncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SetLocalUser records the signed-in user. Switching to a different user
// resets the sync watermark.
func (tx *Tx) SetLocalUser(ctx context.Context, userID string) error {
	current, err := tx.LocalUser(ctx)
	if err != nil {
		return err
	}
	if current != nil && current.UserID == userID {
		return nil
	}
	kind := Inserted
	if current != nil {
		kind = Updated
	}
	_, err = tx.q.ExecContext(ctx, `
		INSERT INTO local_user (id, user_id, last_synced_at, updated_at) VALUES (1, ?, 0, ?)
		ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id, last_synced_at = 0, updated_at = excluded.updated_at`,
		userID, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	tx.record(EntityLocalUser, kind, userID)
	return nil
}

// SetLastSyncedAt overwrites the sync watermark (unix milliseconds).
func (tx *Tx) SetLastSyncedAt(ctx context.Context, at int64) error {
	res, err := tx.q.ExecContext(ctx, `UPDATE local_user SET last_synced_at = ?, updated_at = ? WHERE id = 1`,
		at, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		var userID string
		if err := tx.q.QueryRowContext(ctx, `SELECT user_id FROM local_user WHERE id = 1`).Scan(&userID); err != nil {
			return err
		}
		tx.record(EntityLocalUser, Updated, userID)
	}
	return nil
}

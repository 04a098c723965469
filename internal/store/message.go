package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const messageColumns = `id, cid, user_id, text, type, local_state, pending_op, error_message, deleted, created_at, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	if err := row.Scan(&m.ID, &m.CID, &m.UserID, &m.Text, &m.Type, &m.LocalState, &m.PendingOp,
		&m.ErrorMessage, &m.Deleted, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r Reader) scanMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// Message returns a message by id, or nil if it is not cached.
func (r Reader) Message(ctx context.Context, id string) (*Message, error) {
	m, err := scanMessage(r.q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// ListMessages returns messages for a channel using keyset pagination by created_at.
func (r Reader) ListMessages(ctx context.Context, cid string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	return r.scanMessages(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE cid = ? AND created_at < ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, cid, beforeTs, limit)
}

// MessagesInState returns messages in any of the given local states in
// creation order.
func (r Reader) MessagesInState(ctx context.Context, states ...LocalState) ([]Message, error) {
	if len(states) == 0 {
		return nil, nil
	}
	args := make([]any, len(states))
	for i, s := range states {
		args[i] = string(s)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	return r.scanMessages(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE local_state IN (`+placeholders+`)
		ORDER BY created_at ASC, id ASC`, args...)
}

// SaveMessage inserts or fully replaces a message, local state included.
func (tx *Tx) SaveMessage(ctx context.Context, m *Message) error {
	kind, err := tx.upsertKind(ctx, "messages", "id", m.ID)
	if err != nil {
		return err
	}
	if m.LocalState == "" {
		m.LocalState = StateSynced
	}
	if m.Type == "" {
		m.Type = "regular"
	}
	now := time.Now().UnixMilli()
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	_, err = tx.q.ExecContext(ctx, `
		INSERT INTO messages (id, cid, user_id, text, type, local_state, pending_op, error_message, deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			text = excluded.text,
			type = excluded.type,
			local_state = excluded.local_state,
			pending_op = excluded.pending_op,
			error_message = excluded.error_message,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at`,
		m.ID, m.CID, m.UserID, m.Text, m.Type, m.LocalState, m.PendingOp, m.ErrorMessage, m.Deleted, m.CreatedAt, now)
	if err != nil {
		return err
	}
	tx.record(EntityMessage, kind, m.ID)
	return nil
}

// SaveRemoteMessage upserts a message received from the server. A row that
// still carries an unsent local mutation keeps its text and state.
func (tx *Tx) SaveRemoteMessage(ctx context.Context, m *Message) error {
	kind, err := tx.upsertKind(ctx, "messages", "id", m.ID)
	if err != nil {
		return err
	}
	if m.Type == "" {
		m.Type = "regular"
	}
	now := time.Now().UnixMilli()
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	if m.UpdatedAt == 0 {
		m.UpdatedAt = now
	}
	_, err = tx.q.ExecContext(ctx, `
		INSERT INTO messages (id, cid, user_id, text, type, local_state, deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'synced', ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			text = CASE WHEN messages.local_state IN ('unsynced_create', 'unsynced_update', 'sync_failed') THEN messages.text ELSE excluded.text END,
			type = excluded.type,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at`,
		m.ID, m.CID, m.UserID, m.Text, m.Type, m.Deleted, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return err
	}
	tx.record(EntityMessage, kind, m.ID)
	return nil
}

// SetMessageState moves a message to state. errMsg is stored for
// StateSyncFailed and cleared otherwise. Reports false if the message is gone.
func (tx *Tx) SetMessageState(ctx context.Context, id string, state LocalState, errMsg string) (bool, error) {
	if state != StateSyncFailed {
		errMsg = ""
	}
	pendingClause := ""
	switch state {
	case StateSynced:
		pendingClause = ", pending_op = ''"
	case StateUnsyncedCreate:
		pendingClause = ", pending_op = 'create'"
	case StateUnsyncedUpdate:
		pendingClause = ", pending_op = 'update'"
	}
	res, err := tx.q.ExecContext(ctx, `UPDATE messages SET local_state = ?, error_message = ?, updated_at = ?`+pendingClause+` WHERE id = ?`,
		state, errMsg, time.Now().UnixMilli(), id)
	if err != nil {
		return false, fmt.Errorf("set message state: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	tx.record(EntityMessage, Updated, id)
	return true, nil
}

// MarkMessageDeleted soft-deletes a message the server reported as deleted.
func (tx *Tx) MarkMessageDeleted(ctx context.Context, id string) error {
	res, err := tx.q.ExecContext(ctx, `UPDATE messages SET deleted = 1, updated_at = ? WHERE id = ? AND deleted = 0`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		tx.record(EntityMessage, Updated, id)
	}
	return nil
}

// DeleteMessage removes a message row.
func (tx *Tx) DeleteMessage(ctx context.Context, id string) error {
	res, err := tx.q.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		tx.record(EntityMessage, Deleted, id)
	}
	return nil
}

// TruncateChannel removes every message of a channel.
func (tx *Tx) TruncateChannel(ctx context.Context, cid string) error {
	ids, err := tx.messageIDs(ctx, `SELECT id FROM messages WHERE cid = ?`, cid)
	if err != nil {
		return err
	}
	if _, err := tx.q.ExecContext(ctx, `DELETE FROM messages WHERE cid = ?`, cid); err != nil {
		return err
	}
	for _, id := range ids {
		tx.record(EntityMessage, Deleted, id)
	}
	return nil
}

// ResetInterruptedSync puts messages left in StateSyncing by a previous run
// back into their queued state. Returns how many rows were reset.
func (tx *Tx) ResetInterruptedSync(ctx context.Context) (int, error) {
	ids, err := tx.messageIDs(ctx, `SELECT id FROM messages WHERE local_state = 'syncing'`)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if _, err := tx.q.ExecContext(ctx, `
		UPDATE messages SET
			local_state = CASE pending_op WHEN 'update' THEN 'unsynced_update' ELSE 'unsynced_create' END,
			updated_at = ?
		WHERE local_state = 'syncing'`, time.Now().UnixMilli()); err != nil {
		return 0, fmt.Errorf("reset syncing messages: %w", err)
	}
	for _, id := range ids {
		tx.record(EntityMessage, Updated, id)
	}
	return len(ids), nil
}

func (tx *Tx) messageIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := tx.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/matheus3301/chatsync/internal/filter"
)

const channelColumns = `c.cid, c.type, c.id, c.name, c.member_count, c.unread_count, c.is_watched,
	c.last_message_at, c.extra, c.created_at, c.updated_at`

// Fields exposes the channel attributes filters can be evaluated against.
func (c *Channel) Fields() filter.Fields {
	f := filter.Fields{
		"cid":          c.CID,
		"type":         c.Type,
		"id":           c.ID,
		"name":         c.Name,
		"member_count": c.MemberCount,
		"unread_count": c.UnreadCount,
	}
	if c.LastMessageAt > 0 {
		f["last_message_at"] = time.UnixMilli(c.LastMessageAt).UTC().Format(time.RFC3339)
	}
	for k, v := range c.Extra {
		if _, taken := f[k]; !taken {
			f[k] = v
		}
	}
	return f
}

func scanChannel(row interface{ Scan(...any) error }) (*Channel, error) {
	var c Channel
	var extra string
	if err := row.Scan(&c.CID, &c.Type, &c.ID, &c.Name, &c.MemberCount, &c.UnreadCount, &c.IsWatched,
		&c.LastMessageAt, &extra, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Extra = decodeExtra(extra)
	return &c, nil
}

func (r Reader) scanChannels(ctx context.Context, query string, args ...any) ([]Channel, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var channels []Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, *c)
	}
	return channels, rows.Err()
}

// Channel returns a channel by cid, or nil if it is not cached.
func (r Reader) Channel(ctx context.Context, cid string) (*Channel, error) {
	c, err := scanChannel(r.q.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels c WHERE c.cid = ?`, cid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// Channels returns every cached channel, most recently active first.
func (r Reader) Channels(ctx context.Context) ([]Channel, error) {
	return r.scanChannels(ctx, `SELECT `+channelColumns+` FROM channels c
		ORDER BY c.last_message_at DESC, c.cid`)
}

// ChannelsForQuery returns the channels linked to a saved query.
func (r Reader) ChannelsForQuery(ctx context.Context, filterHash string) ([]Channel, error) {
	return r.scanChannels(ctx, `SELECT `+channelColumns+` FROM channels c
		JOIN query_links l ON l.entity_key = c.cid
		WHERE l.filter_hash = ?
		ORDER BY c.last_message_at DESC, c.cid`, filterHash)
}

func (r Reader) cids(ctx context.Context, query string) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var cids []string
	for rows.Next() {
		var cid string
		if err := rows.Scan(&cid); err != nil {
			return nil, err
		}
		cids = append(cids, cid)
	}
	return cids, rows.Err()
}

// ChannelCIDs returns the cids of all cached channels.
func (r Reader) ChannelCIDs(ctx context.Context) ([]string, error) {
	return r.cids(ctx, `SELECT cid FROM channels ORDER BY cid`)
}

// WatchedCIDs returns the cids of channels the client is watching.
func (r Reader) WatchedCIDs(ctx context.Context) ([]string, error) {
	return r.cids(ctx, `SELECT cid FROM channels WHERE is_watched = 1 ORDER BY cid`)
}

// SaveChannel inserts or updates a channel.
func (tx *Tx) SaveChannel(ctx context.Context, c *Channel) error {
	kind, err := tx.upsertKind(ctx, "channels", "cid", c.CID)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = tx.q.ExecContext(ctx, `
		INSERT INTO channels (cid, type, id, name, member_count, unread_count, is_watched, last_message_at, extra, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cid) DO UPDATE SET
			name = excluded.name,
			member_count = excluded.member_count,
			unread_count = excluded.unread_count,
			is_watched = MAX(channels.is_watched, excluded.is_watched),
			last_message_at = MAX(channels.last_message_at, excluded.last_message_at),
			extra = excluded.extra,
			updated_at = excluded.updated_at`,
		c.CID, c.Type, c.ID, c.Name, c.MemberCount, c.UnreadCount, c.IsWatched, c.LastMessageAt,
		encodeExtra(c.Extra), c.CreatedAt, now)
	if err != nil {
		return err
	}
	tx.record(EntityChannel, kind, c.CID)
	return nil
}

// SetChannelWatched flips the watch flag of a cached channel.
func (tx *Tx) SetChannelWatched(ctx context.Context, cid string, watched bool) error {
	res, err := tx.q.ExecContext(ctx, `UPDATE channels SET is_watched = ?, updated_at = ? WHERE cid = ? AND is_watched != ?`,
		watched, time.Now().UnixMilli(), cid, watched)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		tx.record(EntityChannel, Updated, cid)
	}
	return nil
}

// BumpChannelActivity moves last_message_at forward for a new message.
func (tx *Tx) BumpChannelActivity(ctx context.Context, cid string, at int64) error {
	res, err := tx.q.ExecContext(ctx, `UPDATE channels SET last_message_at = ?, updated_at = ? WHERE cid = ? AND last_message_at < ?`,
		at, time.Now().UnixMilli(), cid, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		tx.record(EntityChannel, Updated, cid)
	}
	return nil
}

// DeleteChannel removes a channel with its messages and query links.
func (tx *Tx) DeleteChannel(ctx context.Context, cid string) error {
	links, err := tx.linkHashesFor(ctx, QueryChannels, cid)
	if err != nil {
		return err
	}
	for _, hash := range links {
		if err := tx.Unlink(ctx, hash, cid); err != nil {
			return err
		}
	}
	if err := tx.TruncateChannel(ctx, cid); err != nil {
		return err
	}
	res, err := tx.q.ExecContext(ctx, `DELETE FROM channels WHERE cid = ?`, cid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		tx.record(EntityChannel, Deleted, cid)
	}
	return nil
}

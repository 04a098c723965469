package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/matheus3301/chatsync/internal/filter"
)

const userColumns = `u.id, u.name, u.role, u.online, u.last_active_at, u.extra, u.updated_at`

// Fields exposes the user attributes filters can be evaluated against.
func (u *User) Fields() filter.Fields {
	f := filter.Fields{
		"id":     u.ID,
		"name":   u.Name,
		"role":   u.Role,
		"online": u.Online,
	}
	if u.LastActiveAt > 0 {
		f["last_active"] = time.UnixMilli(u.LastActiveAt).UTC().Format(time.RFC3339)
	}
	for k, v := range u.Extra {
		if _, taken := f[k]; !taken {
			f[k] = v
		}
	}
	return f
}

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	var extra string
	if err := row.Scan(&u.ID, &u.Name, &u.Role, &u.Online, &u.LastActiveAt, &extra, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Extra = decodeExtra(extra)
	return &u, nil
}

func (r Reader) scanUsers(ctx context.Context, query string, args ...any) ([]User, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// User returns a user by id, or nil if it is not cached.
func (r Reader) User(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(r.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users u WHERE u.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

// Users returns every cached user ordered by id.
func (r Reader) Users(ctx context.Context) ([]User, error) {
	return r.scanUsers(ctx, `SELECT `+userColumns+` FROM users u ORDER BY u.id`)
}

// UsersForQuery returns the users linked to a saved query.
func (r Reader) UsersForQuery(ctx context.Context, filterHash string) ([]User, error) {
	return r.scanUsers(ctx, `SELECT `+userColumns+` FROM users u
		JOIN query_links l ON l.entity_key = u.id
		WHERE l.filter_hash = ?
		ORDER BY u.id`, filterHash)
}

// SaveUser inserts or updates a user.
func (tx *Tx) SaveUser(ctx context.Context, u *User) error {
	kind, err := tx.upsertKind(ctx, "users", "id", u.ID)
	if err != nil {
		return err
	}
	if u.Role == "" {
		u.Role = "user"
	}
	_, err = tx.q.ExecContext(ctx, `
		INSERT INTO users (id, name, role, online, last_active_at, extra, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE users.name END,
			role = excluded.role,
			online = excluded.online,
			last_active_at = MAX(users.last_active_at, excluded.last_active_at),
			extra = excluded.extra,
			updated_at = excluded.updated_at`,
		u.ID, u.Name, u.Role, u.Online, u.LastActiveAt, encodeExtra(u.Extra), time.Now().UnixMilli())
	if err != nil {
		return err
	}
	tx.record(EntityUser, kind, u.ID)
	return nil
}

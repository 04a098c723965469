package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/filter"
)

func scanQuery(row interface{ Scan(...any) error }) (*SavedQuery, error) {
	var q SavedQuery
	var raw string
	if err := row.Scan(&q.FilterHash, &q.Kind, &raw, &q.Sort, &q.PageSize); err != nil {
		return nil, err
	}
	f, err := filter.Parse([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.FilterHash, err)
	}
	q.Filter = f
	return &q, nil
}

// SavedQuery returns a saved query by filter hash, or nil.
func (r Reader) SavedQuery(ctx context.Context, filterHash string) (*SavedQuery, error) {
	q, err := scanQuery(r.q.QueryRowContext(ctx,
		`SELECT filter_hash, kind, filter, sort, page_size FROM queries WHERE filter_hash = ?`, filterHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return q, err
}

// SavedQueries returns every saved query of the given kind.
func (r Reader) SavedQueries(ctx context.Context, kind QueryKind) ([]SavedQuery, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT filter_hash, kind, filter, sort, page_size FROM queries WHERE kind = ? ORDER BY filter_hash`, kind)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var queries []SavedQuery
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, err
		}
		queries = append(queries, *q)
	}
	return queries, rows.Err()
}

// IsLinked reports whether entityKey belongs to the query's result set.
func (r Reader) IsLinked(ctx context.Context, filterHash, entityKey string) (bool, error) {
	var one int
	err := r.q.QueryRowContext(ctx,
		`SELECT 1 FROM query_links WHERE filter_hash = ? AND entity_key = ?`, filterHash, entityKey).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LinkedKeys returns the entity keys linked to a query.
func (r Reader) LinkedKeys(ctx context.Context, filterHash string) ([]string, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT entity_key FROM query_links WHERE filter_hash = ? ORDER BY entity_key`, filterHash)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (r Reader) linkHashesFor(ctx context.Context, kind QueryKind, entityKey string) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT l.filter_hash FROM query_links l
		JOIN queries q ON q.filter_hash = l.filter_hash
		WHERE q.kind = ? AND l.entity_key = ?`, kind, entityKey)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// SaveQuery inserts or updates a saved query.
func (tx *Tx) SaveQuery(ctx context.Context, q *SavedQuery) error {
	raw, err := q.Filter.JSON()
	if err != nil {
		return fmt.Errorf("encode filter: %w", err)
	}
	kind, err := tx.upsertKind(ctx, "queries", "filter_hash", q.FilterHash)
	if err != nil {
		return err
	}
	_, err = tx.q.ExecContext(ctx, `
		INSERT INTO queries (filter_hash, kind, filter, sort, page_size, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(filter_hash) DO UPDATE SET
			sort = excluded.sort,
			page_size = excluded.page_size,
			updated_at = excluded.updated_at`,
		q.FilterHash, q.Kind, string(raw), q.Sort, q.PageSize, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	tx.record(EntityQuery, kind, q.FilterHash)
	return nil
}

// DeleteQuery removes a saved query and its links.
func (tx *Tx) DeleteQuery(ctx context.Context, filterHash string) error {
	keys, err := tx.LinkedKeys(ctx, filterHash)
	if err != nil {
		return err
	}
	res, err := tx.q.ExecContext(ctx, `DELETE FROM queries WHERE filter_hash = ?`, filterHash)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	for _, k := range keys {
		tx.record(EntityQueryLink, Deleted, LinkKey(filterHash, k))
	}
	tx.record(EntityQuery, Deleted, filterHash)
	return nil
}

// Link adds entityKey to the query's result set. No-op if already linked.
func (tx *Tx) Link(ctx context.Context, filterHash, entityKey string) error {
	res, err := tx.q.ExecContext(ctx,
		`INSERT INTO query_links (filter_hash, entity_key, linked_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		filterHash, entityKey, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("link %s: %w", entityKey, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		tx.record(EntityQueryLink, Inserted, LinkKey(filterHash, entityKey))
	}
	return nil
}

// Unlink removes entityKey from the query's result set.
func (tx *Tx) Unlink(ctx context.Context, filterHash, entityKey string) error {
	res, err := tx.q.ExecContext(ctx,
		`DELETE FROM query_links WHERE filter_hash = ? AND entity_key = ?`, filterHash, entityKey)
	if err != nil {
		return fmt.Errorf("unlink %s: %w", entityKey, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		tx.record(EntityQueryLink, Deleted, LinkKey(filterHash, entityKey))
	}
	return nil
}

// ClearLinks removes every link of a query; used when its first page is
// reloaded from the server.
func (tx *Tx) ClearLinks(ctx context.Context, filterHash string) error {
	keys, err := tx.LinkedKeys(ctx, filterHash)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := tx.Unlink(ctx, filterHash, k); err != nil {
			return err
		}
	}
	return nil
}

// LinkCount returns how many entities are linked to a query.
func (r Reader) LinkCount(ctx context.Context, filterHash string) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM query_links WHERE filter_hash = ?`, filterHash).Scan(&n)
	return n, err
}

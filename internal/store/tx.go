package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Reader holds the read accessors shared by DB and Tx.
type Reader struct {
	q queryer
}

// Tx is a write transaction opened by DB.Write. Every mutation is recorded
// as a Change and announced after commit.
type Tx struct {
	Reader
	tx      *sql.Tx
	changes []Change
}

func (tx *Tx) record(entity EntityKind, kind ChangeKind, key string) {
	tx.changes = append(tx.changes, Change{Entity: entity, Kind: kind, Key: key})
}

// exists reports whether table has a row whose column equals key.
// table and column are always package constants.
func (r Reader) exists(ctx context.Context, table, column, key string) (bool, error) {
	var one int
	err := r.q.QueryRowContext(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE %s = ?`, table, column), key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (tx *Tx) upsertKind(ctx context.Context, table, column, key string) (ChangeKind, error) {
	found, err := tx.exists(ctx, table, column, key)
	if err != nil {
		return 0, err
	}
	if found {
		return Updated, nil
	}
	return Inserted, nil
}

func encodeExtra(extra map[string]any) string {
	if len(extra) == 0 {
		return "{}"
	}
	data, err := json.Marshal(extra)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func decodeExtra(s string) map[string]any {
	if s == "" || s == "{}" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

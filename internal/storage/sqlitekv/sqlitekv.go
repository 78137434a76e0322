// Package sqlitekv is an Ordered KV adapter (storage.KV) backed by a
// single-table SQLite database, grounded on the teacher's embedded
// migration pattern (actuallydan-pollis/internal/database/db.go) but using
// modernc.org/sqlite (pure Go, no cgo) instead of the teacher's cgo driver.
package sqlitekv

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	_ "modernc.org/sqlite"

	"wireline/internal/storage"
)

// Store implements storage.KV over a single `kv` table.
type Store struct {
	conn *sql.DB
}

// Open creates (or attaches to) a SQLite database at path and ensures the
// kv table exists.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitekv: open: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlitekv: ping: %w", err)
	}
	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key   TEXT PRIMARY KEY,
			value BLOB NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("sqlitekv: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.conn.Close() }

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.conn.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitekv: get: %w", err)
	}
	return value, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("sqlitekv: put: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("sqlitekv: delete: %w", err)
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, prefix string, limit int) ([]storage.KVEntry, error) {
	if limit <= 0 {
		limit = -1 // 0 means no limit; SQLite treats a negative LIMIT as unbounded
	}
	rows, err := s.conn.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE key >= ? AND key < ? ORDER BY key LIMIT ?`,
		prefix, prefixUpperBound(prefix), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlitekv: scan: %w", err)
	}
	defer rows.Close()

	var out []storage.KVEntry
	for rows.Next() {
		var e storage.KVEntry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("sqlitekv: scan row: %w", err)
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, rows.Err()
}

// prefixUpperBound returns the smallest string greater than every string
// with the given prefix, letting a BETWEEN-style range scan emulate a
// prefix scan without a LIKE query.
func prefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return string(b) + "\xff"
}

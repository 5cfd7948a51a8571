package kv

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	bucket     TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (bucket, key)
);
CREATE TABLE IF NOT EXISTS kv_index (
	bucket TEXT NOT NULL,
	name   TEXT NOT NULL,
	value  TEXT NOT NULL,
	key    TEXT NOT NULL,
	PRIMARY KEY (bucket, name, value, key)
);
CREATE INDEX IF NOT EXISTS kv_index_by_key ON kv_index (bucket, key);
`

// SQLite is a Store backed by a single sqlite database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and ensures
// the schema exists. Use ":memory:" for an ephemeral store.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Put implements Store.
func (s *SQLite) Put(ctx context.Context, bucket, key string, value []byte, indexes map[string][]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO kv (bucket, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (bucket, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		bucket, key, value, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM kv_index WHERE bucket = ? AND key = ?`, bucket, key); err != nil {
		return fmt.Errorf("clear indexes %s/%s: %w", bucket, key, err)
	}
	for name, values := range indexes {
		for _, v := range values {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO kv_index (bucket, name, value, key) VALUES (?, ?, ?, ?)`,
				bucket, name, v, key); err != nil {
				return fmt.Errorf("index %s/%s %s=%s: %w", bucket, key, name, v, err)
			}
		}
	}
	return tx.Commit()
}

// Get implements Store.
func (s *SQLite) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE bucket = ? AND key = ?`, bucket, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	return value, nil
}

// Delete implements Store.
func (s *SQLite) Delete(ctx context.Context, bucket, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM kv WHERE bucket = ? AND key = ?`, bucket, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM kv_index WHERE bucket = ? AND key = ?`, bucket, key); err != nil {
		return fmt.Errorf("delete indexes %s/%s: %w", bucket, key, err)
	}
	return tx.Commit()
}

// List implements Store.
func (s *SQLite) List(ctx context.Context, bucket string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE bucket = ?`, bucket)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", bucket, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}

// KeysByIndex implements Store.
func (s *SQLite) KeysByIndex(ctx context.Context, bucket, name, value string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv_index WHERE bucket = ? AND name = ? AND value = ?`, bucket, name, value)
	if err != nil {
		return nil, fmt.Errorf("index scan %s %s=%s: %w", bucket, name, value, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Close implements Store.
func (s *SQLite) Close() error { return s.db.Close() }

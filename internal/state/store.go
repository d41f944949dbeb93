// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package state is the agent's durable key-value store: named buckets
// of JSON blobs on an embedded SQLite database, with optional per-key
// expiry and insertion-ordered enumeration. The ban ledger and a few
// bookkeeping consumers sit on top of it.
package state

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/rampart/internal/clock"
	"grimm.is/rampart/internal/errors"
)

// Store is the persistence contract. Implementations must be safe for
// concurrent use.
type Store interface {
	// Set writes a value with no expiry, replacing any existing value.
	Set(bucket, key string, value []byte) error
	// SetTTL writes a value that expires at the given time.
	SetTTL(bucket, key string, value []byte, expires time.Time) error
	// Get returns the value, or a KindNotFound error when the key is
	// absent or expired.
	Get(bucket, key string) ([]byte, error)
	// Delete removes a key. Deleting an absent key is not an error.
	Delete(bucket, key string) error
	// ListKeys returns the bucket's live keys in insertion order.
	ListKeys(bucket string) ([]string, error)
	// List returns the bucket's live values in insertion order.
	List(bucket string) ([][]byte, error)
	// Purge removes expired rows and returns how many went away.
	Purge(now time.Time) (int, error)
	Close() error
}

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	bucket     TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER,
	PRIMARY KEY (bucket, key)
);
CREATE INDEX IF NOT EXISTS idx_kv_created ON kv (bucket, created_at);
CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv (expires_at) WHERE expires_at IS NOT NULL;
`

// SQLiteStore implements Store on modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	clk clock.Clock
}

// Open creates or opens a store at path. Use ":memory:" for tests.
func Open(path string) (*SQLiteStore, error) {
	return OpenWithClock(path, clock.System)
}

// OpenWithClock opens a store with an injected time source.
func OpenWithClock(path string, clk clock.Clock) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStoreUnavailable, "open state store")
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent job handlers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.KindStoreUnavailable, "create state schema")
	}
	return &SQLiteStore{db: db, clk: clk}, nil
}

func (s *SQLiteStore) Set(bucket, key string, value []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO kv (bucket, key, value, created_at, expires_at) VALUES (?, ?, ?, ?, NULL)
		 ON CONFLICT (bucket, key) DO UPDATE SET value = excluded.value, expires_at = NULL`,
		bucket, key, value, s.clk.Now().UnixMilli())
	return errors.Wrap(err, errors.KindStoreUnavailable, "state set")
}

func (s *SQLiteStore) SetTTL(bucket, key string, value []byte, expires time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO kv (bucket, key, value, created_at, expires_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (bucket, key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		bucket, key, value, s.clk.Now().UnixMilli(), expires.UnixMilli())
	return errors.Wrap(err, errors.KindStoreUnavailable, "state set")
}

func (s *SQLiteStore) Get(bucket, key string) ([]byte, error) {
	var value []byte
	var expires sql.NullInt64
	err := s.db.QueryRow(
		`SELECT value, expires_at FROM kv WHERE bucket = ? AND key = ?`,
		bucket, key).Scan(&value, &expires)
	if err == sql.ErrNoRows {
		return nil, errors.Errorf(errors.KindNotFound, "key %s/%s not found", bucket, key)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStoreUnavailable, "state get")
	}
	if expires.Valid && expires.Int64 <= s.clk.Now().UnixMilli() {
		return nil, errors.Errorf(errors.KindNotFound, "key %s/%s expired", bucket, key)
	}
	return value, nil
}

func (s *SQLiteStore) Delete(bucket, key string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE bucket = ? AND key = ?`, bucket, key)
	return errors.Wrap(err, errors.KindStoreUnavailable, "state delete")
}

func (s *SQLiteStore) ListKeys(bucket string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT key FROM kv WHERE bucket = ? AND (expires_at IS NULL OR expires_at > ?) ORDER BY created_at, key`,
		bucket, s.clk.Now().UnixMilli())
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStoreUnavailable, "state list keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errors.Wrap(err, errors.KindStoreUnavailable, "state list keys")
		}
		keys = append(keys, k)
	}
	return keys, errors.Wrap(rows.Err(), errors.KindStoreUnavailable, "state list keys")
}

func (s *SQLiteStore) List(bucket string) ([][]byte, error) {
	rows, err := s.db.Query(
		`SELECT value FROM kv WHERE bucket = ? AND (expires_at IS NULL OR expires_at > ?) ORDER BY created_at, key`,
		bucket, s.clk.Now().UnixMilli())
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStoreUnavailable, "state list")
	}
	defer rows.Close()

	var values [][]byte
	for rows.Next() {
		var v []byte
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, errors.KindStoreUnavailable, "state list")
		}
		values = append(values, v)
	}
	return values, errors.Wrap(rows.Err(), errors.KindStoreUnavailable, "state list")
}

func (s *SQLiteStore) Purge(now time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, errors.KindStoreUnavailable, "state purge")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SQLite-backed store
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package store

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"crash-recovery-go/pkg/errors"
	"crash-recovery-go/pkg/log"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS crash_vars (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLiteStore keeps values in a single key/value table. It suits hosts
// that already keep print job history in SQLite.
type SQLiteStore struct {
	typed
	db      *sql.DB
	timeout time.Duration
}

// OpenSQLite opens or creates the database at path. Use ":memory:" for
// a throwaway database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.StoreError("open", path, err)
	}
	// A single connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errors.StoreError("migrate", path, err)
	}

	s := &SQLiteStore{db: db, timeout: 2 * time.Second}
	s.typed = typed{b: s, log: log.GetLogger("store")}
	s.log.WithField("path", path).Info("sqlite store opened")
	return s, nil
}

// Close releases the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) load(key Key) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM crash_vars WHERE key = ?`, string(key)).Scan(&value)
	if err != nil {
		if err != sql.ErrNoRows {
			s.log.WithField("key", string(key)).WithError(err).Warn("read failed, using default")
		}
		return "", false
	}
	return value, true
}

func (s *SQLiteStore) save(key Key, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO crash_vars (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		string(key), value, time.Now().Unix())
	if err != nil {
		return errors.StoreError("write", string(key), err)
	}
	return nil
}

func (s *SQLiteStore) name() string { return "sqlite" }

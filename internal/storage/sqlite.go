package storage

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/proxy-pool-api/internal/types"
)

// The pool is one row; the freshness columns can be queried without decoding it
const poolSchema = `
CREATE TABLE IF NOT EXISTS pool (
	id           INTEGER PRIMARY KEY CHECK (id = 1),
	alive        INTEGER NOT NULL,
	last_refresh TIMESTAMP NOT NULL,
	last_check   TIMESTAMP NOT NULL,
	saved_at     TIMESTAMP NOT NULL,
	body         BLOB NOT NULL
);`

const upsertPool = `
INSERT INTO pool (id, alive, last_refresh, last_check, saved_at, body)
VALUES (1, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	alive = excluded.alive,
	last_refresh = excluded.last_refresh,
	last_check = excluded.last_check,
	saved_at = excluded.saved_at,
	body = excluded.body`

// SQLiteStorage keeps the pool in a single-row SQLite table
type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// One writer at a time; sqlite serializes anyway
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(poolSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create pool table: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Save(snapshot *types.Snapshot) error {
	body, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode pool: %w", err)
	}

	fresh := freshnessOf(snapshot)
	if _, err := s.db.Exec(upsertPool, fresh.Alive, fresh.LastRefresh, fresh.LastCheck, fresh.SavedAt, body); err != nil {
		return fmt.Errorf("save pool: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Load() (*types.Snapshot, error) {
	var (
		fresh Freshness
		body  []byte
	)
	err := s.db.QueryRow("SELECT alive, last_refresh, last_check, saved_at, body FROM pool WHERE id = 1").
		Scan(&fresh.Alive, &fresh.LastRefresh, &fresh.LastCheck, &fresh.SavedAt, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load pool: %w", err)
	}

	var snapshot types.Snapshot
	if err := json.Unmarshal(body, &snapshot); err != nil {
		return nil, fmt.Errorf("decode pool: %w", err)
	}
	return loaded("sqlite", fresh, &snapshot), nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

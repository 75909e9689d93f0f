package dmpsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const snapshotSchema = `CREATE TABLE IF NOT EXISTS history_snapshots (
	key      TEXT PRIMARY KEY,
	payload  TEXT NOT NULL,
	saved_at INTEGER NOT NULL
)`

// SQLiteSnapshotStore persists history snapshots in a SQLite file, so the last
// known good conversation survives a restart.
type SQLiteSnapshotStore struct {
	db *sql.DB
}

// OpenSQLiteSnapshotStore opens (creating if needed) the database at path.
// Use ":memory:" for a throwaway store.
func OpenSQLiteSnapshotStore(ctx context.Context, path string) (*SQLiteSnapshotStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, snapshotSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshot schema: %w", err)
	}
	return &SQLiteSnapshotStore{db: db}, nil
}

func (s *SQLiteSnapshotStore) Load(ctx context.Context, key string) (*HistoryPage, time.Time, bool, error) {
	var (
		payload string
		savedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, saved_at FROM history_snapshots WHERE key = ?`, key,
	).Scan(&payload, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("load snapshot %s: %w", key, err)
	}
	var page HistoryPage
	if err := json.Unmarshal([]byte(payload), &page); err != nil {
		return nil, time.Time{}, false, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return &page, time.UnixMilli(savedAt), true, nil
}

func (s *SQLiteSnapshotStore) Save(ctx context.Context, key string, page *HistoryPage) error {
	if page == nil {
		return nil
	}
	payload, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO history_snapshots (key, payload, saved_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, saved_at = excluded.saved_at`,
		key, string(payload), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", key, err)
	}
	return nil
}

// Close releases the database.
func (s *SQLiteSnapshotStore) Close() error {
	return s.db.Close()
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists values in a single sqlite table. Change events are delivered
// to subscribers in the same process only.
type SQLiteStore struct {
	db  *sql.DB
	hub *hub
}

// OpenSQLite opens (or creates) the database at path and ensures its schema.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLiteStore, error) {
	o := buildOptions(opts)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	const schema = `CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &SQLiteStore{db: db, hub: newHub(o.bufferSize, o.logger)}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlite get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	source := SourceFrom(ctx)
	query := `INSERT INTO kv (key, value, source, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, source = excluded.source, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, key, value, source, time.Now().UTC()); err != nil {
		return fmt.Errorf("sqlite set %s: %w", key, err)
	}
	s.hub.publish(Event{Key: key, Value: value, Source: source})
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("sqlite remove %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.hub.publish(Event{Key: key, Deleted: true, Source: SourceFrom(ctx)})
	}
	return nil
}

func (s *SQLiteStore) Subscribe(ctx context.Context) (<-chan Event, error) {
	return s.hub.subscribe(ctx)
}

func (s *SQLiteStore) Close() error {
	s.hub.close()
	return s.db.Close()
}

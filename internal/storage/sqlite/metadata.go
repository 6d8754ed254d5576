package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const metaLastModified = "last_modified"

// Meta returns the value stored under key and whether it exists.
func (s *Store) Meta(ctx context.Context, key string) (string, bool, error) {
	return s.getMeta(ctx, s.db, key)
}

// SetMeta stores value under key, replacing any previous value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	return s.setMeta(ctx, s.db, key, value)
}

// LastModified returns the time of the last completed run, if any.
func (s *Store) LastModified(ctx context.Context) (*time.Time, error) {
	raw, ok, err := s.getMeta(ctx, s.db, metaLastModified)
	if err != nil || !ok {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("parse last_modified %q: %w", raw, err)
	}
	t = t.UTC()
	return &t, nil
}

// SetLastModified records the completion time of a run.
func (s *Store) SetLastModified(ctx context.Context, at time.Time) error {
	return s.setMeta(ctx, s.db, metaLastModified, formatTime(at))
}

func (s *Store) getMeta(ctx context.Context, q querier, key string) (string, bool, error) {
	if !s.hasTable("metadata") {
		return "", false, nil
	}
	var value string
	err := q.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get metadata %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) setMeta(ctx context.Context, q querier, key, value string) error {
	_, err := q.ExecContext(ctx, `
INSERT INTO metadata (key, value) VALUES (?, ?)
ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set metadata %s: %w", key, err)
	}
	return nil
}

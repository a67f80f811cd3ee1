// Package store persists a small operational history of ended
// watch-party sessions in SQLite — a supplemented feature (see
// SPEC_FULL.md), distinct from the per-user ratings/watchlist catalog
// spec.md places out of scope as a bot-only external collaborator. This
// store tracks per-session operational stats for the server operator.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrSessionNotFound is returned when no history row exists for an ID.
var ErrSessionNotFound = errors.New("session history not found")

// SessionRecord is one row of session_history.
type SessionRecord struct {
	RoomID        string
	Title         string
	MovieName     string
	StartedAt     time.Time
	EndedAt       time.Time
	PeakViewers   int
	RatingCount   int
	RatingAverage float64
}

// Store wraps the SQLite connection.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers across connections

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("session history store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode = WAL`); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS session_history (
	room_id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	movie_name TEXT NOT NULL,
	started_at_unix_ms INTEGER NOT NULL,
	ended_at_unix_ms INTEGER NOT NULL,
	peak_viewers INTEGER NOT NULL DEFAULT 0,
	rating_count INTEGER NOT NULL DEFAULT 0,
	rating_average REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_session_history_ended_at ON session_history(ended_at_unix_ms);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	slog.Debug("session history migrations applied")
	return nil
}

// RecordSession inserts one session's final history row. If a row for the
// same room ID exists, every column except its started_at is updated.
func (s *Store) RecordSession(ctx context.Context, rec SessionRecord) error {
	if strings.TrimSpace(rec.RoomID) == "" {
		return fmt.Errorf("room id is required")
	}
	const q = `
INSERT INTO session_history (
	room_id, title, movie_name, started_at_unix_ms, ended_at_unix_ms, peak_viewers, rating_count, rating_average
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(room_id) DO UPDATE SET
	title = excluded.title,
	movie_name = excluded.movie_name,
	ended_at_unix_ms = excluded.ended_at_unix_ms,
	peak_viewers = excluded.peak_viewers,
	rating_count = excluded.rating_count,
	rating_average = excluded.rating_average
`
	_, err := s.db.ExecContext(ctx, q,
		rec.RoomID, rec.Title, rec.MovieName,
		rec.StartedAt.UnixMilli(), rec.EndedAt.UnixMilli(),
		rec.PeakViewers, rec.RatingCount, rec.RatingAverage,
	)
	if err != nil {
		return fmt.Errorf("insert session history: %w", err)
	}
	slog.Debug("session history recorded", "room_id", rec.RoomID, "rating_average", rec.RatingAverage)
	return nil
}

// SessionByRoomID looks up one session's history row by its former room
// ID, returning ErrSessionNotFound if no such session was ever recorded.
func (s *Store) SessionByRoomID(ctx context.Context, roomID string) (SessionRecord, error) {
	const q = `
SELECT room_id, title, movie_name, started_at_unix_ms, ended_at_unix_ms, peak_viewers, rating_count, rating_average
FROM session_history
WHERE room_id = ?
`
	var rec SessionRecord
	var startedMs, endedMs int64
	err := s.db.QueryRowContext(ctx, q, roomID).Scan(
		&rec.RoomID, &rec.Title, &rec.MovieName, &startedMs, &endedMs, &rec.PeakViewers, &rec.RatingCount, &rec.RatingAverage,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, ErrSessionNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("query session history: %w", err)
	}
	rec.StartedAt = time.UnixMilli(startedMs).UTC()
	rec.EndedAt = time.UnixMilli(endedMs).UTC()
	return rec, nil
}

// RecentSessions returns the most recently ended sessions, newest first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT room_id, title, movie_name, started_at_unix_ms, ended_at_unix_ms, peak_viewers, rating_count, rating_average
FROM session_history
ORDER BY ended_at_unix_ms DESC
LIMIT ?
`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query session history: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var startedMs, endedMs int64
		if err := rows.Scan(&rec.RoomID, &rec.Title, &rec.MovieName, &startedMs, &endedMs, &rec.PeakViewers, &rec.RatingCount, &rec.RatingAverage); err != nil {
			return nil, fmt.Errorf("scan session history: %w", err)
		}
		rec.StartedAt = time.UnixMilli(startedMs).UTC()
		rec.EndedAt = time.UnixMilli(endedMs).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/silviot/agentcall/pkg/chat"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS transcripts (
	id         TEXT PRIMARY KEY,
	room_name  TEXT NOT NULL DEFAULT '',
	message    TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	end_time   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS transcripts_end_time ON transcripts(end_time);
CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

// Store persists transcripts and small key/value settings in sqlite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger.Debug("opened transcript store", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert writes one transcript snapshot.
func (s *Store) Insert(ctx context.Context, t chat.Transcript) error {
	message, err := json.Marshal(t.Message)
	if err != nil {
		return fmt.Errorf("failed to encode transcript: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO transcripts (id, room_name, message, start_time, end_time) VALUES (?, ?, ?, ?, ?)",
		t.ID, t.RoomName, string(message), t.StartTime.UnixMilli(), t.EndTime.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert transcript: %w", err)
	}

	s.logger.Info("transcript stored", "id", t.ID, "turns", t.Message.Len())
	return nil
}

// List returns the most recent transcripts, newest first. limit <= 0 means all.
func (s *Store) List(ctx context.Context, limit int) ([]chat.Transcript, error) {
	query := "SELECT id, room_name, message, start_time, end_time FROM transcripts ORDER BY end_time DESC"
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var out []chat.Transcript
	for rows.Next() {
		var (
			t          chat.Transcript
			message    string
			start, end int64
		)
		if err := rows.Scan(&t.ID, &t.RoomName, &message, &start, &end); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		t.Message = chat.NewRecord()
		if err := json.Unmarshal([]byte(message), t.Message); err != nil {
			s.logger.Warn("skipping transcript with unreadable message", "id", t.ID, "error", err)
			continue
		}
		t.StartTime = time.UnixMilli(start)
		t.EndTime = time.UnixMilli(end)
		out = append(out, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// Get reads a value from the key/value table.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %q: %w", key, err)
	}
	return value, true, nil
}

// Set writes a value, replacing any previous one.
func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	if err != nil {
		return fmt.Errorf("failed to write %q: %w", key, err)
	}
	return nil
}

// Clear removes a key. Clearing a missing key is not an error.
func (s *Store) Clear(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to clear %q: %w", key, err)
	}
	return nil
}

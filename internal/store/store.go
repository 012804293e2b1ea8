// Package store provides sqlite-backed persistence for the engine's
// durable records: conversations, messages, contexts, and memory items.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/baloozeone972/lubrik-gpt-sub000/pkg/logger"
)

// Store wraps the sqlite database.
type Store struct {
	db     *sql.DB
	logger *logger.Logger
}

// Open opens (or creates) the database at dbPath and applies migrations.
func Open(dbPath string, log *logger.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: sqlite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: log}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id                      TEXT PRIMARY KEY,
		user_id                 TEXT NOT NULL,
		character_id            TEXT NOT NULL,
		title                   TEXT,
		status                  TEXT NOT NULL,
		message_count           INTEGER NOT NULL DEFAULT 0,
		user_message_count      INTEGER NOT NULL DEFAULT 0,
		assistant_message_count INTEGER NOT NULL DEFAULT 0,
		total_tokens            INTEGER NOT NULL DEFAULT 0,
		last_message_at         DATETIME,
		summary                 TEXT,
		relationship_score      INTEGER NOT NULL DEFAULT 0,
		tags                    TEXT,
		language                TEXT NOT NULL DEFAULT 'en',
		created_at              DATETIME NOT NULL,
		updated_at              DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, last_message_at);

	CREATE TABLE IF NOT EXISTS messages (
		seq             INTEGER PRIMARY KEY AUTOINCREMENT,
		id              TEXT NOT NULL UNIQUE,
		conversation_id TEXT NOT NULL,
		user_id         TEXT NOT NULL,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		metadata        TEXT,
		created_at      DATETIME NOT NULL,
		deleted         INTEGER NOT NULL DEFAULT 0,
		deleted_reason  TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at, seq);

	CREATE TABLE IF NOT EXISTS conversation_contexts (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL UNIQUE,
		settings        TEXT NOT NULL,
		session_vars    TEXT,
		current_topic   TEXT,
		active          INTEGER NOT NULL DEFAULT 1,
		updated_at      DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS character_contexts (
		id                 TEXT PRIMARY KEY,
		user_id            TEXT NOT NULL,
		character_id       TEXT NOT NULL,
		relationship_level INTEGER NOT NULL DEFAULT 0,
		shared_memory_ids  TEXT,
		preferences        TEXT,
		version            INTEGER NOT NULL DEFAULT 0,
		updated_at         DATETIME NOT NULL,
		UNIQUE(user_id, character_id)
	);

	CREATE TABLE IF NOT EXISTS memories (
		id               TEXT PRIMARY KEY,
		user_id          TEXT NOT NULL,
		character_id     TEXT NOT NULL,
		conversation_id  TEXT,
		content          TEXT NOT NULL,
		importance       REAL NOT NULL DEFAULT 0.5,
		emotional_tag    TEXT,
		access_count     INTEGER NOT NULL DEFAULT 0,
		last_accessed_at DATETIME,
		deleted          INTEGER NOT NULL DEFAULT 0,
		created_at       DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memories_pair ON memories(user_id, character_id, deleted);
	`

	_, err := s.db.Exec(schema)
	return err
}

func marshalJSON(v interface{}) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalJSON(s sql.NullString, v interface{}) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), v)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Package journal is a local SQLite conversation log. It serves a console
// running without a reachable backend and satisfies the same MessageLog
// contract as the Postgres and HTTP logs.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/console/internal/model"
)

const schemaVersion = 1

// Journal is a SQLite-backed message log. Safe for concurrent use; writes
// are serialised on a single connection.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the journal at path. ":memory:" opens a private
// in-memory journal.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("journal: missing path")
	}
	if p != ":memory:" {
		p = filepath.Clean(p)
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return nil, fmt.Errorf("journal: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	// One connection: an in-memory database is per connection, and SQLite
	// allows a single writer anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("journal: enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("journal: set busy timeout: %w", err)
	}

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("journal: read schema version: %w", err)
	}
	if v >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("journal: begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS journal_messages (
  project_id TEXT NOT NULL,
  id TEXT NOT NULL,
  seq INTEGER NOT NULL,
  body TEXT NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL,
  PRIMARY KEY (project_id, id)
);
CREATE INDEX IF NOT EXISTS journal_messages_seq ON journal_messages (project_id, seq);
`); err != nil {
		return fmt.Errorf("journal: create schema: %w", err)
	}
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, schemaVersion)); err != nil {
		return fmt.Errorf("journal: set schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("journal: commit schema: %w", err)
	}
	return nil
}

// ListMessages returns a project's log in first-insert order. Rows whose
// body no longer decodes are skipped with a warning.
func (j *Journal) ListMessages(ctx context.Context, projectID string) ([]model.Message, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, body FROM journal_messages WHERE project_id = ? ORDER BY seq`, projectID)
	if err != nil {
		return nil, fmt.Errorf("journal: list messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("journal: scan message: %w", err)
		}
		var m model.Message
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			j.logger.Warn("journal: skipping undecodable message", "project_id", projectID, "message_id", id, "error", err)
			continue
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: list messages: %w", err)
	}
	return out, nil
}

// UpsertMessage stores msg, replacing any earlier version with the same id
// in place.
func (j *Journal) UpsertMessage(ctx context.Context, msg model.Message) error {
	msg.Streaming = false
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("journal: encode message %s: %w", msg.ID, err)
	}
	_, err = j.db.ExecContext(ctx, `
INSERT INTO journal_messages (project_id, id, seq, body, updated_at_unix_ms)
VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM journal_messages WHERE project_id = ?), ?, ?)
ON CONFLICT (project_id, id) DO UPDATE SET
  body = excluded.body,
  updated_at_unix_ms = excluded.updated_at_unix_ms`,
		msg.ProjectID, msg.ID, msg.ProjectID, string(body), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("journal: upsert message %s: %w", msg.ID, err)
	}
	return nil
}

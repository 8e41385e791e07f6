// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/klusterchat/internal/model"
	"github.com/jeranaias/klusterchat/internal/util"
)

// DatabaseFile is the SQLite file name under the data directory.
const DatabaseFile = "klusterchat.db"

// SchemaVersion tracks the database schema version for migrations.
const SchemaVersion = 1

// Schema holds both halves of a saved conversation. Messages carry no foreign
// key: the message list is written before its metadata record.
const Schema = `
CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    last_modified INTEGER NOT NULL,  -- Unix nanoseconds, UTC
    system_prompt TEXT NOT NULL DEFAULT '',
    model_name TEXT NOT NULL DEFAULT '',
    temperature REAL NOT NULL,
    frequency_penalty REAL NOT NULL,
    top_p REAL NOT NULL
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS idx_sessions_last_modified ON sessions(last_modified DESC);

CREATE TABLE IF NOT EXISTS messages (
    session_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    id INTEGER NOT NULL,
    role TEXT NOT NULL,            -- user, assistant, system
    content TEXT NOT NULL,
    reasoning TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (session_id, position)
) WITHOUT ROWID;
`

// =============================================================================
// SQLITE STORE
// =============================================================================

// SQLiteStore keeps sessions and messages in one database file.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// NewSQLiteStore opens (creating if needed) the database under dir.
func NewSQLiteStore(ctx context.Context, dir string, opts ...Option) (*SQLiteStore, error) {
	o := buildOptions(opts)
	if dir == "" {
		return nil, errors.New("storage directory is empty")
	}
	if err := os.MkdirAll(dir, util.PrivateDirMode); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	path := filepath.Join(dir, DatabaseFile)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_info (key, value) VALUES ('version', ?)`,
		fmt.Sprint(SchemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to record schema version: %w", err)
	}

	o.logger.Debug("sqlite store opened", "path", path)
	return &SQLiteStore{db: db, path: path, logger: o.logger}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// =============================================================================
// METADATA
// =============================================================================

const selectSessions = `SELECT id, title, last_modified, system_prompt, model_name,
    temperature, frequency_penalty, top_p FROM sessions`

const upsertSession = `INSERT INTO sessions
    (id, title, last_modified, system_prompt, model_name, temperature, frequency_penalty, top_p)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT(id) DO UPDATE SET
        title = excluded.title,
        last_modified = excluded.last_modified,
        system_prompt = excluded.system_prompt,
        model_name = excluded.model_name,
        temperature = excluded.temperature,
        frequency_penalty = excluded.frequency_penalty,
        top_p = excluded.top_p`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (model.SessionMetadata, error) {
	var (
		m     model.SessionMetadata
		nanos int64
	)
	err := row.Scan(&m.ID, &m.Title, &nanos, &m.SystemPrompt, &m.ModelName,
		&m.ModelSettings.Temperature, &m.ModelSettings.FrequencyPenalty, &m.ModelSettings.TopP)
	if err != nil {
		return m, err
	}
	m.LastModified = time.Unix(0, nanos).UTC()
	return m, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putSession(ctx context.Context, db execer, m model.SessionMetadata) error {
	_, err := db.ExecContext(ctx, upsertSession,
		m.ID, m.Title, m.LastModified.UnixNano(), m.SystemPrompt, m.ModelName,
		m.ModelSettings.Temperature, m.ModelSettings.FrequencyPenalty, m.ModelSettings.TopP)
	return err
}

// ListSessions implements Store.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]model.SessionMetadata, error) {
	rows, err := s.db.QueryContext(ctx, selectSessions+` ORDER BY last_modified DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	metas := []model.SessionMetadata{}
	for rows.Next() {
		m, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		metas = append(metas, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return metas, nil
}

// GetSession implements Store.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (model.SessionMetadata, error) {
	m, err := scanSession(s.db.QueryRowContext(ctx, selectSessions+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.SessionMetadata{}, notFound(id)
	}
	if err != nil {
		return model.SessionMetadata{}, fmt.Errorf("failed to read session: %w", err)
	}
	return m, nil
}

// PutSession implements Store.
func (s *SQLiteStore) PutSession(ctx context.Context, meta model.SessionMetadata) error {
	if err := ValidateSessionID(meta.ID); err != nil {
		return err
	}
	if err := putSession(ctx, s.db, meta); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	return nil
}

// ReplaceSessions implements Store in a single transaction.
func (s *SQLiteStore) ReplaceSessions(ctx context.Context, metas []model.SessionMetadata) error {
	for _, m := range metas {
		if err := ValidateSessionID(m.ID); err != nil {
			return err
		}
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
			return err
		}
		for _, m := range metas {
			if err := putSession(ctx, tx, m); err != nil {
				return fmt.Errorf("failed to write session %s: %w", m.ID, err)
			}
		}
		return nil
	})
}

// DeleteSession implements Store; both halves go in one transaction.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	if err := ValidateSessionID(id); err != nil {
		return err
	}
	var found bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		found = n > 0
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if !found {
		return notFound(id)
	}
	return nil
}

// =============================================================================
// MESSAGES
// =============================================================================

// LoadMessages implements Store.
func (s *SQLiteStore) LoadMessages(ctx context.Context, id string) ([]model.Message, error) {
	if err := ValidateSessionID(id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, reasoning FROM messages WHERE session_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages for %s: %w", id, err)
	}
	defer rows.Close()

	msgs := []model.Message{}
	for rows.Next() {
		var (
			m    model.Message
			role string
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &m.Reasoning); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Role = model.Role(role)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SaveMessages implements Store, replacing the whole list atomically.
func (s *SQLiteStore) SaveMessages(ctx context.Context, id string, msgs []model.Message) error {
	if err := ValidateSessionID(id); err != nil {
		return err
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO messages (session_id, position, id, role, content, reasoning) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, m := range msgs {
			if _, err := stmt.ExecContext(ctx, id, i, m.ID, string(m.Role), m.Content, m.Reasoning); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write messages for %s: %w", id, err)
	}
	return nil
}

// DeleteMessages implements Store.
func (s *SQLiteStore) DeleteMessages(ctx context.Context, id string) error {
	if err := ValidateSessionID(id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete messages for %s: %w", id, err)
	}
	return nil
}

// MessageIDs implements Store. A session whose list is empty has no rows and
// is therefore not reported.
func (s *SQLiteStore) MessageIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT session_id FROM messages ORDER BY session_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}
	return tx.Commit()
}

var _ Store = (*SQLiteStore)(nil)

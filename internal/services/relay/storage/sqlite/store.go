// Package sqlite provides a SQLite-backed relay message store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/louisbranch/chatrelay/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/chatrelay/internal/services/relay/storage"
	"github.com/louisbranch/chatrelay/internal/services/relay/storage/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists relay messages in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite message store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// AppendMessage inserts one message row and returns the persisted record.
func (s *Store) AppendMessage(ctx context.Context, text string, sessionID string, sequenceNumber int64) (storage.Message, error) {
	if err := ctx.Err(); err != nil {
		return storage.Message{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Message{}, fmt.Errorf("storage is not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return storage.Message{}, fmt.Errorf("session id is required")
	}
	if text == "" {
		return storage.Message{}, fmt.Errorf("text is required")
	}
	if sequenceNumber < 1 {
		return storage.Message{}, fmt.Errorf("sequence number must be greater than zero")
	}
	createdAt := time.Now().UTC()

	result, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO messages (text, session_id, sequence_number, created_at)
		 VALUES (?, ?, ?, ?)`,
		text,
		sessionID,
		sequenceNumber,
		toMillis(createdAt),
	)
	if err != nil {
		if isSequenceUniqueViolation(err) {
			return storage.Message{}, storage.ErrSequenceConflict
		}
		return storage.Message{}, fmt.Errorf("append message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return storage.Message{}, fmt.Errorf("append message id: %w", err)
	}

	return storage.Message{
		ID:             id,
		Text:           text,
		SessionID:      sessionID,
		SequenceNumber: sequenceNumber,
		CreatedAt:      fromMillis(toMillis(createdAt)),
	}, nil
}

// MaxSequence returns the highest persisted sequence number for a session.
func (s *Store) MaxSequence(ctx context.Context, sessionID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return 0, fmt.Errorf("session id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) FROM messages WHERE session_id = ?`,
		sessionID,
	)
	var max int64
	if err := row.Scan(&max); err != nil {
		return 0, fmt.Errorf("max sequence: %w", err)
	}
	return max, nil
}

// RecentMessages returns up to limit newest messages, oldest first.
func (s *Store) RecentMessages(ctx context.Context, limit int) ([]storage.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, text, session_id, sequence_number, created_at
		   FROM messages
		  ORDER BY created_at DESC, id DESC
		  LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	messages := make([]storage.Message, 0, limit)
	for rows.Next() {
		var msg storage.Message
		var createdAt int64
		if err := rows.Scan(
			&msg.ID,
			&msg.Text,
			&msg.SessionID,
			&msg.SequenceNumber,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("recent messages: %w", err)
		}
		msg.CreatedAt = fromMillis(createdAt)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}

	// Query order is newest-first to bound the scan; replay order is
	// chronological.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// Ping reports store reachability.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return s.sqlDB.PingContext(ctx)
}

func isSequenceUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") &&
		strings.Contains(message, "messages.session_id")
}

var _ storage.MessageStore = (*Store)(nil)

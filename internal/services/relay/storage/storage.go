// Package storage defines persistence contracts for relay message state.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSequenceConflict indicates a message with the same session and
	// sequence number is already persisted.
	ErrSequenceConflict = errors.New("sequence number already persisted for session")
)

// Message stores one durable chat message.
type Message struct {
	ID             int64
	Text           string
	SessionID      string
	SequenceNumber int64
	CreatedAt      time.Time
}

// MessageStore persists chat messages and serves recent-history queries.
type MessageStore interface {
	// AppendMessage inserts one message row atomically. It returns
	// ErrSequenceConflict when (session id, sequence number) is taken.
	AppendMessage(ctx context.Context, text string, sessionID string, sequenceNumber int64) (Message, error)
	// MaxSequence returns the highest sequence number persisted for the
	// session, or zero when the session has no messages.
	MaxSequence(ctx context.Context, sessionID string) (int64, error)
	// RecentMessages returns up to limit newest messages ordered
	// oldest-to-newest.
	RecentMessages(ctx context.Context, limit int) ([]Message, error)
	// Ping reports store reachability for the diagnostic surface.
	Ping(ctx context.Context) error
}

package server

import (
	"context"
	"fmt"

	"github.com/louisbranch/chatrelay/internal/services/relay/storage"
)

// sequencer computes the next message number for a session from durable
// history. Numbering starts at 1 and is gapless per session.
//
// The read-max-then-persist section is not atomic on its own: callers must
// run numbering and persistence for one session on a single goroutine (each
// connection's receive loop here). The storage unique index backstops any
// residual race by rejecting the duplicate insert.
type sequencer struct {
	store storage.MessageStore
}

func (s sequencer) next(ctx context.Context, sessionID string) (int64, error) {
	max, err := s.store.MaxSequence(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	return max + 1, nil
}

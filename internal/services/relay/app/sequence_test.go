package server

import (
	"context"
	"errors"
	"testing"

	"github.com/louisbranch/chatrelay/internal/services/relay/storage"
)

type fakeStore struct {
	max       int64
	maxErr    error
	appendErr error
	appended  []storage.Message
}

func (f *fakeStore) AppendMessage(_ context.Context, text string, sessionID string, sequenceNumber int64) (storage.Message, error) {
	if f.appendErr != nil {
		return storage.Message{}, f.appendErr
	}
	msg := storage.Message{
		ID:             int64(len(f.appended) + 1),
		Text:           text,
		SessionID:      sessionID,
		SequenceNumber: sequenceNumber,
	}
	f.appended = append(f.appended, msg)
	return msg, nil
}

func (f *fakeStore) MaxSequence(_ context.Context, _ string) (int64, error) {
	if f.maxErr != nil {
		return 0, f.maxErr
	}
	return f.max, nil
}

func (f *fakeStore) RecentMessages(_ context.Context, _ int) ([]storage.Message, error) {
	return nil, nil
}

func (f *fakeStore) Ping(_ context.Context) error {
	return nil
}

func TestSequencerStartsAtOne(t *testing.T) {
	t.Parallel()

	seq := sequencer{store: &fakeStore{max: 0}}
	next, err := seq.next(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("next sequence: %v", err)
	}
	if next != 1 {
		t.Fatalf("next = %d, want 1", next)
	}
}

func TestSequencerIncrementsPersistedMax(t *testing.T) {
	t.Parallel()

	seq := sequencer{store: &fakeStore{max: 41}}
	next, err := seq.next(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("next sequence: %v", err)
	}
	if next != 42 {
		t.Fatalf("next = %d, want 42", next)
	}
}

func TestSequencerPropagatesStoreError(t *testing.T) {
	t.Parallel()

	storeErr := errors.New("store offline")
	seq := sequencer{store: &fakeStore{maxErr: storeErr}}
	_, err := seq.next(context.Background(), "sess-1")
	if !errors.Is(err, storeErr) {
		t.Fatalf("next error = %v, want wrapped %v", err, storeErr)
	}
}

package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/louisbranch/chatrelay/internal/services/relay/storage/sqlite"
)

type wsTestFrame struct {
	Type           string          `json:"type"`
	Message        string          `json:"message"`
	ID             int64           `json:"id"`
	Text           string          `json:"text"`
	SessionID      string          `json:"session_id"`
	SequenceNumber int64           `json:"sequence_number"`
	CreatedAt      string          `json:"created_at"`
	History        []wsTestHistory `json:"history"`
}

type wsTestHistory struct {
	Type           string `json:"type"`
	ID             int64  `json:"id"`
	Text           string `json:"text"`
	SessionID      string `json:"session_id"`
	SequenceNumber int64  `json:"sequence_number"`
	CreatedAt      string `json:"created_at"`
}

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func newTestServer(t *testing.T) (*httptest.Server, *sqlite.Store) {
	t.Helper()

	store := newTestStore(t)
	srv := httptest.NewServer(NewHandler(store, 0))
	t.Cleanup(srv.Close)
	return srv, store
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, err := websocket.Dial(wsURL, "", srv.URL)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func writeRaw(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	if err := websocket.Message.Send(conn, raw); err != nil {
		t.Fatalf("send frame: %v", err)
	}
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	payload, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	writeRaw(t, conn, string(payload))
}

func readRawFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var raw string
	if err := websocket.Message.Receive(conn, &raw); err != nil {
		t.Fatalf("receive server frame: %v", err)
	}
	return raw
}

func readFrame(t *testing.T, conn *websocket.Conn) wsTestFrame {
	t.Helper()
	raw := readRawFrame(t, conn)
	var got wsTestFrame
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("decode server frame %q: %v", raw, err)
	}
	return got
}

// readInit consumes the init frame every new connection receives.
func readInit(t *testing.T, conn *websocket.Conn) wsTestFrame {
	t.Helper()
	got := readFrame(t, conn)
	if got.Type != "init" {
		t.Fatalf("frame type = %q, want %q", got.Type, "init")
	}
	if got.SessionID == "" {
		t.Fatal("expected session_id in init frame")
	}
	return got
}

func TestWebSocketInitFrameHasEmptyHistoryOnFreshStore(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv)

	raw := readRawFrame(t, conn)
	var got wsTestFrame
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("decode init frame: %v", err)
	}
	if got.Type != "init" {
		t.Fatalf("frame type = %q, want %q", got.Type, "init")
	}
	if got.SessionID == "" {
		t.Fatal("expected session_id in init frame")
	}
	if len(got.History) != 0 {
		t.Fatalf("history len = %d, want 0", len(got.History))
	}
	if !strings.Contains(raw, `"history":[]`) {
		t.Fatalf("init frame = %s, expected empty history list", raw)
	}
}

func TestWebSocketFirstMessageBroadcastsSequenceOne(t *testing.T) {
	srv, _ := newTestServer(t)
	connA := dialWS(t, srv)
	connB := dialWS(t, srv)

	initA := readInit(t, connA)
	_ = readInit(t, connB)

	writeFrame(t, connA, map[string]any{"type": "message", "text": "hi"})

	rawA := readRawFrame(t, connA)
	rawB := readRawFrame(t, connB)
	if rawA != rawB {
		t.Fatalf("broadcast frames differ:\n%s\n%s", rawA, rawB)
	}

	var got wsTestFrame
	if err := json.Unmarshal([]byte(rawA), &got); err != nil {
		t.Fatalf("decode message frame: %v", err)
	}
	if got.Type != "message" {
		t.Fatalf("frame type = %q, want %q", got.Type, "message")
	}
	if got.SequenceNumber != 1 {
		t.Fatalf("sequence_number = %d, want 1", got.SequenceNumber)
	}
	if got.Text != "hi" {
		t.Fatalf("text = %q, want %q", got.Text, "hi")
	}
	if got.SessionID != initA.SessionID {
		t.Fatalf("session_id = %q, want sender %q", got.SessionID, initA.SessionID)
	}
	if got.ID == 0 {
		t.Fatal("expected assigned message id")
	}
	if _, err := time.Parse(time.RFC3339, got.CreatedAt); err != nil {
		t.Fatalf("created_at = %q, not RFC 3339: %v", got.CreatedAt, err)
	}
}

func TestWebSocketRapidMessagesNumberSequentially(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv)
	_ = readInit(t, conn)

	writeFrame(t, conn, map[string]any{"type": "message", "text": "a"})
	writeFrame(t, conn, map[string]any{"type": "message", "text": "b"})

	first := readFrame(t, conn)
	second := readFrame(t, conn)
	if first.Text != "a" || first.SequenceNumber != 1 {
		t.Fatalf("first frame = %q #%d, want %q #1", first.Text, first.SequenceNumber, "a")
	}
	if second.Text != "b" || second.SequenceNumber != 2 {
		t.Fatalf("second frame = %q #%d, want %q #2", second.Text, second.SequenceNumber, "b")
	}
}

func TestWebSocketNumberingRestartsForNewSession(t *testing.T) {
	srv, _ := newTestServer(t)

	connX := dialWS(t, srv)
	initX := readInit(t, connX)
	writeFrame(t, connX, map[string]any{"type": "message", "text": "from x"})
	_ = readFrame(t, connX)
	_ = connX.Close()

	connY := dialWS(t, srv)
	initY := readInit(t, connY)
	if initY.SessionID == initX.SessionID {
		t.Fatal("expected a fresh session id for the new connection")
	}
	if len(initY.History) != 1 {
		t.Fatalf("history len = %d, want 1", len(initY.History))
	}
	if initY.History[0].Text != "from x" {
		t.Fatalf("history[0].Text = %q, want %q", initY.History[0].Text, "from x")
	}

	writeFrame(t, connY, map[string]any{"type": "message", "text": "from y"})
	got := readFrame(t, connY)
	if got.SequenceNumber != 1 {
		t.Fatalf("sequence_number = %d, want 1 for new session", got.SequenceNumber)
	}
	if got.SessionID != initY.SessionID {
		t.Fatalf("session_id = %q, want %q", got.SessionID, initY.SessionID)
	}
}

func TestWebSocketUnknownTypeKeepsSessionActive(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv)
	_ = readInit(t, conn)

	writeFrame(t, conn, map[string]any{"type": "ping"})
	got := readFrame(t, conn)
	if got.Type != "error" {
		t.Fatalf("frame type = %q, want %q", got.Type, "error")
	}
	if got.Message != "Unknown message type: ping" {
		t.Fatalf("error message = %q, want %q", got.Message, "Unknown message type: ping")
	}

	writeFrame(t, conn, map[string]any{"type": "message", "text": "still here"})
	next := readFrame(t, conn)
	if next.Type != "message" || next.SequenceNumber != 1 {
		t.Fatalf("frame after error = %q #%d, want message #1", next.Type, next.SequenceNumber)
	}
}

func TestWebSocketMissingTypeReturnsError(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv)
	_ = readInit(t, conn)

	writeFrame(t, conn, map[string]any{"text": "hi"})
	got := readFrame(t, conn)
	if got.Type != "error" {
		t.Fatalf("frame type = %q, want %q", got.Type, "error")
	}
	if got.Message != "Missing 'type' field" {
		t.Fatalf("error message = %q, want %q", got.Message, "Missing 'type' field")
	}
}

func TestWebSocketInvalidJSONKeepsSessionActive(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv)
	_ = readInit(t, conn)

	writeRaw(t, conn, "not json")
	got := readFrame(t, conn)
	if got.Type != "error" {
		t.Fatalf("frame type = %q, want %q", got.Type, "error")
	}
	if got.Message != "Invalid JSON" {
		t.Fatalf("error message = %q, want %q", got.Message, "Invalid JSON")
	}

	writeFrame(t, conn, map[string]any{"type": "message", "text": "recovered"})
	next := readFrame(t, conn)
	if next.Type != "message" {
		t.Fatalf("frame after error = %q, want message", next.Type)
	}
}

func TestWebSocketTextBoundaries(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv)
	_ = readInit(t, conn)

	writeFrame(t, conn, map[string]any{"type": "message", "text": ""})
	empty := readFrame(t, conn)
	if empty.Type != "error" {
		t.Fatalf("empty text frame type = %q, want error", empty.Type)
	}

	writeFrame(t, conn, map[string]any{"type": "message", "text": strings.Repeat("x", 1001)})
	over := readFrame(t, conn)
	if over.Type != "error" {
		t.Fatalf("oversized text frame type = %q, want error", over.Type)
	}

	writeFrame(t, conn, map[string]any{"type": "message", "text": strings.Repeat("x", 1000)})
	exact := readFrame(t, conn)
	if exact.Type != "message" {
		t.Fatalf("boundary text frame type = %q, want message", exact.Type)
	}
	if exact.SequenceNumber != 1 {
		t.Fatalf("sequence_number = %d, want 1", exact.SequenceNumber)
	}
}

func TestWebSocketOversizedFramePayloadReturnsError(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv)
	_ = readInit(t, conn)

	writeRaw(t, conn, strings.Repeat("x", maxFramePayloadBytes+1))
	got := readFrame(t, conn)
	if got.Type != "error" {
		t.Fatalf("frame type = %q, want error", got.Type)
	}

	writeFrame(t, conn, map[string]any{"type": "message", "text": "still alive"})
	next := readFrame(t, conn)
	if next.Type != "message" {
		t.Fatalf("frame after oversized payload = %q, want message", next.Type)
	}
}

func TestWebSocketHistoryReplayHonorsLimit(t *testing.T) {
	store := newTestStore(t)
	for i, text := range []string{"one", "two", "three"} {
		if _, err := store.AppendMessage(context.Background(), text, "sess-old", int64(i+1)); err != nil {
			t.Fatalf("seed message %q: %v", text, err)
		}
	}
	srv := httptest.NewServer(NewHandler(store, 2))
	t.Cleanup(srv.Close)

	conn := dialWS(t, srv)
	init := readInit(t, conn)
	if len(init.History) != 2 {
		t.Fatalf("history len = %d, want 2", len(init.History))
	}
	if init.History[0].Text != "two" || init.History[1].Text != "three" {
		t.Fatalf("history = [%q, %q], want oldest-to-newest [two, three]",
			init.History[0].Text, init.History[1].Text)
	}
	if init.History[0].SessionID != "sess-old" {
		t.Fatalf("history session_id = %q, want %q", init.History[0].SessionID, "sess-old")
	}
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/net/websocket"

	"github.com/louisbranch/chatrelay/internal/services/relay/storage"
)

const (
	maxFramePayloadBytes = 16 * 1024

	minMessageTextRunes = 1
	maxMessageTextRunes = 1000
)

// inboundEnvelope is the closed shape accepted from clients. Pointer fields
// distinguish a missing field from an empty value.
type inboundEnvelope struct {
	Type *string `json:"type"`
	Text *string `json:"text"`
}

type messageFrame struct {
	Type           string `json:"type"`
	ID             int64  `json:"id"`
	Text           string `json:"text"`
	SessionID      string `json:"session_id"`
	SequenceNumber int64  `json:"sequence_number"`
	CreatedAt      string `json:"created_at"`
}

type initFrame struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	History   []messageFrame `json:"history"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// wsPeer serializes writes to one WebSocket connection so broadcast fan-out
// and personal frames never interleave mid-frame.
type wsPeer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *wsPeer) send(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return websocket.Message.Send(p.conn, string(payload))
}

func handleWSConn(conn *websocket.Conn, registry *sessionRegistry, seq sequencer, store storage.MessageStore, historyLimit int) {
	defer func() {
		_ = conn.Close()
	}()

	ctx := context.Background()
	if request := conn.Request(); request != nil {
		ctx = request.Context()
	}

	peer := &wsPeer{conn: conn}
	sessionID := registry.register(peer)
	defer registry.unregister(sessionID)
	log.Printf("relay: session %s connected (%d active)", sessionID, registry.count())

	if err := sendInit(ctx, peer, store, sessionID, historyLimit); err != nil {
		log.Printf("relay: session %s init failed: %v", sessionID, err)
		return
	}

	for {
		var raw string
		if err := websocket.Message.Receive(conn, &raw); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("relay: session %s receive failed: %v", sessionID, err)
			} else {
				log.Printf("relay: session %s disconnected", sessionID)
			}
			return
		}

		if len(raw) > maxFramePayloadBytes {
			if err := writeError(peer, "payload too large"); err != nil {
				return
			}
			continue
		}

		if err := handleInbound(ctx, raw, peer, registry, seq, store, sessionID); err != nil {
			log.Printf("relay: session %s send failed: %v", sessionID, err)
			return
		}
	}
}

// handleInbound processes one frame while the session is active. Protocol,
// validation, and storage faults are reported in-band and keep the session
// open; a non-nil return means the channel itself failed.
func handleInbound(ctx context.Context, raw string, peer outbound, registry *sessionRegistry, seq sequencer, store storage.MessageStore, sessionID string) error {
	var envelope inboundEnvelope
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return writeError(peer, "Invalid JSON")
	}
	if envelope.Type == nil {
		return writeError(peer, "Missing 'type' field")
	}
	if *envelope.Type != "message" {
		return writeError(peer, fmt.Sprintf("Unknown message type: %s", *envelope.Type))
	}

	text := ""
	if envelope.Text != nil {
		text = *envelope.Text
	}
	if utf8.RuneCountInString(text) < minMessageTextRunes {
		return writeError(peer, "text is required")
	}
	if utf8.RuneCountInString(text) > maxMessageTextRunes {
		return writeError(peer, fmt.Sprintf("text must be at most %d characters", maxMessageTextRunes))
	}

	next, err := seq.next(ctx, sessionID)
	if err != nil {
		log.Printf("relay: session %s sequence lookup failed: %v", sessionID, err)
		return writeError(peer, "storage unavailable")
	}

	msg, err := store.AppendMessage(ctx, text, sessionID, next)
	if err != nil {
		if errors.Is(err, storage.ErrSequenceConflict) {
			log.Printf("relay: session %s lost numbering race at %d", sessionID, next)
			return writeError(peer, "message number conflict, retry")
		}
		log.Printf("relay: session %s persist failed: %v", sessionID, err)
		return writeError(peer, "storage unavailable")
	}

	payload, err := json.Marshal(toMessageFrame(msg))
	if err != nil {
		log.Printf("relay: session %s marshal broadcast: %v", sessionID, err)
		return writeError(peer, "Internal server error")
	}
	registry.broadcast(payload)
	log.Printf("relay: message #%d saved for session %s", msg.SequenceNumber, sessionID)
	return nil
}

// sendInit delivers the session id and bounded history to the joining
// session only.
func sendInit(ctx context.Context, peer outbound, store storage.MessageStore, sessionID string, historyLimit int) error {
	recent, err := store.RecentMessages(ctx, historyLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	history := make([]messageFrame, 0, len(recent))
	for _, msg := range recent {
		history = append(history, toMessageFrame(msg))
	}
	return writeJSON(peer, initFrame{
		Type:      "init",
		SessionID: sessionID,
		History:   history,
	})
}

func toMessageFrame(msg storage.Message) messageFrame {
	return messageFrame{
		Type:           "message",
		ID:             msg.ID,
		Text:           msg.Text,
		SessionID:      msg.SessionID,
		SequenceNumber: msg.SequenceNumber,
		CreatedAt:      msg.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func writeError(peer outbound, message string) error {
	return writeJSON(peer, errorFrame{Type: "error", Message: message})
}

func writeJSON(peer outbound, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return peer.send(payload)
}

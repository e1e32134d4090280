package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/websocket"

	"github.com/louisbranch/chatrelay/internal/platform/timeouts"
	"github.com/louisbranch/chatrelay/internal/services/relay/storage"
)

const defaultHistoryLimit = 50

// Config defines the inputs for the relay transport boundary.
type Config struct {
	HTTPAddr          string
	HistoryLimit      int
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the relay HTTP/WebSocket process.
//
// It delegates message durability to the storage contract so the transport
// layer owns only session lifecycle, numbering orchestration, and fan-out.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
}

type healthPayload struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	Database    bool   `json:"database"`
	Connections int    `json:"connections"`
}

type wsInfoPayload struct {
	ActiveConnections int    `json:"active_connections"`
	Status            string `json:"status"`
}

// NewHandler creates the relay routes: the WebSocket endpoint and the
// read-only diagnostic surface.
func NewHandler(store storage.MessageStore, historyLimit int) http.Handler {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	registry := newSessionRegistry()
	seq := sequencer{store: store}

	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), timeouts.StoragePing)
		defer cancel()
		databaseUp := true
		if err := store.Ping(pingCtx); err != nil {
			log.Printf("relay: storage ping failed: %v", err)
			databaseUp = false
		}
		status := "healthy"
		if !databaseUp {
			status = "degraded"
		}
		writeJSONResponse(w, healthPayload{
			Status:      status,
			Service:     "relay",
			Database:    databaseUp,
			Connections: registry.count(),
		})
	})
	mux.HandleFunc("/ws-info", func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, wsInfoPayload{
			ActiveConnections: registry.count(),
			Status:            "running",
		})
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, registry, seq, store, historyLimit)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})

	return mux
}

func writeJSONResponse(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("relay: write diagnostic response: %v", err)
	}
}

// NewServer builds a configured relay server around an opened message store.
func NewServer(config Config, store storage.MessageStore) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if store == nil {
		return nil, errors.New("message store is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           NewHandler(store, config.HistoryLimit),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
	}, nil
}

// Run creates and serves a relay server until the context ends.
//
// Operators can treat this as the lifecycle boundary for the real-time
// surface.
func Run(ctx context.Context, config Config, store storage.MessageStore) error {
	server, err := NewServer(config, store)
	if err != nil {
		return fmt.Errorf("init relay server: %w", err)
	}

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve relay: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("relay server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("relay server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

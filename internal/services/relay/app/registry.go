package server

import (
	"log"
	"sync"

	"github.com/google/uuid"
)

// outbound is the send half of one connected session's transport.
type outbound interface {
	send(payload []byte) error
}

// sessionRegistry is the single source of truth for live sessions. All
// access to the session map goes through its methods.
type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]outbound
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]outbound)}
}

// register stores the peer under a fresh session id and returns the id.
// Session ids are never reused.
func (r *sessionRegistry) register(peer outbound) string {
	sessionID := uuid.NewString()
	r.mu.Lock()
	r.sessions[sessionID] = peer
	r.mu.Unlock()
	return sessionID
}

// unregister removes the session. It is a no-op when the session is
// already absent.
func (r *sessionRegistry) unregister(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}

// broadcast delivers payload to every registered session. A failed send
// drops only that session; delivery to the rest continues. The lock is held
// across the fan-out so one broadcast fully lands before the next begins.
func (r *sessionRegistry) broadcast(payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sessionID, peer := range r.sessions {
		if err := peer.send(payload); err != nil {
			log.Printf("relay: dropping session %s after failed delivery: %v", sessionID, err)
			delete(r.sessions, sessionID)
		}
	}
}

func (r *sessionRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

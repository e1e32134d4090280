// Package relay implements the real-time chat relay surface.
//
// It keeps WebSocket session lifecycle, durable per-session message
// numbering, and broadcast fan-out isolated behind a narrow storage contract
// so the wire protocol remains the only public surface.
package relay

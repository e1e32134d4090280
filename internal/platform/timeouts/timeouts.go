// Package timeouts defines shared timeout constants used across the relay
// process. Centralizing these values keeps the durations discoverable and
// prevents drift between the transport and lifecycle layers.
package timeouts

import "time"

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// StoragePing caps the wait for a storage reachability probe on the
// diagnostic surface.
const StoragePing = 2 * time.Second

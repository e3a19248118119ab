// Package server exposes the orchestrator to collaborators over HTTP and
// WebSocket.
package server

import "time"

// Server configuration constants
const (
	// Per-connection inbound rate limit (sliding window)
	RateLimitMessages = 20
	RateLimitWindow   = time.Second

	// Outbound messages queued per WebSocket client before it is dropped
	ClientSendBuffer = 256

	// Max time for one outbound WebSocket write
	WriteTimeout = 5 * time.Second

	// Max REST request body
	MaxBodyBytes = 64 << 10

	// Records returned by /api/sessions when no limit is given
	DefaultHistoryLimit = 20
)

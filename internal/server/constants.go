// Package server provides the HTTP and WebSocket control surface
package server

import "time"

// Server configuration constants
const (
	// Per-connection sliding-window rate limit for inbound control messages
	RateLimitMessages = 30
	RateLimitWindow   = time.Second

	// Outbound event writes that exceed this are dropped for that connection
	BroadcastTimeout = 5 * time.Second

	// Per-connection outbound queue; a full queue drops events for that
	// connection instead of stalling the broadcaster
	EventQueueSize = 64
)

package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max direct message text length (runes).
	maxMessageChars = 4000
)

const (
	// Heartbeat defaults (can be overridden by env in ws_gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (frames per window). Frames over the limit are dropped.
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	// Per-notification write deadline.
	defaultWriteTimeout = 5 * time.Second

	// Upper bound for one action handler, including store calls and pushes.
	defaultHandlerTimeout = 10 * time.Second
)

// duplicateSessionReason is the close reason sent to a second connection for an already-connected user.
const duplicateSessionReason = "duplicate session: user already has a live connection"

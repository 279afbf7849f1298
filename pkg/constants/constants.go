// Package constants provides shared constants used throughout the eventhub codebase.
// This includes protocol paths, reserved topics, timeouts and reconnection
// limits that must agree between the transport, the hub and the CLI.
package constants

import "time"

// Reserved topics and wire names
const (
	// TopicSubscribe announces a new subscriber to the server
	TopicSubscribe = "ftrack.meta.subscribe"

	// TopicUnsubscribe withdraws a subscriber from the server
	TopicUnsubscribe = "ftrack.meta.unsubscribe"

	// TopicReply carries replies correlated by inReplyToEvent
	TopicReply = "ftrack.meta.reply"

	// EventName is the transport-level event name every hub event travels under
	EventName = "ftrack.event"

	// DefaultApplicationID identifies this client library in event sources
	DefaultApplicationID = "ftrack.api.go"
)

// Protocol constants
const (
	// HandshakePath is the Socket.IO 0.9 session negotiation path
	HandshakePath = "/socket.io/1/"

	// WebSocketPath is the prefix of the per-session WebSocket path
	WebSocketPath = "/socket.io/1/websocket/"

	// HeaderAPIUser carries the API user on the handshake request
	HeaderAPIUser = "ftrack-api-user"

	// HeaderAPIKey carries the API key on the handshake request
	HeaderAPIKey = "ftrack-api-key"
)

// Timeout constants
const (
	// HandshakeTimeout bounds the session negotiation request
	HandshakeTimeout = 7 * time.Second

	// HeartbeatTimeout is how long an open connection may go without a server heartbeat
	HeartbeatTimeout = 15 * time.Second

	// WriteTimeout bounds a single frame write
	WriteTimeout = 10 * time.Second

	// PublishTimeout is the default time a publish waits for a connection or a reply
	PublishTimeout = 30 * time.Second

	// ShutdownTimeout bounds graceful shutdown of the CLI and server
	ShutdownTimeout = 5 * time.Second
)

// Reconnection constants
const (
	// ReconnectInitialDelay is the first reconnection delay
	ReconnectInitialDelay = 1 * time.Second

	// ReconnectMaxDelay caps the reconnection delay before jitter
	ReconnectMaxDelay = 10 * time.Second

	// ReconnectMultiplier grows the delay between attempts
	ReconnectMultiplier = 2.0
)

// Server constants
const (
	// ServerHeartbeatInterval is how often the local event server sends heartbeats
	ServerHeartbeatInterval = 10 * time.Second

	// ServerCloseTimeout is advertised to clients in the handshake
	ServerCloseTimeout = 25 * time.Second

	// ReadLimit is the maximum inbound frame size accepted by the event server
	ReadLimit = 1 << 20

	// SendBufferSize is the per-connection outbound frame buffer of the event server
	SendBufferSize = 256
)

// File permission constants define standard Unix file permissions
const (
	// DirPermissions is the default permission for created directories (rwxr-xr-x)
	DirPermissions = 0755

	// FilePermissions is the default permission for created files (rw-r--r--)
	FilePermissions = 0644
)

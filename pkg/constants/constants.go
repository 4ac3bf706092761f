// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WebSocketWriteTimeout bounds a single frame write
	WebSocketWriteTimeout = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Presence constants
const (
	// PresenceTTL is how long a user stays online without a heartbeat
	PresenceTTL = 5 * time.Minute

	// TypingIndicatorTTL is how long a typing indicator lives without refresh
	TypingIndicatorTTL = 5 * time.Second
)

// Call orchestration constants
const (
	// MaxCallUpdateRetries bounds optimistic-concurrency retries on a call record
	MaxCallUpdateRetries = 3

	// QualitySampleWindow is how many recent telemetry samples feed the
	// rolling call-quality aggregate
	QualitySampleWindow = 20

	// TelemetryRetention is how long telemetry samples are kept
	TelemetryRetention = 7 * 24 * time.Hour
)

// Relay constants
const (
	// RelayClientTokenTTL is the lifetime of a negotiated client access credential
	RelayClientTokenTTL = time.Hour

	// RelayManagementTokenTTL is the lifetime of a server-to-relay send credential
	RelayManagementTokenTTL = 5 * time.Minute

	// RelaySendTimeout bounds a single relay delivery attempt
	RelaySendTimeout = 5 * time.Second
)

// History listing constants
const (
	// DefaultHistoryLimit is the default page size for call history
	DefaultHistoryLimit = 20

	// MaxHistoryLimit caps the page size for call history
	MaxHistoryLimit = 100
)

package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Session lifecycle tuning
const (
	// ReconnectBackoffBase is the initial delay between automatic
	// reconnection attempts after an unexpected transport drop.
	ReconnectBackoffBase = 5 * time.Second

	// ReconnectBackoffMax caps the reconnect delay.
	ReconnectBackoffMax = 5 * time.Minute

	// MaxReconnectAttempts bounds automatic reconnection before the session
	// is surfaced as disconnected and requires a manual re-pair.
	MaxReconnectAttempts = 10
)

// Outbound delivery tuning
const (
	// MaxDeliveryAttempts is the cap after which a message is marked failed.
	MaxDeliveryAttempts = 6

	// DeliveryBackoffBase is the first retry delay; subsequent retries
	// double it, with jitter.
	DeliveryBackoffBase = 30 * time.Second

	// DeliveryBackoffMax caps the retry delay.
	DeliveryBackoffMax = 30 * time.Minute

	// SendTimeout bounds a single sender call.
	SendTimeout = 30 * time.Second

	// DispatchIdleInterval is how long a delivery worker sleeps when the
	// queue has nothing due.
	DispatchIdleInterval = 2 * time.Second

	// InFlightStaleAfter is the window after which an in-flight message with
	// no outcome is assumed orphaned (process crash) and requeued, releasing
	// its quota reservation.
	InFlightStaleAfter = 10 * time.Minute
)

// Background job intervals
const MaintenanceJobInterval = time.Minute

// DefaultRateLimitPerMin applies when a tenant has no explicit limit.
const DefaultRateLimitPerMin = 60

// MaxRequestBodySize caps request payloads.
const MaxRequestBodySize = 1 << 20

// Agent loop tuning
const (
	// MaxToolRounds bounds agent tool-call recursion per inbound message.
	MaxToolRounds = 5

	// ConversationWindow is the number of recent turns handed to the agent.
	ConversationWindow = 30
)

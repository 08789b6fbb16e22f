package model

// Channel is an outbound delivery channel.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelWhatsApp, ChannelEmail, ChannelSMS:
		return true
	}
	return false
}

// SessionPhase is the lifecycle state of a tenant's WhatsApp session.
type SessionPhase string

const (
	PhaseNotInitialized SessionPhase = "not_initialized"
	PhaseInitializing   SessionPhase = "initializing"
	PhaseQR             SessionPhase = "qr"
	PhaseAuthenticated  SessionPhase = "authenticated"
	PhaseReady          SessionPhase = "ready"
	PhaseDisconnected   SessionPhase = "disconnected"
	PhaseDestroyed      SessionPhase = "destroyed"
)

// Live reports whether the phase corresponds to a running client instance.
func (p SessionPhase) Live() bool {
	switch p {
	case PhaseInitializing, PhaseQR, PhaseAuthenticated, PhaseReady:
		return true
	}
	return false
}

// MessageStatus tracks a queued message through delivery.
// Sent and failed are terminal and retained for audit.
type MessageStatus string

const (
	StatusPending      MessageStatus = "pending"
	StatusInFlight     MessageStatus = "in_flight"
	StatusSent         MessageStatus = "sent"
	StatusFailed       MessageStatus = "failed"
	StatusQuotaBlocked MessageStatus = "quota_blocked"
)

// Priority orders dispatch within a tenant; higher dispatches first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 10
)

// TurnRole identifies who produced a conversation turn.
type TurnRole string

const (
	RoleUser  TurnRole = "user"
	RoleAgent TurnRole = "agent"
	RoleTool  TurnRole = "tool"
)

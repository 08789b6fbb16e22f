// Package session owns the per-tenant WhatsApp client lifecycle. Each tenant
// gets one isolated actor goroutine that serializes connect/disconnect and
// transport events, so phase transitions for a tenant can never race while
// different tenants proceed fully in parallel.
package session

import (
	"context"
	"time"
)

// Transport is the underlying chat connection for one tenant. Implementations
// push typed events on Events instead of invoking callbacks, giving the actor
// loop deterministic ordering.
type Transport interface {
	// Start begins connecting. With no stored credentials it enters the QR
	// pairing flow (emitting QREvent as codes are issued and renewed);
	// otherwise it resumes the existing session. Returns once the connection
	// attempt is underway; progress arrives as events.
	Start(ctx context.Context) error

	// Stop tears the connection down and closes the event channel.
	Stop()

	// Logout unlinks the device and clears stored credentials.
	Logout(ctx context.Context) error

	// Send submits one text message. Returns when the transport has accepted
	// the submission, not when the recipient has received it.
	Send(ctx context.Context, recipient, body string) error

	// Events is the stream of connection and message events. Closed by Stop.
	Events() <-chan Event
}

// TransportFactory builds a transport for a tenant. A non-nil deviceRef
// resumes the previously paired device; nil starts a fresh pairing.
type TransportFactory interface {
	New(ctx context.Context, tenantID string, deviceRef *string) (Transport, error)
}

// Event is a typed transport event. The closed set keeps the actor's
// handling exhaustive.
type Event interface {
	isEvent()
}

// QREvent carries a fresh pairing payload. The transport reissues it when
// the previous code expires unscanned.
type QREvent struct {
	Code string
}

// PairedEvent fires when the QR scan completes. DeviceRef identifies the
// stored credentials for later resumption.
type PairedEvent struct {
	Phone     string
	DeviceRef string
}

// ConnectedEvent fires when the session is fully established and can send.
type ConnectedEvent struct{}

// DisconnectedEvent fires on any network or protocol drop.
type DisconnectedEvent struct {
	Reason string
}

// LoggedOutEvent fires when the remote side unlinked the device; stored
// credentials are gone and a fresh pairing is required.
type LoggedOutEvent struct{}

// MessageEvent is one inbound text message from a counterparty.
type MessageEvent struct {
	Sender    string
	Body      string
	Timestamp time.Time
}

func (QREvent) isEvent()           {}
func (PairedEvent) isEvent()       {}
func (ConnectedEvent) isEvent()    {}
func (DisconnectedEvent) isEvent() {}
func (LoggedOutEvent) isEvent()    {}
func (MessageEvent) isEvent()      {}

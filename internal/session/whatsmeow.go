package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// WhatsmeowFactory builds whatsmeow-backed transports. All tenants share one
// sqlstore container in the main Postgres database; each tenant owns one
// device row in it, referenced by the device JID stored on the tenant's
// session record. Credential material never leaves whatsmeow's own tables.
type WhatsmeowFactory struct {
	container *sqlstore.Container
}

func NewWhatsmeowFactory(ctx context.Context, databaseURL, deviceName string) (*WhatsmeowFactory, error) {
	container, err := sqlstore.New(ctx, "postgres", databaseURL, waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("create whatsmeow session store: %w", err)
	}

	// Shown in the WhatsApp linked-devices list on the tenant's phone.
	store.SetOSInfo(deviceName, [3]uint32{1, 0, 0})

	return &WhatsmeowFactory{container: container}, nil
}

func (f *WhatsmeowFactory) New(ctx context.Context, tenantID string, deviceRef *string) (Transport, error) {
	var device *store.Device

	if deviceRef != nil {
		jid, err := types.ParseJID(*deviceRef)
		if err != nil {
			return nil, fmt.Errorf("parse device ref %q: %w", *deviceRef, err)
		}
		device, err = f.container.GetDevice(ctx, jid)
		if err != nil {
			return nil, fmt.Errorf("load device for %s: %w", tenantID, err)
		}
	}
	if device == nil {
		device = f.container.NewDevice()
	}

	client := whatsmeow.NewClient(device, waLog.Noop)
	// The session actor owns reconnection policy; whatsmeow's built-in
	// auto-reconnect would race it.
	client.EnableAutoReconnect = false

	t := &whatsmeowTransport{
		tenantID: tenantID,
		client:   client,
		events:   make(chan Event, 64),
	}
	client.AddEventHandler(t.handleEvent)
	return t, nil
}

type whatsmeowTransport struct {
	tenantID string
	client   *whatsmeow.Client

	// mu guards closed and the sends into events. Emitters run on
	// whatsmeow's own goroutines and can race Stop, so the closed check and
	// the send must be one critical section or the send can hit a closed
	// channel.
	mu     sync.Mutex
	closed bool
	events chan Event
}

func (t *whatsmeowTransport) Start(ctx context.Context) error {
	if t.client.Store.ID == nil {
		// Fresh pairing: the QR channel must be requested before Connect.
		qrChan, err := t.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("get QR channel: %w", err)
		}
		if err := t.client.Connect(); err != nil {
			return fmt.Errorf("connect for pairing: %w", err)
		}
		go t.pumpQR(qrChan)
		return nil
	}

	if err := t.client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (t *whatsmeowTransport) Stop() {
	if !t.closeEvents() {
		return
	}
	t.client.Disconnect()
}

// closeEvents marks the transport closed and closes the event channel.
// Returns false when already closed.
func (t *whatsmeowTransport) closeEvents() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.closed = true
	close(t.events)
	return true
}

func (t *whatsmeowTransport) Logout(ctx context.Context) error {
	return t.client.Logout(ctx)
}

func (t *whatsmeowTransport) Send(ctx context.Context, recipient, body string) error {
	jid, err := parseRecipientJID(recipient)
	if err != nil {
		return fmt.Errorf("invalid recipient %q: %w", recipient, err)
	}

	_, err = t.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(body)})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (t *whatsmeowTransport) Events() <-chan Event {
	return t.events
}

func (t *whatsmeowTransport) emit(evt Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.events <- evt:
	default:
		// Consumer stalled; dropping lifecycle events is safer than blocking
		// the whatsmeow callback goroutine.
	}
}

func (t *whatsmeowTransport) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			t.emit(QREvent{Code: item.Code})
		case "success":
			// PairSuccess and Connected arrive through the event handler.
		case "timeout":
			t.emit(DisconnectedEvent{Reason: "qr pairing timed out"})
		default:
			if item.Error != nil {
				t.emit(DisconnectedEvent{Reason: item.Error.Error()})
			}
		}
	}
}

func (t *whatsmeowTransport) handleEvent(raw any) {
	switch evt := raw.(type) {
	case *events.Message:
		if evt.Info.IsFromMe || evt.Info.IsGroup || evt.Info.Chat.Server == "broadcast" {
			return
		}
		body := extractText(evt.Message)
		if body == "" {
			return
		}
		t.emit(MessageEvent{
			Sender:    evt.Info.Sender.User,
			Body:      body,
			Timestamp: evt.Info.Timestamp,
		})

	case *events.PairSuccess:
		t.emit(PairedEvent{
			Phone:     evt.ID.User,
			DeviceRef: evt.ID.String(),
		})

	case *events.Connected:
		t.emit(ConnectedEvent{})

	case *events.Disconnected:
		t.emit(DisconnectedEvent{Reason: "server closed the connection"})

	case *events.StreamReplaced:
		t.emit(DisconnectedEvent{Reason: "stream replaced by another client"})

	case *events.ConnectFailure:
		t.emit(DisconnectedEvent{Reason: fmt.Sprintf("connect failure: %v", evt.Reason)})

	case *events.KeepAliveTimeout:
		t.emit(DisconnectedEvent{Reason: "keepalive timeout"})

	case *events.LoggedOut:
		t.emit(LoggedOutEvent{})
	}
}

func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if text := msg.GetConversation(); text != "" {
		return text
	}
	return msg.GetExtendedTextMessage().GetText()
}

// parseRecipientJID accepts a bare phone number ("5511999999999") or a full
// JID ("5511999999999@s.whatsapp.net").
func parseRecipientJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty recipient")
	}

	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 8 {
		return types.JID{}, fmt.Errorf("phone number too short")
	}

	return types.NewJID(digits, types.DefaultUserServer), nil
}

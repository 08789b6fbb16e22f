package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/schoolhub/messaging-server-go/internal/model"
	"github.com/schoolhub/messaging-server-go/internal/util"
)

// Sender delivers one message on a specific channel. Implementations return
// an error when the submission was not accepted; the dispatcher owns retry
// policy.
type Sender interface {
	Send(ctx context.Context, msg *model.QueuedMessage) error
}

// SessionSender is the WhatsApp path: the session manager's per-tenant
// client does the actual transport call.
type SessionSender struct {
	manager WhatsAppSender
}

// WhatsAppSender is the slice of the session manager the queue needs.
type WhatsAppSender interface {
	Send(ctx context.Context, tenantID, recipient, body string) error
}

func NewSessionSender(manager WhatsAppSender) *SessionSender {
	return &SessionSender{manager: manager}
}

func (s *SessionSender) Send(ctx context.Context, msg *model.QueuedMessage) error {
	return s.manager.Send(ctx, msg.TenantID, msg.Recipient, msg.Body)
}

// WebhookSender posts messages to a provider-agnostic HTTP endpoint; the
// email and SMS gateways are external collaborators behind such endpoints.
// Payloads are HMAC-signed when a secret is configured so the gateway can
// verify origin.
type WebhookSender struct {
	channel model.Channel
	url     string
	secret  string
	client  *http.Client
}

func NewWebhookSender(channel model.Channel, url, secret string, timeout time.Duration) *WebhookSender {
	return &WebhookSender{
		channel: channel,
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *WebhookSender) Send(ctx context.Context, msg *model.QueuedMessage) error {
	if s.url == "" {
		return fmt.Errorf("%s sender not configured", s.channel)
	}

	body, err := json.Marshal(map[string]string{
		"tenantId":  msg.TenantID,
		"recipient": msg.Recipient,
		"body":      msg.Body,
		"messageId": msg.ID,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.secret != "" {
		req.Header.Set("X-Signature", util.HmacSHA256(s.secret, string(body)))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s gateway request failed: %w", s.channel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s gateway returned status %d", s.channel, resp.StatusCode)
	}
	return nil
}

package sse

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	redisclient "github.com/schoolhub/messaging-server-go/internal/redis"
)

const (
	HeartbeatInterval = 30 * time.Second
)

type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type Client struct {
	TenantID string
	Events   chan Event
	Done     chan struct{}
}

// Broker fans session lifecycle events out to dashboard SSE clients. Events
// travel through redis pub/sub so every server instance sees them regardless
// of which instance hosts the tenant's session.
type Broker struct {
	redis   *redisclient.Client
	clients map[string]map[*Client]bool // tenantID -> set of clients
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:   redisClient,
		clients: make(map[string]map[*Client]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (b *Broker) Subscribe(tenantID string) *Client {
	client := &Client{
		TenantID: tenantID,
		Events:   make(chan Event, 100),
		Done:     make(chan struct{}),
	}

	b.mu.Lock()
	if b.clients[tenantID] == nil {
		b.clients[tenantID] = make(map[*Client]bool)
		go b.subscribeToRedis(tenantID)
	}
	b.clients[tenantID][client] = true
	clientCount := len(b.clients[tenantID])
	b.mu.Unlock()

	log.Info().
		Str("tenantId", tenantID).
		Int("clientCount", clientCount).
		Msg("sse client subscribed")

	return client
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if clients, ok := b.clients[client.TenantID]; ok {
		delete(clients, client)
		close(client.Done)

		if len(clients) == 0 {
			delete(b.clients, client.TenantID)
		}

		log.Info().
			Str("tenantId", client.TenantID).
			Int("clientCount", len(clients)).
			Msg("sse client unsubscribed")
	}
}

func (b *Broker) Publish(ctx context.Context, tenantID string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	channel := redisclient.SessionChannel(tenantID)
	return b.redis.Publish(ctx, channel, data).Err()
}

// PublishSessionEvent adapts the session manager's lifecycle notifications
// to the event stream.
func (b *Broker) PublishSessionEvent(ctx context.Context, tenantID string, eventType string, data map[string]any) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Str("tenantId", tenantID).Msg("failed to marshal session event")
		return
	}
	if err := b.Publish(ctx, tenantID, Event{Type: eventType, Data: payload}); err != nil {
		log.Error().Err(err).Str("tenantId", tenantID).Msg("failed to publish session event")
	}
}

func (b *Broker) subscribeToRedis(tenantID string) {
	channel := redisclient.SessionChannel(tenantID)
	pubsub := b.redis.Subscribe(b.ctx, channel)
	defer pubsub.Close()

	log.Debug().
		Str("tenantId", tenantID).
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-b.ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal event")
				continue
			}

			b.broadcast(tenantID, event)
		}
	}
}

func (b *Broker) broadcast(tenantID string, event Event) {
	b.mu.RLock()
	clients := b.clients[tenantID]
	b.mu.RUnlock()

	for client := range clients {
		select {
		case client.Events <- event:
		default:
			log.Warn().
				Str("tenantId", tenantID).
				Msg("client event buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, clients := range b.clients {
		for client := range clients {
			close(client.Done)
		}
	}
	b.clients = make(map[string]map[*Client]bool)
}

func (b *Broker) ClientCount(tenantID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients[tenantID])
}

func (b *Broker) TotalClients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, clients := range b.clients {
		total += len(clients)
	}
	return total
}

package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/schoolhub/messaging-server-go/internal/errors"
	"github.com/schoolhub/messaging-server-go/internal/model"
	"github.com/schoolhub/messaging-server-go/internal/repository"
	"github.com/schoolhub/messaging-server-go/internal/util"
)

const persistTimeout = 5 * time.Second

// InboundSink receives inbound messages from live sessions. Implementations
// must not block: the call happens on the tenant's actor goroutine and slow
// handling would stall that tenant's event processing.
type InboundSink interface {
	HandleInbound(ctx context.Context, evt model.InboundEvent)
}

// StatusPublisher receives session lifecycle notifications (for the
// dashboard's event stream). Optional.
type StatusPublisher interface {
	PublishSessionEvent(ctx context.Context, tenantID string, eventType string, data map[string]any)
}

type Options struct {
	// PairingTimeout is the overall window for a fresh QR pairing before the
	// attempt is abandoned.
	PairingTimeout time.Duration

	// ReconnectBackoffBase/Max shape the delay between automatic reconnect
	// attempts after an unexpected drop.
	ReconnectBackoffBase time.Duration
	ReconnectBackoffMax  time.Duration

	// MaxReconnectAttempts bounds automatic reconnection before giving up
	// and surfacing a disconnected status for manual re-pairing.
	MaxReconnectAttempts int

	// EncryptionKey (hex, 32 bytes) encrypts connected phone numbers at
	// rest. Empty disables encryption.
	EncryptionKey string
}

// Snapshot is a point-in-time view of one tenant's session.
type Snapshot struct {
	TenantID string
	Phase    model.SessionPhase
	Phone    string
	QR       string
}

// Manager maps tenantId to an isolated session actor. It enforces the
// invariant that at most one live client instance exists per tenant.
type Manager struct {
	factory   TransportFactory
	repo      repository.SessionRepository
	opts      Options
	sink      InboundSink
	publisher StatusPublisher

	mu     sync.Mutex
	actors map[string]*actor
}

func NewManager(factory TransportFactory, repo repository.SessionRepository, opts Options) *Manager {
	return &Manager{
		factory: factory,
		repo:    repo,
		opts:    opts,
		actors:  make(map[string]*actor),
	}
}

// SetInboundSink wires the consumer of inbound messages. Must be called
// before any session connects.
func (m *Manager) SetInboundSink(sink InboundSink) {
	m.sink = sink
}

// SetStatusPublisher wires the optional lifecycle event publisher.
func (m *Manager) SetStatusPublisher(p StatusPublisher) {
	m.publisher = p
}

// Connect starts (or resumes) the tenant's session. A no-op when the session
// is already live. The caller returns as soon as the initial transition is
// accepted; pairing progress is observed via Status/QR polling.
func (m *Manager) Connect(ctx context.Context, tenantID string) error {
	return m.actor(tenantID).connect(ctx)
}

// Disconnect tears down the tenant's session and clears its pairing.
// Idempotent: disconnecting an already-destroyed session is a no-op.
func (m *Manager) Disconnect(ctx context.Context, tenantID string) error {
	return m.actor(tenantID).disconnect(ctx)
}

// Send submits one message on the tenant's session. Rejects with
// SESSION_NOT_READY unless the phase is ready.
func (m *Manager) Send(ctx context.Context, tenantID, recipient, body string) error {
	transport, ok := m.actor(tenantID).sendHandle()
	if !ok {
		return apperrors.SessionNotReady(tenantID)
	}
	if err := transport.Send(ctx, recipient, body); err != nil {
		return apperrors.DeliveryFailed(err.Error()).WithCause(err)
	}
	return nil
}

// Status returns the tenant's current session snapshot. Falls back to the
// durable record when no actor is live (e.g. right after a restart, before
// rehydration, or for never-connected tenants).
func (m *Manager) Status(ctx context.Context, tenantID string) (*Snapshot, error) {
	m.mu.Lock()
	a, live := m.actors[tenantID]
	m.mu.Unlock()

	if live {
		snap := a.snapshot()
		return &snap, nil
	}

	stored, err := m.repo.FindByTenantID(ctx, tenantID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if stored == nil {
		return &Snapshot{TenantID: tenantID, Phase: model.PhaseNotInitialized}, nil
	}

	snap := &Snapshot{TenantID: tenantID, Phase: stored.Phase}
	if stored.ConnectedPhone != nil {
		snap.Phone = m.decryptPhone(*stored.ConnectedPhone)
	}
	if stored.QRPayload != nil {
		snap.QR = *stored.QRPayload
	}
	return snap, nil
}

// Rehydrate re-establishes sessions that were live before a restart.
func (m *Manager) Rehydrate(ctx context.Context) error {
	sessions, err := m.repo.FindResumable(ctx)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if err := m.Connect(ctx, s.TenantID); err != nil {
			log.Error().Err(err).Str("tenantId", s.TenantID).Msg("failed to rehydrate session")
		}
	}
	log.Info().Int("count", len(sessions)).Msg("session rehydration complete")
	return nil
}

// Shutdown stops all actors without destroying their pairing state, so
// sessions resume on the next boot.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	actors := make([]*actor, 0, len(m.actors))
	for _, a := range m.actors {
		actors = append(actors, a)
	}
	m.actors = make(map[string]*actor)
	m.mu.Unlock()

	for _, a := range actors {
		a.shutdown()
	}
}

// actor returns the tenant's actor, creating it (with state loaded from the
// durable record) on first use. The registry is the enforcement point for
// the one-live-client-per-tenant invariant. The durable read happens outside
// the registry lock so one tenant's slow store read cannot stall the rest;
// losing the insert race just discards the freshly loaded actor.
func (m *Manager) actor(tenantID string) *actor {
	m.mu.Lock()
	if a, ok := m.actors[tenantID]; ok {
		m.mu.Unlock()
		return a
	}
	m.mu.Unlock()

	a := newActor(m, tenantID)

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	stored, err := m.repo.FindByTenantID(ctx, tenantID)
	cancel()
	if err != nil {
		log.Error().Err(err).Str("tenantId", tenantID).Msg("failed to load stored session state")
	} else if stored != nil {
		a.deviceRef = stored.DeviceRef
		if stored.ConnectedPhone != nil {
			a.phone = m.decryptPhone(*stored.ConnectedPhone)
		}
		switch {
		case stored.Phase == model.PhaseDestroyed:
			a.phase = model.PhaseDestroyed
		case stored.Phase.Live():
			// The previous process died with a live client; the client is
			// gone, only the pairing survives. Report disconnected until a
			// connect re-establishes it.
			a.phase = model.PhaseDisconnected
		default:
			a.phase = stored.Phase
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.actors[tenantID]; ok {
		return existing
	}
	m.actors[tenantID] = a
	go a.run()
	return a
}

func (m *Manager) encryptPhone(phone string) string {
	if m.opts.EncryptionKey == "" || phone == "" {
		return phone
	}
	enc, err := util.Encrypt(m.opts.EncryptionKey, phone)
	if err != nil {
		log.Error().Err(err).Msg("failed to encrypt phone number, storing plaintext")
		return phone
	}
	return enc
}

func (m *Manager) decryptPhone(stored string) string {
	if m.opts.EncryptionKey == "" || stored == "" {
		return stored
	}
	phone, err := util.Decrypt(m.opts.EncryptionKey, stored)
	if err != nil {
		// Row predates encryption being enabled.
		return stored
	}
	return phone
}

func (m *Manager) forwardInbound(tenantID string, evt MessageEvent) {
	if m.sink == nil {
		return
	}
	m.sink.HandleInbound(context.Background(), model.InboundEvent{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		CounterpartID: evt.Sender,
		Body:          evt.Body,
		Timestamp:     evt.Timestamp,
	})
}

func (m *Manager) publish(tenantID, eventType string, data map[string]any) {
	if m.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	m.publisher.PublishSessionEvent(ctx, tenantID, eventType, data)
}

package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/schoolhub/messaging-server-go/internal/audit"
	apperrors "github.com/schoolhub/messaging-server-go/internal/errors"
	"github.com/schoolhub/messaging-server-go/internal/model"
)

// actor is the single logical thread of control for one tenant's session.
// All state below the cmds channel is owned by the run loop; public methods
// submit closures and wait, so connect/disconnect/transport events for a
// tenant are strictly sequential.
type actor struct {
	tenantID string
	m        *Manager

	cmds chan func()
	done chan struct{}

	// Owned by the run loop.
	phase             model.SessionPhase
	qr                string
	phone             string
	deviceRef         *string
	transport         Transport
	transportCancel   context.CancelFunc
	reconnectAttempts int
	pairingTimer      *time.Timer
}

func newActor(m *Manager, tenantID string) *actor {
	return &actor{
		tenantID: tenantID,
		m:        m,
		cmds:     make(chan func(), 16),
		done:     make(chan struct{}),
		phase:    model.PhaseNotInitialized,
	}
}

func (a *actor) run() {
	for {
		select {
		case fn := <-a.cmds:
			fn()
		case <-a.done:
			return
		}
	}
}

// post queues work for the run loop without waiting.
func (a *actor) post(fn func()) {
	select {
	case a.cmds <- fn:
	case <-a.done:
	}
}

// do queues work and waits for it to complete.
func (a *actor) do(fn func()) {
	finished := make(chan struct{})
	a.post(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
	case <-a.done:
	}
}

func (a *actor) connect(ctx context.Context) error {
	var err error
	a.do(func() { err = a.handleConnect(ctx) })
	return err
}

func (a *actor) disconnect(ctx context.Context) error {
	var err error
	a.do(func() { err = a.handleDisconnect(ctx) })
	return err
}

// sendHandle returns the live transport if and only if the phase is ready.
// The actual Send happens outside the run loop so slow transport I/O never
// stalls event handling.
func (a *actor) sendHandle() (Transport, bool) {
	var t Transport
	var ok bool
	a.do(func() {
		if a.phase == model.PhaseReady && a.transport != nil {
			t, ok = a.transport, true
		}
	})
	return t, ok
}

func (a *actor) snapshot() Snapshot {
	var snap Snapshot
	a.do(func() {
		snap = Snapshot{
			TenantID: a.tenantID,
			Phase:    a.phase,
			Phone:    a.phone,
			QR:       a.qr,
		}
	})
	return snap
}

func (a *actor) shutdown() {
	a.do(func() { a.stopTransport() })
	close(a.done)
}

// ---------- run-loop handlers ----------

func (a *actor) handleConnect(ctx context.Context) error {
	if a.phase.Live() {
		log.Debug().Str("tenantId", a.tenantID).Str("phase", string(a.phase)).Msg("connect ignored, session already live")
		return nil
	}

	a.reconnectAttempts = 0
	a.transition(model.PhaseInitializing)

	if err := a.startTransport(ctx); err != nil {
		a.transition(model.PhaseDisconnected)
		return err
	}
	return nil
}

// startTransport builds a fresh transport and begins its connection. A fresh
// pairing (no device ref) additionally arms the overall pairing deadline.
func (a *actor) startTransport(ctx context.Context) error {
	a.stopTransport()

	transport, err := a.m.factory.New(ctx, a.tenantID, a.deviceRef)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	tctx, cancel := context.WithCancel(context.Background())
	a.transport = transport
	a.transportCancel = cancel

	go a.pumpEvents(transport)

	if err := transport.Start(tctx); err != nil {
		a.stopTransport()
		return fmt.Errorf("start transport: %w", err)
	}

	if a.deviceRef == nil {
		a.armPairingTimer()
	}
	return nil
}

func (a *actor) handleDisconnect(ctx context.Context) error {
	if a.phase == model.PhaseDestroyed || a.phase == model.PhaseNotInitialized {
		return nil
	}

	a.disarmPairingTimer()

	if a.transport != nil && a.deviceRef != nil {
		logoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := a.transport.Logout(logoutCtx); err != nil {
			log.Warn().Err(err).Str("tenantId", a.tenantID).Msg("transport logout failed, forcing teardown")
		}
		cancel()
	}
	a.stopTransport()

	a.qr = ""
	a.phone = ""
	a.deviceRef = nil
	a.transition(model.PhaseDestroyed)
	a.m.publish(a.tenantID, "session_destroyed", nil)
	return nil
}

func (a *actor) handleTransportEvent(evt Event) {
	switch e := evt.(type) {
	case QREvent:
		a.onQR(e)
	case PairedEvent:
		a.onPaired(e)
	case ConnectedEvent:
		a.onConnected()
	case DisconnectedEvent:
		a.onDisconnected(e)
	case LoggedOutEvent:
		a.onLoggedOut()
	case MessageEvent:
		if a.phase == model.PhaseReady {
			a.m.forwardInbound(a.tenantID, e)
		}
	}
}

func (a *actor) onQR(e QREvent) {
	if a.phase != model.PhaseInitializing && a.phase != model.PhaseQR {
		return
	}
	a.qr = e.Code
	a.transition(model.PhaseQR)
}

func (a *actor) onPaired(e PairedEvent) {
	a.disarmPairingTimer()
	a.qr = ""
	a.phone = e.Phone
	a.deviceRef = &e.DeviceRef
	a.transition(model.PhaseAuthenticated)
	a.m.publish(a.tenantID, "pairing_complete", map[string]any{"phone": e.Phone})
	audit.Log(context.Background(), audit.Event{
		Type:     audit.EventSessionPaired,
		TenantID: a.tenantID,
	})
}

func (a *actor) onConnected() {
	a.reconnectAttempts = 0
	a.disarmPairingTimer()
	a.qr = ""
	a.transition(model.PhaseReady)
	a.m.publish(a.tenantID, "session_ready", nil)
}

func (a *actor) onDisconnected(e DisconnectedEvent) {
	if a.phase == model.PhaseDestroyed || a.phase == model.PhaseDisconnected {
		return
	}

	log.Warn().Str("tenantId", a.tenantID).Str("reason", e.Reason).Msg("transport disconnected")
	a.qr = ""
	a.transition(model.PhaseDisconnected)

	if a.deviceRef == nil {
		// Pairing never completed; nothing to reconnect to. The tenant must
		// trigger a fresh connect.
		a.disarmPairingTimer()
		a.m.publish(a.tenantID, "pairing_failed", map[string]any{"reason": e.Reason})
		return
	}
	a.scheduleReconnect()
}

func (a *actor) onLoggedOut() {
	log.Warn().Str("tenantId", a.tenantID).Msg("device was unlinked remotely, re-pairing required")
	a.stopTransport()
	a.qr = ""
	a.phone = ""
	a.deviceRef = nil
	a.transition(model.PhaseDisconnected)
	a.m.publish(a.tenantID, "logged_out", nil)
	audit.Log(context.Background(), audit.Event{
		Type:     audit.EventSessionLoggedOut,
		TenantID: a.tenantID,
	})
}

func (a *actor) scheduleReconnect() {
	a.reconnectAttempts++
	if a.m.opts.MaxReconnectAttempts > 0 && a.reconnectAttempts > a.m.opts.MaxReconnectAttempts {
		log.Error().Str("tenantId", a.tenantID).Int("attempts", a.reconnectAttempts-1).Msg("reconnect attempts exhausted, manual re-pair required")
		a.m.publish(a.tenantID, "reconnect_exhausted", nil)
		return
	}

	backoff := a.m.opts.ReconnectBackoffBase << (a.reconnectAttempts - 1)
	if max := a.m.opts.ReconnectBackoffMax; max > 0 && backoff > max {
		backoff = max
	}

	log.Info().Str("tenantId", a.tenantID).Int("attempt", a.reconnectAttempts).Dur("backoff", backoff).Msg("scheduling reconnect")

	attempt := a.reconnectAttempts
	time.AfterFunc(backoff, func() {
		a.post(func() { a.tryReconnect(attempt) })
	})
}

func (a *actor) tryReconnect(attempt int) {
	// A connect/disconnect may have raced the timer; only proceed when this
	// attempt is still the current one and the session is still down.
	if a.phase != model.PhaseDisconnected || a.reconnectAttempts != attempt || a.deviceRef == nil {
		return
	}

	a.transition(model.PhaseInitializing)
	if err := a.startTransport(context.Background()); err != nil {
		log.Warn().Err(err).Str("tenantId", a.tenantID).Int("attempt", attempt).Msg("reconnect attempt failed")
		a.transition(model.PhaseDisconnected)
		a.scheduleReconnect()
	}
}

func (a *actor) onPairingTimeout() {
	if a.phase != model.PhaseInitializing && a.phase != model.PhaseQR {
		return
	}
	log.Warn().Str("tenantId", a.tenantID).Msg("pairing window elapsed without a scan")
	a.stopTransport()
	a.qr = ""
	a.transition(model.PhaseDisconnected)
	a.m.publish(a.tenantID, "pairing_timeout", map[string]any{
		"error": apperrors.PairingTimeout().Message,
	})
	audit.Log(context.Background(), audit.Event{
		Type:     audit.EventPairingTimeout,
		TenantID: a.tenantID,
	})
}

func (a *actor) armPairingTimer() {
	a.disarmPairingTimer()
	a.pairingTimer = time.AfterFunc(a.m.opts.PairingTimeout, func() {
		a.post(a.onPairingTimeout)
	})
}

func (a *actor) disarmPairingTimer() {
	if a.pairingTimer != nil {
		a.pairingTimer.Stop()
		a.pairingTimer = nil
	}
}

func (a *actor) stopTransport() {
	if a.transportCancel != nil {
		a.transportCancel()
		a.transportCancel = nil
	}
	if a.transport != nil {
		a.transport.Stop()
		a.transport = nil
	}
}

func (a *actor) pumpEvents(t Transport) {
	for evt := range t.Events() {
		evt := evt
		a.post(func() {
			// Events from a torn-down transport must not touch state that a
			// newer transport now owns.
			if a.transport != t {
				return
			}
			a.handleTransportEvent(evt)
		})
	}
}

// transition updates the phase, persists the durable record, and logs.
// Persistence failures are logged but do not abort the transition: the
// in-memory actor remains the authority until the store recovers.
func (a *actor) transition(phase model.SessionPhase) {
	prev := a.phase
	a.phase = phase

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	params := model.UpsertSessionParams{
		TenantID:  a.tenantID,
		Phase:     phase,
		DeviceRef: a.deviceRef,
	}
	if a.phone != "" {
		enc := a.m.encryptPhone(a.phone)
		params.ConnectedPhone = &enc
	}
	if a.qr != "" {
		params.QRPayload = &a.qr
	}

	if _, err := a.m.repo.Upsert(ctx, params); err != nil {
		log.Error().Err(err).Str("tenantId", a.tenantID).Str("phase", string(phase)).Msg("failed to persist session transition")
	}

	log.Info().
		Str("tenantId", a.tenantID).
		Str("from", string(prev)).
		Str("to", string(phase)).
		Msg("session phase transition")
}

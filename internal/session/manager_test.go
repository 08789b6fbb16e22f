package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/schoolhub/messaging-server-go/internal/errors"
	"github.com/schoolhub/messaging-server-go/internal/model"
)

type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.TenantSession
	phases   map[string][]model.SessionPhase

	// findHook, when set, runs at the start of FindByTenantID outside the
	// repo lock. Lets tests simulate a slow store read for one tenant.
	findHook func(tenantID string)
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{
		sessions: make(map[string]*model.TenantSession),
		phases:   make(map[string][]model.SessionPhase),
	}
}

func (r *memSessionRepo) FindByTenantID(_ context.Context, tenantID string) (*model.TenantSession, error) {
	if r.findHook != nil {
		r.findHook(tenantID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[tenantID]; ok {
		copied := *s
		return &copied, nil
	}
	return nil, nil
}

func (r *memSessionRepo) FindResumable(_ context.Context) ([]model.TenantSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.TenantSession
	for _, s := range r.sessions {
		if s.Phase.Live() && s.DeviceRef != nil {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *memSessionRepo) Upsert(_ context.Context, params model.UpsertSessionParams) (*model.TenantSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &model.TenantSession{
		TenantID:       params.TenantID,
		Phase:          params.Phase,
		DeviceRef:      params.DeviceRef,
		ConnectedPhone: params.ConnectedPhone,
		QRPayload:      params.QRPayload,
		UpdatedAt:      time.Now(),
	}
	r.sessions[params.TenantID] = s
	r.phases[params.TenantID] = append(r.phases[params.TenantID], params.Phase)
	copied := *s
	return &copied, nil
}

func (r *memSessionRepo) phaseHistory(tenantID string) []model.SessionPhase {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.SessionPhase, len(r.phases[tenantID]))
	copy(out, r.phases[tenantID])
	return out
}

// fakeTransport is a scriptable transport driven by the test.
type fakeTransport struct {
	mu       sync.Mutex
	events   chan Event
	started  bool
	stopped  bool
	logouts  int
	sends    []string
	startErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan Event, 16)}
}

func (t *fakeTransport) Start(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startErr != nil {
		return t.startErr
	}
	t.started = true
	return nil
}

func (t *fakeTransport) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	close(t.events)
}

func (t *fakeTransport) Logout(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logouts++
	return nil
}

func (t *fakeTransport) Send(_ context.Context, recipient, body string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sends = append(t.sends, recipient+":"+body)
	return nil
}

func (t *fakeTransport) Events() <-chan Event { return t.events }

func (t *fakeTransport) emit(evt Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.stopped {
		t.events <- evt
	}
}

func (t *fakeTransport) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
}

func (f *fakeFactory) New(_ context.Context, _ string, _ *string) (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := newFakeTransport()
	f.transports = append(f.transports, t)
	return t, nil
}

func (f *fakeFactory) latest() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

type recordingSink struct {
	mu     sync.Mutex
	events []model.InboundEvent
}

func (s *recordingSink) HandleInbound(_ context.Context, evt model.InboundEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *recordingSink) all() []model.InboundEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.InboundEvent, len(s.events))
	copy(out, s.events)
	return out
}

func testManager(t *testing.T, opts Options) (*Manager, *fakeFactory, *memSessionRepo) {
	t.Helper()
	if opts.PairingTimeout == 0 {
		opts.PairingTimeout = time.Second
	}
	if opts.ReconnectBackoffBase == 0 {
		opts.ReconnectBackoffBase = 5 * time.Millisecond
	}
	if opts.ReconnectBackoffMax == 0 {
		opts.ReconnectBackoffMax = 20 * time.Millisecond
	}
	if opts.MaxReconnectAttempts == 0 {
		opts.MaxReconnectAttempts = 3
	}

	factory := &fakeFactory{}
	repo := newMemSessionRepo()
	m := NewManager(factory, repo, opts)
	t.Cleanup(m.Shutdown)
	return m, factory, repo
}

func waitForPhase(t *testing.T, m *Manager, tenantID string, phase model.SessionPhase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := m.Status(context.Background(), tenantID)
		require.NoError(t, err)
		if snap.Phase == phase {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap, _ := m.Status(context.Background(), tenantID)
	t.Fatalf("tenant %s never reached phase %s (stuck at %s)", tenantID, phase, snap.Phase)
}

func TestConnectPairingHappyPath(t *testing.T) {
	m, factory, repo := testManager(t, Options{})
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, "school-1"))
	waitForPhase(t, m, "school-1", model.PhaseInitializing)

	tr := factory.latest()
	require.NotNil(t, tr)

	tr.emit(QREvent{Code: "qr-payload-1"})
	waitForPhase(t, m, "school-1", model.PhaseQR)

	snap, err := m.Status(ctx, "school-1")
	require.NoError(t, err)
	assert.Equal(t, "qr-payload-1", snap.QR)

	tr.emit(PairedEvent{Phone: "5511999990000", DeviceRef: "5511999990000.0:1@s.whatsapp.net"})
	waitForPhase(t, m, "school-1", model.PhaseAuthenticated)

	tr.emit(ConnectedEvent{})
	waitForPhase(t, m, "school-1", model.PhaseReady)

	snap, err = m.Status(ctx, "school-1")
	require.NoError(t, err)
	assert.Equal(t, "5511999990000", snap.Phone)
	assert.Empty(t, snap.QR)

	history := repo.phaseHistory("school-1")
	assert.Equal(t, []model.SessionPhase{
		model.PhaseInitializing,
		model.PhaseQR,
		model.PhaseAuthenticated,
		model.PhaseReady,
	}, history)
}

func TestPairingTimeoutClearsQR(t *testing.T) {
	m, factory, _ := testManager(t, Options{PairingTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, "school-1"))
	factory.latest().emit(QREvent{Code: "qr-payload"})
	waitForPhase(t, m, "school-1", model.PhaseQR)

	// No scan arrives within the window.
	waitForPhase(t, m, "school-1", model.PhaseDisconnected)

	snap, err := m.Status(ctx, "school-1")
	require.NoError(t, err)
	assert.Empty(t, snap.QR)
	assert.True(t, factory.latest().isStopped())
}

func TestSendRejectedUnlessReady(t *testing.T) {
	m, factory, _ := testManager(t, Options{})
	ctx := context.Background()

	err := m.Send(ctx, "school-1", "5511999990000", "hello")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeSessionNotReady, apperrors.GetCode(err))

	require.NoError(t, m.Connect(ctx, "school-1"))
	tr := factory.latest()
	tr.emit(QREvent{Code: "qr"})
	waitForPhase(t, m, "school-1", model.PhaseQR)

	err = m.Send(ctx, "school-1", "5511999990000", "hello")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeSessionNotReady, apperrors.GetCode(err))

	tr.emit(PairedEvent{Phone: "5511999990000", DeviceRef: "ref-1"})
	tr.emit(ConnectedEvent{})
	waitForPhase(t, m, "school-1", model.PhaseReady)

	require.NoError(t, m.Send(ctx, "school-1", "5511888880000", "hello"))
	assert.Equal(t, []string{"5511888880000:hello"}, tr.sends)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	m, factory, repo := testManager(t, Options{})
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, "school-1"))
	tr := factory.latest()
	tr.emit(PairedEvent{Phone: "5511999990000", DeviceRef: "ref-1"})
	tr.emit(ConnectedEvent{})
	waitForPhase(t, m, "school-1", model.PhaseReady)

	require.NoError(t, m.Disconnect(ctx, "school-1"))
	waitForPhase(t, m, "school-1", model.PhaseDestroyed)
	assert.Equal(t, 1, tr.logouts)

	transitionsBefore := len(repo.phaseHistory("school-1"))
	require.NoError(t, m.Disconnect(ctx, "school-1"))
	require.NoError(t, m.Disconnect(ctx, "school-1"))

	snap, err := m.Status(ctx, "school-1")
	require.NoError(t, err)
	assert.Equal(t, model.PhaseDestroyed, snap.Phase)
	assert.Len(t, repo.phaseHistory("school-1"), transitionsBefore)
}

func TestUnexpectedDropReconnects(t *testing.T) {
	m, factory, _ := testManager(t, Options{})
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, "school-1"))
	first := factory.latest()
	first.emit(PairedEvent{Phone: "5511999990000", DeviceRef: "ref-1"})
	first.emit(ConnectedEvent{})
	waitForPhase(t, m, "school-1", model.PhaseReady)

	first.emit(DisconnectedEvent{Reason: "keepalive timeout"})

	// A second transport is built automatically for the paired device.
	deadline := time.Now().Add(2 * time.Second)
	for factory.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.GreaterOrEqual(t, factory.count(), 2, "no reconnect attempt was made")

	second := factory.latest()
	second.emit(ConnectedEvent{})
	waitForPhase(t, m, "school-1", model.PhaseReady)
}

func TestDropBeforePairingDoesNotReconnect(t *testing.T) {
	m, factory, _ := testManager(t, Options{})
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, "school-1"))
	factory.latest().emit(QREvent{Code: "qr"})
	waitForPhase(t, m, "school-1", model.PhaseQR)

	factory.latest().emit(DisconnectedEvent{Reason: "stream error"})
	waitForPhase(t, m, "school-1", model.PhaseDisconnected)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, factory.count(), "unpaired session must not auto-reconnect")
}

func TestSingleLiveClientPerTenant(t *testing.T) {
	m, factory, _ := testManager(t, Options{})
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, "school-1"))
	waitForPhase(t, m, "school-1", model.PhaseInitializing)

	// Repeat connects while live must not build extra transports.
	require.NoError(t, m.Connect(ctx, "school-1"))
	require.NoError(t, m.Connect(ctx, "school-1"))
	assert.Equal(t, 1, factory.count())
}

func TestTenantsAreIsolated(t *testing.T) {
	m, factory, _ := testManager(t, Options{})
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, "school-1"))
	require.NoError(t, m.Connect(ctx, "school-2"))
	require.Equal(t, 2, factory.count())

	first := factory.transports[0]
	second := factory.transports[1]

	first.emit(PairedEvent{Phone: "111", DeviceRef: "ref-1"})
	first.emit(ConnectedEvent{})
	second.emit(QREvent{Code: "qr-2"})

	waitForPhase(t, m, "school-1", model.PhaseReady)
	waitForPhase(t, m, "school-2", model.PhaseQR)
}

func TestInboundForwardedOnlyWhenReady(t *testing.T) {
	m, factory, _ := testManager(t, Options{})
	sink := &recordingSink{}
	m.SetInboundSink(sink)
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, "school-1"))
	tr := factory.latest()

	tr.emit(MessageEvent{Sender: "5511777770000", Body: "too early", Timestamp: time.Now()})
	tr.emit(PairedEvent{Phone: "5511999990000", DeviceRef: "ref-1"})
	tr.emit(ConnectedEvent{})
	waitForPhase(t, m, "school-1", model.PhaseReady)

	tr.emit(MessageEvent{Sender: "5511777770000", Body: "hello school", Timestamp: time.Now()})

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "school-1", events[0].TenantID)
	assert.Equal(t, "5511777770000", events[0].CounterpartID)
	assert.Equal(t, "hello school", events[0].Body)
	assert.NotEmpty(t, events[0].ID)
}

func TestSlowStoreReadDoesNotStallOtherTenants(t *testing.T) {
	m, factory, repo := testManager(t, Options{})
	ctx := context.Background()

	release := make(chan struct{})
	repo.findHook = func(tenantID string) {
		if tenantID == "school-slow" {
			<-release
		}
	}
	defer close(release)

	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		_ = m.Connect(ctx, "school-slow")
	}()

	// While school-slow's stored state is still loading, other tenants must
	// connect and report status without waiting on it.
	fastDone := make(chan error, 1)
	go func() {
		if err := m.Connect(ctx, "school-fast"); err != nil {
			fastDone <- err
			return
		}
		_, err := m.Status(ctx, "school-fast")
		fastDone <- err
	}()

	select {
	case err := <-fastDone:
		require.NoError(t, err)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("fast tenant blocked behind slow store read")
	}
	assert.Equal(t, 1, factory.count())

	select {
	case <-slowDone:
		t.Fatal("slow tenant connected before the store read finished")
	default:
	}
}

func TestStatusFallsBackToStoredRecord(t *testing.T) {
	factory := &fakeFactory{}
	repo := newMemSessionRepo()

	ref := "ref-1"
	phone := "5511999990000"
	_, err := repo.Upsert(context.Background(), model.UpsertSessionParams{
		TenantID:       "school-1",
		Phase:          model.PhaseDisconnected,
		DeviceRef:      &ref,
		ConnectedPhone: &phone,
	})
	require.NoError(t, err)

	m := NewManager(factory, repo, Options{PairingTimeout: time.Second})
	defer m.Shutdown()

	snap, err := m.Status(context.Background(), "school-1")
	require.NoError(t, err)
	assert.Equal(t, model.PhaseDisconnected, snap.Phase)
	assert.Equal(t, phone, snap.Phone)
	assert.Equal(t, 0, factory.count(), "status must not spin up a client")
}

package infrastructure

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkumarsourav9-ux/otpflow-bot/internal/entities"
)

// fakeHandle is a scripted protocol connection; tests push events through
// push() and finish() exactly as a real adapter would.
type fakeHandle struct {
	mu         sync.Mutex
	events     chan ProtocolEvent
	closed     bool
	sentTo     []string
	sendErr    error
	loggedOut  bool
	logoutErr  error
	terminated bool
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{events: make(chan ProtocolEvent, 16)}
}

func (h *fakeHandle) Events() <-chan ProtocolEvent { return h.events }

func (h *fakeHandle) push(evt ProtocolEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.events <- evt
	}
}

func (h *fakeHandle) SendText(_ context.Context, recipient, _ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return h.sendErr
	}
	h.sentTo = append(h.sentTo, recipient)
	return nil
}

func (h *fakeHandle) Logout(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loggedOut = true
	return h.logoutErr
}

func (h *fakeHandle) Terminate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminated = true
	if !h.closed {
		h.closed = true
		close(h.events)
	}
}

func (h *fakeHandle) wasTerminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

type fakeDialer struct {
	mu      sync.Mutex
	openErr error
	opened  []OpenOptions
	handles []*fakeHandle
}

func (d *fakeDialer) Open(_ context.Context, opts OpenOptions) (ProtocolHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}
	h := newFakeHandle()
	d.opened = append(d.opened, opts)
	d.handles = append(d.handles, h)
	return h, nil
}

func (d *fakeDialer) openCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.opened)
}

func (d *fakeDialer) openedOpts(i int) OpenOptions {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened[i]
}

func (d *fakeDialer) handle(i int) *fakeHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handles[i]
}

// memCredentialStore applies the same fresh-seed and tombstone semantics as
// the SQL repository, in memory.
type memCredentialStore struct {
	mu          sync.Mutex
	credentials map[string][]byte
	keys        map[string]map[entities.KeyID][]byte
}

func newMemCredentialStore() *memCredentialStore {
	return &memCredentialStore{
		credentials: make(map[string][]byte),
		keys:        make(map[string]map[entities.KeyID][]byte),
	}
}

func (s *memCredentialStore) LoadCredential(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cred, ok := s.credentials[key]; ok {
		return cred, nil
	}
	seed, err := entities.NewFreshCredential()
	if err != nil {
		return nil, err
	}
	s.credentials[key] = seed
	return seed, nil
}

func (s *memCredentialStore) SaveCredential(_ context.Context, key string, credential []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[key] = append([]byte(nil), credential...)
	return nil
}

func (s *memCredentialStore) LoadKeys(_ context.Context, key string) (map[entities.KeyID][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[entities.KeyID][]byte, len(s.keys[key]))
	for id, v := range s.keys[key] {
		out[id] = v
	}
	return out, nil
}

func (s *memCredentialStore) SaveKeys(_ context.Context, key string, delta map[entities.KeyID][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.keys[key]
	if !ok {
		stored = make(map[entities.KeyID][]byte)
		s.keys[key] = stored
	}
	for id, v := range delta {
		if len(v) == 0 {
			delete(stored, id)
			continue
		}
		stored[id] = append([]byte(nil), v...)
	}
	return nil
}

func (s *memCredentialStore) credential(key string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credentials[key]
}

func (s *memCredentialStore) key(instanceKey string, id entities.KeyID) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.keys[instanceKey][id]
	return v, ok
}

// memInstanceStore records durable writes for assertions.
type memInstanceStore struct {
	mu       sync.Mutex
	rows     map[string]*entities.Instance
	statuses map[string][]entities.Status
}

func newMemInstanceStore() *memInstanceStore {
	return &memInstanceStore{
		rows:     make(map[string]*entities.Instance),
		statuses: make(map[string][]entities.Status),
	}
}

func (s *memInstanceStore) add(inst *entities.Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst.ID == 0 {
		inst.ID = int64(len(s.rows) + 1)
	}
	s.rows[inst.InstanceKey] = inst
}

func (s *memInstanceStore) Create(_ context.Context, inst *entities.Instance) error {
	s.add(inst)
	return nil
}

func (s *memInstanceStore) GetByKey(_ context.Context, key string) (*entities.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.rows[key]
	if !ok {
		return nil, nil
	}
	cp := *inst
	return &cp, nil
}

func (s *memInstanceStore) ListOwnerCandidates(context.Context, int64) ([]*entities.Instance, error) {
	return nil, nil
}

func (s *memInstanceStore) ListSharedCandidates(context.Context) ([]*entities.Instance, error) {
	return nil, nil
}

func (s *memInstanceStore) ListRestorable(_ context.Context) ([]*entities.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entities.Instance
	for _, inst := range s.rows {
		if (inst.Status == entities.StatusConnected || inst.Status == entities.StatusReconnecting) && !inst.Banned {
			cp := *inst
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memInstanceStore) UpdateStatus(_ context.Context, key string, status entities.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[key] = append(s.statuses[key], status)
	if inst, ok := s.rows[key]; ok && !inst.Banned {
		inst.Status = status
	}
	return nil
}

func (s *memInstanceStore) SetPhoneNumber(_ context.Context, key, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.rows[key]; ok {
		inst.PhoneNumber = phone
	}
	return nil
}

func (s *memInstanceStore) MarkBanned(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[key] = append(s.statuses[key], entities.StatusBanned)
	if inst, ok := s.rows[key]; ok {
		inst.Banned = true
		inst.Status = entities.StatusBanned
	}
	return nil
}

func (s *memInstanceStore) ClearBan(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.rows[key]; ok {
		inst.Banned = false
		inst.Status = entities.StatusDisconnected
	}
	return nil
}

func (s *memInstanceStore) IncrementUsage(_ context.Context, key string, _ time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.rows[key]; ok {
		inst.UsedToday++
		return inst.UsedToday, nil
	}
	return 0, errors.New("no such instance")
}

func (s *memInstanceStore) TouchLastSeen(context.Context, string) error { return nil }

func (s *memInstanceStore) statusHistory(key string) []entities.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entities.Status(nil), s.statuses[key]...)
}

func (s *memInstanceStore) lastStatus(key string) entities.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := s.statuses[key]
	if len(hist) == 0 {
		return ""
	}
	return hist[len(hist)-1]
}

func (s *memInstanceStore) phone(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.rows[key]; ok {
		return inst.PhoneNumber
	}
	return ""
}

func (s *memInstanceStore) isBanned(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.rows[key]
	return ok && inst.Banned
}

type registryFixture struct {
	registry *SessionRegistry
	dialer   *fakeDialer
	creds    *memCredentialStore
	store    *memInstanceStore
	notifier *recordingNotifier
}

type recordingNotifier struct {
	mu     sync.Mutex
	banned []string
}

func (n *recordingNotifier) NotifyBanned(key, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.banned = append(n.banned, key)
}

func (n *recordingNotifier) NotifyCapacityExhausted(string) {}

func (n *recordingNotifier) bannedKeys() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.banned...)
}

func newRegistryFixture(opts RegistryOptions) *registryFixture {
	f := &registryFixture{
		dialer:   &fakeDialer{},
		creds:    newMemCredentialStore(),
		store:    newMemInstanceStore(),
		notifier: &recordingNotifier{},
	}
	if opts.Notifier == nil {
		opts.Notifier = f.notifier
	}
	f.registry = NewSessionRegistry(f.dialer, f.creds, f.store, opts)
	return f
}

func waitStatus(t *testing.T, r *SessionRegistry, key string, want entities.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		info, ok := r.Get(key)
		return ok && info.Status == want
	}, time.Second, 5*time.Millisecond, "session never reached %s", want)
}

func waitGone(t *testing.T, r *SessionRegistry, key string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := r.Get(key)
		return !ok
	}, time.Second, 5*time.Millisecond, "session was never removed")
}

func TestStart_QRThenConnected(t *testing.T) {
	f := newRegistryFixture(RegistryOptions{})
	ctx := context.Background()

	info, err := f.registry.Start(ctx, "inst1")
	require.NoError(t, err)
	assert.Equal(t, entities.StatusConnecting, info.Status)
	require.Equal(t, 1, f.dialer.openCount())

	// the dialer received a non-empty fresh seed
	opened := f.dialer.openedOpts(0)
	require.NotNil(t, opened.Auth)
	assert.NotEmpty(t, opened.Auth.Credential)

	h := f.dialer.handle(0)
	h.push(QRChallenge{Code: "qr-payload-1"})
	waitStatus(t, f.registry, "inst1", entities.StatusQRReady)

	got, err := f.registry.WaitForQR(ctx, "inst1")
	require.NoError(t, err)
	assert.Equal(t, "qr-payload-1", got.QRCode)
	assert.True(t, got.HasChallenge)

	h.push(Opened{PhoneNumber: "628123"})
	waitStatus(t, f.registry, "inst1", entities.StatusConnected)

	info, ok := f.registry.Get("inst1")
	require.True(t, ok)
	assert.Empty(t, info.QRCode, "QR must be cleared once connected")
	assert.Equal(t, "628123", info.PhoneNumber)
	assert.True(t, f.registry.IsConnected("inst1"))

	require.Eventually(t, func() bool {
		return f.store.lastStatus("inst1") == entities.StatusConnected && f.store.phone("inst1") == "628123"
	}, time.Second, 5*time.Millisecond)
}

func TestStart_Idempotent(t *testing.T) {
	f := newRegistryFixture(RegistryOptions{})
	ctx := context.Background()

	_, err := f.registry.Start(ctx, "inst1")
	require.NoError(t, err)
	_, err = f.registry.Start(ctx, "inst1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.dialer.openCount(), "a young connecting session must not be duplicated")

	f.dialer.handle(0).push(Opened{PhoneNumber: "62"})
	waitStatus(t, f.registry, "inst1", entities.StatusConnected)
	info, err := f.registry.Start(ctx, "inst1")
	require.NoError(t, err)
	assert.Equal(t, entities.StatusConnected, info.Status)
	assert.Equal(t, 1, f.dialer.openCount(), "a connected session is returned unchanged")
}

func TestStart_StaleSessionForciblyRestarted(t *testing.T) {
	f := newRegistryFixture(RegistryOptions{StaleAfter: 30 * time.Millisecond})
	ctx := context.Background()

	_, err := f.registry.Start(ctx, "inst1")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond) // exceed the staleness window mid-handshake

	_, err = f.registry.Start(ctx, "inst1")
	require.NoError(t, err)
	assert.Equal(t, 2, f.dialer.openCount())
	require.Eventually(t, f.dialer.handle(0).wasTerminated, time.Second, 5*time.Millisecond,
		"the stale handle must be terminated")
}

func TestWatchdog_RestartsStaleSessions(t *testing.T) {
	f := newRegistryFixture(RegistryOptions{StaleAfter: 30 * time.Millisecond})
	ctx := context.Background()

	_, err := f.registry.Start(ctx, "inst1")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	f.registry.restartStale(ctx)
	assert.Equal(t, 2, f.dialer.openCount(), "watchdog must force-restart a hung handshake")
}

func TestCredentialsChanged_PersistedWithTombstones(t *testing.T) {
	f := newRegistryFixture(RegistryOptions{})
	ctx := context.Background()

	_, err := f.registry.Start(ctx, "inst1")
	require.NoError(t, err)
	h := f.dialer.handle(0)

	keep := entities.KeyID{Category: "pre-key", ID: "7"}
	gone := entities.KeyID{Category: "session", ID: "abc"}
	require.NoError(t, f.creds.SaveKeys(ctx, "inst1", map[entities.KeyID][]byte{gone: []byte{9, 9}}))

	cred := []byte{0x00, 0xFF, 0x10, 0x00, 0x7F} // arbitrary bytes incl. NULs
	h.push(CredentialsChanged{
		Credential: cred,
		Keys: map[entities.KeyID][]byte{
			keep: {0x01, 0x00, 0x02},
			gone: nil, // tombstone
		},
	})

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(cred, f.creds.credential("inst1"))
	}, time.Second, 5*time.Millisecond, "credential must round-trip byte-exact")

	v, ok := f.creds.key("inst1", keep)
	require.True(t, ok)
	assert.Equal(t, []byte{0x01, 0x00, 0x02}, v)
	_, ok = f.creds.key("inst1", gone)
	assert.False(t, ok, "tombstoned key must be deleted")
}

func TestClose_BanIsTerminalAndPersisted(t *testing.T) {
	f := newRegistryFixture(RegistryOptions{})
	ctx := context.Background()

	_, err := f.registry.Start(ctx, "inst1")
	require.NoError(t, err)
	h := f.dialer.handle(0)
	h.push(Opened{PhoneNumber: "628123"})
	waitStatus(t, f.registry, "inst1", entities.StatusConnected)

	h.push(Closed{Class: CloseBanned, Code: 403, Reason: "account banned"})
	waitGone(t, f.registry, "inst1")

	require.Eventually(t, func() bool { return f.store.isBanned("inst1") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, entities.StatusBanned, f.store.lastStatus("inst1"))
	assert.False(t, f.registry.IsConnected("inst1"))
	require.Eventually(t, func() bool {
		return len(f.notifier.bannedKeys()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.dialer.openCount(), "no reconnect after a ban")
}

func TestClose_LogoutIsTerminal(t *testing.T) {
	f := newRegistryFixture(RegistryOptions{})
	ctx := context.Background()

	_, err := f.registry.Start(ctx, "inst1")
	require.NoError(t, err)
	h := f.dialer.handle(0)
	h.push(Opened{PhoneNumber: "628123"})
	waitStatus(t, f.registry, "inst1", entities.StatusConnected)

	h.push(Closed{Class: CloseLoggedOut, Code: 401, Reason: "logged out"})
	waitGone(t, f.registry, "inst1")

	require.Eventually(t, func() bool {
		return f.store.lastStatus("inst1") == entities.StatusDisconnected
	}, time.Second, 5*time.Millisecond)
	assert.False(t, f.store.isBanned("inst1"))
	assert.Equal(t, 1, f.dialer.openCount(), "no reconnect after an explicit logout")
}

func TestClose_TransientReconnectsAfterFixedDelay(t *testing.T) {
	f := newRegistryFixture(RegistryOptions{ReconnectDelay: 20 * time.Millisecond})
	ctx := context.Background()

	_, err := f.registry.Start(ctx, "inst1")
	require.NoError(t, err)
	h := f.dialer.handle(0)
	h.push(Opened{PhoneNumber: "628123"})
	waitStatus(t, f.registry, "inst1", entities.StatusConnected)

	h.push(Closed{Class: CloseTransient, Reason: "stream error"})
	require.Eventually(t, func() bool {
		return f.dialer.openCount() == 2
	}, time.Second, 5*time.Millisecond, "a transient close must re-dial after the fixed delay")

	assert.Contains(t, f.store.statusHistory("inst1"), entities.StatusReconnecting)
}

func TestDisconnect_AlwaysRemovesAndPersists(t *testing.T) {
	f := newRegistryFixture(RegistryOptions{})
	ctx := context.Background()

	_, err := f.registry.Start(ctx, "inst1")
	require.NoError(t, err)
	h := f.dialer.handle(0)
	h.push(Opened{PhoneNumber: "628123"})
	waitStatus(t, f.registry, "inst1", entities.StatusConnected)

	h.logoutErr = errors.New("server unreachable")
	require.NoError(t, f.registry.Disconnect(ctx, "inst1"))

	_, ok := f.registry.Get("inst1")
	assert.False(t, ok)
	assert.True(t, h.loggedOut)
	assert.True(t, h.wasTerminated())
	assert.Equal(t, entities.StatusDisconnected, f.store.lastStatus("inst1"))
}

func TestStart_DialFailurePersistsDisconnected(t *testing.T) {
	f := newRegistryFixture(RegistryOptions{})
	f.dialer.openErr = errors.New("network down")

	_, err := f.registry.Start(context.Background(), "inst1")
	require.Error(t, err)

	_, ok := f.registry.Get("inst1")
	assert.False(t, ok, "a failed start must not leave a session behind")
	assert.Equal(t, entities.StatusDisconnected, f.store.lastStatus("inst1"))
}

func TestWaitForQR_TimeoutReturnsBestEffortStatus(t *testing.T) {
	f := newRegistryFixture(RegistryOptions{})
	_, err := f.registry.Start(context.Background(), "inst1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	info, err := f.registry.WaitForQR(ctx, "inst1")
	require.NoError(t, err)
	assert.Equal(t, entities.StatusConnecting, info.Status)
	assert.False(t, info.HasChallenge)
}

func TestWaitForQR_ResolvesOnDirectConnect(t *testing.T) {
	f := newRegistryFixture(RegistryOptions{})
	_, err := f.registry.Start(context.Background(), "inst1")
	require.NoError(t, err)
	f.dialer.handle(0).push(Opened{PhoneNumber: "628123"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	info, err := f.registry.WaitForQR(ctx, "inst1")
	require.NoError(t, err)
	assert.Equal(t, entities.StatusConnected, info.Status)
	assert.Empty(t, info.QRCode)
}

func TestSendText_RequiresConnectedSession(t *testing.T) {
	f := newRegistryFixture(RegistryOptions{})
	ctx := context.Background()

	err := f.registry.SendText(ctx, "ghost", "628111", "hi")
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = f.registry.Start(ctx, "inst1")
	require.NoError(t, err)
	err = f.registry.SendText(ctx, "inst1", "628111", "hi")
	assert.ErrorIs(t, err, ErrNotConnected)

	h := f.dialer.handle(0)
	h.push(Opened{PhoneNumber: "628123"})
	waitStatus(t, f.registry, "inst1", entities.StatusConnected)
	require.NoError(t, f.registry.SendText(ctx, "inst1", "628111", "hi"))
	assert.Equal(t, []string{"628111"}, h.sentTo)
}

func TestListAll_SortedSnapshot(t *testing.T) {
	f := newRegistryFixture(RegistryOptions{})
	ctx := context.Background()
	for _, key := range []string{"charlie", "alpha", "bravo"} {
		_, err := f.registry.Start(ctx, key)
		require.NoError(t, err)
	}

	infos := f.registry.ListAll()
	require.Len(t, infos, 3)
	assert.Equal(t, "alpha", infos[0].InstanceKey)
	assert.Equal(t, "bravo", infos[1].InstanceKey)
	assert.Equal(t, "charlie", infos[2].InstanceKey)
}

package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/kkumarsourav9-ux/otpflow-bot/internal/entities"
	"github.com/kkumarsourav9-ux/otpflow-bot/internal/interfaces"
)

const (
	defaultStaleAfter     = 45 * time.Second
	defaultReconnectDelay = 5 * time.Second
)

var (
	ErrNoSession    = errors.New("no session for instance")
	ErrNotConnected = errors.New("session is not connected")
)

// SessionInfo is a read-only snapshot of one live session.
type SessionInfo struct {
	InstanceKey  string          `json:"instance_key"`
	Status       entities.Status `json:"status"`
	PhoneNumber  string          `json:"phone_number,omitempty"`
	QRCode       string          `json:"qr_code,omitempty"`
	HasChallenge bool            `json:"has_challenge"`
	CreatedAt    time.Time       `json:"created_at"`
}

// session is the runtime state for one instance. At most one per instance
// key; a retired session keeps its goroutine until the handle drains but its
// events no longer reach the registry.
type session struct {
	key       string
	status    entities.Status
	qrCode    string
	phone     string
	createdAt time.Time
	handle    ProtocolHandle
	retired   bool

	qrOnce  sync.Once
	qrReady chan struct{}
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		InstanceKey:  s.key,
		Status:       s.status,
		PhoneNumber:  s.phone,
		QRCode:       s.qrCode,
		HasChallenge: s.qrCode != "",
		CreatedAt:    s.createdAt,
	}
}

// resolveQR wakes anyone blocked in WaitForQR. Fired on the first QR
// challenge and on direct connects from stored credentials.
func (s *session) resolveQR() {
	s.qrOnce.Do(func() { close(s.qrReady) })
}

// RegistryOptions tunes the registry; zero values pick defaults.
type RegistryOptions struct {
	StaleAfter     time.Duration
	ReconnectDelay time.Duration
	Notifier       interfaces.Notifier
	Throttle       *SendThrottle
}

// SessionRegistry owns the id -> session map and the lifecycle state
// machine. It is the only component that talks to the Protocol Adapter;
// every transition happens inside an event handler or an explicit operation.
type SessionRegistry struct {
	dialer    ProtocolDialer
	creds     interfaces.CredentialStore
	instances interfaces.InstanceStore
	notifier  interfaces.Notifier
	throttle  *SendThrottle

	staleAfter     time.Duration
	reconnectDelay time.Duration

	mu       sync.RWMutex
	sessions map[string]*session
}

func NewSessionRegistry(dialer ProtocolDialer, creds interfaces.CredentialStore, instances interfaces.InstanceStore, opts RegistryOptions) *SessionRegistry {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	return &SessionRegistry{
		dialer:         dialer,
		creds:          creds,
		instances:      instances,
		notifier:       opts.Notifier,
		throttle:       opts.Throttle,
		staleAfter:     opts.StaleAfter,
		reconnectDelay: opts.ReconnectDelay,
		sessions:       make(map[string]*session),
	}
}

// Start brings up a session for the instance. Idempotent: a connected
// session, or a connecting/qr_ready one younger than the staleness window,
// is returned unchanged. A stale mid-handshake session is forcibly retired
// and replaced.
func (r *SessionRegistry) Start(ctx context.Context, key string) (SessionInfo, error) {
	r.mu.Lock()
	if s, ok := r.sessions[key]; ok {
		switch s.status {
		case entities.StatusConnected:
			info := s.info()
			r.mu.Unlock()
			return info, nil
		case entities.StatusConnecting, entities.StatusQRReady:
			if time.Since(s.createdAt) < r.staleAfter {
				info := s.info()
				r.mu.Unlock()
				return info, nil
			}
			log.Printf("instance %s: session stuck in %s for %s, forcing restart", key, s.status, time.Since(s.createdAt).Round(time.Second))
			r.retireLocked(s)
		default:
			r.retireLocked(s)
		}
	}

	// Register the placeholder before any I/O so concurrent Starts see one
	// live session per key.
	s := &session{
		key:       key,
		status:    entities.StatusConnecting,
		createdAt: time.Now(),
		qrReady:   make(chan struct{}),
	}
	r.sessions[key] = s
	r.mu.Unlock()

	auth, err := r.loadAuthState(ctx, key)
	if err != nil {
		r.failStart(s, fmt.Errorf("load auth state: %w", err))
		return SessionInfo{}, err
	}

	handle, err := r.dialer.Open(ctx, OpenOptions{InstanceKey: key, Auth: auth})
	if err != nil {
		r.failStart(s, fmt.Errorf("open protocol handle: %w", err))
		return SessionInfo{}, err
	}

	r.mu.Lock()
	if s.retired {
		// Someone retired us mid-dial (forced restart or disconnect).
		r.mu.Unlock()
		handle.Terminate()
		return SessionInfo{}, ErrNoSession
	}
	s.handle = handle
	info := s.info()
	r.mu.Unlock()

	go r.consumeEvents(s, handle)
	return info, nil
}

func (r *SessionRegistry) loadAuthState(ctx context.Context, key string) (*entities.AuthState, error) {
	cred, err := r.creds.LoadCredential(ctx, key)
	if err != nil {
		return nil, err
	}
	keys, err := r.creds.LoadKeys(ctx, key)
	if err != nil {
		return nil, err
	}
	return &entities.AuthState{Credential: cred, Keys: keys}, nil
}

// failStart handles adapter construction failures: status error, persisted
// as disconnected, no automatic retry.
func (r *SessionRegistry) failStart(s *session, err error) {
	log.Printf("instance %s: start failed: %v", s.key, err)
	r.mu.Lock()
	if !s.retired {
		s.status = entities.StatusError
		s.retired = true
		delete(r.sessions, s.key)
	}
	r.mu.Unlock()
	if perr := r.instances.UpdateStatus(context.Background(), s.key, entities.StatusDisconnected); perr != nil {
		log.Printf("instance %s: persist disconnected after failed start: %v", s.key, perr)
	}
}

// retireLocked removes a session from the map and detaches its event stream.
// Caller holds r.mu.
func (r *SessionRegistry) retireLocked(s *session) {
	s.retired = true
	delete(r.sessions, s.key)
	if s.handle != nil {
		// Terminate outside the event loop; the closed channel ends the
		// consumer goroutine.
		go s.handle.Terminate()
	}
}

func (r *SessionRegistry) consumeEvents(s *session, handle ProtocolHandle) {
	for evt := range handle.Events() {
		r.mu.RLock()
		retired := s.retired
		r.mu.RUnlock()
		if retired {
			continue
		}

		switch e := evt.(type) {
		case CredentialsChanged:
			r.persistCredentials(s.key, e)
		case QRChallenge:
			r.onQRChallenge(s, e)
		case Opened:
			r.onOpened(s, e)
		case Closed:
			if done := r.onClosed(s, e); done {
				handle.Terminate()
				return
			}
		}
	}
}

// persistCredentials writes updated auth material immediately, at most once
// per event. Failures are logged, never fatal to the session.
func (r *SessionRegistry) persistCredentials(key string, e CredentialsChanged) {
	ctx := context.Background()
	if len(e.Credential) > 0 {
		if err := r.creds.SaveCredential(ctx, key, e.Credential); err != nil {
			log.Printf("instance %s: persist credential: %v", key, err)
		}
	}
	if len(e.Keys) > 0 {
		if err := r.creds.SaveKeys(ctx, key, e.Keys); err != nil {
			log.Printf("instance %s: persist keys: %v", key, err)
		}
	}
}

func (r *SessionRegistry) onQRChallenge(s *session, e QRChallenge) {
	r.mu.Lock()
	if !r.transitionLocked(s, entities.StatusQRReady) {
		r.mu.Unlock()
		return
	}
	s.qrCode = e.Code
	s.resolveQR()
	r.mu.Unlock()
}

func (r *SessionRegistry) onOpened(s *session, e Opened) {
	r.mu.Lock()
	if !r.transitionLocked(s, entities.StatusConnected) {
		r.mu.Unlock()
		return
	}
	s.qrCode = ""
	s.phone = e.PhoneNumber
	s.resolveQR()
	r.mu.Unlock()

	ctx := context.Background()
	if e.PhoneNumber != "" {
		if err := r.instances.SetPhoneNumber(ctx, s.key, e.PhoneNumber); err != nil {
			log.Printf("instance %s: persist phone number: %v", s.key, err)
		}
	}
	if err := r.instances.UpdateStatus(ctx, s.key, entities.StatusConnected); err != nil {
		log.Printf("instance %s: persist connected status: %v", s.key, err)
	}
	if err := r.instances.TouchLastSeen(ctx, s.key); err != nil {
		log.Printf("instance %s: touch last seen: %v", s.key, err)
	}
	log.Printf("instance %s: connected as %s", s.key, e.PhoneNumber)
}

// onClosed classifies the close and drives the terminal or reconnect path.
// Returns true when the session is done and the consumer should stop.
func (r *SessionRegistry) onClosed(s *session, e Closed) bool {
	ctx := context.Background()
	switch e.Class {
	case CloseBanned:
		log.Printf("instance %s: banned (code %d): %s", s.key, e.Code, e.Reason)
		r.mu.Lock()
		r.transitionLocked(s, entities.StatusBanned)
		phone := s.phone
		r.retireLocked(s)
		r.mu.Unlock()
		if err := r.instances.MarkBanned(ctx, s.key); err != nil {
			log.Printf("instance %s: persist ban: %v", s.key, err)
		}
		if r.notifier != nil {
			r.notifier.NotifyBanned(s.key, phone)
		}
		return true

	case CloseLoggedOut:
		log.Printf("instance %s: logged out: %s", s.key, e.Reason)
		r.mu.Lock()
		r.transitionLocked(s, entities.StatusDisconnected)
		r.retireLocked(s)
		r.mu.Unlock()
		if err := r.instances.UpdateStatus(ctx, s.key, entities.StatusDisconnected); err != nil {
			log.Printf("instance %s: persist disconnected: %v", s.key, err)
		}
		return true

	default:
		log.Printf("instance %s: connection closed (%s), reconnecting in %s", s.key, e.Reason, r.reconnectDelay)
		r.mu.Lock()
		r.transitionLocked(s, entities.StatusReconnecting)
		r.retireLocked(s)
		r.mu.Unlock()
		if err := r.instances.UpdateStatus(ctx, s.key, entities.StatusReconnecting); err != nil {
			log.Printf("instance %s: persist reconnecting: %v", s.key, err)
		}
		// Fixed delay on purpose; the staleness watchdog covers hung retries.
		time.AfterFunc(r.reconnectDelay, func() {
			if _, err := r.Start(context.Background(), s.key); err != nil {
				log.Printf("instance %s: reconnect failed: %v", s.key, err)
			}
		})
		return true
	}
}

// transitionLocked applies a lifecycle step, rejecting anything outside the
// transition table. Caller holds r.mu.
func (r *SessionRegistry) transitionLocked(s *session, next entities.Status) bool {
	if !s.status.CanTransition(next) {
		log.Printf("instance %s: rejected transition %s -> %s", s.key, s.status, next)
		return false
	}
	s.status = next
	return true
}

// Get returns the current session snapshot, if any. Pure read.
func (r *SessionRegistry) Get(key string) (SessionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	if !ok {
		return SessionInfo{}, false
	}
	return s.info(), true
}

// WaitForQR blocks until the session produces a QR challenge, connects
// directly, or ctx expires. On timeout the current snapshot is returned
// best-effort; callers poll again.
func (r *SessionRegistry) WaitForQR(ctx context.Context, key string) (SessionInfo, error) {
	r.mu.RLock()
	s, ok := r.sessions[key]
	r.mu.RUnlock()
	if !ok {
		return SessionInfo{}, ErrNoSession
	}

	select {
	case <-s.qrReady:
	case <-ctx.Done():
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return s.info(), nil
}

// Disconnect performs a best-effort graceful logout, then terminates the
// handle. The session is always removed and disconnected always persisted,
// whether or not the logout succeeded.
func (r *SessionRegistry) Disconnect(ctx context.Context, key string) error {
	r.mu.Lock()
	s, ok := r.sessions[key]
	var handle ProtocolHandle
	if ok {
		handle = s.handle
		s.retired = true
		delete(r.sessions, key)
	}
	r.mu.Unlock()

	if handle != nil {
		if err := handle.Logout(ctx); err != nil {
			log.Printf("instance %s: logout: %v", key, err)
		}
		handle.Terminate()
	}
	return r.instances.UpdateStatus(ctx, key, entities.StatusDisconnected)
}

// ListAll snapshots every live session for observability.
func (r *SessionRegistry) ListAll() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceKey < out[j].InstanceKey })
	return out
}

// IsConnected reports live connectivity for rotation cross-checks; the
// durable status may lag reality.
func (r *SessionRegistry) IsConnected(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	return ok && s.status == entities.StatusConnected && s.handle != nil
}

// SendText dispatches one text through the instance's live session.
func (r *SessionRegistry) SendText(ctx context.Context, key, recipient, text string) error {
	r.mu.RLock()
	s, ok := r.sessions[key]
	var handle ProtocolHandle
	if ok {
		handle = s.handle
	}
	connected := ok && s.status == entities.StatusConnected && handle != nil
	r.mu.RUnlock()

	if !ok {
		return ErrNoSession
	}
	if !connected {
		return ErrNotConnected
	}
	if r.throttle != nil {
		if err := r.throttle.Wait(ctx, key); err != nil {
			return err
		}
	}
	if err := handle.SendText(ctx, recipient, text); err != nil {
		return err
	}
	if err := r.instances.TouchLastSeen(ctx, key); err != nil {
		log.Printf("instance %s: touch last seen: %v", key, err)
	}
	return nil
}

// RunWatchdog periodically restarts sessions stuck mid-handshake beyond the
// staleness window. Blocks until ctx is done.
func (r *SessionRegistry) RunWatchdog(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.restartStale(ctx)
		}
	}
}

func (r *SessionRegistry) restartStale(ctx context.Context) {
	r.mu.RLock()
	var stale []string
	for key, s := range r.sessions {
		if (s.status == entities.StatusConnecting || s.status == entities.StatusQRReady) && time.Since(s.createdAt) >= r.staleAfter {
			stale = append(stale, key)
		}
	}
	r.mu.RUnlock()

	for _, key := range stale {
		if _, err := r.Start(ctx, key); err != nil {
			log.Printf("instance %s: watchdog restart failed: %v", key, err)
		}
	}
}

package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"monkeykit/clock"
	"monkeykit/crypto"
	"monkeykit/models"
	"monkeykit/storage"
)

const (
	// HandshakeDelay separates Init from the first handshake request.
	HandshakeDelay = 200 * time.Millisecond
	// MaxPendingAge is how long a message may stay unacknowledged before it
	// is reported as failed.
	MaxPendingAge = 7 * 24 * time.Hour
	// DefaultKeyPrefix namespaces peer key records in the store.
	DefaultKeyPrefix = "monkey_key_"

	defaultDialTimeout = 15 * time.Second
	maxDecryptRetries  = 1
)

var (
	// ErrMissingCredentials indicates Init was called without app key or secret.
	ErrMissingCredentials = errors.New("network: app key and secret are required")
	// ErrNoIdentity indicates no session id exists to connect with.
	ErrNoIdentity = errors.New("network: no session identity")
	// ErrNotConnected indicates a frame could not be sent.
	ErrNotConnected = errors.New("network: not connected")
	// ErrSyncInFlight indicates a history sync is already waiting for its reply.
	ErrSyncInFlight = errors.New("network: history sync already in flight")
)

// Credentials identify the application to the server.
type Credentials struct {
	AppKey    string
	AppSecret string
}

// SessionOptions configures a SessionManager.
type SessionOptions struct {
	Store *storage.Store

	// API overrides the REST client built from Domain during Init.
	API    API
	Dialer Dialer
	Clock  clock.Clock
	Logger *zap.Logger

	Domain      string
	StageDomain string

	// Debug selects ws/http and StageDomain instead of wss/https and Domain.
	Debug         bool
	AutoSync      bool
	AutoSave      bool
	ExpireSession bool

	KeyPrefix   string
	DialTimeout time.Duration

	OnEvent EventHandler
}

// SessionManager owns one logical login: its identity, keys, connection,
// watchdog and the dispatch of inbound frames. All state is guarded by one
// mutex, so application calls, frames and timer callbacks run one at a time.
type SessionManager struct {
	options SessionOptions
	store   *storage.Store
	clock   clock.Clock
	dialer  Dialer
	logger  *zap.Logger

	events   *eventLoop
	watchdog *Watchdog

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	creds          Credentials
	api            API
	keys           *crypto.KeyManager
	session        models.Session
	status         Status
	conn           *Connection
	connGen        uint64
	syncInFlight   bool
	handshakeTimer *clock.Timer
	reconnectTimer *clock.Timer
	keyWaits       map[string]*keyWait
	closed         bool
}

// NewSessionManager validates options and returns an idle manager.
func NewSessionManager(options SessionOptions) (*SessionManager, error) {
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	if options.API == nil && options.Domain == "" {
		return nil, errors.New("domain is required")
	}
	if options.Dialer == nil {
		options.Dialer = WebsocketDialer{}
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.KeyPrefix == "" {
		options.KeyPrefix = DefaultKeyPrefix
	}
	if options.DialTimeout <= 0 {
		options.DialTimeout = defaultDialTimeout
	}
	if options.StageDomain == "" {
		options.StageDomain = options.Domain
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &SessionManager{
		options: options,
		store:   options.Store,
		clock:   options.Clock,
		dialer:  options.Dialer,
		logger:  options.Logger,
		events:  newEventLoop(options.OnEvent),
		ctx:     ctx,
		cancel:  cancel,
		status:  StatusOffline,

		keyWaits: make(map[string]*keyWait),
	}
	s.watchdog = NewWatchdog(options.Clock, WatchdogTimeout, s.hasPendingDelivery, options.Logger)
	return s, nil
}

// Init starts a session for user. A stored identity matching user["monkeyId"]
// reconnects immediately; otherwise the handshake runs after HandshakeDelay.
func (s *SessionManager) Init(ctx context.Context, creds Credentials, user map[string]any) error {
	if creds.AppKey == "" || creds.AppSecret == "" {
		return ErrMissingCredentials
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("session manager is closed")
	}

	s.creds = creds
	s.api = s.options.API
	if s.api == nil {
		api, err := NewHTTPAPI(HTTPAPIOptions{
			BaseURL:   BaseURL(!s.options.Debug, s.domain()),
			AppKey:    creds.AppKey,
			AppSecret: creds.AppSecret,
			Logger:    s.logger,
		})
		if err != nil {
			return err
		}
		s.api = api
	}
	s.keys = crypto.NewKeyManager(s.store, s.api, s.options.KeyPrefix, s.logger)

	if user == nil {
		user = map[string]any{}
	}
	s.session = models.Session{
		User:          user,
		Debug:         s.options.Debug,
		AutoSync:      s.options.AutoSync,
		AutoSave:      s.options.AutoSave,
		ExpireSession: s.options.ExpireSession,
	}
	s.status = StatusOffline
	s.emit(Event{Type: EventStatusChange, Status: StatusOffline})

	callerID, _ := user["monkeyId"].(string)
	storedID, err := s.store.CurrentSessionID()
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("read stored session id: %w", err)
	}

	if callerID != "" && callerID == storedID && s.resumeStoredLocked(storedID) {
		s.logger.Info("resuming stored session", zap.String("session_id", storedID))
		return s.connectLocked(storedID)
	}

	priorID := callerID
	if priorID == "" {
		priorID = storedID
	}
	s.handshakeTimer.Stop()
	s.handshakeTimer = s.clock.AfterFunc(HandshakeDelay, func() {
		s.runHandshake(ctx, priorID)
	})
	return nil
}

// Connect opens the persistent connection for id, or for the current
// session id when id is empty.
func (s *SessionManager) Connect(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(id)
}

// Logout clears every persisted record, tears down the connection without
// triggering a reconnect and resets the in-memory session.
func (s *SessionManager) Logout() error {
	s.mu.Lock()
	conn := s.detachLocked()
	s.watchdog.Clear()
	s.stopTimersLocked()
	clearErr := s.store.Clear()
	if s.keys != nil {
		s.keys.Reset()
	}
	s.session.Reset()
	s.syncInFlight = false
	s.keyWaits = make(map[string]*keyWait)
	s.setStatusLocked(StatusLogout)
	s.mu.Unlock()

	closeErr := conn.Close()
	if clearErr != nil {
		return fmt.Errorf("clear store: %w", clearErr)
	}
	if closeErr != nil {
		s.logger.Debug("close connection on logout", zap.Error(closeErr))
	}
	return nil
}

// Close disconnects cleanly and stops event delivery. Persisted data is kept.
func (s *SessionManager) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.detachLocked()
	s.watchdog.Clear()
	s.stopTimersLocked()
	if s.status != StatusLogout {
		s.setStatusLocked(StatusOffline)
	}
	s.mu.Unlock()

	s.cancel()
	err := conn.Close()
	s.events.close()
	return err
}

// Status returns the connection state.
func (s *SessionManager) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Session returns a copy of the current session.
func (s *SessionManager) Session() models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	session := s.session
	session.User = copyMap(s.session.User)
	return session
}

func (s *SessionManager) domain() string {
	if s.options.Debug {
		return s.options.StageDomain
	}
	return s.options.Domain
}

// resumeStoredLocked loads the persisted session for id. It reports false
// when the record or its session key is unusable.
func (s *SessionManager) resumeStoredLocked(id string) bool {
	stored, err := s.store.LoadSession(id)
	if err != nil || !stored.HasSessionKey() {
		return false
	}
	key, err := crypto.DecodeSymmetricKey(stored.MyKey, stored.MyIV)
	if err != nil {
		s.logger.Warn("stored session key is unusable", zap.String("session_id", id), zap.Error(err))
		return false
	}
	if err := s.keys.SetSessionKey(key); err != nil {
		return false
	}

	s.session.ID = id
	s.session.LastTimestamp = stored.LastTimestamp
	s.session.MyKey = stored.MyKey
	s.session.MyIV = stored.MyIV
	if len(stored.User) > 0 && len(s.session.User) == 0 {
		s.session.User = stored.User
	}
	return true
}

func (s *SessionManager) runHandshake(ctx context.Context, priorID string) {
	s.mu.Lock()
	s.handshakeTimer = nil
	if s.closed || s.status == StatusLogout {
		s.mu.Unlock()
		return
	}
	s.setStatusLocked(StatusHandshake)
	api := s.api
	keys := s.keys
	user := copyMap(s.session.User)
	s.mu.Unlock()

	var err error
	if priorID == "" {
		err = s.createSession(ctx, api, keys, user)
	} else {
		err = s.syncSession(ctx, api, keys, priorID)
	}
	if err == nil {
		return
	}

	s.logger.Error("handshake failed", zap.String("session_id", priorID), zap.Error(err))
	s.mu.Lock()
	if s.status == StatusHandshake {
		s.setStatusLocked(StatusOffline)
	}
	s.emit(Event{Type: EventError, Err: err})
	s.mu.Unlock()
}

// createSession requests a new identity, seals a fresh session key under
// the server's public key and submits it.
func (s *SessionManager) createSession(ctx context.Context, api API, keys *crypto.KeyManager, user map[string]any) error {
	resp, err := api.CreateSession(ctx, user)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	s.mu.Lock()
	if !s.handshakeActiveLocked() {
		s.mu.Unlock()
		return nil
	}
	s.session.ID = resp.MonkeyID
	if err := s.store.Set("monkey_id", resp.MonkeyID); err != nil {
		s.logger.Warn("persist session id", zap.Error(err))
	}
	s.mu.Unlock()

	sessionKey, err := keys.DeriveSessionKey()
	if err != nil {
		return err
	}
	sealed, err := crypto.EncryptWithPublicKey(resp.PublicKey, sessionKey.String())
	if err != nil {
		return fmt.Errorf("seal session key: %w", err)
	}
	if err := api.ConnectSession(ctx, resp.MonkeyID, sealed); err != nil {
		return fmt.Errorf("submit session key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.handshakeActiveLocked() {
		return nil
	}
	s.session.MyKey = sessionKey.KeyString()
	s.session.MyIV = sessionKey.IVString()
	s.persistSessionLocked()
	return s.connectLocked(resp.MonkeyID)
}

// syncSession resumes priorID: the server returns the session key sealed
// under a freshly generated public key.
func (s *SessionManager) syncSession(ctx context.Context, api API, keys *crypto.KeyManager, priorID string) error {
	publicPEM, err := keys.GenerateKeyPair()
	if err != nil {
		return err
	}
	resp, err := api.SyncKeys(ctx, priorID, publicPEM)
	if err != nil {
		return fmt.Errorf("sync keys: %w", err)
	}
	opened, err := keys.OpenWithPrivateKey(resp.Keys)
	if err != nil {
		return fmt.Errorf("open synced session key: %w", err)
	}
	sessionKey, err := crypto.ParseSymmetricKey(opened)
	if err != nil {
		return fmt.Errorf("parse synced session key: %w", err)
	}
	if err := keys.SetSessionKey(sessionKey); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.handshakeActiveLocked() {
		return nil
	}
	s.session.ID = priorID
	if len(resp.Info) > 0 {
		s.session.User = resp.Info
	}
	s.session.AdvanceTimestamp(resp.LastTimeSynced)
	s.session.MyKey = sessionKey.KeyString()
	s.session.MyIV = sessionKey.IVString()
	s.persistSessionLocked()
	return s.connectLocked(priorID)
}

func (s *SessionManager) handshakeActiveLocked() bool {
	return !s.closed && s.status == StatusHandshake
}

func (s *SessionManager) connectLocked(id string) error {
	if s.closed {
		return errors.New("session manager is closed")
	}
	if id == "" {
		id = s.session.ID
	}
	if id == "" {
		return ErrNoIdentity
	}
	if s.creds.AppKey == "" {
		return ErrMissingCredentials
	}

	s.reconnectTimer.Stop()
	s.reconnectTimer = nil
	if old := s.detachLocked(); old != nil {
		go old.Close()
	}

	s.session.ID = id
	s.connGen++
	gen := s.connGen
	s.setStatusLocked(StatusConnecting)

	socketURL := SocketURL(!s.options.Debug, s.domain(), id, s.creds.AppKey, s.creds.AppSecret)
	go s.dial(gen, socketURL)
	return nil
}

func (s *SessionManager) dial(gen uint64, socketURL string) {
	ctx, cancel := context.WithTimeout(s.ctx, s.options.DialTimeout)
	conn, err := s.dialer.Dial(ctx, socketURL)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.connGen || s.closed || s.status == StatusLogout {
		if conn != nil {
			go newConnection(conn, gen, s.logger).Close()
		}
		return
	}
	if err != nil {
		s.logger.Warn("dial failed", zap.Error(err))
		s.handleCloseLocked(false)
		return
	}

	c := newConnection(conn, gen, s.logger)
	s.conn = c
	c.start(connectionHandlers{
		onFrame: s.onFrame,
		onClose: s.onClose,
	})
	s.handleOpenLocked()
}

func (s *SessionManager) handleOpenLocked() {
	s.logger.Info("connected", zap.String("session_id", s.session.ID))
	s.setStatusLocked(StatusOnline)
	s.emit(Event{Type: EventConnect})

	if err := s.sendCommandLocked(models.CommandSet, map[string]any{"online": 1}); err != nil {
		s.logger.Warn("announce presence", zap.Error(err))
	}

	cutoff := s.clock.Now().Add(-MaxPendingAge).UnixMilli()
	if _, err := s.store.ForgetDeliveredBefore(cutoff); err != nil {
		s.logger.Warn("forget delivered ids", zap.Error(err))
	}

	s.flushPendingLocked()

	if s.session.AutoSync {
		s.watchdog.ResetSync()
		if err := s.requestSyncLocked(); err != nil {
			s.logger.Warn("request history sync", zap.Error(err))
		}
	} else {
		s.watchdog.ConfirmSync()
	}
}

func (s *SessionManager) onClose(gen uint64, clean bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.connGen || s.conn == nil {
		return
	}
	s.conn = nil
	s.logger.Info("connection closed", zap.Bool("clean", clean), zap.Error(err))
	s.handleCloseLocked(clean)
}

// handleCloseLocked runs the close transition: clean closes go offline with
// the watchdog disarmed, unclean ones go connecting and retry after
// DirtyCloseReconnectDelay.
func (s *SessionManager) handleCloseLocked(clean bool) {
	s.watchdog.ResetSync()
	s.syncInFlight = false
	s.emit(Event{Type: EventDisconnect})

	if clean {
		s.watchdog.Clear()
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
		s.setStatusLocked(StatusOffline)
		return
	}
	s.setStatusLocked(StatusConnecting)
	s.scheduleReconnectLocked(DirtyCloseReconnectDelay)
}

// watchdogReconnect tears the connection down and connects again after
// RetryReconnectDelay.
func (s *SessionManager) watchdogReconnect() {
	s.mu.Lock()
	if s.closed || s.status == StatusLogout || s.status == StatusOffline || s.session.ID == "" {
		s.mu.Unlock()
		return
	}
	conn := s.detachLocked()
	s.syncInFlight = false
	s.setStatusLocked(StatusConnecting)
	s.scheduleReconnectLocked(RetryReconnectDelay)
	s.mu.Unlock()

	if err := conn.Close(); err != nil {
		s.logger.Debug("close connection for reconnect", zap.Error(err))
	}
}

func (s *SessionManager) scheduleReconnectLocked(delay time.Duration) {
	s.reconnectTimer.Stop()
	s.reconnectTimer = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.reconnectTimer = nil
		if s.closed || s.status == StatusLogout {
			return
		}
		if err := s.connectLocked(s.session.ID); err != nil {
			s.logger.Error("reconnect", zap.Error(err))
			s.emit(Event{Type: EventError, Err: err})
		}
	})
}

// detachLocked forgets the current connection so its close is not handled.
func (s *SessionManager) detachLocked() *Connection {
	conn := s.conn
	s.conn = nil
	s.connGen++
	return conn
}

func (s *SessionManager) stopTimersLocked() {
	s.handshakeTimer.Stop()
	s.handshakeTimer = nil
	s.reconnectTimer.Stop()
	s.reconnectTimer = nil
}

func (s *SessionManager) setStatusLocked(status Status) {
	if s.status == status {
		return
	}
	s.status = status
	s.emit(Event{Type: EventStatusChange, Status: status})
}

func (s *SessionManager) emit(event Event) {
	s.events.emit(event)
}

// sendCommandLocked writes one frame. A failed write marks the sync as
// unconfirmed so the next connection resynchronises.
func (s *SessionManager) sendCommandLocked(cmd models.Command, args any) error {
	if s.conn == nil || s.status != StatusOnline {
		s.watchdog.ResetSync()
		return ErrNotConnected
	}
	payload, err := EncodeFrame(cmd, args)
	if err != nil {
		return err
	}
	if err := s.conn.Send(payload); err != nil {
		s.watchdog.ResetSync()
		return err
	}
	return nil
}

// requestSyncLocked asks for every message newer than the watermark.
func (s *SessionManager) requestSyncLocked() error {
	if s.syncInFlight {
		return ErrSyncInFlight
	}
	s.watchdog.ResetSync()
	err := s.sendCommandLocked(models.CommandSync, map[string]any{
		"type":  models.SyncTypeHistory,
		"since": s.session.LastTimestamp,
	})
	if err != nil {
		return err
	}
	s.syncInFlight = true
	s.watchdog.Arm(s.watchdogReconnect)
	return nil
}

func (s *SessionManager) persistSessionLocked() {
	if s.session.ID == "" {
		return
	}
	if err := s.store.SaveSession(s.session); err != nil {
		s.logger.Warn("persist session", zap.Error(err))
	}
}

func (s *SessionManager) hasPendingDelivery() bool {
	pending, err := s.store.HasPendingMessages()
	if err != nil {
		s.logger.Warn("check pending messages", zap.Error(err))
		return false
	}
	return pending
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

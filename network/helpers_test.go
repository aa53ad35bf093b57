package network

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"monkeykit/clock"
	"monkeykit/crypto"
	"monkeykit/models"
	"monkeykit/storage"
)

const (
	testMyID   = "U:me"
	testPeerID = "U:7"
	waitFor    = 2 * time.Second
	pollEvery  = 5 * time.Millisecond
)

var testCreds = Credentials{AppKey: "app-key", AppSecret: "app-secret"}

// fakeConn is an in-memory websocket. Frames pushed with deliver are read by
// the connection; written frames are recorded.
type fakeConn struct {
	inbound chan []byte
	closed  chan struct{}

	mu       sync.Mutex
	written  [][]byte
	readErr  error
	isClosed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data := <-c.inbound:
		return websocket.MessageText, data, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return 0, nil, c.readErr
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed {
		return errors.New("write on closed connection")
	}
	c.written = append(c.written, append([]byte(nil), p...))
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, reason string) error {
	c.shutdown(websocket.CloseError{Code: code, Reason: reason})
	return nil
}

// drop simulates the network failing underneath the socket.
func (c *fakeConn) drop(err error) {
	c.shutdown(err)
}

func (c *fakeConn) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed {
		return
	}
	c.isClosed = true
	c.readErr = err
	close(c.closed)
}

func (c *fakeConn) closedNow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isClosed
}

func (c *fakeConn) deliver(t *testing.T, cmd models.Command, args any) {
	t.Helper()
	payload, err := EncodeFrame(cmd, args)
	require.NoError(t, err)
	c.inbound <- payload
}

// frames returns the written frames carrying cmd.
func (c *fakeConn) frames(cmd models.Command) []gjson.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []gjson.Result
	for _, payload := range c.written {
		frame := gjson.ParseBytes(payload)
		if models.Command(frame.Get("cmd").Int()) == cmd {
			out = append(out, frame.Get("args"))
		}
	}
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	urls  []string
	err   error
}

func (d *fakeDialer) Dial(_ context.Context, url string) (WSConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.err != nil {
		return nil, d.err
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) url(i int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.urls) {
		return ""
	}
	return d.urls[i]
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

// fakeAPI plays the server side of the REST handshake. It opens the sealed
// session key with its RSA key, so it can wrap peer keys for exchanges.
type fakeAPI struct {
	t          *testing.T
	privateKey *rsa.PrivateKey

	mu            sync.Mutex
	sessionKey    crypto.SymmetricKey
	peerKeys      map[string]crypto.SymmetricKey
	createCalls   int
	exchangeCalls int
	exchangeGate  chan struct{}
	posted        []*models.Message
	postID        int64
	postErr       error
	uploads       []FileUpload
	uploadID      int64
	uploadErr     error
	conversations []models.Conversation
	history       []*models.Message
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	key, err := crypto.GenerateRSAKeyPair()
	require.NoError(t, err)
	return &fakeAPI{t: t, privateKey: key, peerKeys: map[string]crypto.SymmetricKey{}}
}

func (a *fakeAPI) CreateSession(_ context.Context, _ map[string]any) (NewSessionResponse, error) {
	a.mu.Lock()
	a.createCalls++
	a.mu.Unlock()
	pem, err := crypto.PublicKeyPEM(&a.privateKey.PublicKey)
	if err != nil {
		return NewSessionResponse{}, err
	}
	return NewSessionResponse{MonkeyID: testMyID, PublicKey: pem}, nil
}

func (a *fakeAPI) SyncKeys(_ context.Context, _, publicKey string) (KeySyncResponse, error) {
	a.mu.Lock()
	session := a.sessionKey
	a.mu.Unlock()
	sealed, err := crypto.EncryptWithPublicKey(publicKey, session.String())
	if err != nil {
		return KeySyncResponse{}, err
	}
	return KeySyncResponse{Info: map[string]any{"name": "me"}, LastTimeSynced: 1700000000, Keys: sealed}, nil
}

func (a *fakeAPI) ConnectSession(_ context.Context, _, encryptedKey string) error {
	opened, err := crypto.DecryptWithPrivateKey(a.privateKey, encryptedKey)
	if err != nil {
		return err
	}
	key, err := crypto.ParseSymmetricKey(opened)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.sessionKey = key
	a.mu.Unlock()
	return nil
}

func (a *fakeAPI) ExchangeKey(ctx context.Context, _, peerID string) (string, error) {
	a.mu.Lock()
	a.exchangeCalls++
	gate := a.exchangeGate
	a.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	peerKey, ok := a.peerKeys[peerID]
	if !ok {
		return "", errors.New("unknown peer")
	}
	return crypto.Encrypt(a.sessionKey, []byte(peerKey.String()))
}

func (a *fakeAPI) PostMessage(_ context.Context, message *models.Message, _ any) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.posted = append(a.posted, message)
	return a.postID, a.postErr
}

func (a *fakeAPI) OpenSecureMessage(_ context.Context, id int64) (*models.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, msg := range a.history {
		if msg.ID == id {
			copied := *msg
			return &copied, nil
		}
	}
	return nil, &APIError{Method: "GET", Path: "/message", StatusCode: 404}
}

func (a *fakeAPI) UploadFile(_ context.Context, upload FileUpload) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.uploads = append(a.uploads, upload)
	return a.uploadID, a.uploadErr
}

func (a *fakeAPI) Conversations(_ context.Context, _ string) ([]models.Conversation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conversations, nil
}

func (a *fakeAPI) ConversationMessages(_ context.Context, _, _ string, _ int, _ float64) ([]*models.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*models.Message, 0, len(a.history))
	for _, msg := range a.history {
		copied := *msg
		out = append(out, &copied)
	}
	return out, nil
}

// addPeer registers a conversation key the server hands out for peerID.
func (a *fakeAPI) addPeer(t *testing.T, peerID string) crypto.SymmetricKey {
	t.Helper()
	key, err := crypto.NewSymmetricKey()
	require.NoError(t, err)
	a.mu.Lock()
	a.peerKeys[peerID] = key
	a.mu.Unlock()
	return key
}

// holdExchanges makes ExchangeKey wait until the returned channel is closed.
func (a *fakeAPI) holdExchanges() chan struct{} {
	gate := make(chan struct{})
	a.mu.Lock()
	a.exchangeGate = gate
	a.mu.Unlock()
	return gate
}

func (a *fakeAPI) exchanges() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exchangeCalls
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handle(event Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *eventRecorder) ofType(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, event := range r.events {
		if event.Type == typ {
			out = append(out, event)
		}
	}
	return out
}

func (r *eventRecorder) statuses() []Status {
	var out []Status
	for _, event := range r.ofType(EventStatusChange) {
		out = append(out, event.Status)
	}
	return out
}

func (r *eventRecorder) waitFor(t *testing.T, typ EventType, match func(Event) bool) Event {
	t.Helper()
	var found Event
	require.Eventually(t, func() bool {
		for _, event := range r.ofType(typ) {
			if match == nil || match(event) {
				found = event
				return true
			}
		}
		return false
	}, waitFor, pollEvery, "waiting for %s event", typ)
	return found
}

type harness struct {
	store   *storage.Store
	clock   *clock.FakeClock
	dialer  *fakeDialer
	api     *fakeAPI
	events  *eventRecorder
	session *SessionManager
}

func newHarness(t *testing.T, configure func(*SessionOptions)) *harness {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		store:  store,
		clock:  clock.Fake(time.Unix(1700000000, 0)),
		dialer: &fakeDialer{},
		api:    newFakeAPI(t),
		events: &eventRecorder{},
	}
	options := SessionOptions{
		Store:    store,
		API:      h.api,
		Dialer:   h.dialer,
		Clock:    h.clock,
		Domain:   "chat.example.com",
		AutoSave: true,
		OnEvent:  h.events.handle,
	}
	if configure != nil {
		configure(&options)
	}
	h.session, err = NewSessionManager(options)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = h.session.Close()
		_ = store.Close()
	})
	return h
}

// goOnline runs the new-session handshake and waits for the first socket.
func (h *harness) goOnline(t *testing.T) *fakeConn {
	t.Helper()
	require.NoError(t, h.session.Init(context.Background(), testCreds, nil))
	h.clock.Advance(HandshakeDelay)
	return h.waitOnline(t, 0)
}

// resumeOnline seeds a stored session and resumes it without a handshake.
func (h *harness) resumeOnline(t *testing.T) *fakeConn {
	t.Helper()
	h.seedSession(t)
	require.NoError(t, h.session.Init(context.Background(), testCreds, map[string]any{"monkeyId": testMyID}))
	return h.waitOnline(t, 0)
}

func (h *harness) seedSession(t *testing.T) {
	t.Helper()
	key, err := crypto.NewSymmetricKey()
	require.NoError(t, err)
	h.api.mu.Lock()
	h.api.sessionKey = key
	h.api.mu.Unlock()
	require.NoError(t, h.store.SaveSession(models.Session{
		ID:    testMyID,
		MyKey: key.KeyString(),
		MyIV:  key.IVString(),
	}))
}

func (h *harness) waitOnline(t *testing.T, connIndex int) *fakeConn {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.dialer.conn(connIndex) != nil && h.session.Status() == StatusOnline
	}, waitFor, pollEvery, "waiting for connection %d", connIndex)
	return h.dialer.conn(connIndex)
}

func (h *harness) waitStatus(t *testing.T, status Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.session.Status() == status
	}, waitFor, pollEvery, "waiting for status %s", status)
}

func (h *harness) waitPendingDelay(t *testing.T, delay time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, pending := range h.clock.PendingDelays() {
			if pending == delay {
				return true
			}
		}
		return false
	}, waitFor, pollEvery, "waiting for a %s timer", delay)
}

func wireMessage(id int64, sender, text string, datetime float64) map[string]any {
	return map[string]any{
		"id":       id,
		"sid":      sender,
		"rid":      testMyID,
		"msg":      text,
		"type":     int(models.TypeText),
		"datetime": datetime,
		"props":    map[string]any{models.PropEncoding: models.EncodingUTF8},
		"params":   map[string]any{},
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return string(raw)
}

func encryptWith(key crypto.SymmetricKey, text string) (string, error) {
	return crypto.Encrypt(key, []byte(text))
}

func decryptWith(key crypto.SymmetricKey, ciphertext string) (string, error) {
	plaintext, err := crypto.Decrypt(key, ciphertext)
	return string(plaintext), err
}

package crypto

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrNoSessionKey indicates the session symmetric key has not been set.
	ErrNoSessionKey = errors.New("crypto: session key not set")
	// ErrNoPeerKey indicates no key is cached for a peer.
	ErrNoPeerKey = errors.New("crypto: no key for peer")
	// ErrDecrypt indicates ciphertext could not be opened.
	ErrDecrypt = errors.New("crypto: decrypt failed")
)

// KeyStore persists opaque values by key.
type KeyStore interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// KeyExchanger asks the server for the conversation key shared with peerID.
// The returned blob is encrypted under the requester's session key.
type KeyExchanger interface {
	ExchangeKey(ctx context.Context, requesterID, peerID string) (string, error)
}

// KeyManager holds the handshake keypair, the session key and the per-peer
// key cache of one session.
type KeyManager struct {
	store     KeyStore
	exchanger KeyExchanger
	prefix    string
	logger    *zap.Logger

	mu         sync.Mutex
	privateKey *rsa.PrivateKey
	session    SymmetricKey
	peers      map[string]SymmetricKey
}

// NewKeyManager creates a manager that persists peer keys in store under
// prefix+peerID.
func NewKeyManager(store KeyStore, exchanger KeyExchanger, prefix string, logger *zap.Logger) *KeyManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyManager{
		store:     store,
		exchanger: exchanger,
		prefix:    prefix,
		logger:    logger,
		peers:     make(map[string]SymmetricKey),
	}
}

// GenerateKeyPair replaces the handshake keypair and returns the public key PEM.
func (m *KeyManager) GenerateKeyPair() (string, error) {
	privateKey, err := GenerateRSAKeyPair()
	if err != nil {
		return "", err
	}
	publicPEM, err := PublicKeyPEM(&privateKey.PublicKey)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.privateKey = privateKey
	m.mu.Unlock()
	return publicPEM, nil
}

// OpenWithPrivateKey decrypts a base64 RSA ciphertext with the handshake key.
func (m *KeyManager) OpenWithPrivateKey(ciphertext string) (string, error) {
	m.mu.Lock()
	privateKey := m.privateKey
	m.mu.Unlock()
	return DecryptWithPrivateKey(privateKey, ciphertext)
}

// DeriveSessionKey generates a fresh session key, installs it and returns its
// encoded form for sealing under the server's public key.
func (m *KeyManager) DeriveSessionKey() (SymmetricKey, error) {
	key, err := NewSymmetricKey()
	if err != nil {
		return SymmetricKey{}, fmt.Errorf("derive session key: %w", err)
	}

	m.mu.Lock()
	m.session = key
	m.mu.Unlock()
	return key, nil
}

// SetSessionKey installs an existing session key.
func (m *KeyManager) SetSessionKey(key SymmetricKey) error {
	if err := key.validate(); err != nil {
		return fmt.Errorf("set session key: %w", err)
	}

	m.mu.Lock()
	m.session = key
	m.mu.Unlock()
	return nil
}

// SessionKey returns the installed session key.
func (m *KeyManager) SessionKey() (SymmetricKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.IsZero() {
		return SymmetricKey{}, ErrNoSessionKey
	}
	return m.session, nil
}

// Reset forgets every in-memory key.
func (m *KeyManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.privateKey = nil
	m.session = SymmetricKey{}
	m.peers = make(map[string]SymmetricKey)
}

// ExchangeKeyWithPeer fetches the key shared with peerID and stores it. Any
// failure is returned to the caller, which must not retry on its own.
func (m *KeyManager) ExchangeKeyWithPeer(ctx context.Context, myID, peerID string) (SymmetricKey, error) {
	if m.exchanger == nil {
		return SymmetricKey{}, errors.New("key exchange is not configured")
	}
	session, err := m.SessionKey()
	if err != nil {
		return SymmetricKey{}, err
	}

	blob, err := m.exchanger.ExchangeKey(ctx, myID, peerID)
	if err != nil {
		return SymmetricKey{}, fmt.Errorf("exchange key with %q: %w", peerID, err)
	}

	plaintext, err := Decrypt(session, blob)
	if err != nil {
		return SymmetricKey{}, fmt.Errorf("open exchanged key for %q: %w", peerID, err)
	}
	key, err := ParseSymmetricKey(string(plaintext))
	if err != nil {
		return SymmetricKey{}, fmt.Errorf("parse exchanged key for %q: %w", peerID, err)
	}

	if err := m.StorePeerKey(peerID, key); err != nil {
		return SymmetricKey{}, err
	}
	m.logger.Debug("exchanged peer key", zap.String("peer_id", peerID))
	return key, nil
}

// StorePeerKey caches key for peerID and persists it sealed under the
// session key, replacing any earlier key.
func (m *KeyManager) StorePeerKey(peerID string, key SymmetricKey) error {
	if err := key.validate(); err != nil {
		return fmt.Errorf("store key for %q: %w", peerID, err)
	}
	session, err := m.SessionKey()
	if err != nil {
		return err
	}

	sk, err := sealKey(session)
	if err != nil {
		return err
	}
	blob, err := seal(sk, []byte(key.String()), []byte(peerID))
	if err != nil {
		return fmt.Errorf("seal key for %q: %w", peerID, err)
	}
	if m.store != nil {
		if err := m.store.Set(m.prefix+peerID, blob); err != nil {
			return fmt.Errorf("persist key for %q: %w", peerID, err)
		}
	}

	m.mu.Lock()
	m.peers[peerID] = key
	m.mu.Unlock()
	return nil
}

// PeerKey returns the key for peerID from memory or the sealed store.
func (m *KeyManager) PeerKey(peerID string) (SymmetricKey, error) {
	m.mu.Lock()
	key, ok := m.peers[peerID]
	m.mu.Unlock()
	if ok {
		return key, nil
	}

	if m.store == nil {
		return SymmetricKey{}, ErrNoPeerKey
	}
	blob, err := m.store.Get(m.prefix + peerID)
	if err != nil || blob == "" {
		return SymmetricKey{}, ErrNoPeerKey
	}

	session, err := m.SessionKey()
	if err != nil {
		return SymmetricKey{}, err
	}
	sk, err := sealKey(session)
	if err != nil {
		return SymmetricKey{}, err
	}
	plaintext, err := unseal(sk, blob, []byte(peerID))
	if err != nil {
		m.logger.Warn("discarding unreadable peer key", zap.String("peer_id", peerID), zap.Error(err))
		if delErr := m.store.Delete(m.prefix + peerID); delErr != nil {
			m.logger.Warn("delete unreadable peer key", zap.String("peer_id", peerID), zap.Error(delErr))
		}
		return SymmetricKey{}, ErrNoPeerKey
	}
	key, err = ParseSymmetricKey(string(plaintext))
	if err != nil {
		return SymmetricKey{}, ErrNoPeerKey
	}

	m.mu.Lock()
	m.peers[peerID] = key
	m.mu.Unlock()
	return key, nil
}

// Encrypt encrypts plaintext for peerID.
func (m *KeyManager) Encrypt(plaintext, peerID string) (string, error) {
	key, err := m.PeerKey(peerID)
	if err != nil {
		return "", err
	}
	return Encrypt(key, []byte(plaintext))
}

// Decrypt opens ciphertext from peerID. Malformed input or a missing key
// yields an empty string and an error wrapping ErrDecrypt or ErrNoPeerKey.
func (m *KeyManager) Decrypt(ciphertext, peerID string) (string, error) {
	key, err := m.PeerKey(peerID)
	if err != nil {
		return "", err
	}
	plaintext, err := Decrypt(key, ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plaintext), nil
}

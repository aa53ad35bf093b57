package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const sealInfo = "peer-key-at-rest"

// sealKey derives the at-rest key for peer key blobs from the session key.
func sealKey(session SymmetricKey) ([]byte, error) {
	r := hkdf.New(sha256.New, session.Key, session.IV, []byte(sealInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive seal key: %w", err)
	}
	return key, nil
}

// seal encrypts plaintext with XChaCha20-Poly1305 bound to aad. The nonce is
// prepended and the result base64 encoded.
func seal(key, plaintext, aad []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("create XChaCha20-Poly1305: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plaintext, aad)...)
	return base64.StdEncoding.EncodeToString(out), nil
}

func unseal(key []byte, blob string, aad []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("decode sealed blob: %w", err)
	}
	if len(raw) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("sealed blob too short")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create XChaCha20-Poly1305: %w", err)
	}
	nonce := raw[:chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, raw[chacha20poly1305.NonceSizeX:], aad)
	if err != nil {
		return nil, fmt.Errorf("open sealed blob: %w", err)
	}
	return plaintext, nil
}

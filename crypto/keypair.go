package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

const (
	rsaPublicPEMType = "PUBLIC KEY"
	rsaKeyBits       = 2048
)

// GenerateRSAKeyPair creates the handshake keypair used during key sync.
func GenerateRSAKeyPair() (*rsa.PrivateKey, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA keypair: %w", err)
	}
	return privateKey, nil
}

// PublicKeyPEM encodes the public half of key as a PKIX PEM block.
func PublicKeyPEM(key *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("marshal RSA public key: %w", err)
	}
	block := &pem.Block{
		Type:  rsaPublicPEMType,
		Bytes: der,
	}
	return string(pem.EncodeToMemory(block)), nil
}

// ParsePublicKeyPEM reads an RSA public key in PKIX or PKCS1 PEM form.
func ParsePublicKeyPEM(raw string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(raw)))
	if block == nil {
		return nil, errors.New("decode RSA public PEM: no PEM block")
	}

	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse RSA public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("parse RSA public key: unexpected key type %T", parsed)
	}
	return key, nil
}

// EncryptWithPublicKey seals plaintext for the holder of publicPEM and
// returns it base64 encoded.
func EncryptWithPublicKey(publicPEM, plaintext string) (string, error) {
	key, err := ParsePublicKeyPEM(publicPEM)
	if err != nil {
		return "", err
	}
	sealed, err := rsa.EncryptPKCS1v15(rand.Reader, key, []byte(plaintext))
	if err != nil {
		return "", fmt.Errorf("RSA encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptWithPrivateKey opens a base64 RSA ciphertext.
func DecryptWithPrivateKey(key *rsa.PrivateKey, ciphertext string) (string, error) {
	if key == nil {
		return "", errors.New("RSA private key is required")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertext))
	if err != nil {
		return "", fmt.Errorf("decode RSA ciphertext: %w", err)
	}
	plaintext, err := rsa.DecryptPKCS1v15(rand.Reader, key, raw)
	if err != nil {
		return "", fmt.Errorf("RSA decrypt: %w", err)
	}
	return string(plaintext), nil
}

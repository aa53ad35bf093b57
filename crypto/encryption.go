package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	aes256KeySize = 32
	aesIVSize     = aes.BlockSize
)

// SymmetricKey is a key and IV pair for AES-256-CBC.
type SymmetricKey struct {
	Key []byte
	IV  []byte
}

// NewSymmetricKey generates a random 256-bit key and 128-bit IV.
func NewSymmetricKey() (SymmetricKey, error) {
	key := make([]byte, aes256KeySize)
	if _, err := rand.Read(key); err != nil {
		return SymmetricKey{}, fmt.Errorf("generate key: %w", err)
	}
	iv := make([]byte, aesIVSize)
	if _, err := rand.Read(iv); err != nil {
		return SymmetricKey{}, fmt.Errorf("generate iv: %w", err)
	}
	return SymmetricKey{Key: key, IV: iv}, nil
}

// ParseSymmetricKey reads the "<base64 key>:<base64 iv>" form.
func ParseSymmetricKey(encoded string) (SymmetricKey, error) {
	keyPart, ivPart, ok := strings.Cut(strings.TrimSpace(encoded), ":")
	if !ok {
		return SymmetricKey{}, errors.New("parse symmetric key: missing separator")
	}
	return DecodeSymmetricKey(keyPart, ivPart)
}

// DecodeSymmetricKey decodes base64 key and iv halves.
func DecodeSymmetricKey(keyB64, ivB64 string) (SymmetricKey, error) {
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return SymmetricKey{}, fmt.Errorf("decode key: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return SymmetricKey{}, fmt.Errorf("decode iv: %w", err)
	}
	k := SymmetricKey{Key: key, IV: iv}
	if err := k.validate(); err != nil {
		return SymmetricKey{}, err
	}
	return k, nil
}

// String returns the "<base64 key>:<base64 iv>" form.
func (k SymmetricKey) String() string {
	return k.KeyString() + ":" + k.IVString()
}

// KeyString returns the base64 key half.
func (k SymmetricKey) KeyString() string { return base64.StdEncoding.EncodeToString(k.Key) }

// IVString returns the base64 iv half.
func (k SymmetricKey) IVString() string { return base64.StdEncoding.EncodeToString(k.IV) }

// IsZero reports whether no key is set.
func (k SymmetricKey) IsZero() bool { return len(k.Key) == 0 }

func (k SymmetricKey) validate() error {
	if len(k.Key) != aes256KeySize {
		return fmt.Errorf("invalid key length: got %d want %d", len(k.Key), aes256KeySize)
	}
	if len(k.IV) != aesIVSize {
		return fmt.Errorf("invalid iv length: got %d want %d", len(k.IV), aesIVSize)
	}
	return nil
}

// Encrypt encrypts plaintext with AES-256-CBC and PKCS#7 padding and returns
// base64 ciphertext.
func Encrypt(k SymmetricKey, plaintext []byte) (string, error) {
	if err := k.validate(); err != nil {
		return "", err
	}

	block, err := aes.NewCipher(k.Key)
	if err != nil {
		return "", fmt.Errorf("create AES cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, k.IV).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt.
func Decrypt(k SymmetricKey, ciphertext string) ([]byte, error) {
	if err := k.validate(); err != nil {
		return nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertext))
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("invalid ciphertext length %d", len(raw))
	}

	block, err := aes.NewCipher(k.Key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}

	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, k.IV).CryptBlocks(out, raw)
	return pkcs7Unpad(out, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(bytes.Clone(data), bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-padding], nil
}

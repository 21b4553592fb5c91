// Package secrets seals API keys stored by the accounting service.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	sealedPrefix = "v1:"
	// KeySize is the required raw key length.
	KeySize = chacha20poly1305.KeySize
)

var (
	// ErrInvalidKey indicates a key of the wrong size or encoding.
	ErrInvalidKey = errors.New("secrets: key must be 32 bytes, base64 encoded")
	// ErrMalformed indicates a value that was not produced by Seal.
	ErrMalformed = errors.New("secrets: malformed sealed value")
)

// Box seals and opens strings with XChaCha20-Poly1305.
type Box struct {
	key [KeySize]byte
}

// NewBox constructs a Box from a raw 32-byte key.
func NewBox(key []byte) (*Box, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	box := &Box{}
	copy(box.key[:], key)
	return box, nil
}

// NewBoxFromBase64 decodes a standard or URL-safe base64 key.
func NewBoxFromBase64(encoded string) (*Box, error) {
	trimmed := strings.TrimSpace(encoded)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if raw, errDecode := enc.DecodeString(trimmed); errDecode == nil {
			return NewBox(raw)
		}
	}
	return nil, ErrInvalidKey
}

// DeriveBox derives a key from a passphrase with HKDF-SHA256.
func DeriveBox(passphrase, context string) (*Box, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, fmt.Errorf("secrets: empty passphrase")
	}
	key := make([]byte, KeySize)
	if _, errRead := io.ReadFull(hkdf.New(sha256.New, []byte(passphrase), nil, []byte(context)), key); errRead != nil {
		return nil, fmt.Errorf("secrets: derive key: %w", errRead)
	}
	return NewBox(key)
}

// Seal encrypts plaintext. The empty string seals to the empty string.
func (b *Box) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	aead, errAEAD := chacha20poly1305.NewX(b.key[:])
	if errAEAD != nil {
		return "", fmt.Errorf("secrets: init cipher: %w", errAEAD)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, errRand := rand.Read(nonce); errRand != nil {
		return "", fmt.Errorf("secrets: nonce: %w", errRand)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (b *Box) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	if !strings.HasPrefix(sealed, sealedPrefix) {
		return "", ErrMalformed
	}
	raw, errDecode := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	if errDecode != nil {
		return "", ErrMalformed
	}
	aead, errAEAD := chacha20poly1305.NewX(b.key[:])
	if errAEAD != nil {
		return "", fmt.Errorf("secrets: init cipher: %w", errAEAD)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrMalformed
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, errOpen := aead.Open(nil, nonce, ciphertext, nil)
	if errOpen != nil {
		return "", fmt.Errorf("secrets: open: %w", errOpen)
	}
	return string(plaintext), nil
}

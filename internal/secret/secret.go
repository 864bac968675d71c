// Package secret encrypts tool credentials at rest with a key derived from
// the process-wide encryption secret.
package secret

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

// Mask replaces credentials that cannot be decrypted.
const Mask = "****"

// prefix marks values produced by Encrypt.
const prefix = "v1:"

var hkdfInfo = []byte("switchboard tool credentials")

// ErrNoKey is returned by New when the process secret is empty.
var ErrNoKey = errors.New("secret: encryption key is required")

// Provider encrypts and decrypts small credential blobs.
type Provider interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// AEAD is the XChaCha20-Poly1305 Provider.
type AEAD struct {
	key []byte
}

// New derives a 256-bit key from passphrase. It fails fast when the
// passphrase is empty so a misconfigured process never starts workers.
func New(passphrase string) (*AEAD, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, ErrNoKey
	}
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, []byte(passphrase), nil, hkdfInfo)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("secret: derive key: %w", err)
	}
	return &AEAD{key: key}, nil
}

// Encrypt seals plaintext and returns "v1:" + base64(nonce || ciphertext).
func (a *AEAD) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(a.key)
	if err != nil {
		return "", fmt.Errorf("secret: init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secret: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (a *AEAD) Decrypt(ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, prefix) {
		return "", fmt.Errorf("secret: unrecognized ciphertext format")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, prefix))
	if err != nil {
		return "", fmt.Errorf("secret: decode: %w", err)
	}
	aead, err := chacha20poly1305.NewX(a.key)
	if err != nil {
		return "", fmt.Errorf("secret: init cipher: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return "", fmt.Errorf("secret: ciphertext too short")
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("secret: open: %w", err)
	}
	return string(plain), nil
}

// DecryptOrMask decrypts ciphertext, degrading to Mask on any failure.
// An empty ciphertext decrypts to an empty string.
func DecryptOrMask(p Provider, ciphertext string) string {
	if ciphertext == "" {
		return ""
	}
	if p == nil {
		return Mask
	}
	plain, err := p.Decrypt(ciphertext)
	if err != nil {
		return Mask
	}
	return plain
}

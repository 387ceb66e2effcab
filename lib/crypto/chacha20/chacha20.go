package chacha20

import (
	"crypto/sha256"
	"errors"
	"io"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var log = logger.GetGoI2PLogger()

// Key sizes
const (
	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSizeX
	TagSize   = chacha20poly1305.Overhead
)

var (
	ErrInvalidKeySize = errors.New("invalid ChaCha20 key size")
	ErrAuthFailed     = errors.New("ChaCha20-Poly1305 authentication failed")
)

// Key is a 256-bit XChaCha20-Poly1305 key.
type Key [KeySize]byte

// GenerateKey creates a new random key.
func GenerateKey() (Key, error) {
	var key Key
	if _, err := rand.Read(key[:]); err != nil {
		return Key{}, oops.Errorf("failed to generate ChaCha20 key: %w", err)
	}
	return key, nil
}

// KeyFromBytes copies a raw 32-byte key.
func KeyFromBytes(b []byte) (Key, error) {
	var key Key
	if len(b) != KeySize {
		return key, ErrInvalidKeySize
	}
	copy(key[:], b)
	return key, nil
}

// DeriveKey expands a shared secret into a key with HKDF-SHA256.
func DeriveKey(secret, salt []byte, info string) (Key, error) {
	var key Key
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return Key{}, oops.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// Seal encrypts data with a random nonce.
// The format is: [24-byte nonce][ciphertext+tag]
func (k Key) Seal(data, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k[:])
	if err != nil {
		return nil, oops.Errorf("failed to create XChaCha20-Poly1305 cipher: %w", err)
	}

	out := make([]byte, NonceSize, NonceSize+len(data)+TagSize)
	if _, err := rand.Read(out); err != nil {
		return nil, oops.Errorf("failed to generate random nonce: %w", err)
	}
	return aead.Seal(out, out[:NonceSize], data, ad), nil
}

// Open reverses Seal.
func (k Key) Open(data, ad []byte) ([]byte, error) {
	if len(data) < NonceSize+TagSize {
		return nil, oops.Errorf("encrypted data too short: %d bytes", len(data))
	}

	aead, err := chacha20poly1305.NewX(k[:])
	if err != nil {
		return nil, oops.Errorf("failed to create XChaCha20-Poly1305 cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, data[:NonceSize], data[NonceSize:], ad)
	if err != nil {
		log.WithError(err).Debug("XChaCha20-Poly1305 decryption failed")
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

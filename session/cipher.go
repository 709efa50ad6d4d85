package session

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Cipher seals and opens the cached session blob. The cache treats it as
// opaque.
type Cipher interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

var errShortBlob = errors.New("session: sealed blob too short")

// SealedCipher is XChaCha20-Poly1305 keyed from a secret through HKDF-SHA256.
// The blob layout is nonce followed by ciphertext.
type SealedCipher struct {
	aead cipher.AEAD
}

// NewSealedCipher derives a key from secret. An empty secret is rejected.
func NewSealedCipher(secret string) (*SealedCipher, error) {
	if secret == "" {
		return nil, errors.New("session: empty cipher secret")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(secret), []byte("formrelay/session"), []byte("profile-blob"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return &SealedCipher{aead: aead}, nil
}

// Seal implements Cipher.
func (c *SealedCipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open implements Cipher.
func (c *SealedCipher) Open(sealed []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(sealed) < ns+c.aead.Overhead() {
		return nil, errShortBlob
	}
	plain, err := c.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return plain, nil
}

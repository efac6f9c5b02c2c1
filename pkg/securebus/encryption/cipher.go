package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Cipher seals and opens payload bytes. Implementations must be safe for
// concurrent use.
type Cipher interface {
	// Encrypt seals plaintext, authenticating aad alongside it.
	Encrypt(plaintext, aad []byte) ([]byte, error)

	// Decrypt opens ciphertext produced by Encrypt with the same aad.
	Decrypt(ciphertext, aad []byte) ([]byte, error)

	// Algorithm names the scheme, e.g. "AES-256-GCM".
	Algorithm() string

	// KeyID identifies the key without revealing it.
	KeyID() string
}

// AESGCM is an AES-256-GCM Cipher. The nonce is prepended to the ciphertext.
type AESGCM struct {
	aead  cipher.AEAD
	keyID string
}

// NewAESGCM creates a cipher from a 32-byte key.
func NewAESGCM(key []byte) (*AESGCM, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	sum := sha256.Sum256(key)
	return &AESGCM{aead: aead, keyID: hex.EncodeToString(sum[:4])}, nil
}

// NewAESGCMFromPassphrase derives the key from a passphrase with SHA-256.
func NewAESGCMFromPassphrase(passphrase string) (*AESGCM, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}
	key := sha256.Sum256([]byte(passphrase))
	return NewAESGCM(key[:])
}

// Encrypt implements Cipher.
func (c *AESGCM) Encrypt(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Decrypt implements Cipher.
func (c *AESGCM) Decrypt(ciphertext, aad []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// Algorithm implements Cipher.
func (c *AESGCM) Algorithm() string {
	return "AES-256-GCM"
}

// KeyID implements Cipher.
func (c *AESGCM) KeyID() string {
	return c.keyID
}

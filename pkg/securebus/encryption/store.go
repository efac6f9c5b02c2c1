// Package encryption decides which events are encrypted and seals their
// payloads with a pluggable Cipher.
//
// The policy looks only at the event pattern, never at payload content.
// Sensitive patterns are globs where "*" matches any run of characters,
// so "payment.*" covers "payment.charge.succeeded".
package encryption

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tidwall/match"
)

// ErrNoCipher is returned when encryption is requested without a cipher.
var ErrNoCipher = errors.New("no cipher configured")

// EncryptedPayload replaces a payload once it is sealed. Its JSON form is
// recognized by IsEncrypted after a round trip through storage.
type EncryptedPayload struct {
	Encrypted  bool   `json:"__encrypted"`
	Algorithm  string `json:"algorithm"`
	KeyID      string `json:"key_id"`
	Pattern    string `json:"pattern"`
	Ciphertext string `json:"ciphertext"`
}

// Config configures the store.
type Config struct {
	// SensitivePatterns are globs of event patterns whose payloads are encrypted.
	SensitivePatterns []string

	// Cipher seals payloads. Nil disables encryption.
	Cipher Cipher

	// Logger for failures. Nil disables logging.
	Logger *slog.Logger
}

// DefaultSensitivePatterns cover payment and credential events.
var DefaultSensitivePatterns = []string{
	"payment.*",
	"*.password.*",
	"*.credentials.*",
	"auth.token.*",
}

// Stats reports encryption activity.
type Stats struct {
	Encrypted          int64
	Decrypted          int64
	EncryptionFailures int64
	DecryptionFailures int64
}

// Store applies the encryption policy.
type Store struct {
	cfg Config

	encrypted atomic.Int64
	decrypted atomic.Int64
	encFailed atomic.Int64
	decFailed atomic.Int64
}

// New creates a store. Nil SensitivePatterns take DefaultSensitivePatterns.
func New(cfg Config) *Store {
	if cfg.SensitivePatterns == nil {
		cfg.SensitivePatterns = DefaultSensitivePatterns
	}
	return &Store{cfg: cfg}
}

// Enabled reports whether a cipher is configured.
func (s *Store) Enabled() bool {
	return s.cfg.Cipher != nil
}

// ShouldEncrypt reports whether events on pattern must be encrypted.
func (s *Store) ShouldEncrypt(pattern string) bool {
	if s.cfg.Cipher == nil {
		return false
	}
	for _, glob := range s.cfg.SensitivePatterns {
		if match.Match(pattern, glob) {
			return true
		}
	}
	return false
}

// EncryptPayload seals payload. The pattern is authenticated with it, so the
// ciphertext cannot be replayed under another pattern.
func (s *Store) EncryptPayload(_ context.Context, payload any, pattern string) (*EncryptedPayload, error) {
	if s.cfg.Cipher == nil {
		return nil, ErrNoCipher
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		s.encFailed.Add(1)
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	sealed, err := s.cfg.Cipher.Encrypt(plaintext, []byte(pattern))
	if err != nil {
		s.encFailed.Add(1)
		s.warn("payload encryption failed", pattern, err)
		return nil, err
	}
	s.encrypted.Add(1)
	return &EncryptedPayload{
		Encrypted:  true,
		Algorithm:  s.cfg.Cipher.Algorithm(),
		KeyID:      s.cfg.Cipher.KeyID(),
		Pattern:    pattern,
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// DecryptPayload opens an encrypted payload back into a JSON tree. It accepts
// *EncryptedPayload, EncryptedPayload or its decoded JSON object form.
func (s *Store) DecryptPayload(_ context.Context, payload any) (any, error) {
	if s.cfg.Cipher == nil {
		return nil, ErrNoCipher
	}
	enc, ok := asEncrypted(payload)
	if !ok {
		return nil, fmt.Errorf("payload is not encrypted")
	}
	sealed, err := base64.StdEncoding.DecodeString(enc.Ciphertext)
	if err != nil {
		s.decFailed.Add(1)
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	plaintext, err := s.cfg.Cipher.Decrypt(sealed, []byte(enc.Pattern))
	if err != nil {
		s.decFailed.Add(1)
		s.warn("payload decryption failed", enc.Pattern, err)
		return nil, err
	}
	var out any
	if err := json.Unmarshal(plaintext, &out); err != nil {
		s.decFailed.Add(1)
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	s.decrypted.Add(1)
	return out, nil
}

// IsEncrypted reports whether payload is an encrypted envelope.
func IsEncrypted(payload any) bool {
	_, ok := asEncrypted(payload)
	return ok
}

// IsEncrypted reports whether payload is an encrypted envelope.
func (s *Store) IsEncrypted(payload any) bool {
	return IsEncrypted(payload)
}

func asEncrypted(payload any) (*EncryptedPayload, bool) {
	switch p := payload.(type) {
	case *EncryptedPayload:
		return p, p != nil && p.Encrypted
	case EncryptedPayload:
		return &p, p.Encrypted
	case map[string]any:
		flag, _ := p["__encrypted"].(bool)
		ct, _ := p["ciphertext"].(string)
		if !flag || ct == "" {
			return nil, false
		}
		enc := &EncryptedPayload{Encrypted: true, Ciphertext: ct}
		enc.Algorithm, _ = p["algorithm"].(string)
		enc.KeyID, _ = p["key_id"].(string)
		enc.Pattern, _ = p["pattern"].(string)
		return enc, true
	}
	return nil, false
}

// Stats returns encryption statistics.
func (s *Store) Stats() Stats {
	return Stats{
		Encrypted:          s.encrypted.Load(),
		Decrypted:          s.decrypted.Load(),
		EncryptionFailures: s.encFailed.Load(),
		DecryptionFailures: s.decFailed.Load(),
	}
}

func (s *Store) warn(msg, pattern string, err error) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Warn(msg,
		slog.String("pattern", pattern),
		slog.String("error", err.Error()),
	)
}

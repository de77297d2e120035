// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// EncryptedPrefix marks a sealed value (format: ENC:base64(salt|nonce|ciphertext|tag)).
const EncryptedPrefix = "ENC:"

// NonceSize is the size of the AES-GCM nonce (12 bytes / 96 bits).
const NonceSize = 12

// KeySize is the size of the AES-256 key (32 bytes / 256 bits).
const KeySize = 32

// SaltSize is the size of the per-blob key derivation salt.
const SaltSize = 16

// DefaultIterations is the PBKDF2-SHA-256 work factor.
// OWASP 2023 recommends 600,000+ for PBKDF2-SHA-256.
const DefaultIterations = 600000

// keyCacheSize bounds the derived-key cache.
const keyCacheSize = 8

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNoPassphrase indicates a seal/open without a held passphrase.
	ErrNoPassphrase = errors.New("no passphrase held")
	// ErrInvalidCiphertext indicates the sealed value is malformed.
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	// ErrDecryptionFailed indicates a wrong passphrase or tampered data.
	ErrDecryptionFailed = errors.New("decryption failed: authentication tag mismatch")
)

// ZeroBytes overwrites b with zeros.
// SECURITY: Zero key material to prevent memory disclosure via crash dumps.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// =============================================================================
// SEALER
// =============================================================================

// Sealer encrypts blobs with AES-256-GCM under a key derived from the
// passphrase in a Holder. Every blob carries its own salt, so a blob can be
// opened with nothing but the passphrase it was sealed under.
type Sealer struct {
	holder     *Holder
	iterations int

	mu    sync.Mutex
	cache []cachedKey
}

type cachedKey struct {
	digest [sha256.Size]byte // sha256(passphrase|salt)
	salt   []byte
	pass   [sha256.Size]byte // sha256(passphrase), for salt reuse
	key    []byte
}

// NewSealer returns a sealer reading its passphrase from holder.
// iterations <= 0 selects DefaultIterations.
func NewSealer(holder *Holder, iterations int) *Sealer {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return &Sealer{holder: holder, iterations: iterations}
}

// DeriveKey derives an AES-256 key from a passphrase and salt using
// PBKDF2-SHA-256.
func DeriveKey(passphrase, salt []byte, iterations int) []byte {
	return pbkdf2.Key(passphrase, salt, iterations, KeySize, sha256.New)
}

// GenerateSalt returns SaltSize random bytes.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// Seal encrypts plaintext and returns the prefixed base64 form.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	pass, ok := s.holder.Passphrase()
	if !ok {
		return "", ErrNoPassphrase
	}
	defer ZeroBytes(pass)

	salt, key, err := s.keyForSeal(pass)
	if err != nil {
		return "", err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, SaltSize+NonceSize+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, nil)

	return EncryptedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal under the held passphrase.
func (s *Sealer) Open(sealed string) ([]byte, error) {
	pass, ok := s.holder.Passphrase()
	if !ok {
		return nil, ErrNoPassphrase
	}
	defer ZeroBytes(pass)

	if !strings.HasPrefix(sealed, EncryptedPrefix) {
		return nil, ErrInvalidCiphertext
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, EncryptedPrefix))
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	if len(raw) < SaltSize+NonceSize {
		return nil, ErrInvalidCiphertext
	}

	salt := raw[:SaltSize]
	nonce := raw[SaltSize : SaltSize+NonceSize]
	body := raw[SaltSize+NonceSize:]

	gcm, err := newGCM(s.keyFor(pass, salt))
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// IsSealed reports whether value looks like Seal output.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, EncryptedPrefix)
}

// keyForSeal reuses the salt of a cached key for the same passphrase, so
// repeated writes skip the PBKDF2 cost. Nonces stay random per blob.
// Cached keys are copied on the way out so Forget can zero its own copies.
func (s *Sealer) keyForSeal(pass []byte) ([]byte, []byte, error) {
	passDigest := sha256.Sum256(pass)

	s.mu.Lock()
	for _, c := range s.cache {
		if c.pass == passDigest {
			salt, key := c.salt, append([]byte(nil), c.key...)
			s.mu.Unlock()
			return salt, key, nil
		}
	}
	s.mu.Unlock()

	salt, err := GenerateSalt()
	if err != nil {
		return nil, nil, err
	}
	return salt, s.keyFor(pass, salt), nil
}

func (s *Sealer) keyFor(pass, salt []byte) []byte {
	h := sha256.New()
	h.Write(pass)
	h.Write(salt)
	var digest [sha256.Size]byte
	copy(digest[:], h.Sum(nil))

	s.mu.Lock()
	for _, c := range s.cache {
		if c.digest == digest {
			key := append([]byte(nil), c.key...)
			s.mu.Unlock()
			return key
		}
	}
	s.mu.Unlock()

	key := DeriveKey(pass, salt, s.iterations)

	s.mu.Lock()
	defer s.mu.Unlock()
	entry := cachedKey{
		digest: digest,
		salt:   append([]byte(nil), salt...),
		pass:   sha256.Sum256(pass),
		key:    append([]byte(nil), key...),
	}
	// Newest first; the oldest entry falls off the end.
	s.cache = append([]cachedKey{entry}, s.cache...)
	if len(s.cache) > keyCacheSize {
		ZeroBytes(s.cache[keyCacheSize].key)
		s.cache = s.cache[:keyCacheSize]
	}
	return key
}

// Forget drops every cached derived key.
func (s *Sealer) Forget() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.cache {
		ZeroBytes(c.key)
	}
	s.cache = nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM cipher: %w", err)
	}
	return gcm, nil
}

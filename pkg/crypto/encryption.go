// Package crypto seals broker credentials at rest with versioned AES-256-GCM keys.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// KeySize is the required size for AES-256 keys (32 bytes)
	KeySize = 32
	// NonceSize is the size of the GCM nonce (12 bytes)
	NonceSize = 12

	envelopeOpen = "ENC[v"
	envelopeSep  = "]:"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Encryptor seals and opens values with a single key version.
// The associated data passed to Seal must be passed again to Open; the vault
// uses the owning user id so a ciphertext copied to another user's row is useless.
type Encryptor struct {
	aead    cipher.AEAD
	version int
}

// NewEncryptor creates an Encryptor for a 32-byte key.
func NewEncryptor(key []byte, version int) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	if version < 1 {
		return nil, fmt.Errorf("key version must be >= 1, got %d", version)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Encryptor{aead: aead, version: version}, nil
}

// Seal encrypts plaintext and returns ENC[vN]:base64(nonce+ciphertext).
func (e *Encryptor) Seal(plaintext, associated string) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), []byte(associated))
	return envelope(e.version, sealed), nil
}

// Open reverses Seal. The envelope version must match this encryptor.
func (e *Encryptor) Open(ciphertext, associated string) (string, error) {
	version, data, err := parseEnvelope(ciphertext)
	if err != nil {
		return "", err
	}
	if version != e.version {
		return "", fmt.Errorf("ciphertext is v%d, encryptor is v%d", version, e.version)
	}
	if len(data) < NonceSize+e.aead.Overhead() {
		return "", ErrInvalidCiphertext
	}
	plain, err := e.aead.Open(nil, data[:NonceSize], data[NonceSize:], []byte(associated))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// Version returns the key version used by this encryptor.
func (e *Encryptor) Version() int {
	return e.version
}

// ParseVersion extracts the key version from an envelope, or 0 if malformed.
func ParseVersion(ciphertext string) int {
	version, _, err := parseHeader(ciphertext)
	if err != nil {
		return 0
	}
	return version
}

func envelope(version int, sealed []byte) string {
	return fmt.Sprintf("%s%d%s%s", envelopeOpen, version, envelopeSep, base64.StdEncoding.EncodeToString(sealed))
}

func parseHeader(s string) (int, string, error) {
	if !strings.HasPrefix(s, envelopeOpen) {
		return 0, "", ErrInvalidCiphertext
	}
	rest := s[len(envelopeOpen):]
	idx := strings.Index(rest, envelopeSep)
	if idx <= 0 {
		return 0, "", ErrInvalidCiphertext
	}
	version, err := strconv.Atoi(rest[:idx])
	if err != nil || version < 1 {
		return 0, "", ErrInvalidCiphertext
	}
	return version, rest[idx+len(envelopeSep):], nil
}

func parseEnvelope(s string) (int, []byte, error) {
	version, payload, err := parseHeader(s)
	if err != nil {
		return 0, nil, err
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("base64 decode: %w", err)
	}
	return version, data, nil
}

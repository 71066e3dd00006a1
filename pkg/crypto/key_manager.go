package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

var (
	ErrNoKeys         = errors.New("no encryption keys configured")
	ErrVersionMissing = errors.New("key version not configured")
)

// KeyManager holds every configured key version. New values are sealed with
// the highest version; older versions stay available for Open and rotation.
type KeyManager struct {
	mu         sync.RWMutex
	currentVer int
	encryptors map[int]*Encryptor
}

// NewKeyManager builds a KeyManager from base64-encoded keys indexed by version.
func NewKeyManager(encoded map[int]string) (*KeyManager, error) {
	if len(encoded) == 0 {
		return nil, ErrNoKeys
	}
	km := &KeyManager{encryptors: make(map[int]*Encryptor, len(encoded))}
	for ver, b64 := range encoded {
		key, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("decode key v%d: %w", ver, err)
		}
		enc, err := NewEncryptor(key, ver)
		if err != nil {
			return nil, fmt.Errorf("key v%d: %w", ver, err)
		}
		km.encryptors[ver] = enc
		if ver > km.currentVer {
			km.currentVer = ver
		}
	}
	return km, nil
}

// Encrypt seals plaintext with the current key version.
func (km *KeyManager) Encrypt(plaintext, associated string) (string, error) {
	km.mu.RLock()
	enc := km.encryptors[km.currentVer]
	km.mu.RUnlock()
	if enc == nil {
		return "", ErrNoKeys
	}
	return enc.Seal(plaintext, associated)
}

// Decrypt opens ciphertext with whichever version sealed it.
func (km *KeyManager) Decrypt(ciphertext, associated string) (string, error) {
	version := ParseVersion(ciphertext)
	if version == 0 {
		return "", ErrInvalidCiphertext
	}
	km.mu.RLock()
	enc, ok := km.encryptors[version]
	km.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: v%d", ErrVersionMissing, version)
	}
	return enc.Open(ciphertext, associated)
}

// ReEncrypt moves a ciphertext onto the current key version.
// Values already on the current version are returned unchanged.
func (km *KeyManager) ReEncrypt(ciphertext, associated string) (string, bool, error) {
	if ParseVersion(ciphertext) == km.CurrentVersion() {
		return ciphertext, false, nil
	}
	plaintext, err := km.Decrypt(ciphertext, associated)
	if err != nil {
		return "", false, fmt.Errorf("decrypt for re-encryption: %w", err)
	}
	out, err := km.Encrypt(plaintext, associated)
	if err != nil {
		return "", false, err
	}
	return out, true, nil
}

// CurrentVersion returns the version used for new ciphertexts.
func (km *KeyManager) CurrentVersion() int {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.currentVer
}

// Versions lists the loaded key versions in ascending order.
func (km *KeyManager) Versions() []int {
	km.mu.RLock()
	defer km.mu.RUnlock()
	out := make([]int, 0, len(km.encryptors))
	for v := range km.encryptors {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// GenerateKey returns a random base64-encoded 32-byte key.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(randReader, key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// randReader is swapped in tests.
var randReader io.Reader = rand.Reader

// Package crypto provides envelope encryption for secrets at rest.
//
// Sealing uses AES-256-GCM with a fresh random nonce per call. Every
// sealed record is tagged with the key version that produced it, so key
// rotation can be added later without re-encrypting stored data.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	// KeySize is the key size in bytes (AES-256).
	KeySize = 32

	// EnvKey names the environment variable carrying a hex-encoded key.
	EnvKey = "RELAY_ENCRYPTION_KEY"
)

var (
	// ErrDecryptFailed is returned when the authentication tag check fails.
	ErrDecryptFailed = errors.New("decrypt failed")

	// ErrUnknownKeyVersion is returned when opening a record sealed with
	// a key version this keyring does not hold.
	ErrUnknownKeyVersion = errors.New("unknown key version")
)

// Keyring holds the encryption keys by version. The current version is
// used for sealing; any held version can open.
type Keyring struct {
	keys    map[int][]byte
	current int
}

// NewKeyring creates a keyring with a single key at version 1.
func NewKeyring(key []byte) (*Keyring, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	return &Keyring{
		keys:    map[int][]byte{1: key},
		current: 1,
	}, nil
}

// Load builds the keyring from RELAY_ENCRYPTION_KEY when set (hex-encoded
// 32 bytes), otherwise from the key file at keyPath, generating and
// persisting a fresh key on first start.
func Load(keyPath string) (*Keyring, error) {
	if encoded := os.Getenv(EnvKey); encoded != "" {
		key, err := hex.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("%s is not valid hex: %w", EnvKey, err)
		}
		return NewKeyring(key)
	}

	key, err := loadOrGenerateKeyFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("master key init: %w", err)
	}
	return NewKeyring(key)
}

func loadOrGenerateKeyFile(keyPath string) ([]byte, error) {
	data, err := os.ReadFile(keyPath)
	if err == nil && len(data) == KeySize {
		return data, nil
	}

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}

	if err := os.WriteFile(keyPath, key, 0600); err != nil {
		return nil, fmt.Errorf("write key: %w", err)
	}

	return key, nil
}

// CurrentVersion returns the key version used for sealing.
func (k *Keyring) CurrentVersion() int {
	return k.current
}

// Seal encrypts plaintext with the current key.
// Returns (ciphertext, nonce, keyVersion, error).
func (k *Keyring) Seal(plaintext []byte) ([]byte, []byte, int, error) {
	key := k.keys[k.current]

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, 0, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, k.current, nil
}

// Open decrypts ciphertext sealed at the given key version. It fails
// with ErrUnknownKeyVersion for versions the keyring does not hold and
// ErrDecryptFailed when authentication fails; it never returns partial
// plaintext.
func (k *Keyring) Open(ciphertext, nonce []byte, keyVersion int) ([]byte, error) {
	key, ok := k.keys[keyVersion]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKeyVersion, keyVersion)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}

	return plaintext, nil
}

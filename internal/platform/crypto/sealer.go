// Package crypto seals secrets at rest with XChaCha20-Poly1305.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeyLen is the master key length in bytes.
const KeyLen = chacha20poly1305.KeySize

var ErrCiphertextTooShort = errors.New("ciphertext too short")

// Sealer encrypts and authenticates small secrets. The nonce is prepended to the output.
type Sealer struct {
	key []byte
}

// NewSealer derives a purpose-bound key from masterKey via HKDF-SHA256.
func NewSealer(masterKey []byte, purpose string) (*Sealer, error) {
	if len(masterKey) != KeyLen {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeyLen, len(masterKey))
	}
	r := hkdf.New(sha256.New, masterKey, nil, []byte(purpose))
	key := make([]byte, KeyLen)
	if _, err := r.Read(key); err != nil {
		return nil, err
	}
	return &Sealer{key: key}, nil
}

// AAD joins context fields into additional authenticated data, e.g. user|provider|field.
func AAD(parts ...string) []byte {
	return []byte(strings.Join(parts, "|"))
}

// Seal encrypts plaintext bound to aad.
func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, aad), nil
}

// Open decrypts a blob produced by Seal with the same aad.
func (s *Sealer) Open(blob, aad []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, ErrCiphertextTooShort
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce, ct := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, aad)
}

// KeySource tells LoadMasterKey where the key lives.
type KeySource struct {
	Kind           string // env or keyring
	EncodedKey     string // base64, for env
	KeyringService string
	KeyringUser    string
}

// LoadMasterKey returns the raw master key from configuration or the OS keyring.
func LoadMasterKey(src KeySource) ([]byte, error) {
	encoded := src.EncodedKey
	switch src.Kind {
	case "", "env":
	case "keyring":
		v, err := keyring.Get(src.KeyringService, src.KeyringUser)
		if err != nil {
			return nil, fmt.Errorf("read master key from keyring: %w", err)
		}
		encoded = v
	default:
		return nil, fmt.Errorf("unknown vault key source %q", src.Kind)
	}
	if encoded == "" {
		return nil, errors.New("vault master key is not configured")
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(key) != KeyLen {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeyLen, len(key))
	}
	return key, nil
}

// GenerateMasterKey creates a random key and stores it in the OS keyring.
// It returns the base64 form so operators can also provide it through the environment.
func GenerateMasterKey(service, user string) (string, error) {
	key := make([]byte, KeyLen)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := keyring.Set(service, user, encoded); err != nil {
		return "", fmt.Errorf("store master key in keyring: %w", err)
	}
	return encoded, nil
}

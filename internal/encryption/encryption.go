// Package encryption derives per-merchant keys and seals individual field values.
package encryption

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

	"golang.org/x/crypto/hkdf"

	"github.com/tysjosh/mindshop-sub016/internal/domain"
)

// MinMasterKeyLen is the minimum master key length in bytes.
const MinMasterKeyLen = 32

const (
	keyLen = 32
	prefix = "v1:"
)

var (
	// ErrMasterKeyTooShort is returned by New for keys under MinMasterKeyLen.
	ErrMasterKeyTooShort = errors.New("master key too short")
	// ErrMalformedCiphertext signals input DecryptString cannot parse.
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
)

type keyID struct {
	merchant string
	purpose  string
}

// Service encrypts strings with AES-256-GCM under a key derived per
// (merchant, purpose) by HKDF-SHA256. Safe for concurrent use.
type Service struct {
	master []byte

	mu    sync.RWMutex
	aeads map[keyID]cipher.AEAD
}

// New creates a Service from the master key.
func New(masterKey []byte) (*Service, error) {
	if len(masterKey) < MinMasterKeyLen {
		return nil, fmt.Errorf("%w: got %d bytes, need %d", ErrMasterKeyTooShort, len(masterKey), MinMasterKeyLen)
	}
	master := make([]byte, len(masterKey))
	copy(master, masterKey)
	return &Service{master: master, aeads: make(map[keyID]cipher.AEAD)}, nil
}

// EncryptString seals plaintext for merchantID. aad is bound to the
// ciphertext and must be presented again to decrypt.
func (s *Service) EncryptString(plaintext, merchantID, aad, purpose string) (string, error) {
	aead, err := s.aead(merchantID, purpose)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrEncryptionFailure, err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: nonce: %w", domain.ErrEncryptionFailure, err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), []byte(aad))
	return prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString opens a value produced by EncryptString.
func (s *Service) DecryptString(ciphertext, merchantID, aad, purpose string) (string, error) {
	raw, ok := strings.CutPrefix(ciphertext, prefix)
	if !ok {
		return "", fmt.Errorf("%w: unknown version", ErrMalformedCiphertext)
	}
	sealed, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedCiphertext, err)
	}

	aead, err := s.aead(merchantID, purpose)
	if err != nil {
		return "", err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return "", fmt.Errorf("%w: too short", ErrMalformedCiphertext)
	}
	nonce, body := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, body, []byte(aad))
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

func (s *Service) aead(merchantID, purpose string) (cipher.AEAD, error) {
	if merchantID == "" {
		return nil, errors.New("merchant id is required")
	}
	id := keyID{merchant: merchantID, purpose: purpose}

	s.mu.RLock()
	a, ok := s.aeads[id]
	s.mu.RUnlock()
	if ok {
		return a, nil
	}

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.master, []byte(merchantID), []byte(purpose)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	a, err = cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}

	s.mu.Lock()
	s.aeads[id] = a
	s.mu.Unlock()
	return a, nil
}

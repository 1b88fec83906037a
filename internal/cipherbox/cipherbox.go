// Package cipherbox performs all symmetric encryption of the security core
// under the derived master key, plus the device-bound hashing used for
// credentials and integrity digests.
package cipherbox

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"moneta/security-core/internal/keyderive"
	"moneta/security-core/pkg/secerr"
)

// Service encrypts with XChaCha20-Poly1305. Every call draws a fresh random
// nonce; the envelope layout is nonce || ciphertext.
type Service struct {
	mu       sync.RWMutex
	master   *keyderive.MasterKey
	identity keyderive.DeviceIdentity
}

func New(master *keyderive.MasterKey, identity keyderive.DeviceIdentity) *Service {
	return &Service{master: master, identity: identity}
}

// Swap replaces the master key after a rotation. The old key is not zeroed
// here; rotation owns that.
func (s *Service) Swap(master *keyderive.MasterKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.master = master
}

// Ready reports whether encryption is possible, i.e. a live master key is
// attached.
func (s *Service) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.master != nil && s.master.Valid()
}

// EncryptBytes seals plaintext into a nonce || ciphertext envelope.
func (s *Service) EncryptBytes(plaintext []byte) ([]byte, error) {
	aead, err := s.aead()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce generation: %v", secerr.ErrEncryption, err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptBytes opens an envelope produced by EncryptBytes.
func (s *Service) DecryptBytes(envelope []byte) ([]byte, error) {
	aead, err := s.aead()
	if err != nil {
		return nil, err
	}
	if len(envelope) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return nil, fmt.Errorf("%w: envelope too short", secerr.ErrEncryption)
	}
	nonce := envelope[:chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, envelope[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt failed", secerr.ErrEncryption)
	}
	return plaintext, nil
}

// EncryptString seals a string and base64-encodes the envelope for storage
// in the string-valued secure store.
func (s *Service) EncryptString(plaintext string) (string, error) {
	env, err := s.EncryptBytes([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(env), nil
}

// DecryptString reverses EncryptString.
func (s *Service) DecryptString(encoded string) (string, error) {
	env, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: envelope is not decodable", secerr.ErrEncryption)
	}
	plaintext, err := s.DecryptBytes(env)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Hash binds data to this device: SHA-256 over data || deviceIdentity,
// hex-encoded. Used for credentials and integrity digests, never for the
// master key itself.
func (s *Service) Hash(data string) string {
	h := sha256.New()
	h.Write([]byte(data))
	h.Write(s.identityBytes())
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyHash compares in constant time.
func (s *Service) VerifyHash(data, digest string) bool {
	expected := s.Hash(data)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(digest)) == 1
}

func (s *Service) aead() (cipher.AEAD, error) {
	s.mu.RLock()
	master := s.master
	s.mu.RUnlock()
	if master == nil {
		return nil, secerr.ErrNotInitialized
	}
	key, err := master.Key()
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key[:])
	for i := range key {
		key[i] = 0
	}
	if err != nil {
		return nil, fmt.Errorf("%w: cipher init: %v", secerr.ErrEncryption, err)
	}
	return aead, nil
}

func (s *Service) identityBytes() []byte {
	id := s.identity
	return id[:]
}

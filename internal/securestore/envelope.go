package securestore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeVersion = 1
	envelopePrefix  = "MNTSEC1\n"
	envelopeSaltLen = 16

	kdfTime     = uint32(2)
	kdfMemoryKB = uint32(64 * 1024)
	kdfThreads  = uint8(1)
)

var (
	ErrEnvelopeAuth    = errors.New("securestore: envelope authentication failed")
	ErrEnvelopeInvalid = errors.New("securestore: envelope is invalid")
)

type envelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

// Seal encrypts plaintext under a passphrase-derived key. The output is a
// self-describing envelope; all KDF parameters needed to open it again are
// recorded inside.
func Seal(passphrase string, plaintext []byte) ([]byte, error) {
	salt := make([]byte, envelopeSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := envelopeKey(passphrase, salt, kdfTime, kdfMemoryKB, kdfThreads)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	env := envelope{
		Version:     envelopeVersion,
		KDF:         "argon2id",
		KDFTime:     kdfTime,
		KDFMemoryKB: kdfMemoryKB,
		KDFThreads:  kdfThreads,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, plaintext, nil),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(envelopePrefix), raw...), nil
}

// Open decrypts an envelope produced by Seal.
func Open(passphrase string, data []byte) ([]byte, error) {
	if !strings.HasPrefix(string(data), envelopePrefix) {
		return nil, ErrEnvelopeInvalid
	}
	var env envelope
	if err := json.Unmarshal(data[len(envelopePrefix):], &env); err != nil {
		return nil, ErrEnvelopeInvalid
	}
	if env.Version != envelopeVersion || env.KDF != "argon2id" {
		return nil, ErrEnvelopeInvalid
	}
	key := envelopeKey(passphrase, env.Salt, env.KDFTime, env.KDFMemoryKB, env.KDFThreads)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrEnvelopeAuth
	}
	return plaintext, nil
}

func envelopeKey(passphrase string, salt []byte, t, memKB uint32, threads uint8) []byte {
	return argon2.IDKey([]byte(passphrase), salt, t, memKB, threads, chacha20poly1305.KeySize)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

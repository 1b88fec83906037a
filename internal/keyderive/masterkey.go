package keyderive

import (
	"crypto/rand"
	"sync"

	"moneta/security-core/pkg/secerr"
)

// MasterKey holds the derived symmetric key in memory. It is never
// persisted; Zeroize destroys it in place and every later access fails
// with ErrNotInitialized.
type MasterKey struct {
	mu    sync.RWMutex
	key   [32]byte
	valid bool
}

// DeriveMasterKey computes the composite master key from the device
// identity and salt. Deterministic: identical inputs always produce the
// identical key. This is CPU-bound and runs to completion once started;
// callers should treat it as a slow initialization step.
func DeriveMasterKey(id DeviceIdentity, salt Salt) *MasterKey {
	a := stretchA(id, salt)
	b := stretchB(id, salt)
	c := stretchC(id, salt)
	mk := &MasterKey{key: combine(a, b, c), valid: true}
	zero32(&a)
	zero32(&b)
	zero32(&c)
	return mk
}

// Key copies the key material out for an AEAD constructor. Callers zero
// their copy when done.
func (m *MasterKey) Key() ([32]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.valid {
		return [32]byte{}, secerr.ErrNotInitialized
	}
	return m.key, nil
}

// Valid reports whether the key is still usable.
func (m *MasterKey) Valid() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.valid
}

// Zeroize overwrites the key with several patterns before dropping it.
// Overwriting matters more than the pattern sequence; the passes mirror the
// wipe tiers' fixed-then-random convention.
func (m *MasterKey) Zeroize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.key {
		m.key[i] = 0x00
	}
	for i := range m.key {
		m.key[i] = 0xFF
	}
	_, _ = rand.Read(m.key[:])
	for i := range m.key {
		m.key[i] = 0x00
	}
	m.valid = false
}

func zero32(b *[32]byte) {
	for i := range b {
		b[i] = 0
	}
}

// Package keyderive owns the device identity, the master salt and the
// derivation of the 32-byte master key. The identity is generated once per
// install and never leaves the device; every credential hash and every
// derived key is bound to it.
package keyderive

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"

	"moneta/security-core/internal/securestore"
	"moneta/security-core/pkg/secerr"
)

const (
	identityStoreKey = "keyderive.device_identity"
	saltStoreKey     = "keyderive.master_salt"

	// IdentitySize and SaltSize are fixed; persisted values of any other
	// length are treated as corruption.
	IdentitySize = 32
	SaltSize     = 32
)

// DeviceIdentity is the opaque per-install random identifier. Immutable
// after creation.
type DeviceIdentity [IdentitySize]byte

// Display returns the log-safe identifier form: a prefix plus the base58
// encoding of the identity's BLAKE2b digest. The raw bytes never appear in
// logs or exports.
func (d DeviceIdentity) Display() string {
	sum := blake2b.Sum256(d[:])
	return "sec1" + base58.Encode(sum[:16])
}

func (d DeviceIdentity) bytes() []byte { return d[:] }

// Entropy exposes the raw identity bytes for recovery-phrase encoding.
// Callers must not retain the slice.
func (d DeviceIdentity) Entropy() []byte {
	return append([]byte(nil), d[:]...)
}

// Salt is the persisted derivation salt, regenerated only on explicit
// master-key rotation.
type Salt [SaltSize]byte

// Provisioner reads or creates the identity and salt in the secure store.
// Any store failure here is fatal for the core: nothing can operate without
// derivation inputs.
type Provisioner struct {
	store securestore.Store
	log   *slog.Logger
}

func NewProvisioner(store securestore.Store, log *slog.Logger) *Provisioner {
	if log == nil {
		log = slog.Default()
	}
	return &Provisioner{store: store, log: log}
}

// EnsureIdentity returns the persisted device identity, creating it on first
// boot.
func (p *Provisioner) EnsureIdentity() (DeviceIdentity, error) {
	var id DeviceIdentity
	raw, found, err := p.store.Read(identityStoreKey)
	if err != nil {
		return id, fmt.Errorf("%w: read device identity: %v", secerr.ErrStorage, err)
	}
	if found {
		decoded, err := hex.DecodeString(raw)
		if err != nil || len(decoded) != IdentitySize {
			return id, fmt.Errorf("%w: persisted device identity is corrupt", secerr.ErrStorage)
		}
		copy(id[:], decoded)
		return id, nil
	}
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("%w: generate device identity: %v", secerr.ErrStorage, err)
	}
	if err := p.store.Write(identityStoreKey, hex.EncodeToString(id[:])); err != nil {
		return id, fmt.Errorf("%w: persist device identity: %v", secerr.ErrStorage, err)
	}
	p.log.Info("device identity provisioned", "device_id", id.Display())
	return id, nil
}

// ImportIdentity installs a recovered device identity on a fresh install.
// Refused once an identity exists; the identity is immutable after creation.
func (p *Provisioner) ImportIdentity(id DeviceIdentity) error {
	_, found, err := p.store.Read(identityStoreKey)
	if err != nil {
		return fmt.Errorf("%w: read device identity: %v", secerr.ErrStorage, err)
	}
	if found {
		return fmt.Errorf("%w: device identity already provisioned", secerr.ErrValidation)
	}
	if err := p.store.Write(identityStoreKey, hex.EncodeToString(id[:])); err != nil {
		return fmt.Errorf("%w: persist device identity: %v", secerr.ErrStorage, err)
	}
	p.log.Info("device identity imported from recovery phrase", "device_id", id.Display())
	return nil
}

// EnsureSalt returns the persisted master salt, creating it on first boot.
// A fresh salt mixes raw randomness with a startup fingerprint of time and
// the device identity.
func (p *Provisioner) EnsureSalt(id DeviceIdentity) (Salt, error) {
	var salt Salt
	raw, found, err := p.store.Read(saltStoreKey)
	if err != nil {
		return salt, fmt.Errorf("%w: read master salt: %v", secerr.ErrStorage, err)
	}
	if found {
		decoded, err := hex.DecodeString(raw)
		if err != nil || len(decoded) != SaltSize {
			return salt, fmt.Errorf("%w: persisted master salt is corrupt", secerr.ErrStorage)
		}
		copy(salt[:], decoded)
		return salt, nil
	}
	return p.RotateSalt(id)
}

// RotateSalt generates and persists a new salt. Callers must re-derive the
// master key afterwards; the old key no longer corresponds to stored state.
func (p *Provisioner) RotateSalt(id DeviceIdentity) (Salt, error) {
	var salt Salt
	fresh, err := newSalt(id)
	if err != nil {
		return salt, fmt.Errorf("%w: generate master salt: %v", secerr.ErrStorage, err)
	}
	if err := p.store.Write(saltStoreKey, hex.EncodeToString(fresh[:])); err != nil {
		return salt, fmt.Errorf("%w: persist master salt: %v", secerr.ErrStorage, err)
	}
	p.log.Info("master salt rotated")
	return fresh, nil
}

// EraseSalt overwrites the persisted salt with random bytes several times
// before deleting the entry. Part of the military wipe sequence.
func (p *Provisioner) EraseSalt() error {
	for i := 0; i < 3; i++ {
		junk := make([]byte, SaltSize)
		if _, err := rand.Read(junk); err != nil {
			break
		}
		if err := p.store.Write(saltStoreKey, hex.EncodeToString(junk)); err != nil {
			return fmt.Errorf("%w: overwrite master salt: %v", secerr.ErrStorage, err)
		}
	}
	if err := p.store.Delete(saltStoreKey); err != nil {
		return fmt.Errorf("%w: delete master salt: %v", secerr.ErrStorage, err)
	}
	return nil
}

func newSalt(id DeviceIdentity) (Salt, error) {
	var salt Salt
	entropy := make([]byte, SaltSize)
	if _, err := rand.Read(entropy); err != nil {
		return salt, err
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(time.Now().UnixNano()))
	fingerprint := blake2b.Sum256(id.bytes())

	h := sha256.New()
	h.Write(entropy)
	h.Write(ts[:])
	h.Write(fingerprint[:])
	copy(salt[:], h.Sum(nil))
	return salt, nil
}

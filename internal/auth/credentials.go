// Package auth implements the PIN/biometric login state machine, lockout
// bookkeeping and the strict self-destruct > decoy > primary precedence.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"moneta/security-core/internal/cipherbox"
	"moneta/security-core/internal/securestore"
	"moneta/security-core/pkg/models"
	"moneta/security-core/pkg/secerr"
)

// Role names one of the three concurrent top-level credential slots.
type Role string

const (
	RolePrimary      Role = "primary"
	RoleDecoy        Role = "decoy"
	RoleSelfDestruct Role = "self_destruct"
)

const credentialSaltLen = 16

// CredentialVault stores and verifies the (hash, salt) credential pairs.
// Hashes bind pin, salt and the device identity through cipherbox.Hash, so
// stored credentials are useless off-device.
type CredentialVault struct {
	store  securestore.Store
	cipher *cipherbox.Service
}

func NewCredentialVault(store securestore.Store, cipher *cipherbox.Service) *CredentialVault {
	return &CredentialVault{store: store, cipher: cipher}
}

// Set creates or replaces the credential for a role with a fresh salt.
func (v *CredentialVault) Set(role Role, pin string) error {
	saltRaw := make([]byte, credentialSaltLen)
	if _, err := rand.Read(saltRaw); err != nil {
		return fmt.Errorf("%w: credential salt: %v", secerr.ErrStorage, err)
	}
	salt := hex.EncodeToString(saltRaw)
	cred := models.Credential{Hash: v.cipher.Hash(pin + salt), Salt: salt}

	payload, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	if err := v.store.Write(credentialKey(role), string(payload)); err != nil {
		return fmt.Errorf("%w: persist %s credential: %v", secerr.ErrStorage, role, err)
	}
	return nil
}

// Get loads a role's credential; found=false means the role is unset, which
// is a defined state, not an error.
func (v *CredentialVault) Get(role Role) (models.Credential, bool, error) {
	raw, found, err := v.store.Read(credentialKey(role))
	if err != nil {
		return models.Credential{}, false, fmt.Errorf("%w: read %s credential: %v", secerr.ErrStorage, role, err)
	}
	if !found {
		return models.Credential{}, false, nil
	}
	var cred models.Credential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		return models.Credential{}, false, fmt.Errorf("%w: %s credential is corrupt", secerr.ErrStorage, role)
	}
	return cred, true, nil
}

// Matches verifies a PIN against a role in constant time. Unset roles never
// match.
func (v *CredentialVault) Matches(role Role, pin string) (bool, error) {
	cred, found, err := v.Get(role)
	if err != nil {
		return false, err
	}
	if !found || cred.IsZero() {
		return false, nil
	}
	return v.cipher.VerifyHash(pin+cred.Salt, cred.Hash), nil
}

// Clear removes a role's credential.
func (v *CredentialVault) Clear(role Role) error {
	if err := v.store.Delete(credentialKey(role)); err != nil {
		return fmt.Errorf("%w: clear %s credential: %v", secerr.ErrStorage, role, err)
	}
	return nil
}

// ClearAll removes every top-level credential; the self-destruct path calls
// it after the wipe in case the store outlived DeleteAll.
func (v *CredentialVault) ClearAll() error {
	var firstErr error
	for _, role := range []Role{RolePrimary, RoleDecoy, RoleSelfDestruct} {
		if err := v.Clear(role); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func credentialKey(role Role) string {
	return "auth.credential." + string(role)
}

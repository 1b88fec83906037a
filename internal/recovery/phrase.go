// Package recovery encodes the device identity as a BIP-39 mnemonic. A user
// who keeps the phrase (and a backup of the sealed store) can reproduce the
// same key-derivation lineage after a reinstall; without it, a lost device
// identity means every ciphertext is gone for good.
package recovery

import (
	"fmt"

	"github.com/tyler-smith/go-bip39"

	"moneta/security-core/internal/keyderive"
	"moneta/security-core/pkg/secerr"
)

// PhraseFromIdentity renders the 32 identity bytes as a 24-word mnemonic.
func PhraseFromIdentity(id keyderive.DeviceIdentity) (string, error) {
	phrase, err := bip39.NewMnemonic(id.Entropy())
	if err != nil {
		return "", fmt.Errorf("%w: encode recovery phrase: %v", secerr.ErrValidation, err)
	}
	return phrase, nil
}

// IdentityFromPhrase reverses PhraseFromIdentity.
func IdentityFromPhrase(phrase string) (keyderive.DeviceIdentity, error) {
	var id keyderive.DeviceIdentity
	if !bip39.IsMnemonicValid(phrase) {
		return id, fmt.Errorf("%w: invalid recovery phrase", secerr.ErrValidation)
	}
	entropy, err := bip39.EntropyFromMnemonic(phrase)
	if err != nil {
		return id, fmt.Errorf("%w: invalid recovery phrase", secerr.ErrValidation)
	}
	if len(entropy) != keyderive.IdentitySize {
		return id, fmt.Errorf("%w: recovery phrase does not encode a device identity", secerr.ErrValidation)
	}
	copy(id[:], entropy)
	return id, nil
}

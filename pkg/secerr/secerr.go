// Package secerr defines the shared error taxonomy of the security core.
// Packages wrap these sentinels with context via fmt.Errorf("%w: ...") so
// callers can classify failures with errors.Is regardless of which component
// produced them.
package secerr

import "errors"

var (
	// ErrValidation rejects malformed input (PIN length/format) before any
	// credential is consulted.
	ErrValidation = errors.New("validation failed")

	// ErrAuthentication reports a PIN or biometric mismatch, or a missing
	// privilege to mutate a credential.
	ErrAuthentication = errors.New("authentication failed")

	// ErrLockedOut refuses an operation while a lockout window is open.
	ErrLockedOut = errors.New("locked out")

	// ErrEncryption reports a malformed ciphertext envelope or a failed
	// decryption.
	ErrEncryption = errors.New("encryption failed")

	// ErrIntegrity reports a tamper baseline mismatch or a positive runtime
	// heuristic. It always escalates to the emergency protocol.
	ErrIntegrity = errors.New("integrity violation")

	// ErrStorage wraps failures surfaced by the secure key-value store.
	ErrStorage = errors.New("storage failure")

	// ErrNotInitialized is returned once the master key has been dropped by
	// a wipe or is not yet derived.
	ErrNotInitialized = errors.New("security core not initialized")

	// ErrBusy rejects a state-changing operation while another of the same
	// kind is in flight.
	ErrBusy = errors.New("operation already in flight")
)

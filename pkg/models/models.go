package models

import (
	"strings"
	"time"
)

// WalletID identifies a wallet owned by the bulk data layer. The security
// core never interprets the value; it only keys lock and mode configuration
// by it.
type WalletID string

func (id WalletID) String() string { return string(id) }

func (id WalletID) Valid() bool { return strings.TrimSpace(string(id)) != "" }

// Credential is a salted hash of a PIN. The hash binds pin, salt and the
// device identity together, so a credential copied to another device does
// not verify.
type Credential struct {
	Hash string `json:"hash"`
	Salt string `json:"salt"`
}

func (c Credential) IsZero() bool { return c.Hash == "" && c.Salt == "" }

// AuthState is the authentication controller's current state.
type AuthState string

const (
	StateLocked         AuthState = "locked"
	StateAuthenticating AuthState = "authenticating"
	StateUnlocked       AuthState = "unlocked"
	StateLockedOut      AuthState = "locked_out"
	StateSelfDestructed AuthState = "self_destructed"
)

// Session describes the current unlocked session, if any. Decoy marks a
// session opened with the decoy PIN; the data view layer filters on it.
type Session struct {
	State      AuthState `json:"state"`
	Decoy      bool      `json:"decoy"`
	UnlockedAt time.Time `json:"unlocked_at"`
}

// LockoutState survives restarts so repeated failures cannot be reset by
// killing the process.
type LockoutState struct {
	FailedAttempts int        `json:"failed_attempts"`
	LockoutUntil   *time.Time `json:"lockout_until,omitempty"`
}

func (l LockoutState) Active(now time.Time) bool {
	return l.LockoutUntil != nil && now.Before(*l.LockoutUntil)
}

// WalletLockConfig is the per-wallet lock record. Auto-lock state is derived
// from LastUnlockedAt, never stored separately.
type WalletLockConfig struct {
	Enabled          bool          `json:"enabled"`
	Credential       Credential    `json:"credential"`
	AutoLockDuration time.Duration `json:"auto_lock_duration"`
	LastUnlockedAt   *time.Time    `json:"last_unlocked_at,omitempty"`
}

// BiometricOutcome is the result of a biometric authentication attempt.
// Outcomes are distinct so the UI can explain each case; there is no silent
// fallback between them.
type BiometricOutcome string

const (
	BiometricSuccess      BiometricOutcome = "success"
	BiometricFailed       BiometricOutcome = "failed"
	BiometricNotAvailable BiometricOutcome = "not_available"
	BiometricNotEnrolled  BiometricOutcome = "not_enrolled"
	BiometricLockedOut    BiometricOutcome = "locked_out"
)

// WipeTier selects how thoroughly the backing store is destroyed.
type WipeTier string

const (
	WipeBasic    WipeTier = "basic"
	WipeSecure   WipeTier = "secure"
	WipeMilitary WipeTier = "military"
)

func ParseWipeTier(s string) (WipeTier, bool) {
	switch WipeTier(strings.ToLower(strings.TrimSpace(s))) {
	case WipeBasic:
		return WipeBasic, true
	case WipeSecure:
		return WipeSecure, true
	case WipeMilitary:
		return WipeMilitary, true
	}
	return "", false
}

// PanicAction is chosen when the panic mode is configured and executed
// atomically when the panic PIN matches.
type PanicAction string

const (
	PanicWipeAll        PanicAction = "wipe_all"
	PanicWipeWallets    PanicAction = "wipe_wallets"
	PanicEnableStealth  PanicAction = "enable_stealth"
	PanicLockAllWallets PanicAction = "lock_all_wallets"
)

func ParsePanicAction(s string) (PanicAction, bool) {
	switch PanicAction(strings.ToLower(strings.TrimSpace(s))) {
	case PanicWipeAll:
		return PanicWipeAll, true
	case PanicWipeWallets:
		return PanicWipeWallets, true
	case PanicEnableStealth:
		return PanicEnableStealth, true
	case PanicLockAllWallets:
		return PanicLockAllWallets, true
	}
	return "", false
}

// AuditEntry is one line of the bounded security audit log.
type AuditEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// IntegrityBaseline is the persisted triple-hash snapshot of the security
// configuration. The nonce is captured once at baseline creation and is part
// of the hashed material, so a recomputed snapshot must reproduce it.
type IntegrityBaseline struct {
	Nonce     string    `json:"nonce"`
	Primary   string    `json:"primary"`
	Secondary string    `json:"secondary"`
	Tertiary  string    `json:"tertiary"`
	CreatedAt time.Time `json:"created_at"`
}

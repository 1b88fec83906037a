// Package secmode manages the secondary-credential modes: stealth hides a
// configured wallet set, decoy substitutes an allow-listed one, panic binds
// a destructive action to its own PIN, and the calculator disguise gates the
// whole app behind an innocuous surface. None of these feed the main auth
// state machine; each is its own credential with its own lifecycle.
package secmode

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"

	"moneta/security-core/internal/cipherbox"
	"moneta/security-core/internal/config"
	"moneta/security-core/internal/platform/ratelimiter"
	"moneta/security-core/internal/securestore"
	"moneta/security-core/internal/walletlock"
	"moneta/security-core/internal/wipe"
	"moneta/security-core/pkg/models"
	"moneta/security-core/pkg/secerr"
)

const (
	stealthStoreKey    = "secmode.stealth"
	decoyStoreKey      = "secmode.decoy"
	panicStoreKey      = "secmode.panic"
	calculatorStoreKey = "secmode.calculator"

	credentialSaltLen = 16
)

type stealthConfig struct {
	Credential    models.Credential `json:"credential"`
	HiddenWallets []models.WalletID `json:"hidden_wallets"`
	Active        bool              `json:"active"`
}

type decoyConfig struct {
	Credential   models.Credential `json:"credential"`
	DecoyWallets []models.WalletID `json:"decoy_wallets"`
	Active       bool              `json:"active"`
}

type panicConfig struct {
	Credential models.Credential  `json:"credential"`
	Action     models.PanicAction `json:"action"`
	Targets    []models.WalletID  `json:"targets,omitempty"`
}

type calculatorConfig struct {
	Credential models.Credential `json:"credential"`
	Active     bool              `json:"active"`
}

// Manager owns the three mode credentials and the calculator gate.
type Manager struct {
	mu      sync.Mutex
	store   securestore.Store
	cipher  *cipherbox.Service
	wiper   *wipe.Wiper
	locks   *walletlock.Registry
	policy  config.Policy
	clk     clock.Clock
	log     *slog.Logger
	limiter *ratelimiter.MapLimiter
	audit   func(level, msg string)

	// selfDestruct is the shared full-wipe routine; the panic "wipe all"
	// action runs it so panic and self-destruct stay behaviorally identical.
	selfDestruct func() error
}

type Options struct {
	Store        securestore.Store
	Cipher       *cipherbox.Service
	Wiper        *wipe.Wiper
	Locks        *walletlock.Registry
	Policy       config.Policy
	Clock        clock.Clock
	Log          *slog.Logger
	Audit        func(level, msg string)
	SelfDestruct func() error
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil || opts.Cipher == nil {
		return nil, fmt.Errorf("secmode: store and cipher are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Manager{
		store:        opts.Store,
		cipher:       opts.Cipher,
		wiper:        opts.Wiper,
		locks:        opts.Locks,
		policy:       opts.Policy,
		clk:          opts.Clock,
		log:          opts.Log,
		limiter:      ratelimiter.New(opts.Policy.PinRatePerMinute, opts.Policy.PinRateBurst, 0),
		audit:        opts.Audit,
		selfDestruct: opts.SelfDestruct,
	}, nil
}

// --- stealth -------------------------------------------------------------

// ConfigureStealth creates or replaces the stealth mode with its own PIN
// and the deny-list of wallet ids to hide. Replacing requires the current
// stealth PIN.
func (m *Manager) ConfigureStealth(pin string, hidden []models.WalletID, currentPIN string) error {
	if err := m.validatePIN(pin); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var cfg stealthConfig
	if found, err := m.loadLocked(stealthStoreKey, &cfg); err != nil {
		return err
	} else if found {
		if !m.verifyLocked(cfg.Credential, currentPIN) {
			return fmt.Errorf("%w: current stealth PIN required", secerr.ErrAuthentication)
		}
	}
	cred, err := m.newCredential(pin)
	if err != nil {
		return err
	}
	cfg = stealthConfig{Credential: cred, HiddenWallets: hidden, Active: cfg.Active}
	if err := m.saveLocked(stealthStoreKey, cfg); err != nil {
		return err
	}
	m.auditLog("info", "stealth mode configured")
	return nil
}

// ToggleStealth flips stealth on or off; requires the stealth PIN.
func (m *Manager) ToggleStealth(pin string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cfg stealthConfig
	found, err := m.loadLocked(stealthStoreKey, &cfg)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: stealth mode is not configured", secerr.ErrValidation)
	}
	if !m.allowPIN("secmode.stealth") {
		return fmt.Errorf("%w: submissions throttled", secerr.ErrLockedOut)
	}
	if !m.verifyLocked(cfg.Credential, pin) {
		return fmt.Errorf("%w: stealth PIN does not match", secerr.ErrAuthentication)
	}
	cfg.Active = active
	if err := m.saveLocked(stealthStoreKey, cfg); err != nil {
		return err
	}
	m.auditLog("info", fmt.Sprintf("stealth mode active=%t", active))
	return nil
}

// RemoveStealth destroys the stealth config; requires its PIN.
func (m *Manager) RemoveStealth(pin string) error {
	return m.removeMode(stealthStoreKey, "stealth", pin)
}

// ForceStealthOn activates stealth without a credential check. Only the
// emergency protocol and the panic action call it.
func (m *Manager) ForceStealthOn() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cfg stealthConfig
	if _, err := m.loadLocked(stealthStoreKey, &cfg); err != nil {
		return err
	}
	cfg.Active = true
	if err := m.saveLocked(stealthStoreKey, cfg); err != nil {
		return err
	}
	m.auditLog("warn", "stealth mode force-activated")
	return nil
}

// StealthActive reports whether the wallet list is being filtered.
func (m *Manager) StealthActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cfg stealthConfig
	found, err := m.loadLocked(stealthStoreKey, &cfg)
	return err == nil && found && cfg.Active
}

// --- decoy ---------------------------------------------------------------

// ConfigureDecoy creates or replaces the decoy mode: an opt-in allow-list
// of wallet ids shown while a decoy session is active.
func (m *Manager) ConfigureDecoy(pin string, decoyWallets []models.WalletID, currentPIN string) error {
	if err := m.validatePIN(pin); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var cfg decoyConfig
	if found, err := m.loadLocked(decoyStoreKey, &cfg); err != nil {
		return err
	} else if found {
		if !m.verifyLocked(cfg.Credential, currentPIN) {
			return fmt.Errorf("%w: current decoy PIN required", secerr.ErrAuthentication)
		}
	}
	cred, err := m.newCredential(pin)
	if err != nil {
		return err
	}
	cfg = decoyConfig{Credential: cred, DecoyWallets: decoyWallets, Active: cfg.Active}
	if err := m.saveLocked(decoyStoreKey, cfg); err != nil {
		return err
	}
	m.auditLog("info", "decoy mode configured")
	return nil
}

// ToggleDecoy flips the decoy view; requires the decoy PIN.
func (m *Manager) ToggleDecoy(pin string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cfg decoyConfig
	found, err := m.loadLocked(decoyStoreKey, &cfg)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: decoy mode is not configured", secerr.ErrValidation)
	}
	if !m.allowPIN("secmode.decoy") {
		return fmt.Errorf("%w: submissions throttled", secerr.ErrLockedOut)
	}
	if !m.verifyLocked(cfg.Credential, pin) {
		return fmt.Errorf("%w: decoy PIN does not match", secerr.ErrAuthentication)
	}
	cfg.Active = active
	if err := m.saveLocked(decoyStoreKey, cfg); err != nil {
		return err
	}
	m.auditLog("info", fmt.Sprintf("decoy mode active=%t", active))
	return nil
}

// ActivateDecoyView is the credential-free switch used when the main auth
// controller opens a decoy session: the decoy PIN already authenticated.
func (m *Manager) ActivateDecoyView() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cfg decoyConfig
	found, err := m.loadLocked(decoyStoreKey, &cfg)
	if err != nil || !found {
		return err
	}
	cfg.Active = true
	return m.saveLocked(decoyStoreKey, cfg)
}

// RemoveDecoy destroys the decoy config; requires its PIN.
func (m *Manager) RemoveDecoy(pin string) error {
	return m.removeMode(decoyStoreKey, "decoy", pin)
}

// --- panic ---------------------------------------------------------------

// ConfigurePanic arms a panic action behind its own PIN. Targets are only
// meaningful for the wipe-selected action.
func (m *Manager) ConfigurePanic(pin string, action models.PanicAction, targets []models.WalletID, currentPIN string) error {
	if err := m.validatePIN(pin); err != nil {
		return err
	}
	if _, ok := models.ParsePanicAction(string(action)); !ok {
		return fmt.Errorf("%w: unknown panic action %q", secerr.ErrValidation, action)
	}
	if action == models.PanicWipeWallets && len(targets) == 0 {
		return fmt.Errorf("%w: wipe_wallets needs at least one target", secerr.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var cfg panicConfig
	if found, err := m.loadLocked(panicStoreKey, &cfg); err != nil {
		return err
	} else if found {
		if !m.verifyLocked(cfg.Credential, currentPIN) {
			return fmt.Errorf("%w: current panic PIN required", secerr.ErrAuthentication)
		}
	}
	cred, err := m.newCredential(pin)
	if err != nil {
		return err
	}
	cfg = panicConfig{Credential: cred, Action: action, Targets: targets}
	if err := m.saveLocked(panicStoreKey, cfg); err != nil {
		return err
	}
	m.auditLog("info", "panic mode configured")
	return nil
}

// TriggerPanic executes the configured action when the panic PIN matches.
// The action runs to completion before the call returns; there is no
// partial activation.
func (m *Manager) TriggerPanic(pin string) (models.PanicAction, error) {
	m.mu.Lock()
	var cfg panicConfig
	found, err := m.loadLocked(panicStoreKey, &cfg)
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	if !found {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: panic mode is not configured", secerr.ErrValidation)
	}
	if !m.allowPIN("secmode.panic") {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: submissions throttled", secerr.ErrLockedOut)
	}
	if !m.verifyLocked(cfg.Credential, pin) {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: panic PIN does not match", secerr.ErrAuthentication)
	}
	m.auditLog("critical", "panic action "+string(cfg.Action)+" triggered")
	m.log.Warn("panic action executing", "action", string(cfg.Action))
	m.mu.Unlock()

	// Execute outside the mutex; wipe and lock paths take their own locks.
	switch cfg.Action {
	case models.PanicWipeAll:
		if m.selfDestruct != nil {
			return cfg.Action, m.selfDestruct()
		}
		return cfg.Action, nil
	case models.PanicWipeWallets:
		if m.wiper != nil {
			return cfg.Action, m.wiper.WipeWallets(cfg.Targets)
		}
		return cfg.Action, nil
	case models.PanicEnableStealth:
		return cfg.Action, m.ForceStealthOn()
	case models.PanicLockAllWallets:
		if m.locks != nil {
			return cfg.Action, m.locks.ForceLockAll()
		}
		return cfg.Action, nil
	}
	return cfg.Action, nil
}

// RemovePanic disarms panic mode; requires its PIN.
func (m *Manager) RemovePanic(pin string) error {
	return m.removeMode(panicStoreKey, "panic", pin)
}

// --- calculator disguise -------------------------------------------------

// EnterCalculatorMode turns the disguise on. First entry provisions the
// calculator PIN; later entries verify it.
func (m *Manager) EnterCalculatorMode(pin string) error {
	if err := m.validatePIN(pin); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var cfg calculatorConfig
	found, err := m.loadLocked(calculatorStoreKey, &cfg)
	if err != nil {
		return err
	}
	if found {
		if !m.verifyLocked(cfg.Credential, pin) {
			return fmt.Errorf("%w: calculator PIN does not match", secerr.ErrAuthentication)
		}
	} else {
		cred, err := m.newCredential(pin)
		if err != nil {
			return err
		}
		cfg.Credential = cred
	}
	cfg.Active = true
	if err := m.saveLocked(calculatorStoreKey, cfg); err != nil {
		return err
	}
	m.auditLog("info", "calculator disguise entered")
	return nil
}

// ExitCalculatorMode requires the same PIN that entered it.
func (m *Manager) ExitCalculatorMode(pin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cfg calculatorConfig
	found, err := m.loadLocked(calculatorStoreKey, &cfg)
	if err != nil {
		return err
	}
	if !found || !cfg.Active {
		return nil
	}
	if !m.allowPIN("secmode.calculator") {
		return fmt.Errorf("%w: submissions throttled", secerr.ErrLockedOut)
	}
	if !m.verifyLocked(cfg.Credential, pin) {
		return fmt.Errorf("%w: calculator PIN does not match", secerr.ErrAuthentication)
	}
	cfg.Active = false
	if err := m.saveLocked(calculatorStoreKey, cfg); err != nil {
		return err
	}
	m.auditLog("info", "calculator disguise exited")
	return nil
}

// CalculatorActive reports whether the disguise currently covers the app.
func (m *Manager) CalculatorActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cfg calculatorConfig
	found, err := m.loadLocked(calculatorStoreKey, &cfg)
	return err == nil && found && cfg.Active
}

// --- data view filtering -------------------------------------------------

// VisibleWallets filters the collaborator's wallet list. An active decoy
// view wins over stealth: it returns only the allow-listed ids. Otherwise
// active stealth drops the hidden set. With neither active the input passes
// through.
func (m *Manager) VisibleWallets(all []models.WalletID) []models.WalletID {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dec decoyConfig
	if found, err := m.loadLocked(decoyStoreKey, &dec); err == nil && found && dec.Active {
		allow := make(map[models.WalletID]struct{}, len(dec.DecoyWallets))
		for _, id := range dec.DecoyWallets {
			allow[id] = struct{}{}
		}
		out := make([]models.WalletID, 0, len(allow))
		for _, id := range all {
			if _, ok := allow[id]; ok {
				out = append(out, id)
			}
		}
		return out
	}

	var st stealthConfig
	if found, err := m.loadLocked(stealthStoreKey, &st); err == nil && found && st.Active {
		hidden := make(map[models.WalletID]struct{}, len(st.HiddenWallets))
		for _, id := range st.HiddenWallets {
			hidden[id] = struct{}{}
		}
		out := make([]models.WalletID, 0, len(all))
		for _, id := range all {
			if _, ok := hidden[id]; !ok {
				out = append(out, id)
			}
		}
		return out
	}

	return all
}

// --- shared helpers ------------------------------------------------------

func (m *Manager) removeMode(key, name, pin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var probe struct {
		Credential models.Credential `json:"credential"`
	}
	found, err := m.loadLocked(key, &probe)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if !m.verifyLocked(probe.Credential, pin) {
		return fmt.Errorf("%w: %s PIN does not match", secerr.ErrAuthentication, name)
	}
	if err := m.store.Delete(key); err != nil {
		return fmt.Errorf("%w: remove %s config: %v", secerr.ErrStorage, name, err)
	}
	m.auditLog("info", name+" mode removed")
	return nil
}

func (m *Manager) newCredential(pin string) (models.Credential, error) {
	raw := make([]byte, credentialSaltLen)
	if _, err := rand.Read(raw); err != nil {
		return models.Credential{}, fmt.Errorf("%w: credential salt: %v", secerr.ErrStorage, err)
	}
	salt := hex.EncodeToString(raw)
	return models.Credential{Hash: m.cipher.Hash(pin + salt), Salt: salt}, nil
}

func (m *Manager) verifyLocked(cred models.Credential, pin string) bool {
	if cred.IsZero() {
		return false
	}
	return m.cipher.VerifyHash(pin+cred.Salt, cred.Hash)
}

func (m *Manager) allowPIN(surface string) bool {
	return m.limiter.Allow(surface, m.clk.Now())
}

func (m *Manager) loadLocked(key string, out any) (bool, error) {
	raw, found, err := m.store.Read(key)
	if err != nil {
		return false, fmt.Errorf("%w: read %s: %v", secerr.ErrStorage, key, err)
	}
	if !found {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("%w: %s is corrupt", secerr.ErrStorage, key)
	}
	return true, nil
}

func (m *Manager) saveLocked(key string, cfg any) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := m.store.Write(key, string(payload)); err != nil {
		return fmt.Errorf("%w: persist %s: %v", secerr.ErrStorage, key, err)
	}
	return nil
}

func (m *Manager) validatePIN(pin string) error {
	if len(pin) < m.policy.PinMinLength || len(pin) > m.policy.PinMaxLength {
		return fmt.Errorf("%w: PIN must be %d-%d digits", secerr.ErrValidation, m.policy.PinMinLength, m.policy.PinMaxLength)
	}
	for _, c := range pin {
		if c < '0' || c > '9' {
			return fmt.Errorf("%w: PIN must be digits only", secerr.ErrValidation)
		}
	}
	return nil
}

func (m *Manager) auditLog(level, msg string) {
	if m.audit != nil {
		m.audit(level, msg)
	}
}

// Package walletlock keeps an independent PIN lock per wallet. Unlock state
// is derived from the last successful unlock time, so an expired auto-lock
// window means locked even if no timer ever fired.
package walletlock

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"moneta/security-core/internal/cipherbox"
	"moneta/security-core/internal/config"
	"moneta/security-core/internal/platform/ratelimiter"
	"moneta/security-core/internal/securestore"
	"moneta/security-core/pkg/models"
	"moneta/security-core/pkg/secerr"
)

const (
	configsStoreKey = "walletlock.configs"

	credentialSaltLen       = 16
	defaultAutoLockDuration = 15 * time.Minute
)

// Registry owns every wallet lock. Configs live in one typed map keyed by
// WalletID and persist as a single store entry; there are no per-wallet
// string-concatenated keys.
type Registry struct {
	mu       sync.Mutex
	store    securestore.Store
	cipher   *cipherbox.Service
	clk      clock.Clock
	log      *slog.Logger
	policy   config.Policy
	limiter  *ratelimiter.MapLimiter
	audit    func(level, msg string)
	configs  map[models.WalletID]models.WalletLockConfig
	unlocked map[models.WalletID]bool
}

type Options struct {
	Store  securestore.Store
	Cipher *cipherbox.Service
	Clock  clock.Clock
	Log    *slog.Logger
	Policy config.Policy
	Audit  func(level, msg string)
}

func NewRegistry(opts Options) (*Registry, error) {
	if opts.Store == nil || opts.Cipher == nil {
		return nil, fmt.Errorf("walletlock: store and cipher are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	r := &Registry{
		store:    opts.Store,
		cipher:   opts.Cipher,
		clk:      opts.Clock,
		log:      opts.Log,
		policy:   opts.Policy,
		limiter:  ratelimiter.New(opts.Policy.PinRatePerMinute, opts.Policy.PinRateBurst, 0),
		audit:    opts.Audit,
		configs:  make(map[models.WalletID]models.WalletLockConfig),
		unlocked: make(map[models.WalletID]bool),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// SetLock creates a lock for a wallet or replaces an existing one. Mutating
// an existing lock requires its current PIN.
func (r *Registry) SetLock(id models.WalletID, pin string, autoLock time.Duration, currentPIN string) error {
	if !id.Valid() {
		return fmt.Errorf("%w: empty wallet id", secerr.ErrValidation)
	}
	if err := r.validatePIN(pin); err != nil {
		return err
	}
	if autoLock <= 0 {
		autoLock = defaultAutoLockDuration
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.configs[id]; ok && existing.Enabled {
		if !r.matchesLocked(existing, currentPIN) {
			return fmt.Errorf("%w: current wallet PIN required", secerr.ErrAuthentication)
		}
	}
	cred, err := r.newCredential(pin)
	if err != nil {
		return err
	}
	r.configs[id] = models.WalletLockConfig{
		Enabled:          true,
		Credential:       cred,
		AutoLockDuration: autoLock,
	}
	r.unlocked[id] = false
	if err := r.persistLocked(); err != nil {
		return err
	}
	r.auditLog("info", "wallet lock configured")
	return nil
}

// RemoveLock destroys a wallet's lock config. Requires the current PIN; a
// wrong PIN is a failure, never a silent no-op.
func (r *Registry) RemoveLock(id models.WalletID, pin string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[id]
	if !ok {
		return nil
	}
	if !r.matchesLocked(cfg, pin) {
		return fmt.Errorf("%w: wallet PIN does not match", secerr.ErrAuthentication)
	}
	delete(r.configs, id)
	delete(r.unlocked, id)
	if err := r.persistLocked(); err != nil {
		return err
	}
	r.auditLog("info", "wallet lock removed")
	return nil
}

// Unlock verifies the wallet PIN and opens the auto-lock window.
func (r *Registry) Unlock(id models.WalletID, pin string) error {
	if err := r.validatePIN(pin); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clk.Now()
	if !r.limiter.Allow("walletlock."+id.String(), now) {
		return fmt.Errorf("%w: submissions throttled", secerr.ErrLockedOut)
	}
	cfg, ok := r.configs[id]
	if !ok || !cfg.Enabled {
		return nil
	}
	if !r.matchesLocked(cfg, pin) {
		return fmt.Errorf("%w: wallet PIN does not match", secerr.ErrAuthentication)
	}
	cfg.LastUnlockedAt = &now
	r.configs[id] = cfg
	r.unlocked[id] = true
	return r.persistLocked()
}

// Lock closes a wallet immediately.
func (r *Registry) Lock(id models.WalletID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unlocked[id] = false
}

// IsUnlocked evaluates lazily: no lock config means always unlocked;
// otherwise a prior unlock must exist and still be inside the auto-lock
// window. A stale in-memory flag is corrected here.
func (r *Registry) IsUnlocked(id models.WalletID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[id]
	if !ok || !cfg.Enabled {
		return true
	}
	if !r.unlocked[id] || cfg.LastUnlockedAt == nil {
		return false
	}
	if r.clk.Now().Sub(*cfg.LastUnlockedAt) > cfg.AutoLockDuration {
		r.unlocked[id] = false
		return false
	}
	return true
}

// HasLock reports whether a lock config exists for the wallet.
func (r *Registry) HasLock(id models.WalletID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[id]
	return ok && cfg.Enabled
}

// LockedWalletIDs returns every wallet with a lock config, for the panic
// and emergency paths.
func (r *Registry) LockedWalletIDs() []models.WalletID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.WalletID, 0, len(r.configs))
	for id := range r.configs {
		out = append(out, id)
	}
	return out
}

// ForceLockAll closes every wallet and invalidates their unlock windows.
// The emergency protocol and the panic lock action call it.
func (r *Registry) ForceLockAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, cfg := range r.configs {
		cfg.LastUnlockedAt = nil
		r.configs[id] = cfg
		r.unlocked[id] = false
	}
	if err := r.persistLocked(); err != nil {
		return err
	}
	r.auditLog("warn", "all wallets force-locked")
	return nil
}

// Reset drops all lock state; the wipe path calls it after clearing the
// store so the in-memory view matches.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs = make(map[models.WalletID]models.WalletLockConfig)
	r.unlocked = make(map[models.WalletID]bool)
}

func (r *Registry) newCredential(pin string) (models.Credential, error) {
	salt, err := randomSaltHex(credentialSaltLen)
	if err != nil {
		return models.Credential{}, fmt.Errorf("%w: credential salt: %v", secerr.ErrStorage, err)
	}
	return models.Credential{Hash: r.cipher.Hash(pin + salt), Salt: salt}, nil
}

func (r *Registry) matchesLocked(cfg models.WalletLockConfig, pin string) bool {
	if cfg.Credential.IsZero() {
		return false
	}
	return r.cipher.VerifyHash(pin+cfg.Credential.Salt, cfg.Credential.Hash)
}

func (r *Registry) validatePIN(pin string) error {
	if len(pin) < r.policy.PinMinLength || len(pin) > r.policy.PinMaxLength {
		return fmt.Errorf("%w: PIN must be %d-%d digits", secerr.ErrValidation, r.policy.PinMinLength, r.policy.PinMaxLength)
	}
	for _, c := range pin {
		if c < '0' || c > '9' {
			return fmt.Errorf("%w: PIN must be digits only", secerr.ErrValidation)
		}
	}
	return nil
}

func (r *Registry) load() error {
	raw, found, err := r.store.Read(configsStoreKey)
	if err != nil {
		return fmt.Errorf("%w: read wallet locks: %v", secerr.ErrStorage, err)
	}
	if !found {
		return nil
	}
	var persisted map[models.WalletID]models.WalletLockConfig
	if err := json.Unmarshal([]byte(raw), &persisted); err != nil {
		return fmt.Errorf("%w: wallet lock state is corrupt", secerr.ErrStorage)
	}
	r.configs = persisted
	// Unlock flags never persist; every wallet starts locked after restart.
	return nil
}

func (r *Registry) persistLocked() error {
	payload, err := json.Marshal(r.configs)
	if err != nil {
		return err
	}
	if err := r.store.Write(configsStoreKey, string(payload)); err != nil {
		return fmt.Errorf("%w: persist wallet locks: %v", secerr.ErrStorage, err)
	}
	return nil
}

func (r *Registry) auditLog(level, msg string) {
	if r.audit != nil {
		r.audit(level, msg)
	}
}

func randomSaltHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

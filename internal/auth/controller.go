package auth

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"moneta/security-core/internal/config"
	"moneta/security-core/internal/platform/ratelimiter"
	"moneta/security-core/internal/securestore"
	"moneta/security-core/pkg/models"
	"moneta/security-core/pkg/secerr"
)

const lockoutStoreKey = "auth.lockout"

const pinSurface = "auth.pin"

// Result reports how a submission resolved. SelfDestructed means the wipe
// routine ran; the controller is back in Locked with no credentials left.
type Result struct {
	State          models.AuthState
	Decoy          bool
	SelfDestructed bool
}

// Controller is the login state machine. All transitions happen under one
// mutex; the security core never runs parallel auth decisions.
type Controller struct {
	mu         sync.Mutex
	state      models.AuthState
	decoy      bool
	unlockedAt time.Time
	lockout    models.LockoutState

	vault   *CredentialVault
	store   securestore.Store
	policy  config.Policy
	clk     clock.Clock
	log     *slog.Logger
	limiter *ratelimiter.MapLimiter

	autoLock *clock.Timer
	change   changeGuard

	// onSelfDestruct is the wipe routine shared with the integrity monitor
	// and the panic mode; wired by the security context.
	onSelfDestruct func() error
	// audit records security-relevant events in the bounded audit log.
	audit func(level, msg string)

	// hooks for observation; nil-safe.
	onFailure func()
	onLockout func()
	onUnlock  func(decoy bool)
}

type ControllerOptions struct {
	Vault          *CredentialVault
	Store          securestore.Store
	Policy         config.Policy
	Clock          clock.Clock
	Log            *slog.Logger
	OnSelfDestruct func() error
	Audit          func(level, msg string)
	OnFailure      func()
	OnLockout      func()
	OnUnlock       func(decoy bool)
}

func NewController(opts ControllerOptions) (*Controller, error) {
	if opts.Vault == nil || opts.Store == nil {
		return nil, fmt.Errorf("auth: vault and store are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	c := &Controller{
		state:          models.StateLocked,
		vault:          opts.Vault,
		store:          opts.Store,
		policy:         opts.Policy,
		clk:            opts.Clock,
		log:            opts.Log,
		limiter:        ratelimiter.New(opts.Policy.PinRatePerMinute, opts.Policy.PinRateBurst, 0),
		onSelfDestruct: opts.OnSelfDestruct,
		audit:          opts.Audit,
		onFailure:      opts.OnFailure,
		onLockout:      opts.OnLockout,
		onUnlock:       opts.OnUnlock,
	}
	if err := c.loadLockout(); err != nil {
		// Corrupt lockout state degrades to locked, never to unlocked.
		c.log.Error("lockout state unreadable, starting locked", "error", err.Error())
		c.lockout = models.LockoutState{}
	}
	if c.lockout.Active(c.clk.Now()) {
		c.state = models.StateLockedOut
	}
	return c, nil
}

// State returns the current state, correcting an expired lockout first.
func (c *Controller) State() models.AuthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshLockoutLocked()
	return c.state
}

// Session describes the current session.
func (c *Controller) Session() models.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshLockoutLocked()
	return models.Session{State: c.state, Decoy: c.decoy, UnlockedAt: c.unlockedAt}
}

// SetupPrimary provisions the primary credential on first run. Refused once
// a primary PIN exists; ChangePrimaryPIN is the only mutation path after
// that.
func (c *Controller) SetupPrimary(pin string) error {
	if err := c.validatePIN(pin); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, found, err := c.vault.Get(RolePrimary); err != nil {
		return err
	} else if found {
		return fmt.Errorf("%w: primary PIN already set", secerr.ErrAuthentication)
	}
	if err := c.vault.Set(RolePrimary, pin); err != nil {
		return err
	}
	c.auditLog("info", "primary credential provisioned")
	return nil
}

// SubmitPIN runs the strict precedence chain: self-destruct, then decoy,
// then primary. Checks short-circuit, so when several roles share a PIN the
// most destructive interpretation wins.
func (c *Controller) SubmitPIN(pin string) (Result, error) {
	if err := c.validatePIN(pin); err != nil {
		return Result{State: c.State()}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	if !c.limiter.Allow(pinSurface, now) {
		return Result{State: c.state}, fmt.Errorf("%w: submissions throttled", secerr.ErrLockedOut)
	}
	c.refreshLockoutLocked()
	if c.lockout.Active(now) {
		return Result{State: c.state}, fmt.Errorf("%w: until %s", secerr.ErrLockedOut, c.lockout.LockoutUntil.UTC().Format("15:04:05"))
	}

	c.state = models.StateAuthenticating

	match, err := c.vault.Matches(RoleSelfDestruct, pin)
	if err != nil {
		c.state = models.StateLocked
		return Result{State: c.state}, err
	}
	if match {
		return c.selfDestructLocked()
	}

	match, err = c.vault.Matches(RoleDecoy, pin)
	if err != nil {
		c.state = models.StateLocked
		return Result{State: c.state}, err
	}
	if match {
		c.unlockLocked(true)
		return Result{State: c.state, Decoy: true}, nil
	}

	match, err = c.vault.Matches(RolePrimary, pin)
	if err != nil {
		c.state = models.StateLocked
		return Result{State: c.state}, err
	}
	if match {
		c.unlockLocked(false)
		return Result{State: c.state}, nil
	}

	return c.failLocked(now)
}

// Lock closes the current session.
func (c *Controller) Lock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lockLocked("explicit lock")
}

// Touch restarts the auto-lock countdown; the app layer calls it on user
// activity.
func (c *Controller) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == models.StateUnlocked && c.autoLock != nil {
		c.autoLock.Reset(c.policy.AutoLockDuration)
	}
}

// Lockout exposes the persisted lockout bookkeeping (tests and UI countdown).
func (c *Controller) Lockout() models.LockoutState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lockout
}

func (c *Controller) selfDestructLocked() (Result, error) {
	c.state = models.StateSelfDestructed
	c.auditLog("critical", "self-destruct credential matched, wiping")
	c.log.Warn("self-destruct triggered")
	if c.onSelfDestruct != nil {
		if err := c.onSelfDestruct(); err != nil {
			c.log.Error("wipe routine reported failure", "error", err.Error())
		}
	}
	// The wipe cleared the store; clear again in case a collaborator wrote
	// behind it, then fall back to the ground state.
	_ = c.vault.ClearAll()
	_ = c.store.Delete(lockoutStoreKey)
	c.lockout = models.LockoutState{}
	c.decoy = false
	c.unlockedAt = time.Time{}
	c.stopAutoLockLocked()
	c.state = models.StateLocked
	return Result{State: c.state, SelfDestructed: true}, nil
}

func (c *Controller) unlockLocked(decoy bool) {
	c.state = models.StateUnlocked
	c.decoy = decoy
	c.unlockedAt = c.clk.Now()
	c.lockout = models.LockoutState{}
	if err := c.persistLockoutLocked(); err != nil {
		c.log.Error("lockout reset not persisted", "error", err.Error())
	}
	c.startAutoLockLocked()
	if decoy {
		c.auditLog("warn", "decoy session opened")
	} else {
		c.auditLog("info", "session unlocked")
	}
	if c.onUnlock != nil {
		c.onUnlock(decoy)
	}
}

func (c *Controller) failLocked(now time.Time) (Result, error) {
	c.state = models.StateLocked
	c.lockout.FailedAttempts++
	if c.onFailure != nil {
		c.onFailure()
	}
	if c.lockout.FailedAttempts >= c.policy.MaxAttempts {
		until := now.Add(c.policy.LockoutDuration)
		c.lockout.LockoutUntil = &until
		c.state = models.StateLockedOut
		c.auditLog("warn", fmt.Sprintf("lockout opened after %d failures", c.lockout.FailedAttempts))
		if c.onLockout != nil {
			c.onLockout()
		}
	}
	if err := c.persistLockoutLocked(); err != nil {
		c.log.Error("lockout state not persisted", "error", err.Error())
	}
	if c.state == models.StateLockedOut {
		return Result{State: c.state}, fmt.Errorf("%w: attempt limit reached", secerr.ErrLockedOut)
	}
	return Result{State: c.state}, fmt.Errorf("%w: wrong PIN", secerr.ErrAuthentication)
}

func (c *Controller) lockLocked(reason string) {
	if c.state == models.StateUnlocked {
		c.auditLog("info", "session locked: "+reason)
	}
	c.decoy = false
	c.unlockedAt = time.Time{}
	c.stopAutoLockLocked()
	if c.state == models.StateUnlocked || c.state == models.StateAuthenticating {
		c.state = models.StateLocked
	}
}

func (c *Controller) startAutoLockLocked() {
	c.stopAutoLockLocked()
	if c.policy.AutoLockDuration <= 0 {
		return
	}
	c.autoLock = c.clk.AfterFunc(c.policy.AutoLockDuration, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.lockLocked("auto-lock timeout")
	})
}

func (c *Controller) stopAutoLockLocked() {
	if c.autoLock != nil {
		c.autoLock.Stop()
		c.autoLock = nil
	}
}

func (c *Controller) refreshLockoutLocked() {
	if c.state == models.StateLockedOut && !c.lockout.Active(c.clk.Now()) {
		c.state = models.StateLocked
	}
}

func (c *Controller) validatePIN(pin string) error {
	if len(pin) < c.policy.PinMinLength || len(pin) > c.policy.PinMaxLength {
		return fmt.Errorf("%w: PIN must be %d-%d digits", secerr.ErrValidation, c.policy.PinMinLength, c.policy.PinMaxLength)
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: PIN must be digits only", secerr.ErrValidation)
		}
	}
	return nil
}

func (c *Controller) loadLockout() error {
	raw, found, err := c.store.Read(lockoutStoreKey)
	if err != nil {
		return fmt.Errorf("%w: read lockout: %v", secerr.ErrStorage, err)
	}
	if !found {
		c.lockout = models.LockoutState{}
		return nil
	}
	var state models.LockoutState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return fmt.Errorf("%w: lockout state is corrupt", secerr.ErrStorage)
	}
	c.lockout = state
	return nil
}

func (c *Controller) persistLockoutLocked() error {
	payload, err := json.Marshal(c.lockout)
	if err != nil {
		return err
	}
	if err := c.store.Write(lockoutStoreKey, string(payload)); err != nil {
		return fmt.Errorf("%w: persist lockout: %v", secerr.ErrStorage, err)
	}
	return nil
}

func (c *Controller) auditLog(level, msg string) {
	if c.audit != nil {
		c.audit(level, msg)
	}
}

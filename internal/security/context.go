// Package security assembles the core into one explicit SecurityContext.
// There are no package-level singletons: callers construct a context with
// their collaborators and pass it (or its handle) into session-scoped call
// sites.
package security

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"moneta/security-core/internal/auth"
	"moneta/security-core/internal/cipherbox"
	"moneta/security-core/internal/config"
	"moneta/security-core/internal/keyderive"
	"moneta/security-core/internal/metrics"
	"moneta/security-core/internal/platform/privacylog"
	"moneta/security-core/internal/recovery"
	"moneta/security-core/internal/secmode"
	"moneta/security-core/internal/securestore"
	"moneta/security-core/internal/sentinel"
	"moneta/security-core/internal/walletlock"
	"moneta/security-core/internal/wipe"
	"moneta/security-core/pkg/models"
	"moneta/security-core/pkg/secerr"
)

// Context owns the whole security core: derivation inputs, master key,
// cipher, credentials, wallet locks, modes, the integrity monitor and the
// wipe machinery.
type Context struct {
	policy config.Policy
	store  securestore.Store
	bulk   wipe.BulkDataStore
	clk    clock.Clock
	log    *slog.Logger
	met    *metrics.Set

	provisioner *keyderive.Provisioner
	identity    keyderive.DeviceIdentity
	master      *keyderive.MasterKey
	cipher      *cipherbox.Service

	vault   *auth.CredentialVault
	authc   *auth.Controller
	wallets *walletlock.Registry
	modes   *secmode.Manager
	monitor *sentinel.Monitor
	audit   *AuditLog
	wiper   *wipe.Wiper

	masterMu  sync.Mutex // guards master/cipher swap during rotation
	wipeBusy  atomic.Bool
	destroyed atomic.Bool
}

type Options struct {
	Store  securestore.Store
	Bulk   wipe.BulkDataStore
	Clock  clock.Clock
	Log    *slog.Logger
	Policy *config.Policy
	// Metrics may be nil; the context then registers against the default
	// Prometheus registerer.
	Metrics *metrics.Set

	// RecoveryPhrase, when set on a fresh install, restores the device
	// identity it encodes instead of generating a new one.
	RecoveryPhrase string
}

// New provisions (or loads) the derivation inputs, derives the master key
// and wires every component. Derivation is CPU-bound and slow; call this
// once per process, off the UI path.
func New(opts Options) (*Context, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("security: store is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	// Every log line leaving the core passes through the sanitizer, even
	// when the caller hands us their own logger.
	opts.Log = slog.New(privacylog.WrapHandler(opts.Log.Handler()))
	policy := config.Default()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	met := opts.Metrics
	if met == nil {
		met = metrics.New(nil)
	}

	c := &Context{
		policy: policy,
		store:  opts.Store,
		bulk:   opts.Bulk,
		clk:    opts.Clock,
		log:    opts.Log,
		met:    met,
	}

	c.provisioner = keyderive.NewProvisioner(c.store, c.log)
	if opts.RecoveryPhrase != "" {
		id, err := recovery.IdentityFromPhrase(opts.RecoveryPhrase)
		if err != nil {
			return nil, err
		}
		if err := c.provisioner.ImportIdentity(id); err != nil {
			return nil, err
		}
	}
	identity, err := c.provisioner.EnsureIdentity()
	if err != nil {
		return nil, err
	}
	salt, err := c.provisioner.EnsureSalt(identity)
	if err != nil {
		return nil, err
	}
	c.identity = identity

	started := time.Now()
	c.master = keyderive.DeriveMasterKey(identity, salt)
	c.met.DeriveDurations.Observe(time.Since(started).Seconds())

	c.cipher = cipherbox.New(c.master, identity)
	c.audit = NewAuditLog(c.store, c.clk, c.log, policy.AuditLogLimit)
	c.wiper = wipe.New(c.store, c.bulk, c.log, c.met)
	c.vault = auth.NewCredentialVault(c.store, c.cipher)

	c.authc, err = auth.NewController(auth.ControllerOptions{
		Vault:          c.vault,
		Store:          c.store,
		Policy:         policy,
		Clock:          c.clk,
		Log:            c.log,
		OnSelfDestruct: c.SelfDestruct,
		Audit:          c.audit.Record,
		OnFailure:      c.met.AuthFailures.Inc,
		OnLockout:      c.met.Lockouts.Inc,
		OnUnlock:       c.onUnlock,
	})
	if err != nil {
		return nil, err
	}

	c.wallets, err = walletlock.NewRegistry(walletlock.Options{
		Store:  c.store,
		Cipher: c.cipher,
		Clock:  c.clk,
		Log:    c.log,
		Policy: policy,
		Audit:  c.audit.Record,
	})
	if err != nil {
		return nil, err
	}

	c.modes, err = secmode.NewManager(secmode.Options{
		Store:        c.store,
		Cipher:       c.cipher,
		Wiper:        c.wiper,
		Locks:        c.wallets,
		Policy:       policy,
		Clock:        c.clk,
		Log:          c.log,
		Audit:        c.audit.Record,
		SelfDestruct: c.SelfDestruct,
	})
	if err != nil {
		return nil, err
	}

	c.monitor, err = sentinel.NewMonitor(sentinel.Options{
		Store:         c.store,
		Cipher:        c.cipher,
		Clock:         c.clk,
		Log:           c.log,
		Metrics:       c.met,
		Audit:         c.audit.Record,
		Interval:      policy.MonitorInterval,
		AutoWipe:      policy.EmergencyAutoWipe,
		EmergencyLock: c.emergencyLockdown,
		EmergencyWipe: c.militaryWipe,
	})
	if err != nil {
		return nil, err
	}

	if err := c.monitor.VerifyBaseline(); err != nil {
		// Startup tamper: escalate exactly like a tick would, then keep
		// running locked-down rather than refusing to start.
		c.log.Error("baseline mismatch at startup", "error", err.Error())
		c.emergencyLockdown()
		if refreshErr := c.monitor.RefreshBaseline(); refreshErr != nil {
			return nil, refreshErr
		}
	}

	c.audit.Record("info", "security core initialized")
	return c, nil
}

// StartMonitor launches the periodic integrity tick; Close stops it.
func (c *Context) StartMonitor() { c.monitor.Start() }

// Close stops background work and drops the master key. The persisted
// state stays intact; a later New picks it up again.
func (c *Context) Close() {
	c.monitor.Stop()
	c.masterMu.Lock()
	defer c.masterMu.Unlock()
	if c.master != nil {
		c.master.Zeroize()
	}
}

// --- component access ----------------------------------------------------

func (c *Context) Auth() *auth.Controller        { return c.authc }
func (c *Context) Wallets() *walletlock.Registry { return c.wallets }
func (c *Context) Modes() *secmode.Manager       { return c.modes }
func (c *Context) Monitor() *sentinel.Monitor    { return c.monitor }
func (c *Context) Cipher() *cipherbox.Service    { return c.cipher }
func (c *Context) Audit() *AuditLog              { return c.audit }

// DeviceID returns the log-safe device identifier.
func (c *Context) DeviceID() string { return c.identity.Display() }

// --- mutation wrappers (baseline-refreshing) -----------------------------

// Configuration mutations run through these wrappers so the tamper
// baseline re-anchors on every legitimate change; anything that bypasses
// them trips the next monitor tick.

func (c *Context) SetupPrimaryPIN(pin string) error {
	return c.refreshingMutation(func() error { return c.authc.SetupPrimary(pin) })
}

func (c *Context) ChangePrimaryPIN(oldPIN, newPIN string) error {
	return c.refreshingMutation(func() error {
		return c.authc.ChangePrimaryPIN(oldPIN, newPIN, c.rotateMasterKey)
	})
}

func (c *Context) SetDecoyPIN(primaryPIN, pin string) error {
	return c.refreshingMutation(func() error { return c.authc.SetDecoyPIN(primaryPIN, pin) })
}

func (c *Context) SetSelfDestructPIN(primaryPIN, pin string) error {
	return c.refreshingMutation(func() error { return c.authc.SetSelfDestructPIN(primaryPIN, pin) })
}

func (c *Context) RemoveDecoyPIN(primaryPIN string) error {
	return c.refreshingMutation(func() error { return c.authc.RemoveDecoyPIN(primaryPIN) })
}

func (c *Context) RemoveSelfDestructPIN(primaryPIN string) error {
	return c.refreshingMutation(func() error { return c.authc.RemoveSelfDestructPIN(primaryPIN) })
}

func (c *Context) SetWalletLock(id models.WalletID, pin string, autoLock time.Duration, currentPIN string) error {
	return c.refreshingMutation(func() error { return c.wallets.SetLock(id, pin, autoLock, currentPIN) })
}

func (c *Context) RemoveWalletLock(id models.WalletID, pin string) error {
	return c.refreshingMutation(func() error { return c.wallets.RemoveLock(id, pin) })
}

func (c *Context) ConfigureStealth(pin string, hidden []models.WalletID, currentPIN string) error {
	return c.refreshingMutation(func() error { return c.modes.ConfigureStealth(pin, hidden, currentPIN) })
}

func (c *Context) ToggleStealth(pin string, active bool) error {
	return c.refreshingMutation(func() error { return c.modes.ToggleStealth(pin, active) })
}

func (c *Context) ConfigureDecoy(pin string, wallets []models.WalletID, currentPIN string) error {
	return c.refreshingMutation(func() error { return c.modes.ConfigureDecoy(pin, wallets, currentPIN) })
}

func (c *Context) ToggleDecoy(pin string, active bool) error {
	return c.refreshingMutation(func() error { return c.modes.ToggleDecoy(pin, active) })
}

func (c *Context) ConfigurePanic(pin string, action models.PanicAction, targets []models.WalletID, currentPIN string) error {
	return c.refreshingMutation(func() error { return c.modes.ConfigurePanic(pin, action, targets, currentPIN) })
}

func (c *Context) TriggerPanic(pin string) (models.PanicAction, error) {
	action, err := c.modes.TriggerPanic(pin)
	if err != nil {
		return action, err
	}
	return action, c.monitor.RefreshBaseline()
}

func (c *Context) RemoveStealth(pin string) error {
	return c.refreshingMutation(func() error { return c.modes.RemoveStealth(pin) })
}

func (c *Context) RemoveDecoy(pin string) error {
	return c.refreshingMutation(func() error { return c.modes.RemoveDecoy(pin) })
}

func (c *Context) RemovePanic(pin string) error {
	return c.refreshingMutation(func() error { return c.modes.RemovePanic(pin) })
}

func (c *Context) EnterCalculatorMode(pin string) error {
	return c.refreshingMutation(func() error { return c.modes.EnterCalculatorMode(pin) })
}

func (c *Context) ExitCalculatorMode(pin string) error {
	return c.refreshingMutation(func() error { return c.modes.ExitCalculatorMode(pin) })
}

func (c *Context) refreshingMutation(op func() error) error {
	if err := op(); err != nil {
		return err
	}
	return c.monitor.RefreshBaseline()
}

// --- recovery ------------------------------------------------------------

// ExportRecoveryPhrase reveals the device identity mnemonic; the primary
// PIN must authenticate the request.
func (c *Context) ExportRecoveryPhrase(primaryPIN string) (string, error) {
	match, err := c.vault.Matches(auth.RolePrimary, primaryPIN)
	if err != nil {
		return "", err
	}
	if !match {
		return "", fmt.Errorf("%w: primary PIN required", secerr.ErrAuthentication)
	}
	c.audit.Record("warn", "recovery phrase exported")
	return recovery.PhraseFromIdentity(c.identity)
}

// --- destruction and emergencies -----------------------------------------

// SelfDestruct runs the configured wipe tier and drops the master key. The
// single-flight guard means an overlapping call fails fast instead of
// racing passes. A failed wipe still ends deinitialized: the process never
// stays in an authenticated state after destruction was requested.
func (c *Context) SelfDestruct() error {
	return c.destruct(c.policy.Tier())
}

func (c *Context) militaryWipe() error {
	return c.destruct(models.WipeMilitary)
}

func (c *Context) destruct(tier models.WipeTier) error {
	if !c.wipeBusy.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: wipe already running", secerr.ErrBusy)
	}
	defer c.wipeBusy.Store(false)

	c.audit.Record("critical", "secure wipe tier "+string(tier)+" starting")

	var wipeErr error
	if tier == models.WipeMilitary {
		// Overwrite the salt in place before the store passes clear it.
		if err := c.provisioner.EraseSalt(); err != nil {
			wipeErr = err
		}
	}
	if err := c.wiper.Run(tier); err != nil && wipeErr == nil {
		wipeErr = err
	}

	c.masterMu.Lock()
	c.master.Zeroize()
	c.masterMu.Unlock()
	c.destroyed.Store(true)
	c.wallets.Reset()
	c.audit.Reset()

	if wipeErr != nil {
		c.log.Error("wipe finished with errors, core deinitialized anyway", "error", wipeErr.Error())
		return wipeErr
	}
	return nil
}

// Destroyed reports whether a wipe has deinitialized the core.
func (c *Context) Destroyed() bool { return c.destroyed.Load() }

// emergencyLockdown is the non-destructive half of the emergency protocol:
// every wallet locked, stealth on, main session closed.
func (c *Context) emergencyLockdown() {
	c.authc.Lock()
	if err := c.wallets.ForceLockAll(); err != nil {
		c.log.Error("emergency wallet lock failed", "error", err.Error())
	}
	if err := c.modes.ForceStealthOn(); err != nil {
		c.log.Error("emergency stealth activation failed", "error", err.Error())
	}
}

// onUnlock reacts to sessions opened by the auth controller.
func (c *Context) onUnlock(decoy bool) {
	if decoy {
		c.met.DecoyUnlocks.Inc()
		if err := c.modes.ActivateDecoyView(); err != nil {
			c.log.Error("decoy view activation failed", "error", err.Error())
		}
		// The activation touched covered configuration.
		if err := c.monitor.RefreshBaseline(); err != nil {
			c.log.Error("baseline refresh after decoy activation failed", "error", err.Error())
		}
		return
	}
	c.met.Unlocks.Inc()
}

// rotateMasterKey swaps in a fresh salt and key. CPU-bound; the PIN change
// single-flight guard serializes callers.
func (c *Context) rotateMasterKey() error {
	salt, err := c.provisioner.RotateSalt(c.identity)
	if err != nil {
		return err
	}
	started := time.Now()
	fresh := keyderive.DeriveMasterKey(c.identity, salt)
	c.met.DeriveDurations.Observe(time.Since(started).Seconds())

	c.masterMu.Lock()
	old := c.master
	c.master = fresh
	c.cipher.Swap(fresh)
	c.masterMu.Unlock()
	if old != nil {
		old.Zeroize()
	}
	c.audit.Record("info", "master key rotated")
	return nil
}

// VisibleWallets filters the collaborator's wallet list through the active
// modes.
func (c *Context) VisibleWallets(all []models.WalletID) []models.WalletID {
	return c.modes.VisibleWallets(all)
}

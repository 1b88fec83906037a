package auth

import (
	"fmt"
	"sync/atomic"

	"moneta/security-core/pkg/secerr"
)

// changeGuard is the single-flight guard for the change flow. The
// rotation it triggers re-derives the master key, which is slow; a second
// overlapping change must fail fast instead of interleaving.
type changeGuard struct {
	busy atomic.Bool
}

func (g *changeGuard) acquire() bool { return g.busy.CompareAndSwap(false, true) }
func (g *changeGuard) release()      { g.busy.Store(false) }

// ChangePrimaryPIN re-authenticates with the old PIN, rotates the master
// key through the injected rotate callback, then installs the new
// credential. The old PIN is verified strictly against the primary role:
// the precedence chain does not apply here, so typing the self-destruct PIN
// into a change form is just a mismatch.
func (c *Controller) ChangePrimaryPIN(oldPIN, newPIN string, rotate func() error) error {
	if err := c.validatePIN(oldPIN); err != nil {
		return err
	}
	if err := c.validatePIN(newPIN); err != nil {
		return err
	}
	if !c.change.acquire() {
		return fmt.Errorf("%w: PIN change already running", secerr.ErrBusy)
	}
	defer c.change.release()

	c.mu.Lock()
	c.refreshLockoutLocked()
	if c.lockout.Active(c.clk.Now()) {
		c.mu.Unlock()
		return fmt.Errorf("%w: PIN change refused during lockout", secerr.ErrLockedOut)
	}
	match, err := c.vault.Matches(RolePrimary, oldPIN)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if !match {
		return fmt.Errorf("%w: old PIN does not match", secerr.ErrAuthentication)
	}

	// Rotation runs outside the state mutex: it is CPU-bound for seconds
	// and must not block state reads. The single-flight guard keeps a
	// second change (and its rotation) out until this one resolves.
	if rotate != nil {
		if err := rotate(); err != nil {
			return fmt.Errorf("master key rotation failed: %w", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.vault.Set(RolePrimary, newPIN); err != nil {
		return err
	}
	c.auditLog("info", "primary PIN changed, master key rotated")
	return nil
}

// SetDecoyPIN and SetSelfDestructPIN install secondary credentials. Both
// require the primary PIN: a secondary role must never be mutable from an
// unauthenticated surface.
func (c *Controller) SetDecoyPIN(primaryPIN, decoyPIN string) error {
	return c.setSecondary(RoleDecoy, primaryPIN, decoyPIN)
}

func (c *Controller) SetSelfDestructPIN(primaryPIN, destructPIN string) error {
	return c.setSecondary(RoleSelfDestruct, primaryPIN, destructPIN)
}

// RemoveDecoyPIN and RemoveSelfDestructPIN drop the secondary credentials.
func (c *Controller) RemoveDecoyPIN(primaryPIN string) error {
	return c.removeSecondary(RoleDecoy, primaryPIN)
}

func (c *Controller) RemoveSelfDestructPIN(primaryPIN string) error {
	return c.removeSecondary(RoleSelfDestruct, primaryPIN)
}

func (c *Controller) setSecondary(role Role, primaryPIN, pin string) error {
	if err := c.validatePIN(pin); err != nil {
		return err
	}
	if err := c.requirePrimary(primaryPIN); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.vault.Set(role, pin); err != nil {
		return err
	}
	c.auditLog("info", fmt.Sprintf("%s credential configured", role))
	return nil
}

func (c *Controller) removeSecondary(role Role, primaryPIN string) error {
	if err := c.requirePrimary(primaryPIN); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.vault.Clear(role); err != nil {
		return err
	}
	c.auditLog("info", fmt.Sprintf("%s credential removed", role))
	return nil
}

func (c *Controller) requirePrimary(primaryPIN string) error {
	if err := c.validatePIN(primaryPIN); err != nil {
		return err
	}
	c.mu.Lock()
	c.refreshLockoutLocked()
	locked := c.lockout.Active(c.clk.Now())
	c.mu.Unlock()
	if locked {
		return fmt.Errorf("%w: refused during lockout", secerr.ErrLockedOut)
	}
	match, err := c.vault.Matches(RolePrimary, primaryPIN)
	if err != nil {
		return err
	}
	if !match {
		return fmt.Errorf("%w: primary PIN required", secerr.ErrAuthentication)
	}
	return nil
}

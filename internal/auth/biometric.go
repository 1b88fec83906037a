package auth

import (
	"fmt"

	"moneta/security-core/pkg/models"
	"moneta/security-core/pkg/secerr"
)

// BiometricProvider is the platform biometric surface. Availability and
// enrollment are separate conditions so the UI can prompt for the right fix.
type BiometricProvider interface {
	IsAvailable() bool
	Authenticate(reason string) models.BiometricOutcome
}

// AuthenticateBiometric is the alternate success path into the same
// Unlocked transition as a primary PIN match. It shares the lockout gate;
// a provider outcome is reported as-is, never silently downgraded to a PIN
// prompt.
func (c *Controller) AuthenticateBiometric(provider BiometricProvider, reason string) (models.BiometricOutcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.refreshLockoutLocked()
	if c.lockout.Active(c.clk.Now()) {
		return models.BiometricLockedOut, fmt.Errorf("%w: biometric refused during lockout", secerr.ErrLockedOut)
	}
	if provider == nil || !provider.IsAvailable() {
		return models.BiometricNotAvailable, fmt.Errorf("%w: biometric hardware unavailable", secerr.ErrAuthentication)
	}

	outcome := provider.Authenticate(reason)
	switch outcome {
	case models.BiometricSuccess:
		c.unlockLocked(false)
		return outcome, nil
	case models.BiometricNotEnrolled:
		return outcome, fmt.Errorf("%w: no biometrics enrolled", secerr.ErrAuthentication)
	case models.BiometricLockedOut:
		return outcome, fmt.Errorf("%w: platform biometric lockout", secerr.ErrLockedOut)
	case models.BiometricNotAvailable:
		return outcome, fmt.Errorf("%w: biometric hardware unavailable", secerr.ErrAuthentication)
	default:
		// A plain mismatch counts against the shared attempt budget like a
		// wrong PIN.
		if _, err := c.failLocked(c.clk.Now()); err != nil {
			return models.BiometricFailed, err
		}
		return models.BiometricFailed, fmt.Errorf("%w: biometric mismatch", secerr.ErrAuthentication)
	}
}

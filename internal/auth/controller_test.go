package auth

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"moneta/security-core/internal/cipherbox"
	"moneta/security-core/internal/config"
	"moneta/security-core/internal/keyderive"
	"moneta/security-core/internal/securestore"
	"moneta/security-core/pkg/models"
	"moneta/security-core/pkg/secerr"
)

// Master key derivation is deliberately slow; the whole package shares one.
var (
	deriveOnce   sync.Once
	sharedCipher *cipherbox.Service
)

func testCipher(t *testing.T) *cipherbox.Service {
	t.Helper()
	deriveOnce.Do(func() {
		var id keyderive.DeviceIdentity
		var salt keyderive.Salt
		for i := range id {
			id[i] = byte(i)
		}
		salt[0] = 0x11
		sharedCipher = cipherbox.New(keyderive.DeriveMasterKey(id, salt), id)
	})
	return sharedCipher
}

type testRig struct {
	store      *securestore.MemoryStore
	mock       *clock.Mock
	controller *Controller
	destructed bool
	unlocks    []bool
}

func newRig(t *testing.T, mutate func(*config.Policy)) *testRig {
	t.Helper()
	policy := config.Default()
	if mutate != nil {
		mutate(&policy)
	}
	rig := &testRig{
		store: securestore.NewMemoryStore(),
		mock:  clock.NewMock(),
	}
	vault := NewCredentialVault(rig.store, testCipher(t))
	controller, err := NewController(ControllerOptions{
		Vault:  vault,
		Store:  rig.store,
		Policy: policy,
		Clock:  rig.mock,
		OnSelfDestruct: func() error {
			rig.destructed = true
			return nil
		},
		OnUnlock: func(decoy bool) { rig.unlocks = append(rig.unlocks, decoy) },
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	rig.controller = controller
	return rig
}

func TestSetupPrimaryOnlyOnce(t *testing.T) {
	rig := newRig(t, nil)
	if err := rig.controller.SetupPrimary("135792"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := rig.controller.SetupPrimary("111111"); !errors.Is(err, secerr.ErrAuthentication) {
		t.Fatalf("second setup must be refused, got %v", err)
	}
}

func TestSubmitPINValidation(t *testing.T) {
	rig := newRig(t, nil)
	if _, err := rig.controller.SubmitPIN("12"); !errors.Is(err, secerr.ErrValidation) {
		t.Fatalf("short PIN must fail validation, got %v", err)
	}
	if _, err := rig.controller.SubmitPIN("12a456"); !errors.Is(err, secerr.ErrValidation) {
		t.Fatalf("non-digit PIN must fail validation, got %v", err)
	}
}

func TestLockoutScenario(t *testing.T) {
	rig := newRig(t, nil)
	c := rig.controller
	if err := c.SetupPrimary("135792"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	start := rig.mock.Now()

	for i := 0; i < 4; i++ {
		if _, err := c.SubmitPIN("000000"); !errors.Is(err, secerr.ErrAuthentication) {
			t.Fatalf("attempt %d: expected ErrAuthentication, got %v", i, err)
		}
	}
	if _, err := c.SubmitPIN("000000"); !errors.Is(err, secerr.ErrLockedOut) {
		t.Fatalf("fifth failure must open the lockout, got %v", err)
	}
	if c.State() != models.StateLockedOut {
		t.Fatalf("state = %q, want locked_out", c.State())
	}
	lockout := c.Lockout()
	if lockout.FailedAttempts != 5 {
		t.Fatalf("failed attempts = %d, want 5", lockout.FailedAttempts)
	}
	if lockout.LockoutUntil == nil || !lockout.LockoutUntil.Equal(start.Add(30*time.Minute)) {
		t.Fatalf("lockout until = %v, want start+30m", lockout.LockoutUntil)
	}

	// The correct PIN is still refused while the window is open, and the
	// refusal does not burn another attempt.
	rig.mock.Add(time.Minute)
	if _, err := c.SubmitPIN("135792"); !errors.Is(err, secerr.ErrLockedOut) {
		t.Fatalf("submission during lockout must be refused, got %v", err)
	}
	if c.Lockout().FailedAttempts != 5 {
		t.Fatal("refused submissions must not increment the counter")
	}

	// Past the window the correct PIN unlocks and resets the bookkeeping.
	rig.mock.Add(30 * time.Minute)
	result, err := c.SubmitPIN("135792")
	if err != nil {
		t.Fatalf("unlock after lockout: %v", err)
	}
	if result.State != models.StateUnlocked || result.Decoy {
		t.Fatalf("unexpected result %+v", result)
	}
	if c.Lockout().FailedAttempts != 0 {
		t.Fatal("unlock must reset the failure counter")
	}
	session := c.Session()
	if !session.UnlockedAt.Equal(rig.mock.Now()) {
		t.Fatalf("session unlockedAt = %v, want %v", session.UnlockedAt, rig.mock.Now())
	}
}

func TestThrottleRunsAheadOfLockout(t *testing.T) {
	rig := newRig(t, func(p *config.Policy) { p.MaxAttempts = 100 })
	c := rig.controller
	if err := c.SetupPrimary("135792"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := c.SubmitPIN("000000"); !errors.Is(err, secerr.ErrAuthentication) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if _, err := c.SubmitPIN("000000"); !errors.Is(err, secerr.ErrLockedOut) {
		t.Fatalf("burst exhaustion must throttle, got %v", err)
	}
	if c.Lockout().FailedAttempts != 5 {
		t.Fatal("throttled submissions must not reach the attempt counter")
	}
	rig.mock.Add(10 * time.Second)
	if _, err := c.SubmitPIN("000000"); !errors.Is(err, secerr.ErrAuthentication) {
		t.Fatalf("refilled budget must reach verification again, got %v", err)
	}
}

func TestSelfDestructPrecedenceWins(t *testing.T) {
	rig := newRig(t, nil)
	c := rig.controller
	if err := c.SetupPrimary("135792"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	// All three roles deliberately share a PIN; the most destructive
	// interpretation has to win.
	if err := c.SetDecoyPIN("135792", "777777"); err != nil {
		t.Fatalf("set decoy: %v", err)
	}
	if err := c.SetSelfDestructPIN("135792", "777777"); err != nil {
		t.Fatalf("set self-destruct: %v", err)
	}

	result, err := c.SubmitPIN("777777")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !result.SelfDestructed {
		t.Fatal("self-destruct must take precedence over decoy")
	}
	if !rig.destructed {
		t.Fatal("wipe routine must have run")
	}
	if c.State() != models.StateLocked {
		t.Fatalf("post-destruct state = %q, want locked", c.State())
	}
	if _, found, _ := rig.store.Read("auth.credential.primary"); found {
		t.Fatal("credentials must be gone after self-destruct")
	}
}

func TestDecoyUnlock(t *testing.T) {
	rig := newRig(t, nil)
	c := rig.controller
	if err := c.SetupPrimary("135792"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := c.SetDecoyPIN("135792", "224466"); err != nil {
		t.Fatalf("set decoy: %v", err)
	}
	result, err := c.SubmitPIN("224466")
	if err != nil {
		t.Fatalf("decoy submit: %v", err)
	}
	if !result.Decoy || result.State != models.StateUnlocked {
		t.Fatalf("unexpected result %+v", result)
	}
	if !c.Session().Decoy {
		t.Fatal("session must be marked decoy")
	}
	if len(rig.unlocks) != 1 || !rig.unlocks[0] {
		t.Fatalf("unlock hook must report decoy=true, got %v", rig.unlocks)
	}
}

func TestLockoutSurvivesRestart(t *testing.T) {
	rig := newRig(t, nil)
	if err := rig.controller.SetupPrimary("135792"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	for i := 0; i < 5; i++ {
		_, _ = rig.controller.SubmitPIN("000000")
	}
	if rig.controller.State() != models.StateLockedOut {
		t.Fatal("lockout must be open")
	}

	// Same store, fresh controller: killing the process resets nothing.
	restarted, err := NewController(ControllerOptions{
		Vault:  NewCredentialVault(rig.store, testCipher(t)),
		Store:  rig.store,
		Policy: config.Default(),
		Clock:  rig.mock,
	})
	if err != nil {
		t.Fatalf("restart controller: %v", err)
	}
	if restarted.State() != models.StateLockedOut {
		t.Fatalf("restarted state = %q, want locked_out", restarted.State())
	}
	if restarted.Lockout().FailedAttempts != 5 {
		t.Fatal("failure counter must survive restarts")
	}
}

func TestAutoLockTimer(t *testing.T) {
	rig := newRig(t, nil)
	c := rig.controller
	if err := c.SetupPrimary("135792"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, err := c.SubmitPIN("135792"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if c.State() != models.StateUnlocked {
		t.Fatal("must be unlocked")
	}

	rig.mock.Add(config.Default().AutoLockDuration + time.Second)
	deadline := time.Now().Add(2 * time.Second)
	for c.State() != models.StateLocked {
		if time.Now().After(deadline) {
			t.Fatalf("auto-lock timer never fired, state = %q", c.State())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestChangePrimaryPIN(t *testing.T) {
	rig := newRig(t, nil)
	c := rig.controller
	if err := c.SetupPrimary("135792"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := c.SetSelfDestructPIN("135792", "999999"); err != nil {
		t.Fatalf("set self-destruct: %v", err)
	}

	rotations := 0
	rotate := func() error { rotations++; return nil }

	if err := c.ChangePrimaryPIN("000000", "864200", rotate); !errors.Is(err, secerr.ErrAuthentication) {
		t.Fatalf("wrong old PIN must be refused, got %v", err)
	}
	// The change flow verifies strictly against the primary role: the
	// self-destruct PIN is just a mismatch here, not a trigger.
	if err := c.ChangePrimaryPIN("999999", "864200", rotate); !errors.Is(err, secerr.ErrAuthentication) {
		t.Fatalf("self-destruct PIN in the change form must only mismatch, got %v", err)
	}
	if rig.destructed {
		t.Fatal("the change flow must never trigger the wipe")
	}
	if rotations != 0 {
		t.Fatal("rotation must not run for refused changes")
	}

	if err := c.ChangePrimaryPIN("135792", "864200", rotate); err != nil {
		t.Fatalf("change failed: %v", err)
	}
	if rotations != 1 {
		t.Fatalf("rotations = %d, want 1", rotations)
	}
	if _, err := c.SubmitPIN("135792"); !errors.Is(err, secerr.ErrAuthentication) {
		t.Fatalf("old PIN must stop working, got %v", err)
	}
	if _, err := c.SubmitPIN("864200"); err != nil {
		t.Fatalf("new PIN must unlock: %v", err)
	}
}

func TestSecondaryCredentialsRequirePrimary(t *testing.T) {
	rig := newRig(t, nil)
	c := rig.controller
	if err := c.SetupPrimary("135792"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := c.SetDecoyPIN("000000", "224466"); !errors.Is(err, secerr.ErrAuthentication) {
		t.Fatalf("wrong primary must refuse decoy setup, got %v", err)
	}
	if err := c.SetDecoyPIN("135792", "224466"); err != nil {
		t.Fatalf("set decoy: %v", err)
	}
	if err := c.RemoveDecoyPIN("000000"); !errors.Is(err, secerr.ErrAuthentication) {
		t.Fatalf("wrong primary must refuse removal, got %v", err)
	}
	if err := c.RemoveDecoyPIN("135792"); err != nil {
		t.Fatalf("remove decoy: %v", err)
	}
	if _, err := c.SubmitPIN("224466"); !errors.Is(err, secerr.ErrAuthentication) {
		t.Fatalf("removed decoy PIN must be a plain mismatch, got %v", err)
	}
}

type fakeBiometric struct {
	available bool
	outcome   models.BiometricOutcome
}

func (f *fakeBiometric) IsAvailable() bool { return f.available }

func (f *fakeBiometric) Authenticate(string) models.BiometricOutcome { return f.outcome }

func TestBiometricOutcomes(t *testing.T) {
	rig := newRig(t, nil)
	c := rig.controller
	if err := c.SetupPrimary("135792"); err != nil {
		t.Fatalf("setup: %v", err)
	}

	outcome, err := c.AuthenticateBiometric(&fakeBiometric{available: false}, "unlock")
	if outcome != models.BiometricNotAvailable || err == nil {
		t.Fatalf("unavailable hardware: (%q, %v)", outcome, err)
	}

	outcome, err = c.AuthenticateBiometric(&fakeBiometric{available: true, outcome: models.BiometricFailed}, "unlock")
	if outcome != models.BiometricFailed || !errors.Is(err, secerr.ErrAuthentication) {
		t.Fatalf("mismatch: (%q, %v)", outcome, err)
	}
	if c.Lockout().FailedAttempts != 1 {
		t.Fatal("biometric mismatch must count against the attempt budget")
	}

	outcome, err = c.AuthenticateBiometric(&fakeBiometric{available: true, outcome: models.BiometricSuccess}, "unlock")
	if outcome != models.BiometricSuccess || err != nil {
		t.Fatalf("success: (%q, %v)", outcome, err)
	}
	if c.State() != models.StateUnlocked {
		t.Fatal("biometric success must unlock")
	}
	if c.Lockout().FailedAttempts != 0 {
		t.Fatal("unlock must reset the failure counter")
	}
}

func TestBiometricRefusedDuringLockout(t *testing.T) {
	rig := newRig(t, nil)
	c := rig.controller
	if err := c.SetupPrimary("135792"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	for i := 0; i < 5; i++ {
		_, _ = c.SubmitPIN("000000")
	}
	outcome, err := c.AuthenticateBiometric(&fakeBiometric{available: true, outcome: models.BiometricSuccess}, "unlock")
	if outcome != models.BiometricLockedOut || !errors.Is(err, secerr.ErrLockedOut) {
		t.Fatalf("lockout must gate biometrics: (%q, %v)", outcome, err)
	}
}

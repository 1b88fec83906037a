package models

import (
	"testing"
	"time"
)

func TestParseWipeTier(t *testing.T) {
	cases := []struct {
		in   string
		want WipeTier
		ok   bool
	}{
		{"basic", WipeBasic, true},
		{"SECURE", WipeSecure, true},
		{"  military ", WipeMilitary, true},
		{"paranoid", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		got, ok := ParseWipeTier(c.in)
		if ok != c.ok || got != c.want {
			t.Fatalf("ParseWipeTier(%q) = (%q, %t), want (%q, %t)", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestParsePanicAction(t *testing.T) {
	if got, ok := ParsePanicAction("Wipe_All"); !ok || got != PanicWipeAll {
		t.Fatalf("expected wipe_all, got (%q, %t)", got, ok)
	}
	if _, ok := ParsePanicAction("detonate"); ok {
		t.Fatal("unknown action must not parse")
	}
}

func TestLockoutStateActive(t *testing.T) {
	now := time.Now()
	var state LockoutState
	if state.Active(now) {
		t.Fatal("zero state must not be active")
	}
	until := now.Add(time.Minute)
	state.LockoutUntil = &until
	if !state.Active(now) {
		t.Fatal("future lockout must be active")
	}
	if state.Active(now.Add(2 * time.Minute)) {
		t.Fatal("expired lockout must not be active")
	}
}

func TestWalletIDValid(t *testing.T) {
	if WalletID("").Valid() || WalletID("   ").Valid() {
		t.Fatal("blank wallet ids must be invalid")
	}
	if !WalletID("wallet-1").Valid() {
		t.Fatal("non-blank wallet id must be valid")
	}
}

func TestCredentialIsZero(t *testing.T) {
	if !(Credential{}).IsZero() {
		t.Fatal("empty credential must be zero")
	}
	if (Credential{Hash: "h", Salt: "s"}).IsZero() {
		t.Fatal("populated credential must not be zero")
	}
}

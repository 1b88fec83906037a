package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"moneta/security-core/pkg/models"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default policy must validate: %v", err)
	}
	if cfg.MaxAttempts != 5 || cfg.LockoutDuration != 30*time.Minute {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Tier() != models.WipeSecure {
		t.Fatalf("default tier = %q, want secure", cfg.Tier())
	}
}

func TestLoadFromPathMissingFile(t *testing.T) {
	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file must fall back to defaults: %v", err)
	}
	if cfg != Default() {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadFromPathMerges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	body := "maxAttempts: 3\nwipeTier: military\npinMaxLength: 8\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write policy file: %v", err)
	}
	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.MaxAttempts != 3 {
		t.Fatalf("maxAttempts = %d, want 3", cfg.MaxAttempts)
	}
	if cfg.Tier() != models.WipeMilitary {
		t.Fatalf("tier = %q, want military", cfg.Tier())
	}
	if cfg.PinMaxLength != 8 {
		t.Fatalf("pinMaxLength = %d, want 8", cfg.PinMaxLength)
	}
	// Unset fields keep their defaults.
	if cfg.LockoutDuration != 30*time.Minute {
		t.Fatalf("lockoutDuration = %v, want default", cfg.LockoutDuration)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.WipeTier = "shred"
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown wipe tier must be rejected")
	}
	cfg = Default()
	cfg.PinMinLength = 10
	cfg.PinMaxLength = 4
	if err := cfg.Validate(); err == nil {
		t.Fatal("inverted pin length bounds must be rejected")
	}
}

func TestMergeIgnoresZeroValues(t *testing.T) {
	dst := Default()
	Merge(&dst, Policy{MaxAttempts: 7})
	if dst.MaxAttempts != 7 {
		t.Fatalf("maxAttempts = %d, want 7", dst.MaxAttempts)
	}
	if dst.PinMinLength != 4 || dst.WipeTier != string(models.WipeSecure) {
		t.Fatalf("zero-valued source fields must not clobber defaults: %+v", dst)
	}
}

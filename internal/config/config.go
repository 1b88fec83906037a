// Package config loads the security policy applied by the core: attempt
// limits, lockout and auto-lock windows, monitor cadence and the wipe tier
// armed for emergencies. Values come from an optional YAML file; anything
// unset falls back to the shipped defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"moneta/security-core/pkg/models"
)

type Policy struct {
	MaxAttempts      int           `yaml:"maxAttempts"`
	LockoutDuration  time.Duration `yaml:"lockoutDuration"`
	AutoLockDuration time.Duration `yaml:"autoLockDuration"`
	PinMinLength     int           `yaml:"pinMinLength"`
	PinMaxLength     int           `yaml:"pinMaxLength"`

	MonitorInterval time.Duration `yaml:"monitorInterval"`

	// WipeTier is the tier used by the self-destruct PIN and the panic
	// wipe actions.
	WipeTier string `yaml:"wipeTier"`

	// EmergencyAutoWipe arms the military wipe on tamper detection. Off by
	// default: a false positive heuristic must not destroy data unless the
	// user opted in.
	EmergencyAutoWipe bool `yaml:"emergencyAutoWipe"`

	AuditLogLimit int `yaml:"auditLogLimit"`

	// PinRatePerMinute throttles PIN submissions ahead of the lockout
	// bookkeeping.
	PinRatePerMinute float64 `yaml:"pinRatePerMinute"`
	PinRateBurst     int     `yaml:"pinRateBurst"`
}

func Default() Policy {
	return Policy{
		MaxAttempts:      5,
		LockoutDuration:  30 * time.Minute,
		AutoLockDuration: 5 * time.Minute,
		PinMinLength:     4,
		PinMaxLength:     12,
		MonitorInterval:  60 * time.Second,
		WipeTier:         string(models.WipeSecure),
		AuditLogLimit:    1000,
		PinRatePerMinute: 30,
		PinRateBurst:     5,
	}
}

// LoadFromPath reads a policy file and merges it over the defaults. A
// missing path returns the defaults unchanged.
func LoadFromPath(path string) (Policy, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	var parsed Policy
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	Merge(&cfg, parsed)
	return cfg, cfg.Validate()
}

func Merge(dst *Policy, src Policy) {
	if src.MaxAttempts > 0 {
		dst.MaxAttempts = src.MaxAttempts
	}
	if src.LockoutDuration > 0 {
		dst.LockoutDuration = src.LockoutDuration
	}
	if src.AutoLockDuration > 0 {
		dst.AutoLockDuration = src.AutoLockDuration
	}
	if src.PinMinLength > 0 {
		dst.PinMinLength = src.PinMinLength
	}
	if src.PinMaxLength > 0 {
		dst.PinMaxLength = src.PinMaxLength
	}
	if src.MonitorInterval > 0 {
		dst.MonitorInterval = src.MonitorInterval
	}
	if src.WipeTier != "" {
		dst.WipeTier = src.WipeTier
	}
	if src.EmergencyAutoWipe {
		dst.EmergencyAutoWipe = true
	}
	if src.AuditLogLimit > 0 {
		dst.AuditLogLimit = src.AuditLogLimit
	}
	if src.PinRatePerMinute > 0 {
		dst.PinRatePerMinute = src.PinRatePerMinute
	}
	if src.PinRateBurst > 0 {
		dst.PinRateBurst = src.PinRateBurst
	}
}

func (p Policy) Validate() error {
	if p.PinMinLength > p.PinMaxLength {
		return fmt.Errorf("config: pinMinLength %d exceeds pinMaxLength %d", p.PinMinLength, p.PinMaxLength)
	}
	if _, ok := models.ParseWipeTier(p.WipeTier); !ok {
		return fmt.Errorf("config: unknown wipeTier %q", p.WipeTier)
	}
	return nil
}

// Tier returns the armed wipe tier; Validate guarantees it parses.
func (p Policy) Tier() models.WipeTier {
	tier, _ := models.ParseWipeTier(p.WipeTier)
	return tier
}

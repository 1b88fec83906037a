package sentinel

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"moneta/security-core/internal/cipherbox"
	"moneta/security-core/internal/metrics"
	"moneta/security-core/internal/securestore"
	"moneta/security-core/pkg/secerr"
)

const (
	canaryKeyA = "sentinel.canary.a"
	canaryKeyB = "sentinel.canary.b"

	// timingProbeBudget is how long the timing probe may plausibly take on
	// slow hardware. A debugger single-stepping the probe blows well past
	// it.
	timingProbeBudget = 750 * time.Millisecond
	timingProbeRounds = 2048
)

// Monitor recomputes and verifies the tamper baseline on a periodic tick
// and runs the runtime heuristics. Any failure escalates through the
// emergency protocol; nothing is swallowed.
type Monitor struct {
	mu     sync.Mutex
	store  securestore.Store
	cipher *cipherbox.Service
	clk    clock.Clock
	log    *slog.Logger
	met    *metrics.Set
	audit  func(level, msg string)

	interval time.Duration
	autoWipe bool

	// emergencyLock forces the whole core into a locked, stealth state.
	emergencyLock func()
	// emergencyWipe runs the military wipe tier; only invoked when
	// autoWipe was explicitly configured.
	emergencyWipe func() error

	ticker *clock.Ticker
	done   chan struct{}
}

type Options struct {
	Store         securestore.Store
	Cipher        *cipherbox.Service
	Clock         clock.Clock
	Log           *slog.Logger
	Metrics       *metrics.Set
	Audit         func(level, msg string)
	Interval      time.Duration
	AutoWipe      bool
	EmergencyLock func()
	EmergencyWipe func() error
}

func NewMonitor(opts Options) (*Monitor, error) {
	if opts.Store == nil || opts.Cipher == nil {
		return nil, fmt.Errorf("sentinel: store and cipher are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	return &Monitor{
		store:         opts.Store,
		cipher:        opts.Cipher,
		clk:           opts.Clock,
		log:           opts.Log,
		met:           opts.Metrics,
		audit:         opts.Audit,
		interval:      opts.Interval,
		autoWipe:      opts.AutoWipe,
		emergencyLock: opts.EmergencyLock,
		emergencyWipe: opts.EmergencyWipe,
	}, nil
}

// Start launches the periodic tick. Idempotent; Stop ends it.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ticker != nil {
		return
	}
	m.ticker = m.clk.Ticker(m.interval)
	m.done = make(chan struct{})
	go m.run(m.ticker, m.done)
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ticker == nil {
		return
	}
	m.ticker.Stop()
	close(m.done)
	m.ticker = nil
	m.done = nil
}

func (m *Monitor) run(ticker *clock.Ticker, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := m.Tick(); err != nil {
				m.log.Error("integrity tick failed", "error", err.Error())
			}
		}
	}
}

// RefreshBaseline recomputes and stores the baseline over the current
// configuration with a fresh nonce. Called at provisioning and after every
// legitimate configuration mutation.
func (m *Monitor) RefreshBaseline() error {
	snapshot, err := canonicalSnapshot(m.store)
	if err != nil {
		return err
	}
	nonce, err := newBaselineNonce()
	if err != nil {
		return fmt.Errorf("%w: baseline nonce: %v", secerr.ErrStorage, err)
	}
	return saveBaseline(m.store, computeBaseline(snapshot, nonce, m.clk.Now()))
}

// Tick runs one full verification cycle: baseline comparison first, then
// the runtime heuristics. Exported so tests can drive it without the
// scheduler.
func (m *Monitor) Tick() error {
	if m.met != nil {
		m.met.MonitorTicks.Inc()
	}
	if err := m.VerifyBaseline(); err != nil {
		m.escalate("tamper baseline mismatch")
		return err
	}
	if reason, ok := m.runHeuristics(); !ok {
		m.escalate(reason)
		return fmt.Errorf("%w: %s", secerr.ErrIntegrity, reason)
	}
	return nil
}

// VerifyBaseline recomputes the triple digest over the current snapshot and
// the stored nonce, and compares all three against the persisted baseline.
// A missing baseline is the defined first-boot state.
func (m *Monitor) VerifyBaseline() error {
	baseline, found, err := loadBaseline(m.store)
	if err != nil {
		return err
	}
	if !found {
		return m.RefreshBaseline()
	}
	snapshot, err := canonicalSnapshot(m.store)
	if err != nil {
		return err
	}
	recomputed := computeBaseline(snapshot, baseline.Nonce, baseline.CreatedAt)
	if subtle.ConstantTimeCompare([]byte(recomputed.Primary), []byte(baseline.Primary)) != 1 ||
		subtle.ConstantTimeCompare([]byte(recomputed.Secondary), []byte(baseline.Secondary)) != 1 ||
		subtle.ConstantTimeCompare([]byte(recomputed.Tertiary), []byte(baseline.Tertiary)) != 1 {
		return fmt.Errorf("%w: baseline digests diverge", secerr.ErrIntegrity)
	}
	return nil
}

// TamperCount exposes the persisted escalation counter.
func (m *Monitor) TamperCount() int {
	raw, found, err := m.store.Read(tamperCountStoreKey)
	if err != nil || !found {
		return 0
	}
	n, _ := strconv.Atoi(raw)
	return n
}

// runHeuristics executes the three runtime checks. These are signal, not
// proof: each can false-negative trivially, and the timing probe can
// false-positive under extreme load, which is why escalation wipes only
// when explicitly armed.
func (m *Monitor) runHeuristics() (string, bool) {
	if !m.timingCheck() {
		return "timing anomaly: probe exceeded budget", false
	}
	if !m.canaryCheck() {
		return "canary mismatch: store returned altered sentinel", false
	}
	if !m.digestStabilityCheck() {
		return "digest instability: hash path is not deterministic", false
	}
	return "", true
}

// timingCheck measures a fixed CPU probe with wall-clock time. Debuggers
// and instrumentation stretch it by orders of magnitude.
func (m *Monitor) timingCheck() bool {
	start := time.Now()
	sum := sha256.Sum256([]byte("sentinel.timing.probe"))
	for i := 0; i < timingProbeRounds; i++ {
		sum = sha256.Sum256(sum[:])
	}
	_ = sum
	return time.Since(start) <= timingProbeBudget
}

// canaryCheck writes two random sentinels, reads them straight back and
// removes them. A store that lies about writes fails here.
func (m *Monitor) canaryCheck() bool {
	ok := m.canaryRoundTrip(canaryKeyA) && m.canaryRoundTrip(canaryKeyB)
	_ = m.store.Delete(canaryKeyA)
	_ = m.store.Delete(canaryKeyB)
	return ok
}

func (m *Monitor) canaryRoundTrip(key string) bool {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return false
	}
	value := hex.EncodeToString(raw)
	if err := m.store.Write(key, value); err != nil {
		return false
	}
	got, found, err := m.store.Read(key)
	return err == nil && found && got == value
}

// digestStabilityCheck hashes one random token twice; divergence means the
// hash path itself has been tampered with.
func (m *Monitor) digestStabilityCheck() bool {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return false
	}
	token := hex.EncodeToString(raw)
	return m.cipher.Hash(token) == m.cipher.Hash(token)
}

// escalate runs the emergency protocol: bump the tamper counter, force-lock
// everything, and wipe only if auto-wipe was armed.
func (m *Monitor) escalate(reason string) {
	m.log.Error("integrity violation, running emergency protocol", "reason", reason)
	if m.met != nil {
		m.met.TamperEvents.Inc()
		m.met.EmergencyRuns.Inc()
	}
	if m.audit != nil {
		m.audit("critical", "emergency protocol: "+reason)
	}

	count := m.TamperCount() + 1
	if err := m.store.Write(tamperCountStoreKey, strconv.Itoa(count)); err != nil {
		m.log.Error("tamper counter not persisted", "error", err.Error())
	}

	if m.emergencyLock != nil {
		m.emergencyLock()
	}

	if m.autoWipe && m.emergencyWipe != nil {
		if err := m.emergencyWipe(); err != nil {
			m.log.Error("emergency wipe reported failure", "error", err.Error())
		}
		return
	}

	// The protocol mutated configuration (stealth on, wallets locked);
	// re-anchor the baseline so the next tick verifies the post-emergency
	// state instead of re-escalating forever.
	if err := m.RefreshBaseline(); err != nil {
		m.log.Error("baseline refresh after emergency failed", "error", err.Error())
	}
}

package security

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"moneta/security-core/internal/securestore"
	"moneta/security-core/pkg/models"
)

const auditStoreKey = "audit.log"

// AuditLog is the bounded, append-only record of security events. The
// newest entries win: once the limit is reached the oldest entry is
// dropped. Persistence is best-effort; a store failure must never block a
// security transition.
type AuditLog struct {
	mu      sync.Mutex
	store   securestore.Store
	clk     clock.Clock
	log     *slog.Logger
	limit   int
	entries []models.AuditEntry
}

func NewAuditLog(store securestore.Store, clk clock.Clock, log *slog.Logger, limit int) *AuditLog {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = slog.Default()
	}
	if limit <= 0 {
		limit = 1000
	}
	a := &AuditLog{store: store, clk: clk, log: log, limit: limit}
	a.load()
	return a
}

// Record appends an entry and persists the log.
func (a *AuditLog) Record(level, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, models.AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: a.clk.Now().UTC(),
		Level:     level,
		Message:   message,
	})
	if overflow := len(a.entries) - a.limit; overflow > 0 {
		a.entries = append([]models.AuditEntry(nil), a.entries[overflow:]...)
	}
	a.persistLocked()
}

// Entries returns a copy of the log, oldest first.
func (a *AuditLog) Entries() []models.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.AuditEntry(nil), a.entries...)
}

// Reset drops the in-memory log after a wipe cleared the store.
func (a *AuditLog) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = nil
}

func (a *AuditLog) load() {
	raw, found, err := a.store.Read(auditStoreKey)
	if err != nil || !found {
		return
	}
	var entries []models.AuditEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		a.log.Error("audit log is corrupt, starting fresh")
		return
	}
	a.entries = entries
}

func (a *AuditLog) persistLocked() {
	payload, err := json.Marshal(a.entries)
	if err != nil {
		return
	}
	if err := a.store.Write(auditStoreKey, string(payload)); err != nil {
		a.log.Error("audit log not persisted", "error", err.Error())
	}
}

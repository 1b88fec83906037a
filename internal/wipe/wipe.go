// Package wipe implements the tiered logical data destruction shared by the
// self-destruct PIN, the panic actions and the emergency protocol.
//
// All tiers operate on the key-value abstraction, not on physical storage
// blocks. Whether any pass survives forensics depends entirely on the
// backing store's own overwrite semantics (flash wear-leveling can retain
// old blocks), so this is a best-effort logical erasure contract, not a
// disk-forensics guarantee.
package wipe

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"

	"moneta/security-core/internal/metrics"
	"moneta/security-core/internal/securestore"
	"moneta/security-core/pkg/models"
)

// BulkDataStore is the external wallet/transaction store. The core calls it
// during wipes but does not own its schema.
type BulkDataStore interface {
	ClearAllData() error
	ListWalletIDs() ([]models.WalletID, error)
	DeleteWalletData(id models.WalletID) error
}

const (
	secureTierPasses  = 3
	secureTierEntries = 1000

	militaryPasses        = 7
	militaryQuantumRounds = 10

	defaultEntriesPerPass = 20_000
	entryValueLen         = 64
)

// militaryPatterns are the fixed overwrite bytes of the first three military
// passes; the remaining passes use random patterns.
var militaryPatterns = []byte{0x00, 0xFF, 0x00}

type Wiper struct {
	store securestore.Store
	bulk  BulkDataStore
	log   *slog.Logger
	met   *metrics.Set

	// EntriesPerPass tunes the military tier's write volume. Tests lower
	// it; production keeps the default.
	EntriesPerPass int
}

func New(store securestore.Store, bulk BulkDataStore, log *slog.Logger, met *metrics.Set) *Wiper {
	if log == nil {
		log = slog.Default()
	}
	return &Wiper{
		store:          store,
		bulk:           bulk,
		log:            log,
		met:            met,
		EntriesPerPass: defaultEntriesPerPass,
	}
}

// Run executes one wipe tier to completion. Errors are collected, logged
// and returned after the final pass: a failed pass never aborts the
// remaining ones. Callers must drop the master key afterwards regardless of
// the returned error.
func (w *Wiper) Run(tier models.WipeTier) error {
	w.log.Warn("wipe started", "tier", string(tier))
	if w.met != nil {
		w.met.WipesStarted.WithLabelValues(string(tier)).Inc()
	}

	var firstErr error
	keep := func(err error) {
		if err != nil {
			w.log.Error("wipe step failed, continuing", "error", err.Error())
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	switch tier {
	case models.WipeBasic:
		keep(w.store.DeleteAll())
	case models.WipeSecure:
		for pass := 0; pass < secureTierPasses; pass++ {
			keep(w.store.DeleteAll())
			keep(w.writeRandomKeyedEntries(secureTierEntries))
			keep(w.store.DeleteAll())
			w.completePass(tier, pass)
		}
	case models.WipeMilitary:
		for pass := 0; pass < militaryPasses; pass++ {
			if pass < len(militaryPatterns) {
				keep(w.writePatternEntries(pass, militaryPatterns[pass]))
			} else {
				keep(w.writeRandomEntries(pass, w.EntriesPerPass))
			}
			keep(w.store.DeleteAll())
			w.completePass(tier, pass)
		}
		for round := 0; round < militaryQuantumRounds; round++ {
			keep(w.writeRandomEntries(militaryPasses+round, w.EntriesPerPass))
			keep(w.store.DeleteAll())
			w.completePass(tier, militaryPasses+round)
		}
	default:
		return fmt.Errorf("unknown wipe tier %q", tier)
	}

	if w.bulk != nil {
		keep(w.bulk.ClearAllData())
	}
	w.log.Warn("wipe finished", "tier", string(tier))
	return firstErr
}

// WipeWallets destroys the bulk data of a specific wallet set; the panic
// "wipe selected" action uses it.
func (w *Wiper) WipeWallets(ids []models.WalletID) error {
	if w.bulk == nil {
		return nil
	}
	var firstErr error
	for _, id := range ids {
		if err := w.bulk.DeleteWalletData(id); err != nil {
			w.log.Error("wallet wipe failed, continuing", "wallet_id", id.String(), "error", err.Error())
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (w *Wiper) completePass(tier models.WipeTier, pass int) {
	w.log.Warn("wipe pass complete", "tier", string(tier), "pass", pass)
	if w.met != nil {
		w.met.WipePasses.Inc()
	}
}

func (w *Wiper) writePatternEntries(pass int, pattern byte) error {
	value := make([]byte, entryValueLen)
	for i := range value {
		value[i] = pattern
	}
	encoded := hex.EncodeToString(value)
	for i := 0; i < w.EntriesPerPass; i++ {
		if err := w.store.Write(passKey(pass, i), encoded); err != nil {
			return err
		}
	}
	return nil
}

func (w *Wiper) writeRandomEntries(pass, count int) error {
	value := make([]byte, entryValueLen)
	for i := 0; i < count; i++ {
		if _, err := rand.Read(value); err != nil {
			return err
		}
		if err := w.store.Write(passKey(pass, i), hex.EncodeToString(value)); err != nil {
			return err
		}
	}
	return nil
}

func (w *Wiper) writeRandomKeyedEntries(count int) error {
	key := make([]byte, 16)
	value := make([]byte, entryValueLen)
	for i := 0; i < count; i++ {
		if _, err := rand.Read(key); err != nil {
			return err
		}
		if _, err := rand.Read(value); err != nil {
			return err
		}
		if err := w.store.Write("wipe.scramble."+hex.EncodeToString(key), hex.EncodeToString(value)); err != nil {
			return err
		}
	}
	return nil
}

func passKey(pass, i int) string {
	return fmt.Sprintf("wipe.pass.%02d.%06d", pass, i)
}

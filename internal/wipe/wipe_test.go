package wipe

import (
	"errors"
	"sync"
	"testing"

	"moneta/security-core/internal/metrics"
	"moneta/security-core/internal/securestore"
	"moneta/security-core/pkg/models"
)

// countingStore tracks the traffic a wipe tier generates.
type countingStore struct {
	*securestore.MemoryStore
	mu             sync.Mutex
	writes         int
	deleteAllCalls int
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: securestore.NewMemoryStore()}
}

func (c *countingStore) Write(key, value string) error {
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
	return c.MemoryStore.Write(key, value)
}

func (c *countingStore) DeleteAll() error {
	c.mu.Lock()
	c.deleteAllCalls++
	c.mu.Unlock()
	return c.MemoryStore.DeleteAll()
}

type fakeBulk struct {
	cleared bool
	wallets []models.WalletID
	deleted []models.WalletID
	failOn  models.WalletID
}

func (f *fakeBulk) ClearAllData() error { f.cleared = true; return nil }

func (f *fakeBulk) ListWalletIDs() ([]models.WalletID, error) { return f.wallets, nil }

func (f *fakeBulk) DeleteWalletData(id models.WalletID) error {
	if id == f.failOn {
		return errors.New("wallet data stuck")
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func seed(t *testing.T, store securestore.Store) {
	t.Helper()
	for _, k := range []string{"auth.credential.primary", "keyderive.master_salt", "walletlock.configs"} {
		if err := store.Write(k, "x"); err != nil {
			t.Fatalf("seed %s: %v", k, err)
		}
	}
}

func TestBasicTierClearsEverything(t *testing.T) {
	store := newCountingStore()
	seed(t, store)
	bulk := &fakeBulk{}
	w := New(store, bulk, nil, metrics.NewUnregistered())

	if err := w.Run(models.WipeBasic); err != nil {
		t.Fatalf("basic wipe failed: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("store must be empty, has %d entries", store.Len())
	}
	if !bulk.cleared {
		t.Fatal("bulk data store must be cleared")
	}
}

func TestSecureTierScramblesBetweenClears(t *testing.T) {
	store := newCountingStore()
	seed(t, store)
	w := New(store, &fakeBulk{}, nil, metrics.NewUnregistered())

	if err := w.Run(models.WipeSecure); err != nil {
		t.Fatalf("secure wipe failed: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("store must end empty, has %d entries", store.Len())
	}
	// Three passes: clear, 1000 scramble writes, clear.
	if store.deleteAllCalls != secureTierPasses*2 {
		t.Fatalf("deleteAll calls = %d, want %d", store.deleteAllCalls, secureTierPasses*2)
	}
	if store.writes < secureTierPasses*secureTierEntries {
		t.Fatalf("writes = %d, want at least %d", store.writes, secureTierPasses*secureTierEntries)
	}
}

func TestMilitaryTierPassStructure(t *testing.T) {
	store := newCountingStore()
	seed(t, store)
	w := New(store, &fakeBulk{}, nil, metrics.NewUnregistered())
	w.EntriesPerPass = 25

	if err := w.Run(models.WipeMilitary); err != nil {
		t.Fatalf("military wipe failed: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("store must end empty, has %d entries", store.Len())
	}
	wantClears := militaryPasses + militaryQuantumRounds
	if store.deleteAllCalls != wantClears {
		t.Fatalf("deleteAll calls = %d, want %d", store.deleteAllCalls, wantClears)
	}
	if store.writes != wantClears*25 {
		t.Fatalf("writes = %d, want %d", store.writes, wantClears*25)
	}
}

func TestUnknownTierRejected(t *testing.T) {
	w := New(securestore.NewMemoryStore(), nil, nil, nil)
	if err := w.Run(models.WipeTier("shred")); err == nil {
		t.Fatal("unknown tier must be rejected")
	}
}

func TestWipeContinuesPastFailures(t *testing.T) {
	mem := securestore.NewMemoryStore()
	mem.FailWrites = true
	bulk := &fakeBulk{}
	w := New(mem, bulk, nil, nil)
	w.EntriesPerPass = 5

	err := w.Run(models.WipeMilitary)
	if err == nil {
		t.Fatal("expected the collected store failure")
	}
	if !bulk.cleared {
		t.Fatal("bulk clear must still run after store failures")
	}
}

func TestWipeWalletsContinuesPastFailures(t *testing.T) {
	bulk := &fakeBulk{failOn: "wallet-b"}
	w := New(securestore.NewMemoryStore(), bulk, nil, nil)

	err := w.WipeWallets([]models.WalletID{"wallet-a", "wallet-b", "wallet-c"})
	if err == nil {
		t.Fatal("expected the collected wallet failure")
	}
	if len(bulk.deleted) != 2 || bulk.deleted[0] != "wallet-a" || bulk.deleted[1] != "wallet-c" {
		t.Fatalf("remaining wallets must still be wiped, got %v", bulk.deleted)
	}
}

func TestWipeWalletsWithoutBulkStore(t *testing.T) {
	w := New(securestore.NewMemoryStore(), nil, nil, nil)
	if err := w.WipeWallets([]models.WalletID{"wallet-a"}); err != nil {
		t.Fatalf("missing bulk store must be a no-op: %v", err)
	}
}
